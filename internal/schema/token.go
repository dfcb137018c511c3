package schema

import "github.com/ethereum/go-ethereum/common"

// DefaultDecimals is assumed when a token's decimals cannot be read.
const DefaultDecimals uint8 = 18

// TokenMetadata describes an ERC-20 token. It is immutable once resolved.
type TokenMetadata struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
	Name     string
	Icon     string
}

// FallbackTokenMetadata builds the best-effort record used when reads fail.
func FallbackTokenMetadata(addr common.Address) TokenMetadata {
	hex := addr.Hex()
	symbol := hex
	if len(hex) > 10 {
		symbol = hex[:6] + "..." + hex[len(hex)-4:]
	}
	return TokenMetadata{
		Address:  addr,
		Symbol:   symbol,
		Decimals: DefaultDecimals,
		Name:     hex,
	}
}
