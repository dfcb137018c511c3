package chain

import (
	"bytes"
	"embed"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abi/*.json
var abiFS embed.FS

func loadEmbedded(name string) (abi.ABI, error) {
	raw, err := abiFS.ReadFile("abi/" + name)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read embedded abi %s: %w", name, err)
	}
	return parseABI(raw)
}

func loadFile(path string) (abi.ABI, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("read abi %s: %w", path, err)
	}
	return parseABI(raw)
}

func parseABI(raw []byte) (abi.ABI, error) {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("parse abi: %w", err)
	}
	return parsed, nil
}

func mustEmbedded(name string) abi.ABI {
	parsed, err := loadEmbedded(name)
	if err != nil {
		panic(err)
	}
	return parsed
}

var (
	swapABI      = mustEmbedded("swap.json")
	multicallABI = mustEmbedded("multicall3.json")
	erc20ABI     = mustEmbedded("erc20.json")
)

// SwapABI returns the embedded swap contract ABI.
func SwapABI() abi.ABI { return swapABI }

// MulticallABI returns the embedded Multicall3 ABI.
func MulticallABI() abi.ABI { return multicallABI }

// ERC20ABI returns the embedded ERC-20 metadata ABI.
func ERC20ABI() abi.ABI { return erc20ABI }
