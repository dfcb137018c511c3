package chain

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coachpo/swapbook/errs"
)

// TokenInfo is the raw ERC-20 metadata read from chain.
type TokenInfo struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// ERC20 reads token metadata, aggregating the three reads when possible.
type ERC20 struct {
	session   *Session
	multicall *Multicall
}

// NewERC20 constructs a reader. multicall may be nil.
func NewERC20(session *Session, multicall *Multicall) *ERC20 {
	return &ERC20{session: session, multicall: multicall}
}

var erc20Methods = [...]string{"symbol", "decimals", "name"}

// Info reads symbol, decimals and name for token. Any failed constituent
// fails the whole read.
func (e *ERC20) Info(ctx context.Context, token common.Address) (TokenInfo, error) {
	payloads := make([][]byte, len(erc20Methods))
	for i, method := range erc20Methods {
		data, err := erc20ABI.Pack(method)
		if err != nil {
			return TokenInfo{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("pack "+method), errs.WithCause(err))
		}
		payloads[i] = data
	}

	responses := make([][]byte, len(erc20Methods))
	if e.multicall.Available(ctx) {
		calls := make([]Call, len(payloads))
		for i, data := range payloads {
			calls[i] = Call{Target: token, CallData: data}
		}
		results, err := e.multicall.Aggregate(ctx, calls)
		if err != nil {
			return TokenInfo{}, err
		}
		for i, result := range results {
			if !result.Success {
				return TokenInfo{}, errs.New(component, errs.CodeReverted,
					errs.WithMessage(erc20Methods[i]+" failed"),
					errs.WithField("token", token.Hex()))
			}
			responses[i] = result.ReturnData
		}
	} else {
		for i, data := range payloads {
			out, err := e.session.Call(ctx, erc20Methods[i], token, data)
			if err != nil {
				return TokenInfo{}, err
			}
			responses[i] = out
		}
	}

	symbol, err := decodeText("symbol", responses[0])
	if err != nil {
		return TokenInfo{}, err
	}
	decimals, err := erc20ABI.Unpack("decimals", responses[1])
	if err != nil || len(decimals) == 0 {
		return TokenInfo{}, decodeError("decimals", fmt.Errorf("unpack: %v", err))
	}
	dec, ok := decimals[0].(uint8)
	if !ok {
		return TokenInfo{}, decodeError("decimals", fmt.Errorf("unexpected type %T", decimals[0]))
	}
	name, err := decodeText("name", responses[2])
	if err != nil {
		return TokenInfo{}, err
	}
	return TokenInfo{Symbol: symbol, Name: name, Decimals: dec}, nil
}

// decodeText accepts both string and legacy bytes32 return values.
func decodeText(method string, data []byte) (string, error) {
	values, err := erc20ABI.Unpack(method, data)
	if err == nil && len(values) == 1 {
		if text, ok := values[0].(string); ok {
			return strings.TrimSpace(text), nil
		}
	}
	if len(data) == 32 {
		return strings.TrimSpace(string(bytes.TrimRight(data, "\x00"))), nil
	}
	if err == nil {
		err = fmt.Errorf("unexpected output")
	}
	return "", decodeError(method, err)
}
