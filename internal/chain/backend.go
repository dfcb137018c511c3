// Package chain is the only place swapbook talks to an EVM node. Every read
// is routed through the RPC scheduler and every transport failure is
// classified into an errs envelope before it leaves the package.
package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/coachpo/swapbook/errs"
)

const component = "chain"

// Backend is the subset of *ethclient.Client the engine consumes.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// Dialer opens a fresh backend connection.
type Dialer func(ctx context.Context) (Backend, error)

// EthDialer returns a Dialer that connects to url with go-ethereum's client.
// Subscriptions require a websocket or IPC endpoint.
func EthDialer(url string, timeout time.Duration) Dialer {
	url = strings.TrimSpace(url)
	return func(ctx context.Context) (Backend, error) {
		if url == "" {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("rpc url required"))
		}
		dialCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		client, err := ethclient.DialContext(dialCtx, url)
		if err != nil {
			return nil, Classify(err, errs.WithMessage("dial node"), errs.WithField("url", url))
		}
		return client, nil
	}
}
