package chain_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/chain"
	"github.com/coachpo/swapbook/internal/chain/chaintest"
	"github.com/coachpo/swapbook/internal/schema"
	"github.com/coachpo/swapbook/internal/scheduler"
)

var (
	maker = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	taker = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

func connect(t *testing.T, fake *chaintest.Backend) *chain.Session {
	t.Helper()
	sched := scheduler.New(scheduler.Config{MaxConcurrent: 4, RateLimitCooldown: time.Millisecond})
	session := chain.NewSession(sched)
	backend, err := fake.Dialer()(context.Background())
	require.NoError(t, err)
	session.Attach(backend)
	t.Cleanup(session.Detach)
	return session
}

func TestClassifyMapsTransportErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want errs.Code
	}{
		{"limit exceeded", chaintest.ErrRateLimited, errs.CodeRateLimited},
		{"too many requests code", &chaintest.RPCError{Code: -32029, Message: "slow down"}, errs.CodeRateLimited},
		{"http 429", rpc.HTTPError{StatusCode: 429, Status: "429 Too Many Requests"}, errs.CodeRateLimited},
		{"http 503", rpc.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, errs.CodeUnavailable},
		{"rate limit text", errors.New("daily rate limit reached"), errs.CodeRateLimited},
		{"reverted", chaintest.ErrReverted, errs.CodeReverted},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), errs.CodeTimeout},
		{"refused", chaintest.ErrDialFailed, errs.CodeNetwork},
		{"closed", chaintest.ErrClosed, errs.CodeNetwork},
		{"client quit", rpc.ErrClientQuit, errs.CodeClosed},
		{"other", errors.New("boom"), errs.CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := chain.Classify(tc.err)
			require.Equal(t, tc.want, errs.CodeOf(err))
			require.Equal(t, tc.err, errors.Unwrap(err))
		})
	}

	require.NoError(t, chain.Classify(nil))
	envelope := errs.New("x", errs.CodeStale)
	require.Same(t, envelope, chain.Classify(envelope))
}

func TestSessionWithoutBackendIsUnavailable(t *testing.T) {
	session := chain.NewSession(scheduler.New(scheduler.DefaultConfig()))
	_, err := session.Call(context.Background(), "nextOrderId", chaintest.SwapAddress, []byte{1, 2, 3, 4})
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.ErrorIs(t, err, chain.ErrSessionClosed)
	require.False(t, session.Connected())
}

func TestSwapContractReads(t *testing.T) {
	fake := chaintest.New()
	fake.SetWindows(600, 120)
	fake.SetContractState(maker, true)
	fake.PutOrder(4, chaintest.Order{
		Maker: maker, Taker: taker,
		SellToken: weth, SellAmount: big.NewInt(50),
		BuyToken: usdc, BuyAmount: big.NewInt(100),
		Timestamp: 1_700_000_000, Status: 1, Tries: 2,
	})
	session := connect(t, fake)
	swap, err := chain.NewSwapContract(session, chaintest.SwapAddress, "")
	require.NoError(t, err)
	ctx := context.Background()

	next, err := swap.NextOrderID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), next)

	windows, err := swap.Windows(ctx)
	require.NoError(t, err)
	require.Equal(t, schema.Windows{OrderExpirySeconds: 600, GracePeriodSeconds: 120}, windows)

	owner, err := swap.Owner(ctx)
	require.NoError(t, err)
	require.Equal(t, maker, owner)
	disabled, err := swap.TradingDisabled(ctx)
	require.NoError(t, err)
	require.True(t, disabled)

	order, err := swap.Order(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), order.ID)
	require.Equal(t, maker, order.Maker)
	require.Equal(t, taker, order.Taker)
	require.Equal(t, weth, order.SellToken)
	require.Equal(t, int64(50), order.SellAmount.Int64())
	require.Equal(t, usdc, order.BuyToken)
	require.Equal(t, int64(100), order.BuyAmount.Int64())
	require.Equal(t, int64(1_700_000_000), order.CreatedAt)
	require.Equal(t, schema.StatusFilled, order.Status)
	require.Equal(t, uint64(2), order.RetryCount)

	empty, err := swap.Order(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, common.Address{}, empty.Maker)

	fake.FailOrder(4)
	_, err = swap.Order(ctx, 4)
	require.True(t, errs.Is(err, errs.CodeReverted))
}

func TestSwapContractRetriesThroughRateLimits(t *testing.T) {
	fake := chaintest.New()
	fake.SetNextOrderID(9)
	session := connect(t, fake)
	swap, err := chain.NewSwapContract(session, chaintest.SwapAddress, "")
	require.NoError(t, err)

	fake.RateLimitNext(3)
	next, err := swap.NextOrderID(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), next)
}

func TestParseLogDecodesLifecycleEvents(t *testing.T) {
	session := chain.NewSession(scheduler.New(scheduler.DefaultConfig()))
	swap, err := chain.NewSwapContract(session, chaintest.SwapAddress, "")
	require.NoError(t, err)
	require.True(t, swap.SupportsEvent(chain.EventRetryOrder))
	require.Len(t, swap.EventTopics(), 5)

	order := chaintest.Order{
		Maker: maker, Taker: schema.OpenTaker,
		SellToken: weth, SellAmount: big.NewInt(7),
		BuyToken: usdc, BuyAmount: big.NewInt(11),
		Timestamp: 1_700_000_123,
	}

	created, err := swap.ParseLog(chaintest.CreatedLog(12, order, 150))
	require.NoError(t, err)
	require.Equal(t, chain.EventOrderCreated, created.Kind)
	require.Equal(t, uint64(12), created.OrderID)
	require.Equal(t, maker, created.Maker)
	require.Equal(t, schema.OpenTaker, created.Taker)
	require.Equal(t, int64(7), created.SellAmount.Int64())
	require.Equal(t, int64(11), created.BuyAmount.Int64())
	require.Equal(t, int64(1_700_000_123), created.Timestamp)
	require.Equal(t, uint64(150), created.BlockNumber)
	require.Equal(t, schema.StatusActive, created.Order().Status)

	filled, err := swap.ParseLog(chaintest.FilledLog(12, order, 151))
	require.NoError(t, err)
	require.Equal(t, chain.EventOrderFilled, filled.Kind)

	canceled, err := swap.ParseLog(chaintest.CanceledLog(13, maker, 1_700_000_200, 152))
	require.NoError(t, err)
	require.Equal(t, chain.EventOrderCanceled, canceled.Kind)
	require.Equal(t, uint64(13), canceled.OrderID)

	cleaned, err := swap.ParseLog(chaintest.CleanedUpLog(14, taker, 1_700_000_300, 153))
	require.NoError(t, err)
	require.Equal(t, chain.EventOrderCleanedUp, cleaned.Kind)
	require.Equal(t, taker, cleaned.Cleaner)

	retry, err := swap.ParseLog(chaintest.RetryLog(14, 20, maker, 3, 1_700_000_400, 154))
	require.NoError(t, err)
	require.Equal(t, chain.EventRetryOrder, retry.Kind)
	require.Equal(t, uint64(14), retry.OrderID)
	require.Equal(t, uint64(20), retry.NewOrderID)
	require.Equal(t, uint64(3), retry.Tries)
	require.Equal(t, int64(1_700_000_400), retry.Timestamp)

	bogus := chaintest.CreatedLog(1, order, 1)
	bogus.Topics[0] = common.HexToHash("0x01")
	_, err = swap.ParseLog(bogus)
	require.True(t, errs.Is(err, errs.CodeDecode))
}

func TestMulticallAggregateKeepsPerCallOutcome(t *testing.T) {
	fake := chaintest.New()
	fake.PutOrder(0, chaintest.Order{Maker: maker, SellAmount: big.NewInt(1), BuyAmount: big.NewInt(2)})
	fake.PutOrder(1, chaintest.Order{Maker: taker, SellAmount: big.NewInt(3), BuyAmount: big.NewInt(4)})
	fake.FailOrder(1)
	session := connect(t, fake)
	swap, err := chain.NewSwapContract(session, chaintest.SwapAddress, "")
	require.NoError(t, err)
	multicall := chain.NewMulticall(session, chaintest.MulticallAddress)
	ctx := context.Background()
	require.True(t, multicall.Available(ctx))

	calls := make([]chain.Call, 2)
	for id := range calls {
		data, err := swap.PackOrderCall(uint64(id))
		require.NoError(t, err)
		calls[id] = chain.Call{Target: swap.Address(), CallData: data}
	}
	results, err := multicall.Aggregate(ctx, calls)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.True(t, results[0].Success)
	require.False(t, results[1].Success)

	order, err := swap.DecodeOrder(0, results[0].ReturnData)
	require.NoError(t, err)
	require.Equal(t, maker, order.Maker)
	require.Equal(t, 1, fake.Calls("aggregate3"))
}

func TestMulticallUnavailableWithoutCode(t *testing.T) {
	fake := chaintest.New()
	fake.SetMulticallDeployed(false)
	session := connect(t, fake)
	multicall := chain.NewMulticall(session, chaintest.MulticallAddress)

	_, err := multicall.Aggregate(context.Background(), []chain.Call{{Target: chaintest.SwapAddress, CallData: []byte{1, 2, 3, 4}}})
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.False(t, chain.NewMulticall(session, common.Address{}).Available(context.Background()))
}

func TestERC20InfoUsesAggregatorWhenAvailable(t *testing.T) {
	fake := chaintest.New()
	fake.PutToken(usdc, chaintest.Token{Symbol: "USDC", Name: "USD Coin", Decimals: 6})
	session := connect(t, fake)
	ctx := context.Background()

	info, err := chain.NewERC20(session, chain.NewMulticall(session, chaintest.MulticallAddress)).Info(ctx, usdc)
	require.NoError(t, err)
	require.Equal(t, chain.TokenInfo{Symbol: "USDC", Name: "USD Coin", Decimals: 6}, info)
	require.Equal(t, 1, fake.Calls("aggregate3"))

	direct, err := chain.NewERC20(session, nil).Info(ctx, usdc)
	require.NoError(t, err)
	require.Equal(t, info, direct)
	require.Equal(t, 1, fake.Calls("aggregate3"))
	require.Equal(t, 2, fake.Calls("symbol"))

	fake.FailToken(usdc)
	_, err = chain.NewERC20(session, nil).Info(ctx, usdc)
	require.True(t, errs.Is(err, errs.CodeReverted))
}
