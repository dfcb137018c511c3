package deals

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/swapbook/internal/schema"
)

var (
	weth = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc = common.HexToAddress("0x00000000000000000000000000000000000000e2")
)

type fakeOracle struct {
	prices    map[common.Address]float64
	estimated map[common.Address]bool
	requested []common.Address
}

func (o *fakeOracle) Price(token common.Address) (float64, bool) {
	p, ok := o.prices[token]
	return p, ok
}

func (o *fakeOracle) IsEstimated(token common.Address) bool { return o.estimated[token] }

func (o *fakeOracle) Request(tokens ...common.Address) {
	o.requested = append(o.requested, tokens...)
}

type fakeTokens map[common.Address]schema.TokenMetadata

func (f fakeTokens) Get(_ context.Context, token common.Address) schema.TokenMetadata {
	if meta, ok := f[token]; ok {
		return meta
	}
	return schema.FallbackTokenMetadata(token)
}

func metadata() fakeTokens {
	return fakeTokens{
		weth: {Address: weth, Symbol: "WETH", Decimals: 18},
		usdc: {Address: usdc, Symbol: "USDC", Decimals: 6},
	}
}

func order() schema.Order {
	oneEth, _ := new(big.Int).SetString("1000000000000000000", 10)
	return schema.Order{
		ID:         1,
		SellToken:  weth,
		SellAmount: oneEth,
		BuyToken:   usdc,
		BuyAmount:  big.NewInt(2_500_000_000),
		Status:     schema.StatusActive,
	}
}

func TestComputeScalesByDecimals(t *testing.T) {
	oracle := &fakeOracle{prices: map[common.Address]float64{weth: 2000, usdc: 1}}
	calc := New(oracle, metadata(), nil)

	out := calc.Compute(context.Background(), order())
	require.NotNil(t, out.Deal)
	require.InDelta(t, 1.25, out.Deal.Deal, 1e-12)
	require.False(t, out.Deal.Estimated)
	require.Equal(t, "WETH", out.SellTokenInfo.Symbol)
	require.Equal(t, "USDC", out.BuyTokenInfo.Symbol)
}

func TestMissingPriceLeavesDealUnknown(t *testing.T) {
	oracle := &fakeOracle{prices: map[common.Address]float64{weth: 2000}}
	calc := New(oracle, metadata(), nil)
	in := order()

	out := calc.Compute(context.Background(), in)
	require.Nil(t, out.Deal)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, 0, in.SellAmount.Cmp(out.SellAmount))
	require.Equal(t, 0, in.BuyAmount.Cmp(out.BuyAmount))
	require.Equal(t, []common.Address{usdc}, oracle.requested)
}

func TestZeroPriceOrAmountLeavesDealUnknown(t *testing.T) {
	oracle := &fakeOracle{prices: map[common.Address]float64{weth: 2000, usdc: 0}}
	calc := New(oracle, metadata(), nil)
	require.Nil(t, calc.Compute(context.Background(), order()).Deal)

	oracle.prices[usdc] = 1
	zero := order()
	zero.SellAmount = new(big.Int)
	require.Nil(t, calc.Compute(context.Background(), zero).Deal)

	require.Nil(t, New(nil, metadata(), nil).Compute(context.Background(), order()).Deal)
}

func TestEstimatedPriceMarksDeal(t *testing.T) {
	oracle := &fakeOracle{
		prices:    map[common.Address]float64{weth: 2000, usdc: 1},
		estimated: map[common.Address]bool{usdc: true},
	}
	out := New(oracle, metadata(), nil).Compute(context.Background(), order())
	require.NotNil(t, out.Deal)
	require.True(t, out.Deal.Estimated)
}

type memStore struct {
	orders map[uint64]schema.Order
}

func (m *memStore) Snapshot() []schema.Order {
	out := make([]schema.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

func (m *memStore) SetDeal(id uint64, deal *schema.DealMetrics) bool {
	o, ok := m.orders[id]
	if !ok {
		return false
	}
	o.Deal = deal
	m.orders[id] = o
	return true
}

func TestRecomputeAllRefreshesChangedDeals(t *testing.T) {
	oracle := &fakeOracle{prices: map[common.Address]float64{weth: 2000}}
	calc := New(oracle, metadata(), nil)
	priced := calc.Compute(context.Background(), order())
	require.Nil(t, priced.Deal)

	store := &memStore{orders: map[uint64]schema.Order{priced.ID: priced}}
	require.Zero(t, calc.RecomputeAll(store))

	oracle.prices[usdc] = 1
	require.Equal(t, 1, calc.RecomputeAll(store))
	require.InDelta(t, 1.25, store.orders[priced.ID].Deal.Deal, 1e-12)
	require.Zero(t, calc.RecomputeAll(store))
}
