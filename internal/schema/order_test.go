package schema

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	dai   = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	usdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

func TestOrderCloneIsDeep(t *testing.T) {
	order := Order{
		ID:            7,
		Maker:         alice,
		SellToken:     dai,
		SellAmount:    big.NewInt(10),
		BuyToken:      usdc,
		BuyAmount:     big.NewInt(20),
		Deal:          &DealMetrics{Deal: 1.5},
		SellTokenInfo: &TokenMetadata{Symbol: "DAI"},
	}
	clone := order.Clone()
	clone.SellAmount.SetInt64(99)
	clone.Deal.Deal = 3
	clone.SellTokenInfo.Symbol = "X"

	require.Equal(t, int64(10), order.SellAmount.Int64())
	require.InDelta(t, 1.5, order.Deal.Deal, 1e-9)
	require.Equal(t, "DAI", order.SellTokenInfo.Symbol)
	require.Nil(t, clone.BuyTokenInfo)
}

func TestOrderHelpers(t *testing.T) {
	order := Order{Maker: alice, SellToken: dai, BuyToken: usdc}
	require.True(t, order.IsOpen())
	require.True(t, order.Involves(usdc))
	require.False(t, order.Involves(alice))

	order.Taker = bob
	require.False(t, order.IsOpen())

	require.True(t, SameAccount(alice, alice))
	require.False(t, SameAccount(alice, bob))
	require.False(t, SameAccount(common.Address{}, common.Address{}))
	require.Equal(t, "0x6b175474e89094c44da98b954eedeac495271d0f", NormalizeAddress(dai))
}

func TestFallbackTokenMetadata(t *testing.T) {
	meta := FallbackTokenMetadata(dai)
	require.Equal(t, "0x6B17...1d0F", meta.Symbol)
	require.Equal(t, DefaultDecimals, meta.Decimals)
	require.Equal(t, dai.Hex(), meta.Name)
}

func TestFilter(t *testing.T) {
	var nilFilter *Filter
	require.True(t, nilFilter.Empty())
	require.True(t, nilFilter.MatchesStatus(StatusFilled))

	f := &Filter{Statuses: []Status{StatusActive, StatusExpired}}
	require.False(t, f.Empty())
	require.True(t, f.MatchesStatus(StatusExpired))
	require.False(t, f.MatchesStatus(StatusCanceled))
}

func TestChainTimeExtrapolate(t *testing.T) {
	captured := time.Unix(0, 0)
	snap := ChainTimeSnapshot{ChainTimestamp: 1000, CapturedAt: captured}
	require.Equal(t, int64(1000), snap.Extrapolate(captured.Add(-time.Minute)))
	require.Equal(t, int64(1002), snap.Extrapolate(captured.Add(2500*time.Millisecond)))
}
