package orderstore

import (
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/swapbook/errs"
	"github.com/coachpo/swapbook/internal/schema"
)

const created = int64(1_700_000_000)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	tokA  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokB  = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

type stubClock struct {
	now   atomic.Int64
	known atomic.Bool
}

func (s *stubClock) Current() (int64, bool) { return s.now.Load(), s.known.Load() }

func (s *stubClock) set(now int64) {
	s.now.Store(now)
	s.known.Store(true)
}

func newCache(now int64) (*Cache, *stubClock) {
	clock := &stubClock{}
	clock.set(now)
	cache := New(clock)
	cache.SetWindows(schema.Windows{OrderExpirySeconds: 600, GracePeriodSeconds: 120})
	return cache, clock
}

func sample(id uint64, maker, taker common.Address) schema.Order {
	return schema.Order{
		ID:         id,
		Maker:      maker,
		Taker:      taker,
		SellToken:  tokA,
		SellAmount: big.NewInt(50),
		BuyToken:   tokB,
		BuyAmount:  big.NewInt(100),
		CreatedAt:  created,
		Status:     schema.StatusActive,
	}
}

func TestUpsertDerivesTimingsAndReturnsCopies(t *testing.T) {
	cache, _ := newCache(created)
	cache.Upsert(sample(1, alice, schema.OpenTaker))

	got, ok := cache.Get(1)
	require.True(t, ok)
	require.Equal(t, schema.Timings{CreatedAt: created, ExpiresAt: created + 600, GraceEndsAt: created + 720}, got.Timings)

	got.SellAmount.SetInt64(999)
	again, _ := cache.Get(1)
	require.Equal(t, int64(50), again.SellAmount.Int64())
}

func TestInsertOnlyWhenAbsent(t *testing.T) {
	cache, _ := newCache(created)
	require.True(t, cache.Insert(sample(1, alice, schema.OpenTaker)))
	_, err := cache.SetStatus(1, schema.StatusFilled)
	require.NoError(t, err)

	// A replayed creation must not resurrect the filled order.
	require.False(t, cache.Insert(sample(1, alice, schema.OpenTaker)))
	got, _ := cache.Get(1)
	require.Equal(t, schema.StatusFilled, got.Status)
}

func TestFilledIsIdempotent(t *testing.T) {
	once, _ := newCache(created)
	twice, _ := newCache(created)
	for _, c := range []*Cache{once, twice} {
		c.Upsert(sample(1, alice, schema.OpenTaker))
		c.Upsert(sample(2, bob, schema.OpenTaker))
	}

	_, err := once.SetStatus(1, schema.StatusFilled)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = twice.SetStatus(1, schema.StatusFilled)
		require.NoError(t, err)
	}
	require.Equal(t, once.Snapshot(), twice.Snapshot())
}

func TestTerminalStatusNeverReverses(t *testing.T) {
	cache, _ := newCache(created)
	cache.Upsert(sample(1, alice, schema.OpenTaker))
	_, err := cache.SetStatus(1, schema.StatusCanceled)
	require.NoError(t, err)

	_, err = cache.SetStatus(1, schema.StatusFilled)
	require.True(t, errs.Is(err, errs.CodeInvalid))
	_, err = cache.SetStatus(1, schema.StatusActive)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	got, _ := cache.Get(1)
	require.Equal(t, schema.StatusCanceled, got.Status)

	_, err = cache.SetStatus(42, schema.StatusFilled)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestDerivedStatusIsPureAndNeverCached(t *testing.T) {
	cache, clock := newCache(created + 100)
	cache.Upsert(sample(1, alice, schema.OpenTaker))
	order, _ := cache.Get(1)

	require.Equal(t, schema.StatusActive, cache.Status(order))
	require.Equal(t, schema.StatusActive, cache.Status(order))

	clock.set(created + 601)
	require.Equal(t, schema.StatusExpired, cache.Status(order))
	stored, _ := cache.Get(1)
	require.Equal(t, schema.StatusActive, stored.Status)

	clock.set(created + 800)
	require.Equal(t, schema.StatusExpired, cache.Status(order))

	_, err := cache.SetStatus(1, schema.StatusFilled)
	require.NoError(t, err)
	filled, _ := cache.Get(1)
	require.Equal(t, schema.StatusFilled, cache.Status(filled))
}

func TestStatusFallsBackToWallClock(t *testing.T) {
	clock := &stubClock{}
	cache := New(clock, WithWallClock(func() time.Time { return time.Unix(created+10_000, 0) }))
	cache.SetWindows(schema.Windows{OrderExpirySeconds: 600, GracePeriodSeconds: 120})
	cache.Upsert(sample(1, alice, schema.OpenTaker))
	order, _ := cache.Get(1)

	require.Equal(t, schema.StatusExpired, cache.Status(order))
}

func TestCanFillRules(t *testing.T) {
	cache, clock := newCache(created + 10)
	open := sample(1, alice, schema.OpenTaker)
	private := sample(2, alice, bob)
	cache.Upsert(open)
	cache.Upsert(private)
	open, _ = cache.Get(1)
	private, _ = cache.Get(2)

	require.True(t, cache.CanFill(open, bob))
	require.True(t, cache.CanFill(open, carol))
	require.False(t, cache.CanFill(open, alice), "maker cannot fill own order")
	require.False(t, cache.CanFill(open, common.Address{}))

	require.True(t, cache.CanFill(private, bob))
	require.False(t, cache.CanFill(private, carol))

	clock.set(created + 601)
	require.False(t, cache.CanFill(open, bob), "expired orders cannot be filled")
}

func TestCanCancelRules(t *testing.T) {
	cache, clock := newCache(created + 10)
	cache.Upsert(sample(1, alice, schema.OpenTaker))
	order, _ := cache.Get(1)

	require.True(t, cache.CanCancel(order, alice))
	require.False(t, cache.CanCancel(order, bob))

	clock.set(created + 700)
	require.True(t, cache.CanCancel(order, alice), "maker may cancel during grace")

	clock.set(created + 721)
	require.False(t, cache.CanCancel(order, alice))

	clock.set(created + 10)
	filled, err := cache.SetStatus(1, schema.StatusFilled)
	require.NoError(t, err)
	require.False(t, cache.CanCancel(filled, alice))
}

func TestRetryReplacesIDAtomically(t *testing.T) {
	cache, _ := newCache(created)
	cache.Upsert(sample(3, alice, schema.OpenTaker))

	next, err := cache.Retry(3, 9, created+1000, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(9), next.ID)
	require.Equal(t, uint64(1), next.RetryCount)
	require.Equal(t, created+1000+600, next.Timings.ExpiresAt)

	_, ok := cache.Get(3)
	require.False(t, ok)
	require.Equal(t, 1, cache.Len())

	_, err = cache.Retry(3, 10, created, 2)
	require.True(t, errs.Is(err, errs.CodeNotFound))

	cache.Upsert(sample(11, bob, schema.OpenTaker))
	_, err = cache.Retry(9, 11, created, 2)
	require.True(t, errs.Is(err, errs.CodeInvalid))
	_, ok = cache.Get(9)
	require.True(t, ok, "failed retry leaves the original in place")
}

func TestAllAppliesFilters(t *testing.T) {
	cache, _ := newCache(created + 10)
	cache.Upsert(sample(1, alice, schema.OpenTaker))
	cache.Upsert(sample(2, bob, alice))
	third := sample(3, carol, schema.OpenTaker)
	third.SellToken = common.HexToAddress("0x00000000000000000000000000000000000000f9")
	third.BuyToken = third.SellToken
	cache.Upsert(third)
	_, err := cache.SetStatus(2, schema.StatusFilled)
	require.NoError(t, err)

	require.Len(t, cache.All(nil), 3)

	byMaker := cache.All(&schema.Filter{Maker: &alice})
	require.Len(t, byMaker, 1)
	require.Equal(t, uint64(1), byMaker[0].ID)

	byToken := cache.All(&schema.Filter{Token: &tokA})
	require.Len(t, byToken, 2)

	active := cache.All(&schema.Filter{Statuses: []schema.Status{schema.StatusActive}})
	require.Equal(t, []uint64{1, 3}, []uint64{active[0].ID, active[1].ID})

	fillable := cache.All(&schema.Filter{FillableBy: &bob})
	require.Len(t, fillable, 2)

	custom := cache.All(&schema.Filter{Match: func(o schema.Order, _ schema.Status) bool { return o.ID > 2 }})
	require.Len(t, custom, 1)
}

func TestReplaceAllSwapsContents(t *testing.T) {
	cache, _ := newCache(created)
	cache.Upsert(sample(1, alice, schema.OpenTaker))
	cache.ReplaceAll([]schema.Order{sample(5, bob, schema.OpenTaker), sample(4, bob, schema.OpenTaker)})

	all := cache.All(nil)
	require.Len(t, all, 2)
	require.Equal(t, uint64(4), all[0].ID)
	require.Equal(t, uint64(5), all[1].ID)
}
