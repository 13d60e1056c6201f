package consumption

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"imagegen-billing/internal/domain/ledger"
	"imagegen-billing/internal/domain/plans"
	"imagegen-billing/internal/domain/quota"
	"imagegen-billing/internal/domain/subscriptions"
	"imagegen-billing/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	ledger *ledger.Store
	quota  *quota.Tracker
	guard  *Guard
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewDB(t,
		&plans.Plan{}, &plans.Package{},
		&ledger.Balance{}, &ledger.Entry{},
		&subscriptions.Subscription{}, &quota.DailyQuota{},
		&Charge{},
	)
	f := &fixture{db: db, now: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.ledger = ledger.NewStore(db).WithClock(clock)
	f.quota = quota.NewTracker(db, 10).WithClock(clock)
	f.guard = NewGuard(db, f.ledger, f.quota, subscriptions.NewMachine(db, nil)).WithClock(clock)
	return f
}

func (f *fixture) fund(t *testing.T, userID uint, amount int64) {
	_, err := f.ledger.Credit(context.Background(), ledger.CreditInput{
		UserID: userID, Amount: amount, Reason: ledger.ReasonRecharge, ExternalReference: "fund:" + strconv.FormatUint(uint64(userID), 10),
	})
	require.NoError(t, err)
}

func TestCostAboveBalanceFallsBackToFreeUse(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1, 5)

	d, err := f.guard.Consume(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourceFree, Remaining: 9}, d)

	bal, err := f.ledger.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.AvailablePoints)
}

func TestPointsAreSpentBeforeFreeUses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 2, 30)

	d, err := f.guard.Consume(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, SourcePoints, d.Source)
	assert.Equal(t, int64(20), d.Remaining)

	today, err := f.quota.Today(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 10, today.FreeUsesRemaining)
}

func TestDeniedWhenPointsAndFreeUsesAreGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := f.guard.Consume(ctx, 3, 10)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := f.guard.Consume(ctx, 3, 10)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNeedsPayment, d.Reason)
}

func TestExpiredSubscriptionPointsCannotBeSpent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan := plans.Plan{Slug: "basic", Name: "Basic", PriceMinor: 999, Currency: "usd", Interval: plans.IntervalMonth, Points: 680, Active: true}
	require.NoError(t, f.db.Create(&plan).Error)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := subscriptions.ActivateTx(tx, subscriptions.ActivateInput{UserID: 4, Plan: &plan, Reference: "cs_4"}, f.now)
		return err
	}))
	f.fund(t, 4, 680)

	f.now = f.now.AddDate(0, 2, 0)
	d, err := f.guard.Consume(ctx, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, SourceFree, d.Source)

	bal, err := f.ledger.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.AvailablePoints)
	assert.Equal(t, int64(680), bal.ExpiredPoints)
}

func TestConcurrentConsumersNeverOverspend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 5, 40)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		sources = map[Source]int{}
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := f.guard.Consume(ctx, 5, 10)
			assert.NoError(t, err)
			mu.Lock()
			sources[d.Source]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, sources[SourcePoints])
	assert.Equal(t, 2, sources[SourceFree])

	bal, err := f.ledger.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.AvailablePoints)
	assert.Equal(t, int64(40), bal.UsedPoints)
}

func TestRefundIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 6, 10)

	d, err := f.guard.ConsumeRequest(ctx, 6, 10, "job_42")
	require.NoError(t, err)
	require.Equal(t, SourcePoints, d.Source)

	res, err := f.guard.Refund(ctx, 6, "job_42")
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(10), res.Balance.AvailablePoints)

	res, err = f.guard.Refund(ctx, 6, "job_42")
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(10), res.Balance.AvailablePoints)

	_, err = f.guard.Refund(ctx, 6, "")
	assert.ErrorIs(t, err, ErrMissingReference)
}

func TestRefundRequiresOwnPointsCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 7, 10)

	_, err := f.guard.ConsumeRequest(ctx, 7, 10, "job_a")
	require.NoError(t, err)

	// Someone else's charge.
	_, err = f.guard.Refund(ctx, 8, "job_a")
	assert.ErrorIs(t, err, ErrNothingToRefund)

	// Never charged.
	_, err = f.guard.Refund(ctx, 7, "job_unknown")
	assert.ErrorIs(t, err, ErrNothingToRefund)

	// Served from the free allowance, so there is nothing to give back.
	d, err := f.guard.ConsumeRequest(ctx, 7, 10, "job_b")
	require.NoError(t, err)
	require.Equal(t, SourceFree, d.Source)
	_, err = f.guard.Refund(ctx, 7, "job_b")
	assert.ErrorIs(t, err, ErrNothingToRefund)
}

func TestReplayedRequestIsChargedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 9, 30)

	d, err := f.guard.ConsumeRequest(ctx, 9, 10, "job_r")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourcePoints, Remaining: 20}, d)

	d, err = f.guard.ConsumeRequest(ctx, 9, 10, "job_r")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourcePoints, Remaining: 20, Replayed: true}, d)

	bal, err := f.ledger.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.UsedPoints)
}

func TestReplayAfterBalanceIsSpentUsesNoFreeUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 10, 10)

	d, err := f.guard.ConsumeRequest(ctx, 10, 10, "job_last")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourcePoints, Remaining: 0}, d)

	d, err = f.guard.ConsumeRequest(ctx, 10, 10, "job_last")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourcePoints, Remaining: 0, Replayed: true}, d)

	today, err := f.quota.Today(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, today.FreeUsesRemaining)
}

func TestReplayedFreeRequestTakesOneFreeUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.guard.ConsumeRequest(ctx, 11, 10, "job_free")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourceFree, Remaining: 9}, d)

	d, err = f.guard.ConsumeRequest(ctx, 11, 10, "job_free")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourceFree, Remaining: 9, Replayed: true}, d)

	today, err := f.quota.Today(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, 9, today.FreeUsesRemaining)
	assert.Equal(t, 1, today.TotalUses)

	calls, err := today.Calls()
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "job_free", calls[0].RequestID)
}

func TestRequestIDsAreScopedPerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 12, 20)
	f.fund(t, 13, 20)

	a, err := f.guard.ConsumeRequest(ctx, 12, 10, "job_shared")
	require.NoError(t, err)
	b, err := f.guard.ConsumeRequest(ctx, 13, 10, "job_shared")
	require.NoError(t, err)
	assert.False(t, a.Replayed)
	assert.False(t, b.Replayed)
	assert.Equal(t, SourcePoints, b.Source)

	for _, uid := range []uint{12, 13} {
		bal, err := f.ledger.Get(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, int64(10), bal.AvailablePoints)
	}

	res, err := f.guard.Refund(ctx, 13, "job_shared")
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Balance.AvailablePoints)
}

func TestDeniedRequestCanBeRetriedAfterPaying(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.guard.Consume(ctx, 14, 10)
		require.NoError(t, err)
	}

	d, err := f.guard.ConsumeRequest(ctx, 14, 10, "job_wait")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	var n int64
	require.NoError(t, f.db.Model(&Charge{}).Where("user_id = ?", 14).Count(&n).Error)
	assert.Zero(t, n)

	f.fund(t, 14, 10)
	d, err = f.guard.ConsumeRequest(ctx, 14, 10, "job_wait")
	require.NoError(t, err)
	assert.Equal(t, Decision{Allowed: true, Source: SourcePoints, Remaining: 0}, d)
}

func TestInvalidCost(t *testing.T) {
	f := newFixture(t)

	_, err := f.guard.Consume(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrInvalidCost)
}
