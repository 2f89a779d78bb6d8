package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/commitpool/settlement-service/internal/metrics"
	"github.com/commitpool/settlement-service/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAuthority = "authority-1"
	testVerifier  = "verifier-1"
	testSettler   = "settlement-sweeper"
	testCharity   = "charity-1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	failAt string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if routingKey == p.failAt {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == key {
			n++
		}
	}
	return n
}

type harness struct {
	svc       *Service
	repo      *store.MemoryRepository
	clock     *fakeClock
	publisher *recordingPublisher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		repo:      store.NewMemoryRepository(),
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		publisher: &recordingPublisher{},
	}
	opts.Clock = h.clock.Now
	opts.Publisher = h.publisher
	opts.Logger = zerolog.Nop()
	if opts.SettlerID == "" {
		opts.SettlerID = testSettler
	}
	h.svc = NewService(h.repo, opts)
	return h
}

func (h *harness) createPool(t *testing.T, mode domain.DistributionMode, maxParticipants int) *domain.Pool {
	t.Helper()
	pool, err := h.svc.CreatePool(context.Background(), testAuthority, domain.CreatePoolRequest{
		VerifierID:      testVerifier,
		Goal:            domain.LifestyleHabitGoal("run 5k"),
		StakeAmount:     100,
		DurationDays:    3,
		MaxParticipants: maxParticipants,
		MinParticipants: 1,
		CharityID:       testCharity,
		Distribution:    mode,
	})
	require.NoError(t, err)
	return pool
}

func (h *harness) join(t *testing.T, poolID uuid.UUID, wallets ...string) {
	t.Helper()
	ctx := context.Background()
	for _, wallet := range wallets {
		_, err := h.svc.DepositToWallet(ctx, wallet, 1000)
		require.NoError(t, err)
		_, err = h.svc.JoinPool(ctx, wallet, poolID)
		require.NoError(t, err)
	}
}

func (h *harness) passAllDays(t *testing.T, poolID uuid.UUID, wallet string) {
	t.Helper()
	for day := 1; day <= 3; day++ {
		_, err := h.svc.RecordOutcome(context.Background(), testVerifier, poolID, wallet, domain.RecordOutcomeRequest{Day: day, Passed: true})
		require.NoError(t, err)
	}
}

func (h *harness) expire(t *testing.T, poolID uuid.UUID) {
	t.Helper()
	h.clock.Advance(3*24*time.Hour + time.Second)
	pool, err := h.svc.ClosePool(context.Background(), poolID)
	require.NoError(t, err)
	require.Equal(t, domain.PoolStatusEnded, pool.Status)
}

func (h *harness) balance(t *testing.T, wallet string) int64 {
	t.Helper()
	account, err := h.svc.GetWallet(context.Background(), wallet)
	require.NoError(t, err)
	return account.Balance
}

// runTwoPlayerPool plays out one winner (alice) and one failure on day 2 (bob), then closes.
func runTwoPlayerPool(t *testing.T, h *harness, mode domain.DistributionMode) *domain.Pool {
	t.Helper()
	ctx := context.Background()
	pool := h.createPool(t, mode, 2)
	h.join(t, pool.ID, "alice", "bob")

	got, err := h.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	require.Equal(t, int64(200), got.TotalStaked)
	require.Equal(t, domain.PoolStatusActive, got.Status)

	h.passAllDays(t, pool.ID, "alice")
	_, err = h.svc.RecordOutcome(ctx, testVerifier, pool.ID, "bob", domain.RecordOutcomeRequest{Day: 1, Passed: true})
	require.NoError(t, err)
	bob, err := h.svc.RecordOutcome(ctx, testVerifier, pool.ID, "bob", domain.RecordOutcomeRequest{Day: 2, Passed: false})
	require.NoError(t, err)
	require.Equal(t, domain.ParticipantStatusFailed, bob.Status)

	h.expire(t, pool.ID)
	return pool
}

func TestSettle_CompetitiveWinnerTakesLoserStake(t *testing.T) {
	h := newHarness(t, Options{})
	pool := runTwoPlayerPool(t, h, domain.Competitive())

	summary, err := h.svc.Settle(context.Background(), testVerifier, pool.ID)
	require.NoError(t, err)
	assert.True(t, summary.Complete)
	assert.Equal(t, domain.PoolStatusSettled, summary.Pool.Status)
	require.Len(t, summary.Payouts, 1)
	assert.Equal(t, "alice", summary.Payouts[0].Recipient)
	assert.Equal(t, int64(200), summary.Payouts[0].Amount)

	// 1000 deposited, 100 staked, 200 paid back.
	assert.Equal(t, int64(1100), h.balance(t, "alice"))
	assert.Equal(t, int64(900), h.balance(t, "bob"))
	assert.Equal(t, int64(0), h.balance(t, testCharity))

	escrow, err := h.repo.GetEscrowBalance(context.Background(), pool.ID)
	require.NoError(t, err)
	assert.Zero(t, escrow)
	assert.Equal(t, 1, h.publisher.count(domain.EventPoolSettled))
	assert.Equal(t, 1, h.publisher.count(domain.EventPayoutReleased))
}

func TestSettle_CharityModeReturnsOwnStake(t *testing.T) {
	h := newHarness(t, Options{})
	pool := runTwoPlayerPool(t, h, domain.CharityMode())

	summary, err := h.svc.Settle(context.Background(), testAuthority, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PaidCount)
	assert.Equal(t, int64(200), summary.PaidAmount)
	assert.Equal(t, int64(1000), h.balance(t, "alice"))
	assert.Equal(t, int64(100), h.balance(t, testCharity))
}

func TestSettle_SplitSixtyPercent(t *testing.T) {
	h := newHarness(t, Options{})
	pool := runTwoPlayerPool(t, h, domain.Split(60))

	_, err := h.svc.Settle(context.Background(), testSettler, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(900+120), h.balance(t, "alice"))
	assert.Equal(t, int64(80), h.balance(t, testCharity))
}

func TestSettle_CompetitiveWithoutWinnersStaysEnded(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	pool := h.createPool(t, domain.Competitive(), 2)
	h.join(t, pool.ID, "alice", "bob")
	_, err := h.svc.Forfeit(ctx, "alice", pool.ID, "alice")
	require.NoError(t, err)
	h.expire(t, pool.ID)

	_, err = h.svc.Settle(ctx, testVerifier, pool.ID)
	require.ErrorIs(t, err, domain.ErrNoWinners)

	got, err := h.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusEnded, got.Status)
	escrow, err := h.repo.GetEscrowBalance(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), escrow)
}

func TestJoinPool_ThirdJoinOnFullPoolFails(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	pool := h.createPool(t, domain.Competitive(), 2)
	h.join(t, pool.ID, "alice", "bob")

	_, err := h.svc.DepositToWallet(ctx, "carol", 1000)
	require.NoError(t, err)
	_, err = h.svc.JoinPool(ctx, "carol", pool.ID)
	require.ErrorIs(t, err, domain.ErrPoolFull)

	got, err := h.svc.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ParticipantCount)
	assert.Equal(t, int64(200), got.TotalStaked)
	assert.Equal(t, int64(1000), h.balance(t, "carol"))
}

func TestRecordOutcome_DayOutOfRange(t *testing.T) {
	for _, day := range []int{0, -1, 4} {
		h := newHarness(t, Options{})
		pool := h.createPool(t, domain.Competitive(), 2)
		h.join(t, pool.ID, "alice")

		_, err := h.svc.RecordOutcome(context.Background(), testVerifier, pool.ID, "alice", domain.RecordOutcomeRequest{Day: day, Passed: true})
		assert.ErrorIs(t, err, domain.ErrInvalidDay, "day %d", day)
	}
}

func TestRecordOutcome_FailFastAfterPassingDays(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	pool := h.createPool(t, domain.Competitive(), 2)
	h.join(t, pool.ID, "alice")

	for day := 1; day <= 2; day++ {
		_, err := h.svc.RecordOutcome(ctx, testVerifier, pool.ID, "alice", domain.RecordOutcomeRequest{Day: day, Passed: true})
		require.NoError(t, err)
	}
	pt, err := h.svc.RecordOutcome(ctx, testVerifier, pool.ID, "alice", domain.RecordOutcomeRequest{Day: 3, Passed: false})
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantStatusFailed, pt.Status)
	assert.Equal(t, 2, pt.DaysVerified)

	_, err = h.svc.RecordOutcome(ctx, testVerifier, pool.ID, "alice", domain.RecordOutcomeRequest{Day: 3, Passed: true})
	assert.ErrorIs(t, err, domain.ErrParticipantNotActive)
}

func TestRecordOutcome_RejectsNonVerifier(t *testing.T) {
	h := newHarness(t, Options{})
	pool := h.createPool(t, domain.Competitive(), 2)
	h.join(t, pool.ID, "alice")

	_, err := h.svc.RecordOutcome(context.Background(), "alice", pool.ID, "alice", domain.RecordOutcomeRequest{Day: 1, Passed: true})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	pt, err := h.svc.GetParticipant(context.Background(), pool.ID, "alice")
	require.NoError(t, err)
	assert.Zero(t, pt.DaysVerified)
}

func TestForfeit_OnlyWalletOwner(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	pool := h.createPool(t, domain.Competitive(), 2)
	h.join(t, pool.ID, "alice")

	_, err := h.svc.Forfeit(ctx, testAuthority, pool.ID, "alice")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	pt, err := h.svc.Forfeit(ctx, "alice", pool.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantStatusForfeit, pt.Status)

	_, err = h.svc.Forfeit(ctx, "alice", pool.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestClosePool_BeforeDeadlineAndTwice(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	pool := h.createPool(t, domain.Competitive(), 2)

	_, err := h.svc.ClosePool(ctx, pool.ID)
	require.ErrorIs(t, err, domain.ErrPoolNotYetExpired)

	h.expire(t, pool.ID)
	again, err := h.svc.ClosePool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusEnded, again.Status)
	assert.Equal(t, 1, h.publisher.count(domain.EventPoolClosed))
}

func TestSettle_IsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	pool := runTwoPlayerPool(t, h, domain.Competitive())

	first, err := h.svc.Settle(ctx, testVerifier, pool.ID)
	require.NoError(t, err)
	second, err := h.svc.Settle(ctx, testVerifier, pool.ID)
	require.NoError(t, err)

	assert.Equal(t, first.PaidAmount, second.PaidAmount)
	assert.Equal(t, int64(1100), h.balance(t, "alice"))
	assert.Equal(t, 1, h.publisher.count(domain.EventPoolSettled))
}

func TestSettle_RequiresEndedPoolAndSettler(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	pool := h.createPool(t, domain.Competitive(), 2)
	h.join(t, pool.ID, "alice")

	_, err := h.svc.Settle(ctx, "alice", pool.ID)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.svc.Settle(ctx, testVerifier, pool.ID)
	require.ErrorIs(t, err, domain.ErrPoolNotEnded)
}

func TestSettle_EmptyPoolSettlesWithoutPayouts(t *testing.T) {
	h := newHarness(t, Options{})
	pool := h.createPool(t, domain.Competitive(), 2)
	h.expire(t, pool.ID)

	summary, err := h.svc.Settle(context.Background(), testAuthority, pool.ID)
	require.NoError(t, err)
	assert.Empty(t, summary.Payouts)
	assert.Equal(t, domain.PoolStatusSettled, summary.Pool.Status)
}

func TestSettle_StillActiveParticipantCountsAsLoser(t *testing.T) {
	h := newHarness(t, Options{})
	pool := h.createPool(t, domain.Competitive(), 2)
	h.join(t, pool.ID, "alice", "bob")
	h.passAllDays(t, pool.ID, "alice")
	h.expire(t, pool.ID)

	_, err := h.svc.Settle(context.Background(), testVerifier, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), h.balance(t, "alice"))
}

type flakyDisburser struct {
	inner    Disburser
	failures map[string]int
}

func (d *flakyDisburser) Name() string { return "flaky" }

func (d *flakyDisburser) Release(ctx context.Context, payout domain.Payout, now time.Time) (*domain.Payout, bool, error) {
	if d.failures[payout.Recipient] > 0 {
		d.failures[payout.Recipient]--
		return nil, false, errors.New("transfer timed out")
	}
	return d.inner.Release(ctx, payout, now)
}

func TestSettle_ResumesAfterPartialFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.disburser = &flakyDisburser{inner: NewLedgerDisburser(h.repo), failures: map[string]int{testCharity: 1}}

	ctx := context.Background()
	pool := runTwoPlayerPool(t, h, domain.CharityMode())

	summary, err := h.svc.Settle(ctx, testVerifier, pool.ID)
	require.ErrorIs(t, err, domain.ErrSettlementIncomplete)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.PaidCount)
	assert.Equal(t, 1, summary.PendingCount)
	assert.Equal(t, domain.PoolStatusEnded, summary.Pool.Status)
	assert.Equal(t, int64(1000), h.balance(t, "alice"))

	summary, err = h.svc.Settle(ctx, testVerifier, pool.ID)
	require.NoError(t, err)
	assert.True(t, summary.Complete)
	assert.Equal(t, int64(1000), h.balance(t, "alice"))
	assert.Equal(t, int64(100), h.balance(t, testCharity))
	assert.Equal(t, 2, h.publisher.count(domain.EventPayoutReleased))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestSettle_CountsRejectedAndTransientFailuresSeparately(t *testing.T) {
	h := newHarness(t, Options{})
	h.svc.disburser = &flakyDisburser{inner: NewLedgerDisburser(h.repo), failures: map[string]int{testCharity: 1}}
	rejected := metrics.PayoutFailures.WithLabelValues(string(domain.PayoutKindCharity), "flaky", "rejected")
	transient := metrics.PayoutFailures.WithLabelValues(string(domain.PayoutKindCharity), "flaky", "transient")
	rejectedBefore, transientBefore := counterValue(t, rejected), counterValue(t, transient)

	ctx := context.Background()
	pool := runTwoPlayerPool(t, h, domain.CharityMode())
	_, err := h.svc.Settle(ctx, testSettler, pool.ID)
	require.ErrorIs(t, err, domain.ErrSettlementIncomplete)
	assert.Equal(t, transientBefore+1, counterValue(t, transient))
	assert.Equal(t, rejectedBefore, counterValue(t, rejected))

	h.svc.disburser = &rejectingDisburser{}
	_, err = h.svc.Settle(ctx, testSettler, pool.ID)
	require.ErrorIs(t, err, domain.ErrSettlementIncomplete)
	assert.Contains(t, err.Error(), ErrPayoutRejected.Error())
	assert.Equal(t, rejectedBefore+1, counterValue(t, rejected))
	assert.Equal(t, transientBefore+1, counterValue(t, transient))
}

func TestSyncOpenPoolsGauge_SeedsFromStorage(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	first := h.createPool(t, domain.Competitive(), 2)
	h.createPool(t, domain.Competitive(), 2)
	h.expire(t, first.ID)

	// A restart loses whatever this process counted.
	metrics.OpenPools.Set(-3)

	count, err := h.svc.SyncOpenPoolsGauge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var m dto.Metric
	require.NoError(t, metrics.OpenPools.Write(&m))
	assert.Equal(t, float64(1), m.GetGauge().GetValue())
}

type rejectingDisburser struct{}

func (rejectingDisburser) Name() string { return "flaky" }

func (rejectingDisburser) Release(ctx context.Context, payout domain.Payout, now time.Time) (*domain.Payout, bool, error) {
	return nil, false, fmt.Errorf("%w: recipient account closed", ErrPayoutRejected)
}

func TestJoinPool_PublishFailureDoesNotFailJoin(t *testing.T) {
	h := newHarness(t, Options{})
	h.publisher.failAt = domain.EventParticipantJoined
	pool := h.createPool(t, domain.Competitive(), 2)

	h.join(t, pool.ID, "alice")
	pt, err := h.svc.GetParticipant(context.Background(), pool.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantStatusActive, pt.Status)
}

func TestJoinPool_InsufficientFunds(t *testing.T) {
	h := newHarness(t, Options{})
	pool := h.createPool(t, domain.Competitive(), 2)

	_, err := h.svc.JoinPool(context.Background(), "pauper", pool.ID)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestCreatePool_DefaultsVerifierAndRejectsDuplicateID(t *testing.T) {
	h := newHarness(t, Options{DefaultVerifierID: "oracle"})
	ctx := context.Background()
	id := uuid.New()
	req := domain.CreatePoolRequest{
		PoolID:          &id,
		Goal:            domain.DailyDCAGoal(10, "SOL"),
		StakeAmount:     50,
		DurationDays:    7,
		MaxParticipants: 10,
		MinParticipants: 2,
		CharityID:       testCharity,
		Distribution:    domain.Split(50),
	}

	pool, err := h.svc.CreatePool(ctx, testAuthority, req)
	require.NoError(t, err)
	assert.Equal(t, id, pool.ID)
	assert.Equal(t, "oracle", pool.VerifierID)
	assert.Equal(t, domain.PoolStatusPending, pool.Status)

	_, err = h.svc.CreatePool(ctx, testAuthority, req)
	assert.ErrorIs(t, err, domain.ErrPoolAlreadyExists)

	req.DurationDays = 31
	other := uuid.New()
	req.PoolID = &other
	_, err = h.svc.CreatePool(ctx, testAuthority, req)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestSweeps_CloseThenSettle(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	winning := h.createPool(t, domain.Competitive(), 2)
	h.join(t, winning.ID, "alice")
	h.passAllDays(t, winning.ID, "alice")
	stuck := h.createPool(t, domain.Competitive(), 2)
	h.join(t, stuck.ID, "bob")

	h.clock.Advance(4 * 24 * time.Hour)
	closed, err := h.svc.SweepExpiredPools(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, closed.Succeeded)

	settled, err := h.svc.SweepEndedPools(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, settled.Processed)
	assert.Equal(t, 1, settled.Succeeded)
	assert.Equal(t, 1, settled.Skipped)

	got, err := h.svc.GetPool(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusEnded, got.Status)
}

func TestSweepEndedPools_MovesPastPoolsWithoutWinners(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	var stuck []uuid.UUID
	for _, wallet := range []string{"bob", "carol"} {
		pool := h.createPool(t, domain.Competitive(), 2)
		h.join(t, pool.ID, wallet)
		stuck = append(stuck, pool.ID)
		h.clock.Advance(time.Hour)
	}
	winning := h.createPool(t, domain.Competitive(), 2)
	h.join(t, winning.ID, "alice")
	h.passAllDays(t, winning.ID, "alice")

	h.clock.Advance(4 * 24 * time.Hour)
	closed, err := h.svc.SweepExpiredPools(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 3, closed.Succeeded)

	first, err := h.svc.SweepEndedPools(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepResult{Processed: 2, Skipped: 2}, *first)

	second, err := h.svc.SweepEndedPools(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepResult{Processed: 1, Succeeded: 1}, *second)

	got, err := h.svc.GetPool(ctx, winning.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolStatusSettled, got.Status)

	// The next pass wraps around to the pools still waiting.
	third, err := h.svc.SweepEndedPools(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepResult{Processed: 2, Skipped: 2}, *third)
	for _, id := range stuck {
		pool, err := h.svc.GetPool(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.PoolStatusEnded, pool.Status)
	}
}
