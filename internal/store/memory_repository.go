package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository used for local runs and tests.
//
// Lock order: mu (index) is never held while acquiring a pool lock for a write; a pool
// lock may be held while acquiring walletsMu.
type MemoryRepository struct {
	mu    sync.RWMutex
	pools map[uuid.UUID]*poolRecord

	walletsMu sync.Mutex
	wallets   map[string]*domain.Wallet
}

// poolRecord holds one pool and everything keyed under it, guarded by its own mutex.
type poolRecord struct {
	mu           sync.Mutex
	pool         domain.Pool
	participants map[string]*domain.Participant
	joinOrder    []string
	escrow       int64
	payouts      map[string]*domain.Payout
	payoutOrder  []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		pools:   make(map[uuid.UUID]*poolRecord),
		wallets: make(map[string]*domain.Wallet),
	}
}

func payoutKey(kind domain.PayoutKind, recipient string) string {
	return string(kind) + ":" + recipient
}

func (r *MemoryRepository) record(poolID uuid.UUID) (*poolRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.pools[poolID]
	if !ok {
		return nil, domain.ErrPoolNotFound
	}
	return rec, nil
}

func (r *MemoryRepository) snapshot() []*poolRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := make([]*poolRecord, 0, len(r.pools))
	for _, rec := range r.pools {
		records = append(records, rec)
	}
	return records
}

func (r *MemoryRepository) CreatePool(ctx context.Context, pool *domain.Pool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pools[pool.ID]; exists {
		return domain.ErrPoolAlreadyExists
	}
	r.pools[pool.ID] = &poolRecord{
		pool:         *pool,
		participants: make(map[string]*domain.Participant),
		payouts:      make(map[string]*domain.Payout),
	}
	return nil
}

func (r *MemoryRepository) FindPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	pool := rec.pool
	return &pool, nil
}

func (r *MemoryRepository) filterPools(keep func(p *domain.Pool) bool) []domain.Pool {
	var pools []domain.Pool
	for _, rec := range r.snapshot() {
		rec.mu.Lock()
		pool := rec.pool
		rec.mu.Unlock()
		if keep(&pool) {
			pools = append(pools, pool)
		}
	}
	return pools
}

func (r *MemoryRepository) ListPools(ctx context.Context, opts domain.PoolListOptions) ([]domain.Pool, error) {
	opts = opts.Normalize()
	pools := r.filterPools(func(p *domain.Pool) bool {
		return opts.Status == nil || p.Status == *opts.Status
	})
	sort.Slice(pools, func(i, j int) bool {
		if pools[i].CreatedAt.Equal(pools[j].CreatedAt) {
			return pools[i].ID.String() < pools[j].ID.String()
		}
		return pools[i].CreatedAt.After(pools[j].CreatedAt)
	})
	return page(pools, opts.Offset, opts.Limit), nil
}

func (r *MemoryRepository) CountOpenPools(ctx context.Context) (int, error) {
	pools := r.filterPools(func(p *domain.Pool) bool {
		return p.Status == domain.PoolStatusPending || p.Status == domain.PoolStatusActive
	})
	return len(pools), nil
}

func (r *MemoryRepository) ListExpiredOpenPools(ctx context.Context, now time.Time, limit int) ([]domain.Pool, error) {
	pools := r.filterPools(func(p *domain.Pool) bool {
		open := p.Status == domain.PoolStatusPending || p.Status == domain.PoolStatusActive
		return open && !now.Before(p.EndTimestamp)
	})
	sortByDeadline(pools)
	return page(pools, 0, limit), nil
}

func (r *MemoryRepository) ListEndedPools(ctx context.Context, after *domain.PoolCursor, limit int) ([]domain.Pool, error) {
	pools := r.filterPools(func(p *domain.Pool) bool {
		return p.Status == domain.PoolStatusEnded && (after == nil || afterCursor(p, after))
	})
	sortByDeadline(pools)
	return page(pools, 0, limit), nil
}

func afterCursor(p *domain.Pool, c *domain.PoolCursor) bool {
	if !p.EndTimestamp.Equal(c.EndTimestamp) {
		return p.EndTimestamp.After(c.EndTimestamp)
	}
	return bytes.Compare(p.ID[:], c.ID[:]) > 0
}

func sortByDeadline(pools []domain.Pool) {
	sort.Slice(pools, func(i, j int) bool {
		if !pools[i].EndTimestamp.Equal(pools[j].EndTimestamp) {
			return pools[i].EndTimestamp.Before(pools[j].EndTimestamp)
		}
		return bytes.Compare(pools[i].ID[:], pools[j].ID[:]) < 0
	})
}

func page(pools []domain.Pool, offset, limit int) []domain.Pool {
	if offset >= len(pools) {
		return []domain.Pool{}
	}
	pools = pools[offset:]
	if limit > 0 && len(pools) > limit {
		pools = pools[:limit]
	}
	return pools
}

func (r *MemoryRepository) ClosePoolAtomic(ctx context.Context, poolID uuid.UUID, now time.Time) (*domain.Pool, bool, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return nil, false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	pool := rec.pool
	changed, err := pool.Close(now)
	if err != nil {
		return nil, false, err
	}
	rec.pool = pool
	return &pool, changed, nil
}

func (r *MemoryRepository) JoinPoolAtomic(ctx context.Context, poolID uuid.UUID, wallet string, now time.Time) (*domain.Participant, *domain.Pool, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return nil, nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	pool := rec.pool
	participant, err := pool.Admit(wallet, rec.participants[wallet], now)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.CheckInvariants(); err != nil {
		return nil, nil, err
	}

	// Debit last: once it succeeds nothing below can fail.
	r.walletsMu.Lock()
	account, ok := r.wallets[wallet]
	if !ok || account.Balance < pool.StakeAmount {
		r.walletsMu.Unlock()
		return nil, nil, domain.ErrInsufficientFunds
	}
	account.Balance -= pool.StakeAmount
	account.UpdatedAt = now.UTC()
	r.walletsMu.Unlock()

	rec.pool = pool
	rec.participants[wallet] = participant
	rec.joinOrder = append(rec.joinOrder, wallet)
	rec.escrow += pool.StakeAmount

	out := *participant
	return &out, &pool, nil
}

func (r *MemoryRepository) mutateParticipant(poolID uuid.UUID, wallet string, apply func(pool *domain.Pool, pt *domain.Participant) error) (*domain.Participant, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	stored, ok := rec.participants[wallet]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	pool := rec.pool
	participant := *stored
	if err := apply(&pool, &participant); err != nil {
		return nil, err
	}
	*stored = participant
	return &participant, nil
}

func (r *MemoryRepository) ForfeitParticipantAtomic(ctx context.Context, poolID uuid.UUID, wallet string, now time.Time) (*domain.Participant, error) {
	return r.mutateParticipant(poolID, wallet, func(pool *domain.Pool, pt *domain.Participant) error {
		return pt.Forfeit(pool, now)
	})
}

func (r *MemoryRepository) RecordOutcomeAtomic(ctx context.Context, poolID uuid.UUID, wallet string, day int, passed bool, now time.Time) (*domain.Participant, error) {
	return r.mutateParticipant(poolID, wallet, func(pool *domain.Pool, pt *domain.Participant) error {
		return pt.ApplyOutcome(pool, day, passed, now)
	})
}

func (r *MemoryRepository) FindParticipant(ctx context.Context, poolID uuid.UUID, wallet string) (*domain.Participant, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	stored, ok := rec.participants[wallet]
	if !ok {
		return nil, domain.ErrParticipantNotFound
	}
	participant := *stored
	return &participant, nil
}

func (r *MemoryRepository) ListParticipantsByPool(ctx context.Context, poolID uuid.UUID) ([]domain.Participant, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	participants := make([]domain.Participant, 0, len(rec.joinOrder))
	for _, wallet := range rec.joinOrder {
		participants = append(participants, *rec.participants[wallet])
	}
	return participants, nil
}

func (r *MemoryRepository) CreditWallet(ctx context.Context, walletID string, amount int64) (*domain.Wallet, error) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: wallet id and a positive amount are required", domain.ErrInvalidAmount)
	}
	r.walletsMu.Lock()
	defer r.walletsMu.Unlock()
	return r.creditLocked(walletID, amount, time.Now()), nil
}

func (r *MemoryRepository) creditLocked(walletID string, amount int64, now time.Time) *domain.Wallet {
	account, ok := r.wallets[walletID]
	if !ok {
		account = &domain.Wallet{ID: walletID}
		r.wallets[walletID] = account
	}
	account.Balance += amount
	account.UpdatedAt = now.UTC()
	out := *account
	return &out
}

func (r *MemoryRepository) FindWallet(ctx context.Context, walletID string) (*domain.Wallet, error) {
	r.walletsMu.Lock()
	defer r.walletsMu.Unlock()
	account, ok := r.wallets[walletID]
	if !ok {
		return &domain.Wallet{ID: walletID}, nil
	}
	out := *account
	return &out, nil
}

func (r *MemoryRepository) GetEscrowBalance(ctx context.Context, poolID uuid.UUID) (int64, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.escrow, nil
}

func (r *MemoryRepository) SaveSettlementPlan(ctx context.Context, poolID uuid.UUID, payouts []domain.Payout) ([]domain.Payout, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.pool.Status != domain.PoolStatusEnded && rec.pool.Status != domain.PoolStatusSettled {
		return nil, domain.ErrPoolNotEnded
	}
	for _, p := range payouts {
		key := payoutKey(p.Kind, p.Recipient)
		if _, exists := rec.payouts[key]; exists {
			continue
		}
		stored := p
		stored.PoolID = poolID
		stored.Status = domain.PayoutStatusPending
		rec.payouts[key] = &stored
		rec.payoutOrder = append(rec.payoutOrder, key)
	}
	return rec.payoutsLocked(), nil
}

func (rec *poolRecord) payoutsLocked() []domain.Payout {
	payouts := make([]domain.Payout, 0, len(rec.payoutOrder))
	for _, key := range rec.payoutOrder {
		payouts = append(payouts, *rec.payouts[key])
	}
	return payouts
}

func (r *MemoryRepository) ListPayoutsByPool(ctx context.Context, poolID uuid.UUID) ([]domain.Payout, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.payoutsLocked(), nil
}

// release applies the escrow debit and paid marker. When credit is set the recipient wallet is
// credited inside the same critical section.
func (r *MemoryRepository) release(payout domain.Payout, reference string, now time.Time, credit bool) (*domain.Payout, bool, error) {
	rec, err := r.record(payout.PoolID)
	if err != nil {
		return nil, false, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	stored, ok := rec.payouts[payoutKey(payout.Kind, payout.Recipient)]
	if !ok {
		return nil, false, domain.ErrPayoutNotFound
	}
	if stored.IsPaid() {
		out := *stored
		return &out, true, nil
	}
	if rec.escrow < stored.Amount {
		return nil, false, fmt.Errorf("%w: escrow balance %d below payout %d", domain.ErrInvariantViolation, rec.escrow, stored.Amount)
	}

	if credit {
		r.walletsMu.Lock()
		r.creditLocked(stored.Recipient, stored.Amount, now)
		r.walletsMu.Unlock()
	}
	rec.escrow -= stored.Amount
	paidAt := now.UTC()
	stored.Status = domain.PayoutStatusPaid
	stored.Reference = &reference
	stored.PaidAt = &paidAt

	out := *stored
	return &out, false, nil
}

func (r *MemoryRepository) ReleasePayoutToWallet(ctx context.Context, payout domain.Payout, now time.Time) (*domain.Payout, bool, error) {
	return r.release(payout, ledgerReference(payout), now, true)
}

func (r *MemoryRepository) MarkPayoutPaid(ctx context.Context, payout domain.Payout, reference string, now time.Time) (*domain.Payout, bool, error) {
	return r.release(payout, reference, now, false)
}

func (r *MemoryRepository) CompleteSettlement(ctx context.Context, poolID uuid.UUID, now time.Time) (*domain.Pool, error) {
	rec, err := r.record(poolID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	for _, key := range rec.payoutOrder {
		if !rec.payouts[key].IsPaid() {
			return nil, domain.ErrSettlementIncomplete
		}
	}
	pool := rec.pool
	if err := pool.MarkSettled(now); err != nil {
		return nil, err
	}
	rec.pool = pool
	return &pool, nil
}

func ledgerReference(payout domain.Payout) string {
	return "ledger:" + payout.IdempotencyKey()
}
