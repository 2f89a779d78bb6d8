/**
 * @description
 * This file defines the `Repository` interface, the ledger access contract of the
 * settlement-service. Every mutating method is atomic relative to the pool it touches:
 * implementations hold the pool's lock (a `FOR UPDATE` row lock in PostgreSQL, a per-pool
 * mutex in memory) across the read, the domain rule check and the write.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Pool identifiers.
 * - internal/domain: Domain models and lifecycle rules.
 */

package store

import (
	"context"
	"time"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with pool, participant, wallet and payout storage.
type Repository interface {
	// Pool methods
	CreatePool(ctx context.Context, pool *domain.Pool) error
	FindPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error)
	ListPools(ctx context.Context, opts domain.PoolListOptions) ([]domain.Pool, error)
	// CountOpenPools returns how many pools are Pending or Active.
	CountOpenPools(ctx context.Context) (int, error)
	// ListExpiredOpenPools returns Pending/Active pools whose end timestamp is at or before now.
	ListExpiredOpenPools(ctx context.Context, now time.Time, limit int) ([]domain.Pool, error)
	// ListEndedPools returns pools waiting for settlement in (end_timestamp, id) order, starting
	// after the cursor when one is given.
	ListEndedPools(ctx context.Context, after *domain.PoolCursor, limit int) ([]domain.Pool, error)
	ClosePoolAtomic(ctx context.Context, poolID uuid.UUID, now time.Time) (pool *domain.Pool, changed bool, err error)

	// Participant methods
	// JoinPoolAtomic debits the wallet, credits the pool escrow, creates the participant and
	// updates the pool aggregates as one unit.
	JoinPoolAtomic(ctx context.Context, poolID uuid.UUID, wallet string, now time.Time) (*domain.Participant, *domain.Pool, error)
	ForfeitParticipantAtomic(ctx context.Context, poolID uuid.UUID, wallet string, now time.Time) (*domain.Participant, error)
	RecordOutcomeAtomic(ctx context.Context, poolID uuid.UUID, wallet string, day int, passed bool, now time.Time) (*domain.Participant, error)
	FindParticipant(ctx context.Context, poolID uuid.UUID, wallet string) (*domain.Participant, error)
	ListParticipantsByPool(ctx context.Context, poolID uuid.UUID) ([]domain.Participant, error)

	// Wallet and escrow methods
	CreditWallet(ctx context.Context, walletID string, amount int64) (*domain.Wallet, error)
	FindWallet(ctx context.Context, walletID string) (*domain.Wallet, error)
	GetEscrowBalance(ctx context.Context, poolID uuid.UUID) (int64, error)

	// Settlement methods
	// SaveSettlementPlan records payouts that do not exist yet and returns the full stored table.
	SaveSettlementPlan(ctx context.Context, poolID uuid.UUID, payouts []domain.Payout) ([]domain.Payout, error)
	ListPayoutsByPool(ctx context.Context, poolID uuid.UUID) ([]domain.Payout, error)
	// ReleasePayoutToWallet debits escrow, credits the recipient wallet and sets the paid marker in
	// one transaction. alreadyPaid is true when the marker was set by an earlier attempt.
	ReleasePayoutToWallet(ctx context.Context, payout domain.Payout, now time.Time) (released *domain.Payout, alreadyPaid bool, err error)
	// MarkPayoutPaid debits escrow and sets the paid marker for a payout moved by an external executor.
	MarkPayoutPaid(ctx context.Context, payout domain.Payout, reference string, now time.Time) (released *domain.Payout, alreadyPaid bool, err error)
	// CompleteSettlement marks the pool Settled when every payout is paid, otherwise
	// returns domain.ErrSettlementIncomplete.
	CompleteSettlement(ctx context.Context, poolID uuid.UUID, now time.Time) (*domain.Pool, error)
}
