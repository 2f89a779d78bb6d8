/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for pools
 * and participants. Every state change locks the pool row with `FOR UPDATE`, applies the
 * domain rule to the loaded row and writes the result back inside the same transaction,
 * so concurrent joins, outcomes and closes on one pool are serialised by the database.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models and lifecycle rules.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const poolColumns = `
	id, authority_id, verifier_id, goal, stake_amount, duration_days,
	max_participants, min_participants, charity_id, distribution_mode, winner_percent,
	participant_count, total_staked, status, start_timestamp, end_timestamp,
	activated_at, ended_at, settled_at, created_at, updated_at
`

const participantColumns = `pool_id, wallet, stake_amount, join_timestamp, status, days_verified, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*domain.Pool, error) {
	var (
		pool   domain.Pool
		goal   []byte
		mode   string
		status string
	)
	err := row.Scan(
		&pool.ID,
		&pool.AuthorityID,
		&pool.VerifierID,
		&goal,
		&pool.StakeAmount,
		&pool.DurationDays,
		&pool.MaxParticipants,
		&pool.MinParticipants,
		&pool.CharityID,
		&mode,
		&pool.Distribution.WinnerPercent,
		&pool.ParticipantCount,
		&pool.TotalStaked,
		&status,
		&pool.StartTimestamp,
		&pool.EndTimestamp,
		&pool.ActivatedAt,
		&pool.EndedAt,
		&pool.SettledAt,
		&pool.CreatedAt,
		&pool.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(goal, &pool.Goal); err != nil {
		return nil, fmt.Errorf("failed to decode goal for pool %s: %w", pool.ID, err)
	}
	pool.Distribution.Kind = domain.DistributionModeKind(mode)
	if pool.Status, err = domain.ParsePoolStatus(status); err != nil {
		return nil, err
	}
	return &pool, nil
}

func scanParticipant(row rowScanner) (*domain.Participant, error) {
	var (
		participant domain.Participant
		status      string
	)
	err := row.Scan(
		&participant.PoolID,
		&participant.Wallet,
		&participant.StakeAmount,
		&participant.JoinTimestamp,
		&status,
		&participant.DaysVerified,
		&participant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	participant.Status = domain.ParticipantStatus(status)
	return &participant, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreatePool inserts the pool together with its empty escrow vault.
func (r *PostgresRepository) CreatePool(ctx context.Context, pool *domain.Pool) error {
	goal, err := json.Marshal(pool.Goal)
	if err != nil {
		return fmt.Errorf("failed to encode goal: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO pools (` + poolColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err = tx.Exec(ctx, query,
		pool.ID,
		pool.AuthorityID,
		pool.VerifierID,
		goal,
		pool.StakeAmount,
		pool.DurationDays,
		pool.MaxParticipants,
		pool.MinParticipants,
		pool.CharityID,
		string(pool.Distribution.Kind),
		pool.Distribution.WinnerPercent,
		pool.ParticipantCount,
		pool.TotalStaked,
		string(pool.Status),
		pool.StartTimestamp,
		pool.EndTimestamp,
		pool.ActivatedAt,
		pool.EndedAt,
		pool.SettledAt,
		pool.CreatedAt,
		pool.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPoolAlreadyExists
		}
		return fmt.Errorf("failed to insert pool: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO escrow_vaults (pool_id, balance, updated_at) VALUES ($1, 0, NOW())`, pool.ID); err != nil {
		return fmt.Errorf("failed to create escrow vault: %w", err)
	}

	return tx.Commit(ctx)
}

// FindPoolByID retrieves a pool by its ID.
func (r *PostgresRepository) FindPoolByID(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	pool, err := scanPool(r.db.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, poolID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrPoolNotFound
		}
		return nil, err
	}
	return pool, nil
}

// buildListPoolsQuery renders the filtered, paged pool listing.
func buildListPoolsQuery(opts domain.PoolListOptions) (string, []any) {
	opts = opts.Normalize()
	var (
		where []string
		args  []any
	)
	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + poolColumns + ` FROM pools`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, opts.Limit, opts.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	return query, args
}

func (r *PostgresRepository) queryPools(ctx context.Context, query string, args ...any) ([]domain.Pool, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pools := []domain.Pool{}
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *pool)
	}
	return pools, rows.Err()
}

// ListPools returns pools newest first, optionally filtered by status.
func (r *PostgresRepository) ListPools(ctx context.Context, opts domain.PoolListOptions) ([]domain.Pool, error) {
	query, args := buildListPoolsQuery(opts)
	return r.queryPools(ctx, query, args...)
}

func (r *PostgresRepository) CountOpenPools(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM pools WHERE status IN ('pending', 'active')`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open pools: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) ListExpiredOpenPools(ctx context.Context, now time.Time, limit int) ([]domain.Pool, error) {
	query := `
		SELECT ` + poolColumns + `
		FROM pools
		WHERE status IN ('pending', 'active') AND end_timestamp <= $1
		ORDER BY end_timestamp ASC, id ASC
		LIMIT $2
	`
	return r.queryPools(ctx, query, now.UTC(), limit)
}

// buildListEndedPoolsQuery renders a keyset page of Ended pools in (end_timestamp, id) order.
func buildListEndedPoolsQuery(after *domain.PoolCursor, limit int) (string, []any) {
	query := `SELECT ` + poolColumns + ` FROM pools WHERE status = 'ended'`
	var args []any
	if after != nil {
		args = append(args, after.EndTimestamp.UTC(), after.ID)
		query += ` AND (end_timestamp, id) > ($1, $2)`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY end_timestamp ASC, id ASC LIMIT $%d`, len(args))
	return query, args
}

func (r *PostgresRepository) ListEndedPools(ctx context.Context, after *domain.PoolCursor, limit int) ([]domain.Pool, error) {
	query, args := buildListEndedPoolsQuery(after, limit)
	return r.queryPools(ctx, query, args...)
}

// lockPool loads the pool row and holds its lock until tx ends.
func lockPool(ctx context.Context, tx pgx.Tx, poolID uuid.UUID) (*domain.Pool, error) {
	pool, err := scanPool(tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1 FOR UPDATE`, poolID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrPoolNotFound
		}
		return nil, fmt.Errorf("failed to get and lock pool: %w", err)
	}
	return pool, nil
}

func savePoolState(ctx context.Context, tx pgx.Tx, pool *domain.Pool) error {
	query := `
		UPDATE pools
		SET participant_count = $2,
			total_staked = $3,
			status = $4,
			activated_at = $5,
			ended_at = $6,
			settled_at = $7,
			updated_at = $8
		WHERE id = $1
	`
	_, err := tx.Exec(ctx, query,
		pool.ID,
		pool.ParticipantCount,
		pool.TotalStaked,
		string(pool.Status),
		pool.ActivatedAt,
		pool.EndedAt,
		pool.SettledAt,
		pool.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update pool state: %w", err)
	}
	return nil
}

// ClosePoolAtomic ends an expired pool. A pool that is already Ended or Settled is returned unchanged.
func (r *PostgresRepository) ClosePoolAtomic(ctx context.Context, poolID uuid.UUID, now time.Time) (*domain.Pool, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pool, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return nil, false, err
	}
	changed, err := pool.Close(now)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return pool, false, nil
	}
	if err := savePoolState(ctx, tx, pool); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return pool, true, nil
}

// JoinPoolAtomic performs an atomic stake deposit into a pool.
func (r *PostgresRepository) JoinPoolAtomic(ctx context.Context, poolID uuid.UUID, wallet string, now time.Time) (*domain.Participant, *domain.Pool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the pool row and check for an existing participant record
	pool, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return nil, nil, err
	}
	existing, err := scanParticipant(tx.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE pool_id = $1 AND wallet = $2`, poolID, wallet))
	if err != nil && err != pgx.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to check existing participant: %w", err)
	}
	if err == pgx.ErrNoRows {
		existing = nil
	}

	// 2. Apply the join rules to the locked row
	participant, err := pool.Admit(wallet, existing, now)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.CheckInvariants(); err != nil {
		return nil, nil, err
	}

	// 3. Debit the wallet; the balance guard makes an underfunded wallet a no-op
	tag, err := tx.Exec(ctx, `
		UPDATE wallets
		SET balance = balance - $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2
	`, wallet, pool.StakeAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil, domain.ErrInsufficientFunds
	}

	// 4. Credit the escrow vault
	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_vaults (pool_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (pool_id) DO UPDATE SET balance = escrow_vaults.balance + EXCLUDED.balance, updated_at = NOW()
	`, poolID, pool.StakeAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to credit escrow vault: %w", err)
	}

	// 5. Insert the participant and persist the pool aggregates
	_, err = tx.Exec(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		participant.PoolID,
		participant.Wallet,
		participant.StakeAmount,
		participant.JoinTimestamp,
		string(participant.Status),
		participant.DaysVerified,
		participant.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, domain.ErrAlreadyJoined
		}
		return nil, nil, fmt.Errorf("failed to insert participant: %w", err)
	}
	if err := savePoolState(ctx, tx, pool); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}
	return participant, pool, nil
}

// updateParticipantAtomic locks the pool and the participant, applies fn and persists the result.
func (r *PostgresRepository) updateParticipantAtomic(ctx context.Context, poolID uuid.UUID, wallet string, fn func(pool *domain.Pool, pt *domain.Participant) error) (*domain.Participant, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pool, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}
	participant, err := scanParticipant(tx.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE pool_id = $1 AND wallet = $2 FOR UPDATE`, poolID, wallet))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("failed to get and lock participant: %w", err)
	}

	if err := fn(pool, participant); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE participants
		SET status = $3, days_verified = $4, updated_at = $5
		WHERE pool_id = $1 AND wallet = $2
	`, poolID, wallet, string(participant.Status), participant.DaysVerified, participant.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return participant, nil
}

func (r *PostgresRepository) ForfeitParticipantAtomic(ctx context.Context, poolID uuid.UUID, wallet string, now time.Time) (*domain.Participant, error) {
	return r.updateParticipantAtomic(ctx, poolID, wallet, func(pool *domain.Pool, pt *domain.Participant) error {
		return pt.Forfeit(pool, now)
	})
}

func (r *PostgresRepository) RecordOutcomeAtomic(ctx context.Context, poolID uuid.UUID, wallet string, day int, passed bool, now time.Time) (*domain.Participant, error) {
	return r.updateParticipantAtomic(ctx, poolID, wallet, func(pool *domain.Pool, pt *domain.Participant) error {
		return pt.ApplyOutcome(pool, day, passed, now)
	})
}

// FindParticipant retrieves one participant record.
func (r *PostgresRepository) FindParticipant(ctx context.Context, poolID uuid.UUID, wallet string) (*domain.Participant, error) {
	participant, err := scanParticipant(r.db.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE pool_id = $1 AND wallet = $2`, poolID, wallet))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrParticipantNotFound
		}
		return nil, err
	}
	return participant, nil
}

// ListParticipantsByPool returns participants in join order.
func (r *PostgresRepository) ListParticipantsByPool(ctx context.Context, poolID uuid.UUID) ([]domain.Participant, error) {
	if _, err := r.FindPoolByID(ctx, poolID); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+participantColumns+`
		FROM participants
		WHERE pool_id = $1
		ORDER BY join_timestamp ASC, wallet ASC
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := []domain.Participant{}
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *participant)
	}
	return participants, rows.Err()
}
