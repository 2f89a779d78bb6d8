package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const payoutColumns = `pool_id, recipient, kind, amount, status, reference, paid_at, created_at`

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func scanPayout(row rowScanner) (*domain.Payout, error) {
	var (
		payout domain.Payout
		kind   string
		status string
	)
	if err := row.Scan(
		&payout.PoolID,
		&payout.Recipient,
		&kind,
		&payout.Amount,
		&status,
		&payout.Reference,
		&payout.PaidAt,
		&payout.CreatedAt,
	); err != nil {
		return nil, err
	}
	payout.Kind = domain.PayoutKind(kind)
	payout.Status = domain.PayoutStatus(status)
	return &payout, nil
}

// CreditWallet adds funds to a wallet, creating the wallet on first deposit.
func (r *PostgresRepository) CreditWallet(ctx context.Context, walletID string, amount int64) (*domain.Wallet, error) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: wallet id and a positive amount are required", domain.ErrInvalidAmount)
	}
	var wallet domain.Wallet
	query := `
		INSERT INTO wallets (id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING id, balance, updated_at
	`
	if err := r.db.QueryRow(ctx, query, walletID, amount).Scan(&wallet.ID, &wallet.Balance, &wallet.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to credit wallet: %w", err)
	}
	return &wallet, nil
}

// FindWallet returns the wallet balance. Unknown wallets report a zero balance.
func (r *PostgresRepository) FindWallet(ctx context.Context, walletID string) (*domain.Wallet, error) {
	wallet := domain.Wallet{ID: walletID}
	err := r.db.QueryRow(ctx, `SELECT balance, updated_at FROM wallets WHERE id = $1`, walletID).Scan(&wallet.Balance, &wallet.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows || isUndefinedTableError(err) {
			return &wallet, nil
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *PostgresRepository) GetEscrowBalance(ctx context.Context, poolID uuid.UUID) (int64, error) {
	var balance int64
	query := `
		SELECT COALESCE(e.balance, 0)
		FROM pools p
		LEFT JOIN escrow_vaults e ON e.pool_id = p.id
		WHERE p.id = $1
	`
	if err := r.db.QueryRow(ctx, query, poolID).Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return 0, domain.ErrPoolNotFound
		}
		return 0, err
	}
	return balance, nil
}

func listPayouts(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, poolID uuid.UUID) ([]domain.Payout, error) {
	rows, err := q.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM pool_payouts
		WHERE pool_id = $1
		ORDER BY CASE kind WHEN 'winner' THEN 0 ELSE 1 END, recipient ASC
	`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payouts := []domain.Payout{}
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *payout)
	}
	return payouts, rows.Err()
}

// SaveSettlementPlan records the payout table of an Ended pool. Rows that already exist keep
// their amount and paid marker, so a retried settlement never duplicates a payout.
func (r *PostgresRepository) SaveSettlementPlan(ctx context.Context, poolID uuid.UUID, payouts []domain.Payout) ([]domain.Payout, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pool, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status != domain.PoolStatusEnded && pool.Status != domain.PoolStatusSettled {
		return nil, domain.ErrPoolNotEnded
	}

	for _, p := range payouts {
		_, err := tx.Exec(ctx, `
			INSERT INTO pool_payouts (pool_id, recipient, kind, amount, status, created_at)
			VALUES ($1, $2, $3, $4, 'pending', $5)
			ON CONFLICT (pool_id, kind, recipient) DO NOTHING
		`, poolID, p.Recipient, string(p.Kind), p.Amount, p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert payout for %s: %w", p.Recipient, err)
		}
	}

	stored, err := listPayouts(ctx, tx, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *PostgresRepository) ListPayoutsByPool(ctx context.Context, poolID uuid.UUID) ([]domain.Payout, error) {
	payouts, err := listPayouts(ctx, r.db, poolID)
	if err != nil && isUndefinedTableError(err) {
		return []domain.Payout{}, nil
	}
	return payouts, err
}

// releasePayout debits escrow and sets the paid marker for one payout. When credit is true the
// recipient wallet is credited in the same transaction.
func (r *PostgresRepository) releasePayout(ctx context.Context, payout domain.Payout, reference string, now time.Time, credit bool) (*domain.Payout, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the pool, then the payout row
	if _, err := lockPool(ctx, tx, payout.PoolID); err != nil {
		return nil, false, err
	}
	stored, err := scanPayout(tx.QueryRow(ctx, `
		SELECT `+payoutColumns+`
		FROM pool_payouts
		WHERE pool_id = $1 AND kind = $2 AND recipient = $3
		FOR UPDATE
	`, payout.PoolID, string(payout.Kind), payout.Recipient))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, domain.ErrPayoutNotFound
		}
		return nil, false, fmt.Errorf("failed to get and lock payout: %w", err)
	}
	if stored.IsPaid() {
		return stored, true, nil
	}

	// 2. Debit escrow; it can never go negative
	tag, err := tx.Exec(ctx, `
		UPDATE escrow_vaults
		SET balance = balance - $2, updated_at = NOW()
		WHERE pool_id = $1 AND balance >= $2
	`, stored.PoolID, stored.Amount)
	if err != nil {
		return nil, false, fmt.Errorf("failed to debit escrow vault: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, false, fmt.Errorf("%w: escrow balance below payout %d for pool %s", domain.ErrInvariantViolation, stored.Amount, stored.PoolID)
	}

	// 3. Credit the recipient on the host ledger
	if credit {
		_, err = tx.Exec(ctx, `
			INSERT INTO wallets (id, balance, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()
		`, stored.Recipient, stored.Amount)
		if err != nil {
			return nil, false, fmt.Errorf("failed to credit recipient wallet: %w", err)
		}
	}

	// 4. Set the paid marker
	paidAt := now.UTC()
	_, err = tx.Exec(ctx, `
		UPDATE pool_payouts
		SET status = 'paid', reference = $4, paid_at = $5
		WHERE pool_id = $1 AND kind = $2 AND recipient = $3
	`, stored.PoolID, string(stored.Kind), stored.Recipient, reference, paidAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark payout paid: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	stored.Status = domain.PayoutStatusPaid
	stored.Reference = &reference
	stored.PaidAt = &paidAt
	return stored, false, nil
}

func (r *PostgresRepository) ReleasePayoutToWallet(ctx context.Context, payout domain.Payout, now time.Time) (*domain.Payout, bool, error) {
	return r.releasePayout(ctx, payout, ledgerReference(payout), now, true)
}

func (r *PostgresRepository) MarkPayoutPaid(ctx context.Context, payout domain.Payout, reference string, now time.Time) (*domain.Payout, bool, error) {
	return r.releasePayout(ctx, payout, reference, now, false)
}

// CompleteSettlement moves the pool to Settled once every payout carries its paid marker.
func (r *PostgresRepository) CompleteSettlement(ctx context.Context, poolID uuid.UUID, now time.Time) (*domain.Pool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pool, err := lockPool(ctx, tx, poolID)
	if err != nil {
		return nil, err
	}
	if pool.Status == domain.PoolStatusSettled {
		return pool, nil
	}

	var unpaid int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM pool_payouts WHERE pool_id = $1 AND status <> 'paid'`, poolID).Scan(&unpaid); err != nil {
		return nil, fmt.Errorf("failed to count unpaid payouts: %w", err)
	}
	if unpaid > 0 {
		return nil, domain.ErrSettlementIncomplete
	}

	if err := pool.MarkSettled(now); err != nil {
		return nil, err
	}
	if err := savePoolState(ctx, tx, pool); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}
