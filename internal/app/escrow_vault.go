package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/commitpool/settlement-service/internal/store"
	"github.com/commitpool/settlement-service/pkg/payoutclient"
)

const (
	PayoutModeLedger = "ledger"
	PayoutModeHTTP   = "http"
)

// ErrPayoutRejected marks an executor refusal that repeating the same request will not change.
var ErrPayoutRejected = errors.New("payout rejected by executor")

// Disburser moves one payout out of a pool's escrow and records its paid marker.
// alreadyPaid is true when an earlier attempt had finished the payout.
type Disburser interface {
	Name() string
	Release(ctx context.Context, payout domain.Payout, now time.Time) (released *domain.Payout, alreadyPaid bool, err error)
}

// LedgerDisburser credits the recipient's host-ledger wallet in the same transaction that
// debits escrow and sets the paid marker.
type LedgerDisburser struct {
	repo store.Repository
}

func NewLedgerDisburser(repo store.Repository) *LedgerDisburser {
	return &LedgerDisburser{repo: repo}
}

func (d *LedgerDisburser) Name() string { return PayoutModeLedger }

func (d *LedgerDisburser) Release(ctx context.Context, payout domain.Payout, now time.Time) (*domain.Payout, bool, error) {
	return d.repo.ReleasePayoutToWallet(ctx, payout, now)
}

// PayoutExecutor is the external transfer API used in http mode.
type PayoutExecutor interface {
	CreatePayout(ctx context.Context, payload payoutclient.PayoutRequest) (*payoutclient.PayoutResponse, error)
}

// HTTPDisburser hands each payout to an external executor and records the paid marker once the
// executor confirms. The idempotency key lets the executor drop the duplicate request a crash
// between the transfer and the marker would cause on retry.
type HTTPDisburser struct {
	repo     store.Repository
	executor PayoutExecutor
}

func NewHTTPDisburser(repo store.Repository, executor PayoutExecutor) *HTTPDisburser {
	return &HTTPDisburser{repo: repo, executor: executor}
}

func (d *HTTPDisburser) Name() string { return PayoutModeHTTP }

func (d *HTTPDisburser) Release(ctx context.Context, payout domain.Payout, now time.Time) (*domain.Payout, bool, error) {
	if payout.IsPaid() {
		return &payout, true, nil
	}
	resp, err := d.executor.CreatePayout(ctx, payoutclient.PayoutRequest{
		IdempotencyKey: payout.IdempotencyKey(),
		PoolID:         payout.PoolID.String(),
		Recipient:      payout.Recipient,
		Kind:           string(payout.Kind),
		Amount:         payout.Amount,
	})
	if err != nil {
		var apiErr *payoutclient.ErrorResponse
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return nil, false, fmt.Errorf("%w: %v", ErrPayoutRejected, apiErr)
		}
		return nil, false, fmt.Errorf("payout executor: %w", err)
	}
	return d.repo.MarkPayoutPaid(ctx, payout, "payout:"+resp.Data.ID, now)
}
