package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/commitpool/settlement-service/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Settle distributes an Ended pool's escrow and marks it Settled.
//
// The payout table is computed from frozen state and stored before any funds move, then each
// unpaid payout is released on its own. A failure part way leaves the pool Ended with the paid
// markers recorded so far; calling Settle again releases only what remains. In that case the
// returned summary is non-nil and err wraps domain.ErrSettlementIncomplete.
func (s *Service) Settle(ctx context.Context, caller string, poolID uuid.UUID) (summary *domain.SettlementSummary, err error) {
	started := time.Now()
	defer func() {
		observe("settle", err)
		metrics.SettlementDuration.WithLabelValues(outcomeLabel(err)).Observe(time.Since(started).Seconds())
	}()

	pool, err := s.repo.FindPoolByID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(caller, CapabilitySettler, pool, ""); err != nil {
		return nil, err
	}

	switch pool.Status {
	case domain.PoolStatusSettled:
		return s.GetSettlement(ctx, poolID)
	case domain.PoolStatusEnded:
	default:
		return nil, domain.ErrPoolNotEnded
	}

	participants, err := s.repo.ListParticipantsByPool(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	plan, err := domain.PlanDistribution(pool, participants, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrNoWinners) {
			s.logger.Warn().
				Str("flow", "settle").
				Str("pool_id", poolID.String()).
				Int64("total_staked", pool.TotalStaked).
				Msg("no winners under competitive distribution; funds stay escrowed")
		}
		return nil, err
	}

	payouts, err := s.repo.SaveSettlementPlan(ctx, poolID, plan.Payouts)
	if err != nil {
		return nil, fmt.Errorf("save settlement plan: %w", err)
	}

	var releaseErr error
	for i, payout := range payouts {
		if payout.IsPaid() {
			continue
		}
		released, alreadyPaid, err := s.disburser.Release(ctx, payout, s.now())
		if err != nil {
			s.recordReleaseFailure(payout, err)
			if releaseErr == nil {
				releaseErr = err
			}
			continue
		}
		payouts[i] = *released
		if alreadyPaid {
			continue
		}
		s.recordRelease(ctx, released)
	}

	settled, err := s.repo.CompleteSettlement(ctx, poolID, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrSettlementIncomplete) {
			if releaseErr != nil {
				err = fmt.Errorf("%w: %v", domain.ErrSettlementIncomplete, releaseErr)
			}
			return domain.NewSettlementSummary(pool, payouts), err
		}
		return nil, err
	}

	summary = domain.NewSettlementSummary(settled, payouts)
	s.logger.Info().
		Str("flow", "settle").
		Str("pool_id", poolID.String()).
		Str("mode", string(pool.Distribution.Kind)).
		Int("winners", len(plan.Winners)).
		Int("losers", len(plan.Losers)).
		Int64("per_winner_amount", plan.PerWinnerAmount).
		Int64("charity_amount", plan.CharityAmount).
		Msg("pool settled")
	s.publish(ctx, domain.EventPoolSettled, s.poolEvent(settled))
	return summary, nil
}

func (s *Service) recordReleaseFailure(payout domain.Payout, err error) {
	failure, level := "transient", zerolog.WarnLevel
	msg := "payout release failed; next settle retries it"
	if errors.Is(err, ErrPayoutRejected) {
		failure, level = "rejected", zerolog.ErrorLevel
		msg = "payout rejected by executor; retrying will not help until the rejection is resolved"
	}
	metrics.PayoutFailures.WithLabelValues(string(payout.Kind), s.disburser.Name(), failure).Inc()
	s.logger.WithLevel(level).Err(err).
		Str("flow", "settle").
		Str("pool_id", payout.PoolID.String()).
		Str("recipient", payout.Recipient).
		Str("kind", string(payout.Kind)).
		Int64("amount", payout.Amount).
		Str("failure", failure).
		Msg(msg)
}

func (s *Service) recordRelease(ctx context.Context, payout *domain.Payout) {
	metrics.PayoutsReleased.WithLabelValues(string(payout.Kind), s.disburser.Name()).Inc()
	metrics.PayoutAmount.WithLabelValues(string(payout.Kind)).Add(float64(payout.Amount))

	reference := ""
	if payout.Reference != nil {
		reference = *payout.Reference
	}
	s.logger.Info().
		Str("flow", "settle").
		Str("pool_id", payout.PoolID.String()).
		Str("recipient", payout.Recipient).
		Str("kind", string(payout.Kind)).
		Str("amount", strconv.FormatInt(payout.Amount, 10)).
		Str("reference", reference).
		Msg("payout released")
	s.publish(ctx, domain.EventPayoutReleased, domain.PayoutEvent{
		EventID:    uuid.New(),
		PoolID:     payout.PoolID,
		Recipient:  payout.Recipient,
		Kind:       payout.Kind,
		Amount:     payout.Amount,
		Reference:  reference,
		OccurredAt: s.now().UTC(),
	})
}

// GetSettlement returns the pool's payout table and how much of it has been paid.
func (s *Service) GetSettlement(ctx context.Context, poolID uuid.UUID) (*domain.SettlementSummary, error) {
	pool, err := s.repo.FindPoolByID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	payouts, err := s.repo.ListPayoutsByPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return domain.NewSettlementSummary(pool, payouts), nil
}
