package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/commitpool/settlement-service/internal/metrics"
)

const (
	defaultSweepLimit = 50
	maxSweepLimit     = 500
)

func clampSweepLimit(limit int) int {
	if limit <= 0 {
		return defaultSweepLimit
	}
	if limit > maxSweepLimit {
		return maxSweepLimit
	}
	return limit
}

// SweepExpiredPools closes every Pending or Active pool whose deadline has passed.
func (s *Service) SweepExpiredPools(ctx context.Context, limit int) (*domain.SweepResult, error) {
	limit = clampSweepLimit(limit)

	candidates, err := s.repo.ListExpiredOpenPools(ctx, s.now(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired pools: %w", err)
	}

	result := &domain.SweepResult{Processed: len(candidates)}
	for _, item := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.ClosePool(ctx, item.ID); err != nil {
			result.Failed++
			metrics.SweepPools.WithLabelValues("close", "failed").Inc()
			s.logger.Warn().Err(err).Str("flow", "close_sweep").Str("pool_id", item.ID.String()).Msg("close failed")
			continue
		}
		result.Succeeded++
		metrics.SweepPools.WithLabelValues("close", "closed").Inc()
	}

	if result.Processed > 0 {
		s.logger.Info().
			Str("flow", "close_sweep").
			Int("processed", result.Processed).
			Int("closed", result.Succeeded).
			Int("failed", result.Failed).
			Msg("close sweep finished")
	}
	return result, nil
}

// SweepEndedPools retries settlement of Ended pools as the system settler. Pools with no
// winners under competitive distribution are skipped; they wait for administrative resolution.
//
// Each pass continues from where the previous one stopped and wraps around after the last
// Ended pool, so every Ended pool is visited regardless of how many ahead of it stay Ended.
func (s *Service) SweepEndedPools(ctx context.Context, limit int) (*domain.SweepResult, error) {
	if s.settlerID == "" {
		s.logger.Warn().Str("flow", "settlement_sweep").Msg("no settler identity configured; skipping sweep")
		return &domain.SweepResult{}, nil
	}
	limit = clampSweepLimit(limit)

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	candidates, err := s.repo.ListEndedPools(ctx, s.settleCursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ended pools: %w", err)
	}
	if len(candidates) < limit {
		s.settleCursor = nil
	} else {
		s.settleCursor = domain.CursorOf(candidates[len(candidates)-1])
	}

	result := &domain.SweepResult{Processed: len(candidates)}
	for _, item := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, err := s.Settle(ctx, s.settlerID, item.ID)
		switch {
		case err == nil:
			result.Succeeded++
			metrics.SweepPools.WithLabelValues("settle", "settled").Inc()
		case errors.Is(err, domain.ErrNoWinners):
			result.Skipped++
			metrics.SweepPools.WithLabelValues("settle", "no_winners").Inc()
		case errors.Is(err, domain.ErrSettlementIncomplete):
			result.Failed++
			metrics.SweepPools.WithLabelValues("settle", "incomplete").Inc()
			s.logger.Warn().Err(err).Str("flow", "settlement_sweep").Str("pool_id", item.ID.String()).Msg("settlement incomplete; will retry next sweep")
		default:
			result.Failed++
			metrics.SweepPools.WithLabelValues("settle", "failed").Inc()
			s.logger.Error().Err(err).Str("flow", "settlement_sweep").Str("pool_id", item.ID.String()).Msg("settlement failed")
		}
	}

	if result.Processed > 0 {
		s.logger.Info().
			Str("flow", "settlement_sweep").
			Int("processed", result.Processed).
			Int("settled", result.Succeeded).
			Int("skipped", result.Skipped).
			Int("failed", result.Failed).
			Msg("settlement sweep finished")
	}
	return result, nil
}
