/**
 * @description
 * Scheduled sweeps for the settlement-service: close pools past their deadline and retry
 * settlement of ended pools.
 */
package scheduler

import (
	"context"
	"time"

	"github.com/commitpool/settlement-service/internal/config"
	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/rs/zerolog"
)

const jobTimeout = 5 * time.Minute

// Sweeper is the slice of the settlement service the jobs drive.
type Sweeper interface {
	SweepExpiredPools(ctx context.Context, limit int) (*domain.SweepResult, error)
	SweepEndedPools(ctx context.Context, limit int) (*domain.SweepResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper Sweeper
	logger  zerolog.Logger
	config  config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(sweeper Sweeper, logger zerolog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		sweeper: sweeper,
		logger:  logger,
		config:  cfg,
	}
}

// CloseExpiredPools moves every open pool past its end timestamp to Ended.
func (j *Jobs) CloseExpiredPools() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := j.sweeper.SweepExpiredPools(ctx, j.config.SweepBatchLimit)
	if err != nil {
		j.logger.Error().Err(err).Str("job", "close_expired_pools").Msg("sweep failed")
		return
	}
	j.logger.Debug().Str("job", "close_expired_pools").Int("processed", result.Processed).Int("closed", result.Succeeded).Msg("job finished")
}

// SettleEndedPools retries settlement for every Ended pool.
func (j *Jobs) SettleEndedPools() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := j.sweeper.SweepEndedPools(ctx, j.config.SweepBatchLimit)
	if err != nil {
		j.logger.Error().Err(err).Str("job", "settle_ended_pools").Msg("sweep failed")
		return
	}
	j.logger.Debug().
		Str("job", "settle_ended_pools").
		Int("processed", result.Processed).
		Int("settled", result.Succeeded).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Msg("job finished")
}

// RunOnce runs both sweeps in order, closing before settling so freshly ended pools settle in
// the same pass.
func (j *Jobs) RunOnce() {
	j.CloseExpiredPools()
	j.SettleEndedPools()
}
