package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/commitpool/settlement-service/internal/metrics"
	"github.com/google/uuid"
)

// CreatePool validates the request and persists a Pending pool. The caller becomes the authority;
// the verifier defaults to the configured verifier identity.
func (s *Service) CreatePool(ctx context.Context, caller string, req domain.CreatePoolRequest) (pool *domain.Pool, err error) {
	defer func() { observe("create_pool", err) }()

	caller = strings.TrimSpace(caller)
	if caller == "" {
		return nil, fmt.Errorf("%w: missing caller identity", domain.ErrUnauthorized)
	}

	poolID := uuid.New()
	if req.PoolID != nil {
		poolID = *req.PoolID
	}
	verifierID := strings.TrimSpace(req.VerifierID)
	if verifierID == "" {
		verifierID = s.defaultVerifierID
	}

	pool, err = domain.NewPool(domain.PoolConfig{
		ID:              poolID,
		AuthorityID:     caller,
		VerifierID:      verifierID,
		Goal:            req.Goal,
		StakeAmount:     req.StakeAmount,
		DurationDays:    req.DurationDays,
		MaxParticipants: req.MaxParticipants,
		MinParticipants: req.MinParticipants,
		CharityID:       req.CharityID,
		Distribution:    req.Distribution,
	}, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreatePool(ctx, pool); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("flow", "create_pool").
		Str("pool_id", pool.ID.String()).
		Str("authority", pool.AuthorityID).
		Str("mode", string(pool.Distribution.Kind)).
		Int64("stake_amount", pool.StakeAmount).
		Time("end_timestamp", pool.EndTimestamp).
		Msg("pool created")
	metrics.OpenPools.Inc()
	s.publish(ctx, domain.EventPoolCreated, s.poolEvent(pool))
	return pool, nil
}

func (s *Service) GetPool(ctx context.Context, poolID uuid.UUID) (*domain.Pool, error) {
	return s.repo.FindPoolByID(ctx, poolID)
}

func (s *Service) ListPools(ctx context.Context, opts domain.PoolListOptions) ([]domain.Pool, error) {
	return s.repo.ListPools(ctx, opts.Normalize())
}

// SyncOpenPoolsGauge sets the open-pools gauge from storage. CreatePool and ClosePool only move
// it by one, so a fresh process calls this before serving.
func (s *Service) SyncOpenPoolsGauge(ctx context.Context) (int, error) {
	count, err := s.repo.CountOpenPools(ctx)
	if err != nil {
		return 0, err
	}
	metrics.OpenPools.Set(float64(count))
	return count, nil
}

// ClosePool ends a pool whose deadline has passed. Anyone may call it; closing an Ended or
// Settled pool is a no-op success.
func (s *Service) ClosePool(ctx context.Context, poolID uuid.UUID) (pool *domain.Pool, err error) {
	defer func() { observe("close_pool", err) }()

	pool, changed, err := s.repo.ClosePoolAtomic(ctx, poolID, s.now())
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.OpenPools.Dec()
		s.logger.Info().
			Str("flow", "close_pool").
			Str("pool_id", pool.ID.String()).
			Int("participant_count", pool.ParticipantCount).
			Int64("total_staked", pool.TotalStaked).
			Msg("pool ended")
		s.publish(ctx, domain.EventPoolClosed, s.poolEvent(pool))
	}
	return pool, nil
}

func (s *Service) poolEvent(pool *domain.Pool) domain.PoolEvent {
	return domain.PoolEvent{
		EventID:     uuid.New(),
		PoolID:      pool.ID,
		Status:      pool.Status,
		TotalStaked: pool.TotalStaked,
		OccurredAt:  s.now().UTC(),
	}
}
