package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/commitpool/settlement-service/internal/metrics"
	"github.com/google/uuid"
)

// JoinPool stakes the caller's wallet into the pool. The escrow deposit, the participant record
// and the pool aggregates are written as one unit by the repository.
func (s *Service) JoinPool(ctx context.Context, wallet string, poolID uuid.UUID) (participant *domain.Participant, err error) {
	defer func() { observe("join_pool", err) }()

	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return nil, fmt.Errorf("%w: missing caller identity", domain.ErrUnauthorized)
	}
	if err := s.checkJoinRate(ctx, wallet); err != nil {
		metrics.JoinsRateLimited.Inc()
		return nil, err
	}

	participant, pool, err := s.repo.JoinPoolAtomic(ctx, poolID, wallet, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("flow", "join_pool").
		Str("pool_id", poolID.String()).
		Str("wallet", wallet).
		Int("participant_count", pool.ParticipantCount).
		Int64("total_staked", pool.TotalStaked).
		Str("pool_status", string(pool.Status)).
		Msg("participant joined")
	s.publish(ctx, domain.EventParticipantJoined, s.participantEvent(participant, 0))
	return participant, nil
}

// Forfeit withdraws the caller from the challenge. Only the wallet owner may forfeit; the stake
// stays in escrow and is settled as a loser's stake.
func (s *Service) Forfeit(ctx context.Context, caller string, poolID uuid.UUID, wallet string) (participant *domain.Participant, err error) {
	defer func() { observe("forfeit", err) }()

	if err := s.authorize(caller, CapabilityParticipantSelf, nil, wallet); err != nil {
		return nil, err
	}

	participant, err = s.repo.ForfeitParticipantAtomic(ctx, poolID, wallet, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("flow", "forfeit").
		Str("pool_id", poolID.String()).
		Str("wallet", wallet).
		Msg("participant forfeited")
	s.publish(ctx, domain.EventParticipantForfeited, s.participantEvent(participant, 0))
	return participant, nil
}

func (s *Service) GetParticipant(ctx context.Context, poolID uuid.UUID, wallet string) (*domain.Participant, error) {
	return s.repo.FindParticipant(ctx, poolID, strings.TrimSpace(wallet))
}

func (s *Service) ListParticipants(ctx context.Context, poolID uuid.UUID) ([]domain.Participant, error) {
	return s.repo.ListParticipantsByPool(ctx, poolID)
}

// DepositToWallet funds a host-ledger wallet. It backs the internal deposit route.
func (s *Service) DepositToWallet(ctx context.Context, wallet string, amount int64) (*domain.Wallet, error) {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: wallet id and a positive amount are required", domain.ErrInvalidAmount)
	}
	account, err := s.repo.CreditWallet(ctx, wallet, amount)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("flow", "deposit").Str("wallet", wallet).Int64("amount", amount).Int64("balance", account.Balance).Msg("wallet credited")
	return account, nil
}

func (s *Service) GetWallet(ctx context.Context, wallet string) (*domain.Wallet, error) {
	return s.repo.FindWallet(ctx, strings.TrimSpace(wallet))
}

func (s *Service) participantEvent(pt *domain.Participant, day int) domain.ParticipantEvent {
	return domain.ParticipantEvent{
		EventID:      uuid.New(),
		PoolID:       pt.PoolID,
		Wallet:       pt.Wallet,
		Status:       pt.Status,
		DaysVerified: pt.DaysVerified,
		Day:          day,
		OccurredAt:   s.now().UTC(),
	}
}
