package app

import (
	"context"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/google/uuid"
)

// RecordOutcome applies the verifier's attestation for one participant-day. A failed day ends
// the challenge for the participant; a passed day advances days_verified and, on the last day,
// marks the participant Success.
func (s *Service) RecordOutcome(ctx context.Context, caller string, poolID uuid.UUID, wallet string, req domain.RecordOutcomeRequest) (participant *domain.Participant, err error) {
	defer func() { observe("record_outcome", err) }()

	pool, err := s.repo.FindPoolByID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	// verifier_id never changes after creation, so checking it outside the pool lock is safe.
	if err := s.authorize(caller, CapabilityVerifier, pool, wallet); err != nil {
		return nil, err
	}

	participant, err = s.repo.RecordOutcomeAtomic(ctx, poolID, wallet, req.Day, req.Passed, s.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("flow", "record_outcome").
		Str("pool_id", poolID.String()).
		Str("wallet", wallet).
		Int("day", req.Day).
		Bool("passed", req.Passed).
		Int("days_verified", participant.DaysVerified).
		Str("outcome", string(participant.Status)).
		Msg("outcome recorded")
	s.publish(ctx, domain.EventOutcomeRecorded, s.participantEvent(participant, req.Day))
	return participant, nil
}
