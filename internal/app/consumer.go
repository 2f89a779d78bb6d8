package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OutcomeRecorder is the slice of the service the attestation consumer drives.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, caller string, poolID uuid.UUID, wallet string, req domain.RecordOutcomeRequest) (*domain.Participant, error)
}

// AttestationConsumer applies verifier attestations delivered over RabbitMQ. The message's
// verifier_id is used as the caller, so only deliveries from trusted broker credentials may reach
// it; the rabbitmq consumer enforces that with RequirePublishers.
type AttestationConsumer struct {
	recorder OutcomeRecorder
	logger   zerolog.Logger
	timeout  time.Duration
}

func NewAttestationConsumer(recorder OutcomeRecorder, logger zerolog.Logger) *AttestationConsumer {
	return &AttestationConsumer{recorder: recorder, logger: logger, timeout: 15 * time.Second}
}

// HandleMessage returns true to ack and false to nack with requeue. Only transient failures
// are requeued; a message the domain rejects would be rejected again on every redelivery.
func (c *AttestationConsumer) HandleMessage(body []byte) bool {
	var event domain.OutcomeAttestation
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn().Err(err).Msg("failed to unmarshal attestation; dropping")
		return true
	}

	poolID, err := uuid.Parse(strings.TrimSpace(event.PoolID))
	if err != nil || strings.TrimSpace(event.Wallet) == "" {
		c.logger.Warn().Str("event_id", event.EventID).Str("pool_id", event.PoolID).Msg("attestation missing pool id or wallet; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	_, err = c.recorder.RecordOutcome(ctx, event.VerifierID, poolID, event.Wallet, domain.RecordOutcomeRequest{
		Day:    event.Day,
		Passed: event.Passed,
	})
	if err == nil {
		return true
	}
	if isDomainRejection(err) {
		c.logger.Warn().Err(err).
			Str("event_id", event.EventID).
			Str("pool_id", poolID.String()).
			Str("wallet", event.Wallet).
			Int("day", event.Day).
			Msg("attestation rejected; dropping")
		return true
	}

	c.logger.Error().Err(err).
		Str("event_id", event.EventID).
		Str("pool_id", poolID.String()).
		Str("wallet", event.Wallet).
		Msg("attestation processing failed; requeueing")
	return false
}

func isDomainRejection(err error) bool {
	for _, target := range []error{
		domain.ErrPoolNotFound,
		domain.ErrParticipantNotFound,
		domain.ErrUnauthorized,
		domain.ErrPoolNotActive,
		domain.ErrParticipantNotActive,
		domain.ErrInvalidDay,
		domain.ErrInvalidState,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
