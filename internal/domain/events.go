package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published on the events exchange.
const (
	EventPoolCreated          = "pool.created"
	EventPoolClosed           = "pool.closed"
	EventPoolSettled          = "pool.settled"
	EventParticipantJoined    = "participant.joined"
	EventParticipantForfeited = "participant.forfeited"
	EventOutcomeRecorded      = "participant.outcome_recorded"
	EventPayoutReleased       = "payout.released"
	EventVerificationAttested = "verification.outcome.recorded"
)

// PoolEvent is published whenever a pool changes lifecycle state.
type PoolEvent struct {
	EventID     uuid.UUID  `json:"event_id"`
	PoolID      uuid.UUID  `json:"pool_id"`
	Status      PoolStatus `json:"status"`
	TotalStaked int64      `json:"total_staked"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// ParticipantEvent is published for joins, forfeits and recorded outcomes.
type ParticipantEvent struct {
	EventID      uuid.UUID         `json:"event_id"`
	PoolID       uuid.UUID         `json:"pool_id"`
	Wallet       string            `json:"wallet"`
	Status       ParticipantStatus `json:"status"`
	DaysVerified int               `json:"days_verified"`
	Day          int               `json:"day,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// PayoutEvent is published once a payout has its paid marker.
type PayoutEvent struct {
	EventID    uuid.UUID  `json:"event_id"`
	PoolID     uuid.UUID  `json:"pool_id"`
	Recipient  string     `json:"recipient"`
	Kind       PayoutKind `json:"kind"`
	Amount     int64      `json:"amount"`
	Reference  string     `json:"reference,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// OutcomeAttestation is the message the off-chain verifier emits for one participant-day.
type OutcomeAttestation struct {
	EventID    string    `json:"event_id"`
	PoolID     string    `json:"pool_id"`
	Wallet     string    `json:"wallet"`
	Day        int       `json:"day"`
	Passed     bool      `json:"passed"`
	VerifierID string    `json:"verifier_id"`
	OccurredAt time.Time `json:"occurred_at"`
}
