package domain

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantStatus is the outcome state of one staked entrant. Active is the only
// non-terminal state.
type ParticipantStatus string

const (
	ParticipantStatusActive  ParticipantStatus = "active"
	ParticipantStatusSuccess ParticipantStatus = "success"
	ParticipantStatusFailed  ParticipantStatus = "failed"
	ParticipantStatusForfeit ParticipantStatus = "forfeit"
)

func (s ParticipantStatus) IsTerminal() bool {
	return s != ParticipantStatusActive
}

// Participant is one wallet's stake in one pool, keyed by (pool_id, wallet).
type Participant struct {
	PoolID        uuid.UUID         `json:"pool_id"`
	Wallet        string            `json:"wallet"`
	StakeAmount   int64             `json:"stake_amount"`
	JoinTimestamp time.Time         `json:"join_timestamp"`
	Status        ParticipantStatus `json:"status"`
	DaysVerified  int               `json:"days_verified"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Forfeit withdraws the participant from an active pool. The stake stays escrowed and is
// settled with the losers.
func (pt *Participant) Forfeit(pool *Pool, now time.Time) error {
	if pool.Status != PoolStatusActive {
		return ErrInvalidState
	}
	if pt.Status != ParticipantStatusActive {
		return ErrInvalidState
	}
	pt.Status = ParticipantStatusForfeit
	pt.UpdatedAt = now.UTC()
	return nil
}

// ApplyOutcome records the verifier's verdict for one day.
//
// A pass raises days_verified to day (never lowers it) and completes the challenge once
// every day is covered. A single failed day fails the participant outright.
func (pt *Participant) ApplyOutcome(pool *Pool, day int, passed bool, now time.Time) error {
	if pool.Status != PoolStatusActive {
		return ErrPoolNotActive
	}
	if pt.Status != ParticipantStatusActive {
		return ErrParticipantNotActive
	}
	if day < 1 || day > pool.DurationDays {
		return ErrInvalidDay
	}

	if !passed {
		pt.Status = ParticipantStatusFailed
	} else {
		if day > pt.DaysVerified {
			pt.DaysVerified = day
		}
		if pt.DaysVerified >= pool.DurationDays {
			pt.Status = ParticipantStatusSuccess
		}
	}
	pt.UpdatedAt = now.UTC()
	return nil
}

// RecordOutcomeRequest is the verifier attestation for one participant-day.
type RecordOutcomeRequest struct {
	Day    int  `json:"day"`
	Passed bool `json:"passed"`
}
