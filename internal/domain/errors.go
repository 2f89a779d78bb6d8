package domain

import "errors"

// Error kinds returned by pool, participant and settlement operations.
// Callers branch on them with errors.Is; detail is added by wrapping.
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid pool configuration")
	ErrPoolAlreadyExists    = errors.New("pool already exists")
	ErrInvalidAmount        = errors.New("amount must be greater than 0")

	// State-precondition errors
	ErrPoolNotJoinable      = errors.New("pool is not joinable")
	ErrAlreadyJoined        = errors.New("wallet already joined this pool")
	ErrInvalidState         = errors.New("invalid state for this operation")
	ErrPoolNotActive        = errors.New("pool is not active")
	ErrParticipantNotActive = errors.New("participant is not active")
	ErrInvalidDay           = errors.New("invalid day number")
	ErrPoolNotYetExpired    = errors.New("pool has not reached its end timestamp")
	ErrPoolNotEnded         = errors.New("pool has not ended")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrSettlementIncomplete = errors.New("settlement has unpaid payouts")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")

	// Capacity errors
	ErrPoolFull = errors.New("pool is full")

	// Policy errors
	ErrNoWinners = errors.New("no winners to distribute rewards to")

	// Lookup errors
	ErrPoolNotFound        = errors.New("pool not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrPayoutNotFound      = errors.New("payout not found")

	// ErrInvariantViolation means persisted aggregates disagree with the records they summarise.
	ErrInvariantViolation = errors.New("pool accounting invariant violated")
)
