/**
 * @description
 * Core domain models for the settlement-service: pools, their goal and distribution
 * configuration, and the lifecycle rules every storage backend applies under its lock.
 *
 * @notes
 * - Amounts are `int64` minor units, never floating point.
 * - State methods mutate the receiver only when they succeed, so a rejected operation
 *   leaves the loaded entity exactly as it was read.
 */

package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	MinDurationDays  = 1
	MaxDurationDays  = 30
	MaxPoolSize      = 100
	secondsPerDay    = 86400
	defaultListLimit = 20
	maxListLimit     = 100
)

// PoolStatus is the lifecycle state of a pool. Transitions only move forward.
type PoolStatus string

const (
	PoolStatusPending PoolStatus = "pending"
	PoolStatusActive  PoolStatus = "active"
	PoolStatusEnded   PoolStatus = "ended"
	PoolStatusSettled PoolStatus = "settled"
)

func (s PoolStatus) rank() int {
	switch s {
	case PoolStatusPending:
		return 0
	case PoolStatusActive:
		return 1
	case PoolStatusEnded:
		return 2
	case PoolStatusSettled:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s PoolStatus) Valid() bool {
	return s.rank() >= 0
}

// Before reports whether s comes strictly earlier in the lifecycle than other.
func (s PoolStatus) Before(other PoolStatus) bool {
	return s.rank() < other.rank()
}

// ParsePoolStatus normalises a status string from an API query or a stored row.
func ParsePoolStatus(raw string) (PoolStatus, error) {
	status := PoolStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown pool status %q", raw)
	}
	return status, nil
}

// GoalKind names the variant of a GoalType.
type GoalKind string

const (
	GoalDailyDCA       GoalKind = "daily_dca"
	GoalHodlToken      GoalKind = "hodl_token"
	GoalLifestyleHabit GoalKind = "lifestyle_habit"
)

// GoalType describes the behaviour participants commit to. The service stores and returns it;
// judging whether a participant met it belongs to the verifier.
type GoalType struct {
	Kind       GoalKind `json:"type"`
	Amount     int64    `json:"amount,omitempty"`
	Asset      string   `json:"asset,omitempty"`
	MinBalance int64    `json:"min_balance,omitempty"`
	Name       string   `json:"name,omitempty"`
}

func DailyDCAGoal(amount int64, asset string) GoalType {
	return GoalType{Kind: GoalDailyDCA, Amount: amount, Asset: asset}
}

func HodlTokenGoal(asset string, minBalance int64) GoalType {
	return GoalType{Kind: GoalHodlToken, Asset: asset, MinBalance: minBalance}
}

func LifestyleHabitGoal(name string) GoalType {
	return GoalType{Kind: GoalLifestyleHabit, Name: name}
}

func (g GoalType) validate() error {
	switch g.Kind {
	case GoalDailyDCA, GoalHodlToken, GoalLifestyleHabit:
		return nil
	default:
		return fmt.Errorf("%w: unknown goal type %q", ErrInvalidConfiguration, g.Kind)
	}
}

// DistributionModeKind names the settlement policy variant.
type DistributionModeKind string

const (
	DistributionCompetitive DistributionModeKind = "competitive"
	DistributionCharity     DistributionModeKind = "charity"
	DistributionSplit       DistributionModeKind = "split"
)

// DistributionMode is the settlement policy. WinnerPercent is only meaningful for Split.
type DistributionMode struct {
	Kind          DistributionModeKind `json:"mode"`
	WinnerPercent int                  `json:"winner_percent,omitempty"`
}

func Competitive() DistributionMode { return DistributionMode{Kind: DistributionCompetitive} }

func CharityMode() DistributionMode { return DistributionMode{Kind: DistributionCharity} }

func Split(winnerPercent int) DistributionMode {
	return DistributionMode{Kind: DistributionSplit, WinnerPercent: winnerPercent}
}

func (m DistributionMode) validate() error {
	switch m.Kind {
	case DistributionCompetitive, DistributionCharity:
		return nil
	case DistributionSplit:
		if m.WinnerPercent < 0 || m.WinnerPercent > 100 {
			return fmt.Errorf("%w: winner_percent must be 0..100", ErrInvalidConfiguration)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown distribution mode %q", ErrInvalidConfiguration, m.Kind)
	}
}

// PoolConfig is everything fixed at pool creation.
type PoolConfig struct {
	ID              uuid.UUID        `json:"pool_id"`
	AuthorityID     string           `json:"authority_id"`
	VerifierID      string           `json:"verifier_id"`
	Goal            GoalType         `json:"goal"`
	StakeAmount     int64            `json:"stake_amount"`
	DurationDays    int              `json:"duration_days"`
	MaxParticipants int              `json:"max_participants"`
	MinParticipants int              `json:"min_participants"`
	CharityID       string           `json:"charity_id"`
	Distribution    DistributionMode `json:"distribution"`
}

// Validate checks the creation rules. Every failure wraps ErrInvalidConfiguration.
func (c PoolConfig) Validate() error {
	if c.ID == uuid.Nil {
		return fmt.Errorf("%w: pool_id is required", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(c.AuthorityID) == "" {
		return fmt.Errorf("%w: authority is required", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(c.VerifierID) == "" {
		return fmt.Errorf("%w: verifier is required", ErrInvalidConfiguration)
	}
	if strings.TrimSpace(c.CharityID) == "" {
		return fmt.Errorf("%w: charity target is required", ErrInvalidConfiguration)
	}
	if c.StakeAmount <= 0 {
		return fmt.Errorf("%w: stake_amount must be greater than 0", ErrInvalidConfiguration)
	}
	if c.DurationDays < MinDurationDays || c.DurationDays > MaxDurationDays {
		return fmt.Errorf("%w: duration_days must be %d..%d", ErrInvalidConfiguration, MinDurationDays, MaxDurationDays)
	}
	if c.MaxParticipants < 1 || c.MaxParticipants > MaxPoolSize {
		return fmt.Errorf("%w: max_participants must be 1..%d", ErrInvalidConfiguration, MaxPoolSize)
	}
	if c.MinParticipants < 1 || c.MinParticipants > c.MaxParticipants {
		return fmt.Errorf("%w: min_participants must be 1..max_participants", ErrInvalidConfiguration)
	}
	// total_staked must stay representable when the pool fills up.
	if c.StakeAmount > math.MaxInt64/int64(c.MaxParticipants) {
		return fmt.Errorf("%w: stake_amount too large for max_participants", ErrInvalidConfiguration)
	}
	if err := c.Goal.validate(); err != nil {
		return err
	}
	return c.Distribution.validate()
}

// Pool is one commitment campaign and its escrow aggregates.
// Maps to the `pools` table.
type Pool struct {
	ID               uuid.UUID        `json:"id"`
	AuthorityID      string           `json:"authority_id"`
	VerifierID       string           `json:"verifier_id"`
	Goal             GoalType         `json:"goal"`
	StakeAmount      int64            `json:"stake_amount"`
	DurationDays     int              `json:"duration_days"`
	MaxParticipants  int              `json:"max_participants"`
	MinParticipants  int              `json:"min_participants"`
	CharityID        string           `json:"charity_id"`
	Distribution     DistributionMode `json:"distribution"`
	ParticipantCount int              `json:"participant_count"`
	TotalStaked      int64            `json:"total_staked"`
	Status           PoolStatus       `json:"status"`
	StartTimestamp   time.Time        `json:"start_timestamp"`
	EndTimestamp     time.Time        `json:"end_timestamp"`
	ActivatedAt      *time.Time       `json:"activated_at,omitempty"`
	EndedAt          *time.Time       `json:"ended_at,omitempty"`
	SettledAt        *time.Time       `json:"settled_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NewPool validates cfg and returns a Pending pool whose deadline is duration_days after now.
func NewPool(cfg PoolConfig, now time.Time) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now = now.UTC()
	return &Pool{
		ID:              cfg.ID,
		AuthorityID:     strings.TrimSpace(cfg.AuthorityID),
		VerifierID:      strings.TrimSpace(cfg.VerifierID),
		Goal:            cfg.Goal,
		StakeAmount:     cfg.StakeAmount,
		DurationDays:    cfg.DurationDays,
		MaxParticipants: cfg.MaxParticipants,
		MinParticipants: cfg.MinParticipants,
		CharityID:       strings.TrimSpace(cfg.CharityID),
		Distribution:    cfg.Distribution,
		Status:          PoolStatusPending,
		StartTimestamp:  now,
		EndTimestamp:    now.Add(time.Duration(cfg.DurationDays) * secondsPerDay * time.Second),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Admit applies a join for wallet. existing is the wallet's current participant record, if any.
// On success the pool aggregates are updated and the new participant is returned; the first
// admission moves the pool from Pending to Active.
func (p *Pool) Admit(wallet string, existing *Participant, now time.Time) (*Participant, error) {
	if p.Status != PoolStatusPending && p.Status != PoolStatusActive {
		return nil, ErrPoolNotJoinable
	}
	if p.ParticipantCount >= p.MaxParticipants {
		return nil, ErrPoolFull
	}
	if existing != nil {
		return nil, ErrAlreadyJoined
	}

	now = now.UTC()
	p.ParticipantCount++
	p.TotalStaked += p.StakeAmount
	if p.Status == PoolStatusPending {
		p.Status = PoolStatusActive
		p.ActivatedAt = &now
	}
	p.UpdatedAt = now

	return &Participant{
		PoolID:        p.ID,
		Wallet:        wallet,
		StakeAmount:   p.StakeAmount,
		JoinTimestamp: now,
		Status:        ParticipantStatusActive,
		UpdatedAt:     now,
	}, nil
}

// Close ends the pool once its deadline has passed. changed is false when the pool was
// already Ended or Settled, which is a successful no-op.
func (p *Pool) Close(now time.Time) (changed bool, err error) {
	if p.Status == PoolStatusEnded || p.Status == PoolStatusSettled {
		return false, nil
	}
	if now.Before(p.EndTimestamp) {
		return false, ErrPoolNotYetExpired
	}
	now = now.UTC()
	p.Status = PoolStatusEnded
	p.EndedAt = &now
	p.UpdatedAt = now
	return true, nil
}

// MarkSettled moves an Ended pool to Settled.
func (p *Pool) MarkSettled(now time.Time) error {
	if p.Status == PoolStatusSettled {
		return nil
	}
	if p.Status != PoolStatusEnded {
		return ErrPoolNotEnded
	}
	now = now.UTC()
	p.Status = PoolStatusSettled
	p.SettledAt = &now
	p.UpdatedAt = now
	return nil
}

// CheckInvariants verifies the escrow aggregates.
func (p *Pool) CheckInvariants() error {
	if p.ParticipantCount < 0 || p.ParticipantCount > p.MaxParticipants {
		return fmt.Errorf("%w: participant_count=%d max=%d", ErrInvariantViolation, p.ParticipantCount, p.MaxParticipants)
	}
	if p.TotalStaked != int64(p.ParticipantCount)*p.StakeAmount {
		return fmt.Errorf("%w: total_staked=%d participant_count=%d stake=%d", ErrInvariantViolation, p.TotalStaked, p.ParticipantCount, p.StakeAmount)
	}
	return nil
}

// PoolListOptions filters and pages pool listings.
type PoolListOptions struct {
	Status *PoolStatus
	Limit  int
	Offset int
}

// Normalize clamps paging to sane bounds.
func (o PoolListOptions) Normalize() PoolListOptions {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// CreatePoolRequest is the DTO for pool creation. The caller becomes the authority.
type CreatePoolRequest struct {
	PoolID          *uuid.UUID       `json:"pool_id,omitempty"`
	VerifierID      string           `json:"verifier_id,omitempty"`
	Goal            GoalType         `json:"goal"`
	StakeAmount     int64            `json:"stake_amount"`
	DurationDays    int              `json:"duration_days"`
	MaxParticipants int              `json:"max_participants"`
	MinParticipants int              `json:"min_participants"`
	CharityID       string           `json:"charity_id"`
	Distribution    DistributionMode `json:"distribution"`
}

// SettlementSummary reports a pool's payout table and how much of it has been paid.
type SettlementSummary struct {
	Pool          *Pool    `json:"pool"`
	Payouts       []Payout `json:"payouts"`
	PaidCount     int      `json:"paid_count"`
	PendingCount  int      `json:"pending_count"`
	PaidAmount    int64    `json:"paid_amount"`
	PendingAmount int64    `json:"pending_amount"`
	Complete      bool     `json:"complete"`
}

// NewSettlementSummary tallies payouts for pool.
func NewSettlementSummary(pool *Pool, payouts []Payout) *SettlementSummary {
	summary := &SettlementSummary{Pool: pool, Payouts: payouts}
	for _, p := range payouts {
		if p.IsPaid() {
			summary.PaidCount++
			summary.PaidAmount += p.Amount
		} else {
			summary.PendingCount++
			summary.PendingAmount += p.Amount
		}
	}
	summary.Complete = pool != nil && pool.Status == PoolStatusSettled
	return summary
}

// Wallet is a host-ledger account participants stake from and winners are paid into.
type Wallet struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WalletDepositRequest is the DTO for funding a wallet through the internal API.
type WalletDepositRequest struct {
	Amount int64 `json:"amount"`
}

// SweepResult reports one pass of the close or settlement sweeper.
type SweepResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// PoolCursor is a keyset position in (end_timestamp, id) order.
type PoolCursor struct {
	EndTimestamp time.Time
	ID           uuid.UUID
}

// CursorOf returns the position just after p.
func CursorOf(p Pool) *PoolCursor {
	return &PoolCursor{EndTimestamp: p.EndTimestamp, ID: p.ID}
}
