/**
 * @description
 * Settlement arithmetic. PlanDistribution turns an Ended pool and its participants into
 * the full payout table: one row per winner plus at most one charity row. The plan is a
 * pure function of frozen state, so every retry of a settlement computes the same rows.
 *
 * @dependencies
 * - cosmossdk.io/math: arbitrary-precision integers for products such as total*percent.
 */

package domain

import (
	"fmt"
	"sort"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
)

// PayoutKind distinguishes winner payouts from the charity remainder.
type PayoutKind string

const (
	PayoutKindWinner  PayoutKind = "winner"
	PayoutKindCharity PayoutKind = "charity"
)

// PayoutStatus is the paid marker of a single payout.
type PayoutStatus string

const (
	PayoutStatusPending PayoutStatus = "pending"
	PayoutStatusPaid    PayoutStatus = "paid"
)

// Payout is one funds movement out of a pool's escrow. It is unique per
// (pool_id, kind, recipient) and maps to the `pool_payouts` table.
type Payout struct {
	PoolID    uuid.UUID    `json:"pool_id"`
	Recipient string       `json:"recipient"`
	Kind      PayoutKind   `json:"kind"`
	Amount    int64        `json:"amount"`
	Status    PayoutStatus `json:"status"`
	Reference *string      `json:"reference,omitempty"`
	PaidAt    *time.Time   `json:"paid_at,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// IdempotencyKey identifies the payout to downstream transfer executors.
func (p Payout) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s", p.PoolID, p.Kind, p.Recipient)
}

func (p Payout) IsPaid() bool {
	return p.Status == PayoutStatusPaid
}

// SettlementPlan is the computed outcome of a pool.
type SettlementPlan struct {
	PoolID          uuid.UUID `json:"pool_id"`
	Winners         []string  `json:"winners"`
	Losers          []string  `json:"losers"`
	PerWinnerAmount int64     `json:"per_winner_amount"`
	CharityAmount   int64     `json:"charity_amount"`
	Payouts         []Payout  `json:"payouts"`
}

// Total is the sum of every payout in the plan.
func (s *SettlementPlan) Total() int64 {
	var total int64
	for _, p := range s.Payouts {
		total += p.Amount
	}
	return total
}

// PlanDistribution classifies participants and computes payouts under the pool's policy.
//
// Winners are participants in Success; everyone else, including participants still Active
// at expiry, is a loser. Integer remainders always go to the charity target so the plan
// pays out exactly total_staked.
func PlanDistribution(pool *Pool, participants []Participant, now time.Time) (*SettlementPlan, error) {
	var (
		winners     []string
		losers      []string
		winnerStake = sdkmath.ZeroInt()
		loserStake  = sdkmath.ZeroInt()
	)
	for _, pt := range participants {
		if pt.PoolID != pool.ID {
			continue
		}
		stake := sdkmath.NewInt(pt.StakeAmount)
		if pt.Status == ParticipantStatusSuccess {
			winners = append(winners, pt.Wallet)
			winnerStake = winnerStake.Add(stake)
		} else {
			losers = append(losers, pt.Wallet)
			loserStake = loserStake.Add(stake)
		}
	}
	sort.Strings(winners)
	sort.Strings(losers)

	total := sdkmath.NewInt(pool.TotalStaked)
	if !winnerStake.Add(loserStake).Equal(total) {
		return nil, fmt.Errorf("%w: participant stakes do not sum to total_staked=%d", ErrInvariantViolation, pool.TotalStaked)
	}

	plan := &SettlementPlan{PoolID: pool.ID, Winners: winners, Losers: losers}
	winnerCount := int64(len(winners))

	var perWinner, charity sdkmath.Int
	switch pool.Distribution.Kind {
	case DistributionCompetitive:
		if winnerCount == 0 {
			if total.IsPositive() {
				return nil, ErrNoWinners
			}
			perWinner, charity = sdkmath.ZeroInt(), sdkmath.ZeroInt()
			break
		}
		share := loserStake.QuoRaw(winnerCount)
		perWinner = sdkmath.NewInt(pool.StakeAmount).Add(share)
		charity = loserStake.Sub(share.MulRaw(winnerCount))
	case DistributionCharity:
		perWinner = sdkmath.NewInt(pool.StakeAmount)
		charity = loserStake
		if winnerCount == 0 {
			perWinner = sdkmath.ZeroInt()
			charity = total
		}
	case DistributionSplit:
		winnerPool := total.MulRaw(int64(pool.Distribution.WinnerPercent)).QuoRaw(100)
		if winnerCount == 0 {
			perWinner = sdkmath.ZeroInt()
			charity = total
			break
		}
		perWinner = winnerPool.QuoRaw(winnerCount)
		charity = total.Sub(perWinner.MulRaw(winnerCount))
	default:
		return nil, fmt.Errorf("%w: unknown distribution mode %q", ErrInvalidConfiguration, pool.Distribution.Kind)
	}

	if !perWinner.IsInt64() || !charity.IsInt64() {
		return nil, fmt.Errorf("%w: payout exceeds int64", ErrInvariantViolation)
	}
	plan.PerWinnerAmount = perWinner.Int64()
	plan.CharityAmount = charity.Int64()

	now = now.UTC()
	if plan.PerWinnerAmount > 0 {
		for _, wallet := range winners {
			plan.Payouts = append(plan.Payouts, Payout{
				PoolID:    pool.ID,
				Recipient: wallet,
				Kind:      PayoutKindWinner,
				Amount:    plan.PerWinnerAmount,
				Status:    PayoutStatusPending,
				CreatedAt: now,
			})
		}
	}
	if plan.CharityAmount > 0 {
		plan.Payouts = append(plan.Payouts, Payout{
			PoolID:    pool.ID,
			Recipient: pool.CharityID,
			Kind:      PayoutKindCharity,
			Amount:    plan.CharityAmount,
			Status:    PayoutStatusPending,
			CreatedAt: now,
		})
	}

	if plan.Total() != pool.TotalStaked {
		return nil, fmt.Errorf("%w: plan pays %d of %d", ErrInvariantViolation, plan.Total(), pool.TotalStaked)
	}
	return plan, nil
}
