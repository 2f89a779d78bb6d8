package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/commitpool/settlement-service/internal/config"
	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/rs/zerolog"
)

type sweeperStub struct {
	calls     []string
	limits    []int
	closeErr  error
	settleErr error
}

func (s *sweeperStub) SweepExpiredPools(ctx context.Context, limit int) (*domain.SweepResult, error) {
	s.calls = append(s.calls, "close")
	s.limits = append(s.limits, limit)
	if s.closeErr != nil {
		return nil, s.closeErr
	}
	return &domain.SweepResult{Processed: 1, Succeeded: 1}, nil
}

func (s *sweeperStub) SweepEndedPools(ctx context.Context, limit int) (*domain.SweepResult, error) {
	s.calls = append(s.calls, "settle")
	s.limits = append(s.limits, limit)
	if s.settleErr != nil {
		return nil, s.settleErr
	}
	return &domain.SweepResult{}, nil
}

func TestRunOnce_ClosesBeforeSettling(t *testing.T) {
	sweeper := &sweeperStub{}
	jobs := NewJobs(sweeper, zerolog.Nop(), config.Config{SweepBatchLimit: 25})

	jobs.RunOnce()

	if len(sweeper.calls) != 2 || sweeper.calls[0] != "close" || sweeper.calls[1] != "settle" {
		t.Fatalf("unexpected call order %v", sweeper.calls)
	}
	for _, limit := range sweeper.limits {
		if limit != 25 {
			t.Fatalf("expected configured batch limit, got %d", limit)
		}
	}
}

func TestRunOnce_SettlesEvenWhenCloseSweepFails(t *testing.T) {
	sweeper := &sweeperStub{closeErr: errors.New("db unavailable")}
	jobs := NewJobs(sweeper, zerolog.Nop(), config.Config{})

	jobs.RunOnce()

	if len(sweeper.calls) != 2 {
		t.Fatalf("expected both sweeps to run, got %v", sweeper.calls)
	}
}

func TestSchedulerStart_SkipsInvalidSchedule(t *testing.T) {
	jobs := NewJobs(&sweeperStub{}, zerolog.Nop(), config.Config{})
	s := NewScheduler(jobs, zerolog.Nop(), config.Config{
		CloseSweepSchedule:      "@every 1m",
		SettlementSweepSchedule: "not a schedule",
	})

	if got := s.Start(); got != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", got)
	}
	<-s.Stop().Done()
}
