/**
 * @description
 * This file contains the core business logic for the settlement-service. The `Service`
 * struct orchestrates every pool operation, coordinating between the ledger repository,
 * the payout disburser, the join rate limiter and the message broker.
 *
 * Key features:
 * - Implements the pool lifecycle: create, join, forfeit, record outcome, close, settle.
 * - Checks the caller's capability before any mutation.
 * - Publishes domain events to RabbitMQ after each committed state change.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/rs/zerolog: Structured logging.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publishing.
 */

package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/commitpool/settlement-service/internal/metrics"
	"github.com/commitpool/settlement-service/internal/store"
	"github.com/commitpool/settlement-service/pkg/rabbitmq"
	"github.com/rs/zerolog"
)

const DefaultEventsExchange = "commitpool.events"

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// Options carries the optional collaborators and identities of a Service.
type Options struct {
	Publisher         rabbitmq.Publisher
	Disburser         Disburser
	Limiter           JoinRateLimiter
	Clock             Clock
	Logger            zerolog.Logger
	EventsExchange    string
	DefaultVerifierID string
	SettlerID         string
}

// Service provides the core business logic for commitment pools.
type Service struct {
	repo              store.Repository
	publisher         rabbitmq.Publisher
	disburser         Disburser
	limiter           JoinRateLimiter
	now               Clock
	logger            zerolog.Logger
	exchange          string
	defaultVerifierID string
	settlerID         string

	// settleCursor is where the next settlement sweep resumes, so pools that keep failing
	// cannot hold the head of the queue.
	sweepMu      sync.Mutex
	settleCursor *domain.PoolCursor
}

// NewService creates a new settlement service instance. Missing collaborators fall back to the
// no-op publisher, the ledger disburser, no rate limit and the wall clock.
func NewService(repo store.Repository, opts Options) *Service {
	s := &Service{
		repo:              repo,
		publisher:         opts.Publisher,
		disburser:         opts.Disburser,
		limiter:           opts.Limiter,
		now:               opts.Clock,
		logger:            opts.Logger,
		exchange:          strings.TrimSpace(opts.EventsExchange),
		defaultVerifierID: strings.TrimSpace(opts.DefaultVerifierID),
		settlerID:         strings.TrimSpace(opts.SettlerID),
	}
	if s.publisher == nil {
		s.publisher = &rabbitmq.EventProducerFallback{}
	}
	if s.disburser == nil {
		s.disburser = NewLedgerDisburser(repo)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.exchange == "" {
		s.exchange = DefaultEventsExchange
	}
	return s
}

// publish sends a domain event after the state change has committed. A broker failure never
// fails the operation that produced the event.
func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if err := s.publisher.Publish(ctx, s.exchange, routingKey, body); err != nil {
		s.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("failed to publish event")
	}
}

// observe records the outcome of an operation in the operations counter.
func observe(operation string, err error) {
	metrics.Operations.WithLabelValues(operation, outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	for _, kind := range []struct {
		err   error
		label string
	}{
		{domain.ErrInvalidConfiguration, "invalid_configuration"},
		{domain.ErrPoolAlreadyExists, "pool_already_exists"},
		{domain.ErrPoolNotJoinable, "pool_not_joinable"},
		{domain.ErrPoolFull, "pool_full"},
		{domain.ErrAlreadyJoined, "already_joined"},
		{domain.ErrInsufficientFunds, "insufficient_funds"},
		{domain.ErrUnauthorized, "unauthorized"},
		{domain.ErrInvalidState, "invalid_state"},
		{domain.ErrPoolNotActive, "pool_not_active"},
		{domain.ErrParticipantNotActive, "participant_not_active"},
		{domain.ErrInvalidDay, "invalid_day"},
		{domain.ErrPoolNotYetExpired, "pool_not_yet_expired"},
		{domain.ErrPoolNotEnded, "pool_not_ended"},
		{domain.ErrNoWinners, "no_winners"},
		{domain.ErrSettlementIncomplete, "incomplete"},
		{domain.ErrPoolNotFound, "not_found"},
		{domain.ErrParticipantNotFound, "not_found"},
		{ErrRateLimited, "rate_limited"},
	} {
		if errors.Is(err, kind.err) {
			return kind.label
		}
	}
	return "error"
}
