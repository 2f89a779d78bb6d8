package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/commitpool/settlement-service/internal/app"
	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/rs/zerolog/log"
)

var errorStatuses = []struct {
	err    error
	status int
}{
	{domain.ErrInvalidConfiguration, http.StatusBadRequest},
	{domain.ErrInvalidAmount, http.StatusBadRequest},
	{domain.ErrInvalidDay, http.StatusBadRequest},
	{domain.ErrPoolAlreadyExists, http.StatusConflict},
	{domain.ErrPoolNotFound, http.StatusNotFound},
	{domain.ErrParticipantNotFound, http.StatusNotFound},
	{domain.ErrPayoutNotFound, http.StatusNotFound},
	{domain.ErrPoolNotJoinable, http.StatusConflict},
	{domain.ErrPoolFull, http.StatusConflict},
	{domain.ErrAlreadyJoined, http.StatusConflict},
	{domain.ErrInvalidState, http.StatusConflict},
	{domain.ErrPoolNotActive, http.StatusConflict},
	{domain.ErrParticipantNotActive, http.StatusConflict},
	{domain.ErrPoolNotYetExpired, http.StatusConflict},
	{domain.ErrPoolNotEnded, http.StatusConflict},
	{domain.ErrInsufficientFunds, http.StatusPaymentRequired},
	{domain.ErrUnauthorized, http.StatusForbidden},
	{domain.ErrNoWinners, http.StatusUnprocessableEntity},
	{domain.ErrSettlementIncomplete, http.StatusAccepted},
	{app.ErrRateLimited, http.StatusTooManyRequests},
}

// statusForError maps a service error to its HTTP status. Unknown errors are 500.
func statusForError(err error) int {
	for _, entry := range errorStatuses {
		if errors.Is(err, entry.err) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

// writeServiceError writes err with its mapped status. Internal failures are logged and
// answered with a generic message.
func (h *PoolHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)

	var limited *app.RateLimitError
	if errors.As(err, &limited) && limited.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "api").Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		h.writeError(w, status, "Internal server error")
		return
	}
	h.writeError(w, status, err.Error())
}
