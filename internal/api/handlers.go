/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: For service logic, models, and error kinds.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/commitpool/settlement-service/internal/app"
	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBodyBytes = 1 << 20

// PoolHandlers holds the application service that handlers will use.
type PoolHandlers struct {
	service *app.Service
}

func NewPoolHandlers(service *app.Service) *PoolHandlers {
	return &PoolHandlers{service: service}
}

func (h *PoolHandlers) CreatePoolHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}

	var req domain.CreatePoolRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	pool, err := h.service.CreatePool(r.Context(), caller, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, pool)
}

func (h *PoolHandlers) ListPoolsHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var opts domain.PoolListOptions
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := domain.ParsePoolStatus(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Status = &status
	}
	limit, err := parseOptionalPositiveInt(query.Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}
	offset, err := parseOptionalPositiveInt(query.Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid offset: "+err.Error())
		return
	}
	opts.Limit = limit
	opts.Offset = offset

	pools, err := h.service.ListPools(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"pools": pools, "count": len(pools)})
}

func (h *PoolHandlers) GetPoolHandler(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolIDParam(w, r)
	if !ok {
		return
	}
	pool, err := h.service.GetPool(r.Context(), poolID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pool)
}

func (h *PoolHandlers) JoinPoolHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolIDParam(w, r)
	if !ok {
		return
	}

	participant, err := h.service.JoinPool(r.Context(), caller, poolID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, participant)
}

func (h *PoolHandlers) ListParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolIDParam(w, r)
	if !ok {
		return
	}
	participants, err := h.service.ListParticipants(r.Context(), poolID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"participants": participants, "count": len(participants)})
}

func (h *PoolHandlers) GetParticipantHandler(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolIDParam(w, r)
	if !ok {
		return
	}
	participant, err := h.service.GetParticipant(r.Context(), poolID, chi.URLParam(r, "wallet"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, participant)
}

func (h *PoolHandlers) ForfeitHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolIDParam(w, r)
	if !ok {
		return
	}

	participant, err := h.service.Forfeit(r.Context(), caller, poolID, chi.URLParam(r, "wallet"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, participant)
}

func (h *PoolHandlers) RecordOutcomeHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolIDParam(w, r)
	if !ok {
		return
	}

	var req domain.RecordOutcomeRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	participant, err := h.service.RecordOutcome(r.Context(), caller, poolID, chi.URLParam(r, "wallet"), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, participant)
}

func (h *PoolHandlers) ClosePoolHandler(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolIDParam(w, r)
	if !ok {
		return
	}
	pool, err := h.service.ClosePool(r.Context(), poolID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pool)
}

// SettleHandler answers 202 with the partial summary when some payouts could not be released
// yet; a retry releases the rest.
func (h *PoolHandlers) SettleHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	poolID, ok := h.poolIDParam(w, r)
	if !ok {
		return
	}

	summary, err := h.service.Settle(r.Context(), caller, poolID)
	if err != nil {
		if errors.Is(err, domain.ErrSettlementIncomplete) && summary != nil {
			h.writeJSON(w, http.StatusAccepted, summary)
			return
		}
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *PoolHandlers) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	poolID, ok := h.poolIDParam(w, r)
	if !ok {
		return
	}
	summary, err := h.service.GetSettlement(r.Context(), poolID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// GetMyWalletHandler returns the caller's host-ledger balance.
func (h *PoolHandlers) GetMyWalletHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	wallet, err := h.service.GetWallet(r.Context(), caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// DepositHandler funds a wallet. Internal route.
func (h *PoolHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.WalletDepositRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	wallet, err := h.service.DepositToWallet(r.Context(), chi.URLParam(r, "wallet"), req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// RunSweepsHandler runs one close pass and one settlement pass. Internal route for operators.
func (h *PoolHandlers) RunSweepsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
		return
	}

	closed, err := h.service.SweepExpiredPools(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	settled, err := h.service.SweepEndedPools(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]*domain.SweepResult{"close": closed, "settle": settled})
}

func (h *PoolHandlers) requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller, ok := GetCallerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not identify caller from token")
		return "", false
	}
	return caller, true
}

func (h *PoolHandlers) poolIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	poolID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "pool_id")))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid pool id")
		return uuid.Nil, false
	}
	return poolID, true
}

func (h *PoolHandlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *PoolHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PoolHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
