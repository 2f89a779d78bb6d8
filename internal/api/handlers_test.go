package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/commitpool/settlement-service/internal/app"
	"github.com/commitpool/settlement-service/internal/domain"
	"github.com/commitpool/settlement-service/internal/store"
	"github.com/rs/zerolog"
)

const testInternalKey = "internal-secret"

// headerAuth trusts X-Test-Caller as the caller identity.
func headerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := r.Header.Get("X-Test-Caller")
		if caller == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithCallerID(r.Context(), caller)))
	})
}

type testServer struct {
	handler http.Handler
	now     time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	service := app.NewService(store.NewMemoryRepository(), app.Options{
		Clock:     func() time.Time { return ts.now },
		Logger:    zerolog.Nop(),
		SettlerID: "sweeper",
		Limiter:   app.NewLocalJoinRateLimiter(100, time.Minute),
	})
	ts.handler = NewRouter(NewPoolHandlers(service), headerAuth, testInternalKey)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Test-Caller", caller)
	}
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createPool(t *testing.T, mode domain.DistributionMode) domain.Pool {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/pools", "authority", domain.CreatePoolRequest{
		VerifierID:      "verifier",
		Goal:            domain.HodlTokenGoal("SOL", 5),
		StakeAmount:     100,
		DurationDays:    2,
		MaxParticipants: 3,
		MinParticipants: 1,
		CharityID:       "charity",
		Distribution:    mode,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pool: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var pool domain.Pool
	if err := json.Unmarshal(rec.Body.Bytes(), &pool); err != nil {
		t.Fatalf("decode pool: %v", err)
	}
	return pool
}

func (ts *testServer) fund(t *testing.T, wallet string, amount int64) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/internal/wallets/"+wallet+"/deposits", "", domain.WalletDepositRequest{Amount: amount})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPoolLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	pool := ts.createPool(t, domain.Competitive())
	base := "/pools/" + pool.ID.String()

	for _, wallet := range []string{"alice", "bob"} {
		ts.fund(t, wallet, 500)
		if rec := ts.do(t, http.MethodPost, base+"/join", wallet, nil); rec.Code != http.StatusCreated {
			t.Fatalf("join %s: expected 201, got %d: %s", wallet, rec.Code, rec.Body.String())
		}
	}

	for day := 1; day <= 2; day++ {
		rec := ts.do(t, http.MethodPost, base+"/participants/alice/outcomes", "verifier", domain.RecordOutcomeRequest{Day: day, Passed: true})
		if rec.Code != http.StatusOK {
			t.Fatalf("outcome day %d: expected 200, got %d: %s", day, rec.Code, rec.Body.String())
		}
	}
	if rec := ts.do(t, http.MethodPost, base+"/participants/bob/forfeit", "bob", nil); rec.Code != http.StatusOK {
		t.Fatalf("forfeit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(t, http.MethodPost, base+"/close", "anyone", nil); rec.Code != http.StatusConflict {
		t.Fatalf("early close: expected 409, got %d", rec.Code)
	}
	ts.now = ts.now.Add(49 * time.Hour)
	if rec := ts.do(t, http.MethodPost, base+"/close", "anyone", nil); rec.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := ts.do(t, http.MethodPost, base+"/settle", "verifier", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary domain.SettlementSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if !summary.Complete || summary.PaidAmount != 200 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	rec = ts.do(t, http.MethodGet, "/wallets/me", "alice", nil)
	var wallet domain.Wallet
	if err := json.Unmarshal(rec.Body.Bytes(), &wallet); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}
	if wallet.Balance != 600 {
		t.Fatalf("expected alice balance 600, got %d", wallet.Balance)
	}
}

func TestErrorStatusesOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	pool := ts.createPool(t, domain.Competitive())
	base := "/pools/" + pool.ID.String()
	ts.fund(t, "alice", 500)
	if rec := ts.do(t, http.MethodPost, base+"/join", "alice", nil); rec.Code != http.StatusCreated {
		t.Fatalf("join: expected 201, got %d", rec.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   interface{}
		want   int
	}{
		{name: "invalid configuration", method: http.MethodPost, path: "/pools", caller: "authority", body: domain.CreatePoolRequest{StakeAmount: 0}, want: http.StatusBadRequest},
		{name: "duplicate pool id", method: http.MethodPost, path: "/pools", caller: "authority", body: domain.CreatePoolRequest{
			PoolID: &pool.ID, VerifierID: "verifier", Goal: domain.LifestyleHabitGoal("read"), StakeAmount: 10,
			DurationDays: 1, MaxParticipants: 1, MinParticipants: 1, CharityID: "charity", Distribution: domain.CharityMode(),
		}, want: http.StatusConflict},
		{name: "unknown pool", method: http.MethodGet, path: "/pools/0b5c3a52-1d3e-4f59-8f0e-1f6a3a3c9d10", caller: "alice", want: http.StatusNotFound},
		{name: "malformed pool id", method: http.MethodGet, path: "/pools/not-a-uuid", caller: "alice", want: http.StatusBadRequest},
		{name: "bad status filter", method: http.MethodGet, path: "/pools?status=paused", caller: "alice", want: http.StatusBadRequest},
		{name: "bad limit", method: http.MethodGet, path: "/pools?limit=-1", caller: "alice", want: http.StatusBadRequest},
		{name: "already joined", method: http.MethodPost, path: base + "/join", caller: "alice", want: http.StatusConflict},
		{name: "insufficient funds", method: http.MethodPost, path: base + "/join", caller: "broke", want: http.StatusPaymentRequired},
		{name: "outcome by non-verifier", method: http.MethodPost, path: base + "/participants/alice/outcomes", caller: "alice", body: domain.RecordOutcomeRequest{Day: 1, Passed: true}, want: http.StatusForbidden},
		{name: "invalid day", method: http.MethodPost, path: base + "/participants/alice/outcomes", caller: "verifier", body: domain.RecordOutcomeRequest{Day: 9, Passed: true}, want: http.StatusBadRequest},
		{name: "forfeit someone else", method: http.MethodPost, path: base + "/participants/alice/forfeit", caller: "bob", want: http.StatusForbidden},
		{name: "settle before end", method: http.MethodPost, path: base + "/settle", caller: "verifier", want: http.StatusConflict},
		{name: "unknown participant", method: http.MethodGet, path: base + "/participants/nobody", caller: "alice", want: http.StatusNotFound},
		{name: "unauthenticated", method: http.MethodGet, path: "/pools", want: http.StatusUnauthorized},
		{name: "unknown body field", method: http.MethodPost, path: base + "/participants/alice/outcomes", caller: "verifier", body: map[string]int{"dayz": 1}, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.caller, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSettleNoWinnersReturns422(t *testing.T) {
	ts := newTestServer(t)
	pool := ts.createPool(t, domain.Competitive())
	base := "/pools/" + pool.ID.String()
	ts.fund(t, "alice", 500)
	ts.do(t, http.MethodPost, base+"/join", "alice", nil)
	ts.now = ts.now.Add(72 * time.Hour)
	ts.do(t, http.MethodPost, base+"/close", "anyone", nil)

	rec := ts.do(t, http.MethodPost, base+"/settle", "authority", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListPoolsFiltersByStatus(t *testing.T) {
	ts := newTestServer(t)
	pending := ts.createPool(t, domain.CharityMode())
	active := ts.createPool(t, domain.CharityMode())
	ts.fund(t, "alice", 500)
	ts.do(t, http.MethodPost, "/pools/"+active.ID.String()+"/join", "alice", nil)

	rec := ts.do(t, http.MethodGet, "/pools?status=active", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Pools []domain.Pool `json:"pools"`
		Count int           `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Pools[0].ID != active.ID {
		t.Fatalf("expected only the active pool, got %+v (pending pool %s)", body.Pools, pending.ID)
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/wallets/alice/deposits", bytes.NewBufferString(`{"amount":10}`))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without internal key, got %d", rec.Code)
	}

	if rec := ts.do(t, http.MethodPost, "/internal/wallets/alice/deposits", "", domain.WalletDepositRequest{Amount: 0}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero deposit, got %d", rec.Code)
	}
}

func TestRunSweepsHandler(t *testing.T) {
	ts := newTestServer(t)
	pool := ts.createPool(t, domain.CharityMode())
	ts.now = ts.now.Add(72 * time.Hour)

	rec := ts.do(t, http.MethodPost, "/internal/sweeps/run", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]domain.SweepResult
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["close"].Succeeded != 1 || body["settle"].Succeeded != 1 {
		t.Fatalf("unexpected sweep result %+v", body)
	}

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/pools/%s", pool.ID), "alice", nil)
	var got domain.Pool
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Status != domain.PoolStatusSettled {
		t.Fatalf("expected settled pool, got %s", got.Status)
	}
}

func TestJoinRateLimitedSetsRetryAfter(t *testing.T) {
	service := app.NewService(store.NewMemoryRepository(), app.Options{
		Logger:  zerolog.Nop(),
		Limiter: app.NewLocalJoinRateLimiter(1, time.Minute),
	})
	handler := NewRouter(NewPoolHandlers(service), headerAuth, "")
	path := "/pools/0b5c3a52-1d3e-4f59-8f0e-1f6a3a3c9d10/join"

	for i, want := range []int{http.StatusNotFound, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Test-Caller", "alice")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("attempt %d: expected %d, got %d", i+1, want, rec.Code)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Fatal("expected Retry-After header")
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestCORSPreflightDoesNotAllowCredentials(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/pools", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected origin to be echoed, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("expected no credentials header, got %q", got)
	}
}
