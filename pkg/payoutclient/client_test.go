package payoutclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreatePayout_SendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAPIKey string
	var gotBody PayoutRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payouts" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("Idempotency-Key")
		gotAPIKey = r.Header.Get("X-API-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"po_123","status":"completed"}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "secret")
	resp, err := client.CreatePayout(context.Background(), PayoutRequest{
		IdempotencyKey: "pool:winner:alice",
		PoolID:         "pool",
		Recipient:      "alice",
		Kind:           "winner",
		Amount:         200,
	})
	if err != nil {
		t.Fatalf("CreatePayout returned error: %v", err)
	}
	if resp.Data.ID != "po_123" {
		t.Fatalf("expected transfer id po_123, got %q", resp.Data.ID)
	}
	if gotKey != "pool:winner:alice" || gotAPIKey != "secret" {
		t.Fatalf("unexpected headers idempotency=%q api_key=%q", gotKey, gotAPIKey)
	}
	if gotBody.Amount != 200 || gotBody.Recipient != "alice" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestCreatePayout_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
	}{
		{name: "server error", status: http.StatusBadGateway, body: `not json`, wantRetryable: true},
		{name: "throttled", status: http.StatusTooManyRequests, body: `{"errors":[{"title":"slow down"}]}`, wantRetryable: true},
		{name: "rejected", status: http.StatusUnprocessableEntity, body: `{"errors":[{"title":"invalid recipient","detail":"unknown wallet"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "").CreatePayout(context.Background(), PayoutRequest{IdempotencyKey: "k", Amount: 1})
			var apiErr *ErrorResponse
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *ErrorResponse, got %v", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Retryable() != tt.wantRetryable {
				t.Fatalf("unexpected classification status=%d retryable=%t", apiErr.StatusCode, apiErr.Retryable())
			}
		})
	}
}

func TestCreatePayout_RequiresIdempotencyKey(t *testing.T) {
	if _, err := NewClient("http://unused", "").CreatePayout(context.Background(), PayoutRequest{Amount: 1}); err == nil {
		t.Fatal("expected error without idempotency key")
	}
}
