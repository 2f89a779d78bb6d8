/**
 * @description
 * This package provides a client for the external payout executor that moves settled funds
 * out of a pool's escrow. Every request carries an Idempotency-Key derived from
 * (pool, kind, recipient) so a retried settlement is deduplicated by the executor.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/rs/zerolog: Structured logging.
 */
package payoutclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Client is a client for the payout executor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payout executor client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PayoutRequest is the payload for one escrow release.
type PayoutRequest struct {
	IdempotencyKey string `json:"-"`
	PoolID         string `json:"pool_id"`
	Recipient      string `json:"recipient"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
}

// PayoutResponse is the executor's record of the transfer.
type PayoutResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// ErrorResponse represents an error from the payout executor.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Errors     []struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (e *ErrorResponse) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("payout api error (status %d): %s - %s", e.StatusCode, e.Errors[0].Title, e.Errors[0].Detail)
	}
	return fmt.Sprintf("payout api error (status %d)", e.StatusCode)
}

// Retryable reports whether the executor may accept the same request later.
func (e *ErrorResponse) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CreatePayout asks the executor to transfer one payout. The executor returns the first
// transfer when it has already seen the idempotency key.
func (c *Client) CreatePayout(ctx context.Context, payload PayoutRequest) (*PayoutResponse, error) {
	if strings.TrimSpace(payload.IdempotencyKey) == "" {
		return nil, fmt.Errorf("payout request requires an idempotency key")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/payouts", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payout request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", payload.IdempotencyKey)
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payout request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payout response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Warn().Str("component", "payout_client").Int("status", resp.StatusCode).Str("idempotency_key", payload.IdempotencyKey).Msg("non-2xx response (unparsable error body)")
			return nil, errResp
		}
		log.Warn().Str("component", "payout_client").Int("status", resp.StatusCode).Str("idempotency_key", payload.IdempotencyKey).Str("title", firstErrorTitle(errResp)).Msg("payout rejected")
		return nil, errResp
	}

	var successResp PayoutResponse
	if err := json.Unmarshal(bodyBytes, &successResp); err != nil {
		return nil, fmt.Errorf("failed to decode payout response: %w", err)
	}
	if successResp.Data.ID == "" {
		return nil, fmt.Errorf("payout response is missing a transfer id")
	}

	return &successResp, nil
}

func firstErrorTitle(resp *ErrorResponse) string {
	if len(resp.Errors) == 0 {
		return ""
	}
	return resp.Errors[0].Title
}
