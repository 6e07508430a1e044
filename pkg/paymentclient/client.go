/**
 * @description
 * Client for the payment gateway's refund endpoint. Refunds are keyed by an
 * idempotency key so a retried refund never returns money twice.
 */
package paymentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrRefundDeclined = errors.New("refund declined by payment gateway")

// Client is a client for the payment gateway.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type refundRequest struct {
	DonationID uuid.UUID `json:"donation_id"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason"`
}

type refundResponse struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// InitiateRefund returns amount of a donation to the donor's original payment method.
func (c *Client) InitiateRefund(ctx context.Context, donationID uuid.UUID, amount int64, idempotencyKey string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("payment gateway url is not configured")
	}
	if amount <= 0 {
		return "", fmt.Errorf("refund amount must be positive")
	}

	body, err := json.Marshal(refundRequest{
		DonationID: donationID,
		Amount:     amount,
		Reason:     "Milestone rejected",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/refunds", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed refundResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode < 400 {
			return "", fmt.Errorf("failed to parse refund response: %w", err)
		}
	}

	if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusPaymentRequired {
		return "", fmt.Errorf("%w: %s", ErrRefundDeclined, parsed.Reason)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("payment gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if !parsed.Success {
		return "", fmt.Errorf("%w: %s", ErrRefundDeclined, parsed.Reason)
	}

	return parsed.Reference, nil
}
