/**
 * @description
 * Client for the campaign/donation ledger service and the platform operating
 * account it manages.
 *
 * @notes
 * - Credits carry an Idempotency-Key header; the ledger returns the original record
 *   for a repeated key.
 */
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clearcause/refund-service/internal/domain"
)

var ErrCampaignNotAccepting = errors.New("campaign is not accepting donations")

// Client is a client for the ledger service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new ledger service client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// GetMilestone returns nil when the ledger has no such milestone.
func (c *Client) GetMilestone(ctx context.Context, milestoneID uuid.UUID) (*domain.Milestone, error) {
	var milestone domain.Milestone
	status, err := c.do(ctx, http.MethodGet, "/milestones/"+milestoneID.String(), nil, "", &milestone)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &milestone, nil
}

// ListCompletedDonations lists completed donations attributed to a milestone.
func (c *Client) ListCompletedDonations(ctx context.Context, campaignID, milestoneID uuid.UUID) ([]domain.CompletedDonation, error) {
	path := fmt.Sprintf("/campaigns/%s/milestones/%s/donations?status=completed", campaignID, milestoneID)
	var response struct {
		Donations []domain.CompletedDonation `json:"donations"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, "", &response); err != nil {
		return nil, err
	}
	return response.Donations, nil
}

// ListActiveCampaigns lists active campaigns matching the filters. Eligibility rules
// are applied by the caller.
func (c *Client) ListActiveCampaigns(ctx context.Context, filters domain.CampaignFilters) ([]domain.CampaignSummary, error) {
	query := url.Values{}
	query.Set("status", domain.CampaignStatusActive)
	if filters.Category != "" {
		query.Set("category", filters.Category)
	}
	if filters.Search != "" {
		query.Set("search", filters.Search)
	}
	if len(filters.IDs) > 0 {
		ids := make([]string, 0, len(filters.IDs))
		for _, id := range filters.IDs {
			ids = append(ids, id.String())
		}
		query.Set("ids", strings.Join(ids, ","))
	}

	var response struct {
		Campaigns []domain.CampaignSummary `json:"campaigns"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/campaigns?"+query.Encode(), nil, "", &response); err != nil {
		return nil, err
	}
	return response.Campaigns, nil
}

// CreditCampaign records a completed, fund-redirected donation to a campaign on the
// donor's behalf and returns the new donation record id.
func (c *Client) CreditCampaign(ctx context.Context, campaignID, donorID uuid.UUID, amount int64, idempotencyKey string) (string, error) {
	payload := map[string]interface{}{
		"donor_id": donorID,
		"amount":   amount,
		"source":   "fund_redirect",
	}
	var response struct {
		ID string `json:"id"`
	}
	status, err := c.do(ctx, http.MethodPost, "/campaigns/"+campaignID.String()+"/donations", payload, idempotencyKey, &response)
	if status == http.StatusConflict {
		return "", ErrCampaignNotAccepting
	}
	if err != nil {
		return "", err
	}
	return response.ID, nil
}

// PlatformAccount credits the platform's operating account through the ledger.
type PlatformAccount struct {
	client *Client
}

func NewPlatformAccount(client *Client) *PlatformAccount {
	return &PlatformAccount{client: client}
}

// Credit adds amount to the platform operating account.
func (p *PlatformAccount) Credit(ctx context.Context, amount int64, idempotencyKey string) (string, error) {
	payload := map[string]interface{}{
		"amount": amount,
		"reason": "Donor redirected milestone refund to platform",
	}
	var response struct {
		ID string `json:"id"`
	}
	if _, err := p.client.do(ctx, http.MethodPost, "/platform-account/credits", payload, idempotencyKey, &response); err != nil {
		return "", err
	}
	return response.ID, nil
}

// do performs a request and decodes a 2xx JSON body into out. It returns the HTTP
// status whenever a response was received.
func (c *Client) do(ctx context.Context, method, path string, payload interface{}, idempotencyKey string, out interface{}) (int, error) {
	if c.baseURL == "" {
		return 0, fmt.Errorf("ledger service url is not configured")
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("ledger service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse ledger response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
