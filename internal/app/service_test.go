package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
)

// memRepo is an in-memory Repository with the same conditional-update semantics as
// the Postgres queries.
type memRepo struct {
	mu sync.Mutex

	requests      map[uuid.UUID]*domain.RefundRequest
	requestOrder  []uuid.UUID
	decisions     map[uuid.UUID]*domain.DonorRefundDecision
	decisionOrder []uuid.UUID
	donors        map[string]uuid.UUID

	// duplicateOnCreate simulates a concurrent creator winning the unique index.
	duplicateOnCreate bool
	claimErr          error
	finalizeErr       error
	statusUpdates     int
}

func newMemRepo() *memRepo {
	return &memRepo{
		requests:  map[uuid.UUID]*domain.RefundRequest{},
		decisions: map[uuid.UUID]*domain.DonorRefundDecision{},
		donors:    map[string]uuid.UUID{},
	}
}

func copyDecision(d *domain.DonorRefundDecision) *domain.DonorRefundDecision {
	c := *d
	c.Allocations = append([]domain.DecisionAllocation(nil), d.Allocations...)
	return &c
}

func (m *memRepo) FindDonorIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.donors[clerkUserID]
	if !ok {
		return uuid.Nil, store.ErrDonorNotFound
	}
	return id, nil
}

func (m *memRepo) CreateRefundRequest(ctx context.Context, req *domain.RefundRequest, decisions []domain.DonorRefundDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.duplicateOnCreate {
		winner := *req
		winner.ID = uuid.New()
		m.requests[winner.ID] = &winner
		m.requestOrder = append(m.requestOrder, winner.ID)
		return store.ErrDuplicateRefundRequest
	}
	for _, existing := range m.requests {
		if existing.MilestoneID == req.MilestoneID {
			return store.ErrDuplicateRefundRequest
		}
	}

	stored := *req
	m.requests[req.ID] = &stored
	m.requestOrder = append(m.requestOrder, req.ID)
	for i := range decisions {
		d := copyDecision(&decisions[i])
		d.RefundRequestID = req.ID
		d.DecisionDeadline = req.DecisionDeadline
		m.decisions[d.ID] = d
		m.decisionOrder = append(m.decisionOrder, d.ID)
	}
	return nil
}

func (m *memRepo) GetRefundRequest(ctx context.Context, id uuid.UUID) (*domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, store.ErrRefundRequestNotFound
	}
	c := *req
	return &c, nil
}

func (m *memRepo) GetRefundRequestByMilestone(ctx context.Context, milestoneID uuid.UUID) (*domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.requestOrder {
		if req := m.requests[id]; req.MilestoneID == milestoneID {
			c := *req
			return &c, nil
		}
	}
	return nil, store.ErrRefundRequestNotFound
}

func (m *memRepo) ListRefundRequests(ctx context.Context, status *domain.RequestStatus) ([]domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RefundRequest
	for _, id := range m.requestOrder {
		req := m.requests[id]
		if status == nil || req.Status == *status {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (m *memRepo) UpdateRefundRequestStatus(ctx context.Context, id uuid.UUID, from, to domain.RequestStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.Status != from {
		return false, nil
	}
	req.Status = to
	req.UpdatedAt = at
	m.statusUpdates++
	return true, nil
}

func (m *memRepo) GetDecisionStatusCounts(ctx context.Context, requestID uuid.UUID) (domain.DecisionStatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts domain.DecisionStatusCounts
	for _, id := range m.decisionOrder {
		d := m.decisions[id]
		if d.RefundRequestID != requestID {
			continue
		}
		counts.Total++
		counts.AmountSum += d.RefundAmount
		switch d.Status {
		case domain.DecisionStatusPending:
			counts.Pending++
		case domain.DecisionStatusCompleted:
			counts.Completed++
		case domain.DecisionStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (m *memRepo) GetRefundStats(ctx context.Context) (domain.RefundStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats domain.RefundStats
	for _, req := range m.requests {
		stats.TotalRequests++
		stats.TotalAmount += req.TotalRefundAmount
		switch req.Status {
		case domain.RequestStatusPendingDecisions:
			stats.PendingDecisions++
		case domain.RequestStatusProcessing:
			stats.ProcessingCount++
		default:
			stats.CompletedCount++
		}
	}
	for _, d := range m.decisions {
		switch d.Status {
		case domain.DecisionStatusPending:
			stats.PendingAmount += d.RefundAmount
		case domain.DecisionStatusCompleted:
			stats.ProcessedAmount += d.RefundAmount
		}
	}
	return stats, nil
}

func (m *memRepo) GetDecision(ctx context.Context, id uuid.UUID) (*domain.DonorRefundDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, store.ErrDecisionNotFound
	}
	return copyDecision(d), nil
}

func (m *memRepo) ListDecisionsByRequest(ctx context.Context, requestID uuid.UUID) ([]domain.DonorRefundDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DonorRefundDecision
	for _, id := range m.decisionOrder {
		if d := m.decisions[id]; d.RefundRequestID == requestID {
			out = append(out, *copyDecision(d))
		}
	}
	return out, nil
}

func (m *memRepo) ListPendingDecisionsByDonor(ctx context.Context, donorID uuid.UUID, now time.Time) ([]domain.PendingDecisionView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PendingDecisionView
	for _, id := range m.decisionOrder {
		d := m.decisions[id]
		if d.DonorID != donorID || d.Status != domain.DecisionStatusPending || d.DecisionType != nil || !now.Before(d.DecisionDeadline) {
			continue
		}
		req := m.requests[d.RefundRequestID]
		out = append(out, domain.PendingDecisionView{
			DonorRefundDecision: *copyDecision(d),
			CampaignID:          req.CampaignID,
			MilestoneID:         req.MilestoneID,
			RejectionReason:     req.RejectionReason,
		})
	}
	return out, nil
}

func (m *memRepo) SubmitDecision(ctx context.Context, params store.SubmitDecisionParams) (*domain.DonorRefundDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[params.DecisionID]
	if !ok || d.DonorID != params.DonorID || d.Status != domain.DecisionStatusPending ||
		d.DecisionType != nil || d.ClaimToken != nil || !params.DecidedAt.Before(d.DecisionDeadline) {
		return nil, store.ErrConditionNotMet
	}
	decisionType := params.DecisionType
	decidedAt := params.DecidedAt
	d.DecisionType = &decisionType
	d.TargetCampaignID = params.TargetCampaignID
	d.DecidedAt = &decidedAt
	d.Version++
	return copyDecision(d), nil
}

func (m *memRepo) ClaimDecision(ctx context.Context, params store.ClaimDecisionParams) (*domain.DonorRefundDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	d, ok := m.decisions[params.DecisionID]
	if !ok {
		return nil, store.ErrConditionNotMet
	}
	statusOK := false
	for _, s := range params.From {
		if d.Status == s {
			statusOK = true
		}
	}
	if !statusOK {
		return nil, store.ErrConditionNotMet
	}
	if d.ClaimToken != nil && !d.ClaimedAt.Before(params.StaleBefore) {
		return nil, store.ErrConditionNotMet
	}
	token := params.Token
	claimedAt := params.ClaimedAt
	d.ClaimToken = &token
	d.ClaimedAt = &claimedAt
	d.Version++
	return copyDecision(d), nil
}

func (m *memRepo) ReleaseClaim(ctx context.Context, decisionID, token uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.decisions[decisionID]; ok && d.ClaimToken != nil && *d.ClaimToken == token {
		d.ClaimToken = nil
		d.ClaimedAt = nil
		d.Version++
	}
	return nil
}

func (m *memRepo) FinalizeDecision(ctx context.Context, params store.FinalizeDecisionParams) (*domain.DonorRefundDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalizeErr != nil {
		return nil, m.finalizeErr
	}
	d, ok := m.decisions[params.DecisionID]
	if !ok || d.ClaimToken == nil || *d.ClaimToken != params.Token {
		return nil, store.ErrClaimLost
	}
	disposition := params.AppliedDisposition
	processedAt := params.ProcessedAt
	d.Status = params.Status
	d.AppliedDisposition = &disposition
	d.ExternalReference = params.ExternalReference
	d.FailureReason = params.FailureReason
	d.ProcessedAt = &processedAt
	d.Attempts++
	d.ClaimToken = nil
	d.ClaimedAt = nil
	d.Version++
	return copyDecision(d), nil
}

func (m *memRepo) ListExpiredUndecidedDecisionIDs(ctx context.Context, now, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, id := range m.decisionOrder {
		d := m.decisions[id]
		if d.Status != domain.DecisionStatusPending || d.DecisionType != nil || now.Before(d.DecisionDeadline) {
			continue
		}
		if d.ClaimToken != nil && !d.ClaimedAt.Before(staleBefore) {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) ListSubmittedDecisionIDs(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, id := range m.decisionOrder {
		d := m.decisions[id]
		unclaimed := d.ClaimToken == nil || d.ClaimedAt.Before(staleBefore)
		if d.Status == domain.DecisionStatusPending && d.DecisionType != nil && unclaimed {
			out = append(out, id)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) ListDecisionIDsByStatus(ctx context.Context, requestID uuid.UUID, statuses []domain.DecisionStatus) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, id := range m.decisionOrder {
		d := m.decisions[id]
		if d.RefundRequestID != requestID {
			continue
		}
		for _, s := range statuses {
			if d.Status == s {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) ListRequestIDsPastDeadline(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uuid.UUID
	for _, id := range m.requestOrder {
		req := m.requests[id]
		if req.Status == domain.RequestStatusPendingDecisions && !now.Before(req.DecisionDeadline) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memRepo) decision(t *testing.T, id uuid.UUID) domain.DonorRefundDecision {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		t.Fatalf("decision %s not stored", id)
	}
	return *copyDecision(d)
}

func (m *memRepo) request(t *testing.T, id uuid.UUID) domain.RefundRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		t.Fatalf("request %s not stored", id)
	}
	return *req
}

type fakeLedger struct {
	mu sync.Mutex

	milestone *domain.Milestone
	donations []domain.CompletedDonation
	campaigns []domain.CampaignSummary

	creditKeys []string
	creditErr  error
}

func (f *fakeLedger) GetMilestone(ctx context.Context, milestoneID uuid.UUID) (*domain.Milestone, error) {
	if f.milestone == nil || f.milestone.ID != milestoneID {
		return nil, nil
	}
	m := *f.milestone
	return &m, nil
}

func (f *fakeLedger) ListCompletedDonations(ctx context.Context, campaignID, milestoneID uuid.UUID) ([]domain.CompletedDonation, error) {
	return f.donations, nil
}

func (f *fakeLedger) ListActiveCampaigns(ctx context.Context, filters domain.CampaignFilters) ([]domain.CampaignSummary, error) {
	return f.campaigns, nil
}

func (f *fakeLedger) CreditCampaign(ctx context.Context, campaignID, donorID uuid.UUID, amount int64, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creditKeys = append(f.creditKeys, key)
	if f.creditErr != nil {
		return "", f.creditErr
	}
	return "don_" + campaignID.String()[:8], nil
}

type fakeGateway struct {
	mu sync.Mutex

	calls    map[string]int
	refunded map[string]bool
	amounts  map[uuid.UUID]int64
	failFor  map[uuid.UUID]error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls:    map[string]int{},
		refunded: map[string]bool{},
		amounts:  map[uuid.UUID]int64{},
		failFor:  map[uuid.UUID]error{},
	}
}

func (f *fakeGateway) InitiateRefund(ctx context.Context, donationID uuid.UUID, amount int64, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if err := f.failFor[donationID]; err != nil {
		return "", err
	}
	// An idempotent gateway moves money once per key.
	if !f.refunded[key] {
		f.refunded[key] = true
		f.amounts[donationID] += amount
	}
	return "rf_" + donationID.String()[:8], nil
}

func (f *fakeGateway) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakePlatform struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakePlatform) Credit(ctx context.Context, amount int64, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return "pc_1", nil
}

type fakeSettings struct {
	settings domain.PlatformSettings
	err      error
}

func (f *fakeSettings) CurrentSettings(ctx context.Context) (domain.PlatformSettings, error) {
	return f.settings, f.err
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return p.err
}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if k == routingKey {
			n++
		}
	}
	return n
}

type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (l *countingLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if l.err != nil {
		return 0, 0, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[scope+":"+subject]++
	return l.counts[scope+":"+subject], 30, nil
}

func testSettings() domain.PlatformSettings {
	return domain.PlatformSettings{
		FeeRatePercent:           decimal.NewFromInt(5),
		MinimumDonation:          10000,
		MinimumNetAmount:         5000,
		DecisionWindowDays:       14,
		MinCampaignDaysRemaining: 7,
	}
}

type testEnv struct {
	svc       *Service
	repo      *memRepo
	ledger    *fakeLedger
	gateway   *fakeGateway
	platform  *fakePlatform
	publisher *recordingPublisher
	limiter   *countingLimiter
	now       time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:      newMemRepo(),
		ledger:    &fakeLedger{},
		gateway:   newFakeGateway(),
		platform:  &fakePlatform{},
		publisher: &recordingPublisher{},
		limiter:   &countingLimiter{},
		now:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	env.svc = NewService(Dependencies{
		Repo:        env.repo,
		Payments:    env.gateway,
		Ledger:      env.ledger,
		Platform:    env.platform,
		Settings:    &fakeSettings{settings: testSettings()},
		Publisher:   env.publisher,
		RateLimiter: env.limiter,
	}, Options{SubmitRateLimitPerMinute: 10, ExecutionConcurrency: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	env.svc.now = func() time.Time { return env.now }
	return env
}

// seedRequest creates a refund request for a rejected milestone with one completed
// donation per amount, each from a different donor.
func (e *testEnv) seedRequest(t *testing.T, amounts ...int64) *domain.RefundRequest {
	t.Helper()
	campaignID := uuid.New()
	e.ledger.milestone = &domain.Milestone{ID: uuid.New(), CampaignID: campaignID, Status: domain.MilestoneStatusRejected}
	e.ledger.donations = nil
	for _, amount := range amounts {
		e.ledger.donations = append(e.ledger.donations, domain.CompletedDonation{
			DonationID: uuid.New(),
			DonorID:    uuid.New(),
			Amount:     amount,
			NetAmount:  amount,
		})
	}

	req, created, err := e.svc.CreateRefundRequest(context.Background(), e.ledger.milestone.ID, "receipts missing")
	if err != nil {
		t.Fatalf("seed refund request: %v", err)
	}
	if !created {
		t.Fatal("expected a new refund request")
	}
	return req
}

func (e *testEnv) decisions(t *testing.T, requestID uuid.UUID) []domain.DonorRefundDecision {
	t.Helper()
	decisions, err := e.repo.ListDecisionsByRequest(context.Background(), requestID)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	return decisions
}

func TestResolveDonorID(t *testing.T) {
	env := newTestEnv(t)
	donorID := uuid.New()
	env.repo.donors["user_abc"] = donorID

	got, err := env.svc.ResolveDonorID(context.Background(), "user_abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != donorID {
		t.Fatalf("expected %s, got %s", donorID, got)
	}

	if _, err := env.svc.ResolveDonorID(context.Background(), "user_missing"); !errors.Is(err, ErrDonorNotFound) {
		t.Fatalf("expected ErrDonorNotFound, got %v", err)
	}
	if _, err := env.svc.ResolveDonorID(context.Background(), ""); !errors.Is(err, ErrDonorNotFound) {
		t.Fatalf("expected ErrDonorNotFound for empty id, got %v", err)
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.err = fmt.Errorf("broker down")

	req := env.seedRequest(t, 50000)
	if req.Status != domain.RequestStatusPendingDecisions {
		t.Fatalf("expected pending_decisions, got %s", req.Status)
	}
	if env.publisher.count(domain.EventRefundRequestCreated) != 1 {
		t.Fatal("expected a created event attempt")
	}
}

func TestRateLimitedErrorMatchesSentinel(t *testing.T) {
	var err error = &RateLimitedError{RetryAfterSeconds: 12}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatal("expected RateLimitedError to match ErrRateLimited")
	}
	wrapped := fmt.Errorf("submit: %w", err)
	var limited *RateLimitedError
	if !errors.As(wrapped, &limited) || limited.RetryAfterSeconds != 12 {
		t.Fatalf("expected to unwrap RateLimitedError, got %v", wrapped)
	}
}
