/**
 * @description
 * Core business logic for milestone refund resolution: refund request creation,
 * donor decision collection, decision execution and the deadline sweep.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
)

var (
	ErrMilestoneNotFound        = errors.New("milestone not found")
	ErrMilestoneNotRejected     = errors.New("milestone is not rejected")
	ErrNoAffectedDonors         = errors.New("no completed donations are attributable to the milestone")
	ErrRefundTotalMismatch      = errors.New("refund total does not match the sum of decision amounts")
	ErrLedgerInconsistent       = errors.New("ledger donation record is inconsistent")
	ErrRefundRequestNotFound    = errors.New("refund request not found")
	ErrDecisionNotFound         = errors.New("refund decision not found")
	ErrDonorNotFound            = errors.New("donor not found")
	ErrRateLimited              = errors.New("too many decision submissions")
	ErrInvalidDecisionType      = errors.New("invalid decision type")
	ErrInvalidRedirectTarget    = errors.New("redirect target campaign is not eligible")
	ErrDecisionAlreadySubmitted = errors.New("decision has already been submitted")
	ErrDecisionClosed           = errors.New("decision is no longer open")
	ErrDecisionDeadlinePassed   = errors.New("decision deadline has passed")
	ErrDecisionAwaitingDonor    = errors.New("decision is still awaiting the donor")
	ErrDecisionInFlight         = errors.New("decision is being executed by another worker")
)

// RateLimitedError carries the wait before the caller may submit again.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s; retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Repository defines the database operations the service needs.
type Repository interface {
	FindDonorIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error)
	CreateRefundRequest(ctx context.Context, req *domain.RefundRequest, decisions []domain.DonorRefundDecision) error
	GetRefundRequest(ctx context.Context, id uuid.UUID) (*domain.RefundRequest, error)
	GetRefundRequestByMilestone(ctx context.Context, milestoneID uuid.UUID) (*domain.RefundRequest, error)
	ListRefundRequests(ctx context.Context, status *domain.RequestStatus) ([]domain.RefundRequest, error)
	UpdateRefundRequestStatus(ctx context.Context, id uuid.UUID, from, to domain.RequestStatus, at time.Time) (bool, error)
	GetDecisionStatusCounts(ctx context.Context, requestID uuid.UUID) (domain.DecisionStatusCounts, error)
	GetRefundStats(ctx context.Context) (domain.RefundStats, error)
	GetDecision(ctx context.Context, id uuid.UUID) (*domain.DonorRefundDecision, error)
	ListDecisionsByRequest(ctx context.Context, requestID uuid.UUID) ([]domain.DonorRefundDecision, error)
	ListPendingDecisionsByDonor(ctx context.Context, donorID uuid.UUID, now time.Time) ([]domain.PendingDecisionView, error)
	SubmitDecision(ctx context.Context, params store.SubmitDecisionParams) (*domain.DonorRefundDecision, error)
	ClaimDecision(ctx context.Context, params store.ClaimDecisionParams) (*domain.DonorRefundDecision, error)
	ReleaseClaim(ctx context.Context, decisionID, token uuid.UUID) error
	FinalizeDecision(ctx context.Context, params store.FinalizeDecisionParams) (*domain.DonorRefundDecision, error)
	ListExpiredUndecidedDecisionIDs(ctx context.Context, now, staleBefore time.Time, limit int) ([]uuid.UUID, error)
	ListSubmittedDecisionIDs(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error)
	ListDecisionIDsByStatus(ctx context.Context, requestID uuid.UUID, statuses []domain.DecisionStatus) ([]uuid.UUID, error)
	ListRequestIDsPastDeadline(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// PaymentGateway returns money to a donor's original payment method.
type PaymentGateway interface {
	InitiateRefund(ctx context.Context, donationID uuid.UUID, amount int64, idempotencyKey string) (string, error)
}

// Ledger is the campaign and donation ledger.
// GetMilestone returns nil without error when the milestone does not exist.
type Ledger interface {
	GetMilestone(ctx context.Context, milestoneID uuid.UUID) (*domain.Milestone, error)
	ListCompletedDonations(ctx context.Context, campaignID, milestoneID uuid.UUID) ([]domain.CompletedDonation, error)
	ListActiveCampaigns(ctx context.Context, filters domain.CampaignFilters) ([]domain.CampaignSummary, error)
	CreditCampaign(ctx context.Context, campaignID, donorID uuid.UUID, amount int64, idempotencyKey string) (string, error)
}

// PlatformAccount is the platform's own operating account.
type PlatformAccount interface {
	Credit(ctx context.Context, amount int64, idempotencyKey string) (string, error)
}

// SettingsProvider supplies the runtime platform settings.
type SettingsProvider interface {
	CurrentSettings(ctx context.Context) (domain.PlatformSettings, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// RateLimiter counts actions per subject within a window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Dependencies are the collaborators of the Service. RateLimiter may be nil.
type Dependencies struct {
	Repo        Repository
	Payments    PaymentGateway
	Ledger      Ledger
	Platform    PlatformAccount
	Settings    SettingsProvider
	Publisher   EventPublisher
	RateLimiter RateLimiter
}

// Options tunes execution and submission behaviour.
type Options struct {
	EventsExchange           string
	ExecutionConcurrency     int
	SweepBatchSize           int
	ClaimStaleAfter          time.Duration
	SubmitRateLimitPerMinute int
}

// Service provides the business logic for refund resolution.
type Service struct {
	repo      Repository
	payments  PaymentGateway
	ledger    Ledger
	platform  PlatformAccount
	settings  SettingsProvider
	publisher EventPublisher
	limiter   RateLimiter
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
}

// NewService creates a new refund service.
func NewService(deps Dependencies, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ExecutionConcurrency <= 0 {
		opts.ExecutionConcurrency = 4
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = 100
	}
	if opts.ClaimStaleAfter <= 0 {
		opts.ClaimStaleAfter = 5 * time.Minute
	}
	if opts.EventsExchange == "" {
		opts.EventsExchange = "clearcause.events"
	}

	return &Service{
		repo:      deps.Repo,
		payments:  deps.Payments,
		ledger:    deps.Ledger,
		platform:  deps.Platform,
		settings:  deps.Settings,
		publisher: deps.Publisher,
		limiter:   deps.RateLimiter,
		logger:    logger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ResolveDonorID maps an authenticated Clerk user to the internal donor id.
func (s *Service) ResolveDonorID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	if clerkUserID == "" {
		return uuid.Nil, ErrDonorNotFound
	}
	id, err := s.repo.FindDonorIDByClerkUserID(ctx, clerkUserID)
	if err != nil {
		if errors.Is(err, store.ErrDonorNotFound) {
			return uuid.Nil, ErrDonorNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

// publish sends an event; delivery failures are logged and never fail the caller.
func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.opts.EventsExchange, routingKey, body); err != nil {
		s.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}

func (s *Service) decisionEvent(d *domain.DonorRefundDecision) domain.RefundDecisionEvent {
	return domain.RefundDecisionEvent{
		DecisionID:        d.ID,
		RefundRequestID:   d.RefundRequestID,
		DonorID:           d.DonorID,
		Amount:            d.RefundAmount,
		DecisionType:      d.DecisionType,
		TargetCampaignID:  d.TargetCampaignID,
		Status:            d.Status,
		ExternalReference: d.ExternalReference,
		FailureReason:     d.FailureReason,
		Timestamp:         s.now(),
	}
}
