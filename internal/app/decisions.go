package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
)

const decisionSubmitScope = "refund_decision_submit"

// SubmitDecision records a donor's write-once choice for their refundable share.
// The decision stays pending; execution happens separately.
func (s *Service) SubmitDecision(ctx context.Context, donorID, decisionID uuid.UUID, decisionType domain.DecisionType, targetCampaignID *uuid.UUID) (*domain.DonorRefundDecision, error) {
	decision, err := s.getDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	// Other donors' decisions are indistinguishable from missing ones.
	if decision.DonorID != donorID {
		return nil, ErrDecisionNotFound
	}

	if err := s.consumeSubmitQuota(ctx, donorID); err != nil {
		return nil, err
	}

	if !decisionType.Valid() {
		return nil, ErrInvalidDecisionType
	}

	now := s.now()
	if err := submissionRejection(decision, now); err != nil {
		return nil, err
	}

	if decisionType == domain.DecisionTypeRedirectToCampaign {
		if targetCampaignID == nil || *targetCampaignID == uuid.Nil {
			return nil, ErrInvalidRedirectTarget
		}
		req, err := s.getRequest(ctx, decision.RefundRequestID)
		if err != nil {
			return nil, err
		}
		if err := s.checkRedirectTarget(ctx, req.CampaignID, *targetCampaignID); err != nil {
			return nil, err
		}
	} else {
		targetCampaignID = nil
	}

	updated, err := s.repo.SubmitDecision(ctx, store.SubmitDecisionParams{
		DecisionID:       decisionID,
		DonorID:          donorID,
		DecisionType:     decisionType,
		TargetCampaignID: targetCampaignID,
		DecidedAt:        now,
	})
	if err != nil {
		if !errors.Is(err, store.ErrConditionNotMet) {
			return nil, fmt.Errorf("submit decision: %w", err)
		}
		current, readErr := s.getDecision(ctx, decisionID)
		if readErr != nil {
			return nil, readErr
		}
		if rejection := submissionRejection(current, s.now()); rejection != nil {
			return nil, rejection
		}
		return nil, ErrDecisionClosed
	}

	s.logger.Info("refund decision submitted",
		"decision_id", updated.ID,
		"refund_request_id", updated.RefundRequestID,
		"decision_type", decisionType,
	)
	s.publish(ctx, domain.EventRefundDecisionSubmitted, s.decisionEvent(updated))

	return updated, nil
}

// submissionRejection explains why a decision cannot take a submission, or
// returns nil when it can.
func submissionRejection(d *domain.DonorRefundDecision, now time.Time) error {
	switch {
	case d.DecisionType != nil:
		return ErrDecisionAlreadySubmitted
	case d.Status != domain.DecisionStatusPending || d.ClaimToken != nil:
		return ErrDecisionClosed
	case !now.Before(d.DecisionDeadline):
		return ErrDecisionDeadlinePassed
	}
	return nil
}

func (s *Service) consumeSubmitQuota(ctx context.Context, donorID uuid.UUID) error {
	limit := s.opts.SubmitRateLimitPerMinute
	if s.limiter == nil || limit <= 0 {
		return nil
	}

	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, decisionSubmitScope, donorID.String(), limit, time.Minute)
	if err != nil {
		s.logger.Warn("decision submit rate limiter unavailable", "donor_id", donorID, "error", err)
		return nil
	}
	if count > limit {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// GetDonorPendingRefundDecisions returns the donor's decisions still awaiting a choice.
func (s *Service) GetDonorPendingRefundDecisions(ctx context.Context, donorID uuid.UUID) ([]domain.PendingDecisionView, error) {
	return s.repo.ListPendingDecisionsByDonor(ctx, donorID, s.now())
}

func (s *Service) getDecision(ctx context.Context, id uuid.UUID) (*domain.DonorRefundDecision, error) {
	d, err := s.repo.GetDecision(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrDecisionNotFound) {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}
	return d, nil
}
