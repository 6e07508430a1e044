package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
)

var ErrInvalidStatusFilter = errors.New("invalid refund request status filter")

const maxStatusUpdateAttempts = 3

// CreateRefundRequest opens the refund request for a rejected milestone. It is
// idempotent per milestone: an existing request is returned with created=false.
func (s *Service) CreateRefundRequest(ctx context.Context, milestoneID uuid.UUID, rejectionReason string) (*domain.RefundRequest, bool, error) {
	existing, err := s.repo.GetRefundRequestByMilestone(ctx, milestoneID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrRefundRequestNotFound) {
		return nil, false, fmt.Errorf("look up existing refund request: %w", err)
	}

	milestone, err := s.ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, false, fmt.Errorf("get milestone: %w", err)
	}
	if milestone == nil {
		return nil, false, ErrMilestoneNotFound
	}
	if !strings.EqualFold(milestone.Status, domain.MilestoneStatusRejected) {
		return nil, false, ErrMilestoneNotRejected
	}

	settings, err := s.settings.CurrentSettings(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load platform settings: %w", err)
	}

	donations, err := s.ledger.ListCompletedDonations(ctx, milestone.CampaignID, milestone.ID)
	if err != nil {
		return nil, false, fmt.Errorf("list completed donations: %w", err)
	}

	decisions, total, err := buildDecisions(donations)
	if err != nil {
		return nil, false, err
	}
	if len(decisions) == 0 {
		return nil, false, ErrNoAffectedDonors
	}

	var sum int64
	for _, d := range decisions {
		sum += d.RefundAmount
	}
	if sum != total {
		return nil, false, fmt.Errorf("%w: total %d, decisions %d", ErrRefundTotalMismatch, total, sum)
	}

	now := s.now()
	req := &domain.RefundRequest{
		ID:                  uuid.New(),
		CampaignID:          milestone.CampaignID,
		MilestoneID:         milestone.ID,
		TotalRefundAmount:   total,
		AffectedDonorsCount: len(decisions),
		Status:              domain.RequestStatusPendingDecisions,
		RejectionReason:     strings.TrimSpace(rejectionReason),
		DecisionDeadline:    now.AddDate(0, 0, settings.DecisionWindowDays),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	for i := range decisions {
		decisions[i].RefundRequestID = req.ID
		decisions[i].DecisionDeadline = req.DecisionDeadline
		decisions[i].CreatedAt = now
		decisions[i].UpdatedAt = now
	}

	if err := s.repo.CreateRefundRequest(ctx, req, decisions); err != nil {
		if errors.Is(err, store.ErrDuplicateRefundRequest) {
			winner, readErr := s.repo.GetRefundRequestByMilestone(ctx, milestoneID)
			if readErr != nil {
				return nil, false, fmt.Errorf("re-read concurrent refund request: %w", readErr)
			}
			return winner, false, nil
		}
		return nil, false, fmt.Errorf("persist refund request: %w", err)
	}

	s.logger.Info("refund request created",
		"refund_request_id", req.ID,
		"milestone_id", req.MilestoneID,
		"affected_donors", req.AffectedDonorsCount,
		"total_refund_amount", req.TotalRefundAmount,
		"decision_deadline", req.DecisionDeadline,
	)
	s.publish(ctx, domain.EventRefundRequestCreated, requestEvent(req, "", now))

	return req, true, nil
}

// buildDecisions groups refundable shares by donor, keeping the order in which
// donors first appear. Donors whose share is fully disbursed get no decision.
func buildDecisions(donations []domain.CompletedDonation) ([]domain.DonorRefundDecision, int64, error) {
	var (
		decisions []domain.DonorRefundDecision
		total     int64
	)
	byDonor := make(map[uuid.UUID]int)
	seen := make(map[uuid.UUID]bool, len(donations))

	for _, donation := range donations {
		if seen[donation.DonationID] {
			return nil, 0, fmt.Errorf("%w: donation %s listed twice", ErrLedgerInconsistent, donation.DonationID)
		}
		seen[donation.DonationID] = true

		share, err := refundableShare(donation)
		if err != nil {
			return nil, 0, err
		}
		if share == 0 {
			continue
		}

		idx, ok := byDonor[donation.DonorID]
		if !ok {
			decisions = append(decisions, domain.DonorRefundDecision{
				ID:      uuid.New(),
				DonorID: donation.DonorID,
				Status:  domain.DecisionStatusPending,
			})
			idx = len(decisions) - 1
			byDonor[donation.DonorID] = idx
		}
		decisions[idx].RefundAmount += share
		decisions[idx].Allocations = append(decisions[idx].Allocations, domain.DecisionAllocation{
			DecisionID: decisions[idx].ID,
			DonationID: donation.DonationID,
			Amount:     share,
		})
		total += share
	}

	for _, d := range decisions {
		var allocated int64
		for _, a := range d.Allocations {
			allocated += a.Amount
		}
		if allocated != d.RefundAmount {
			return nil, 0, fmt.Errorf("%w: donor %s allocations %d, share %d", ErrRefundTotalMismatch, d.DonorID, allocated, d.RefundAmount)
		}
	}

	return decisions, total, nil
}

// DeriveRequestStatus computes the aggregate status of a request from its decisions.
func DeriveRequestStatus(counts domain.DecisionStatusCounts, deadline, now time.Time) domain.RequestStatus {
	switch {
	case counts.Total == 0:
		return domain.RequestStatusPendingDecisions
	case counts.Pending > 0 && now.Before(deadline):
		return domain.RequestStatusPendingDecisions
	case counts.Pending > 0:
		return domain.RequestStatusProcessing
	case counts.Failed == 0:
		return domain.RequestStatusCompleted
	default:
		return domain.RequestStatusPartiallyCompleted
	}
}

// RecomputeStatus derives and persists the aggregate status of a request. It is
// safe to call redundantly and concurrently.
func (s *Service) RecomputeStatus(ctx context.Context, requestID uuid.UUID) (*domain.RefundRequest, error) {
	for attempt := 0; attempt < maxStatusUpdateAttempts; attempt++ {
		req, err := s.getRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}

		counts, err := s.repo.GetDecisionStatusCounts(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("count decisions: %w", err)
		}
		if counts.AmountSum != req.TotalRefundAmount || counts.Total != req.AffectedDonorsCount {
			s.logger.Error("refund request totals do not match its decisions",
				"refund_request_id", req.ID,
				"total_refund_amount", req.TotalRefundAmount,
				"decision_amount_sum", counts.AmountSum,
				"affected_donors", req.AffectedDonorsCount,
				"decision_count", counts.Total,
			)
		}

		now := s.now()
		next := DeriveRequestStatus(counts, req.DecisionDeadline, now)
		if next == req.Status {
			return req, nil
		}

		updated, err := s.repo.UpdateRefundRequestStatus(ctx, req.ID, req.Status, next, now)
		if err != nil {
			return nil, fmt.Errorf("update refund request status: %w", err)
		}
		if !updated {
			continue
		}

		previous := req.Status
		req.Status = next
		req.UpdatedAt = now
		s.logger.Info("refund request status changed",
			"refund_request_id", req.ID,
			"from", previous,
			"to", next,
		)
		s.publish(ctx, domain.EventRefundRequestStatusChanged, requestEvent(req, previous, now))
		return req, nil
	}

	return s.getRequest(ctx, requestID)
}

// ListRefundRequests returns requests, optionally filtered by a status value.
func (s *Service) ListRefundRequests(ctx context.Context, statusFilter string) ([]domain.RefundRequest, error) {
	var status *domain.RequestStatus
	if trimmed := strings.TrimSpace(statusFilter); trimmed != "" {
		parsed := domain.RequestStatus(strings.ToLower(trimmed))
		if !parsed.Valid() {
			return nil, ErrInvalidStatusFilter
		}
		status = &parsed
	}
	return s.repo.ListRefundRequests(ctx, status)
}

// GetRefundRequest returns a request with all of its decisions.
func (s *Service) GetRefundRequest(ctx context.Context, id uuid.UUID) (*domain.RefundRequestDetail, error) {
	req, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	decisions, err := s.repo.ListDecisionsByRequest(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	return &domain.RefundRequestDetail{RefundRequest: *req, Decisions: decisions}, nil
}

// GetRefundStats summarizes refund requests for operators.
func (s *Service) GetRefundStats(ctx context.Context) (*domain.RefundStats, error) {
	stats, err := s.repo.GetRefundStats(ctx)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *Service) getRequest(ctx context.Context, id uuid.UUID) (*domain.RefundRequest, error) {
	req, err := s.repo.GetRefundRequest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRefundRequestNotFound) {
			return nil, ErrRefundRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

func requestEvent(req *domain.RefundRequest, previous domain.RequestStatus, at time.Time) domain.RefundRequestEvent {
	return domain.RefundRequestEvent{
		RefundRequestID:     req.ID,
		CampaignID:          req.CampaignID,
		MilestoneID:         req.MilestoneID,
		Status:              req.Status,
		PreviousStatus:      previous,
		TotalRefundAmount:   req.TotalRefundAmount,
		AffectedDonorsCount: req.AffectedDonorsCount,
		DecisionDeadline:    req.DecisionDeadline,
		Timestamp:           at,
	}
}
