/**
 * @description
 * Domain models for milestone refund resolution. A RefundRequest is the permanent
 * financial record of a rejected milestone; each affected donor gets exactly one
 * DonorRefundDecision under it.
 *
 * @notes
 * - Amounts are int64 minor currency units (centavos).
 * - RefundRequest.Status is derived from its decisions and never set directly.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the aggregate status of a RefundRequest.
type RequestStatus string

const (
	RequestStatusPendingDecisions   RequestStatus = "pending_decisions"
	RequestStatusProcessing         RequestStatus = "processing"
	RequestStatusCompleted          RequestStatus = "completed"
	RequestStatusPartiallyCompleted RequestStatus = "partially_completed"
)

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPendingDecisions, RequestStatusProcessing, RequestStatusCompleted, RequestStatusPartiallyCompleted:
		return true
	}
	return false
}

// DecisionType is the disposition a donor picks for their refundable share.
type DecisionType string

const (
	DecisionTypeRefund             DecisionType = "refund"
	DecisionTypeRedirectToCampaign DecisionType = "redirect_to_campaign"
	DecisionTypeDonateToPlatform   DecisionType = "donate_to_platform"
)

// Valid reports whether t is a disposition a donor may submit.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionTypeRefund, DecisionTypeRedirectToCampaign, DecisionTypeDonateToPlatform:
		return true
	}
	return false
}

// DecisionStatus is the processing state of a single decision.
type DecisionStatus string

const (
	DecisionStatusPending   DecisionStatus = "pending"
	DecisionStatusCompleted DecisionStatus = "completed"
	DecisionStatusFailed    DecisionStatus = "failed"
)

// Terminal reports whether the status is an execution outcome.
func (s DecisionStatus) Terminal() bool {
	return s == DecisionStatusCompleted || s == DecisionStatusFailed
}

// RefundRequest maps to the `refund_requests` table.
type RefundRequest struct {
	ID                  uuid.UUID     `json:"id"`
	CampaignID          uuid.UUID     `json:"campaign_id"`
	MilestoneID         uuid.UUID     `json:"milestone_id"`
	TotalRefundAmount   int64         `json:"total_refund_amount"`
	AffectedDonorsCount int           `json:"affected_donors_count"`
	Status              RequestStatus `json:"status"`
	RejectionReason     string        `json:"rejection_reason"`
	DecisionDeadline    time.Time     `json:"decision_deadline"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// DeadlinePassed reports whether the decision window has closed at now.
func (r RefundRequest) DeadlinePassed(now time.Time) bool {
	return !now.Before(r.DecisionDeadline)
}

// DonorRefundDecision maps to the `refund_decisions` table.
type DonorRefundDecision struct {
	ID                 uuid.UUID      `json:"id"`
	RefundRequestID    uuid.UUID      `json:"refund_request_id"`
	DonorID            uuid.UUID      `json:"donor_id"`
	RefundAmount       int64          `json:"refund_amount"`
	DecisionType       *DecisionType  `json:"decision_type,omitempty"`
	TargetCampaignID   *uuid.UUID     `json:"target_campaign_id,omitempty"`
	Status             DecisionStatus `json:"status"`
	AppliedDisposition *DecisionType  `json:"applied_disposition,omitempty"`
	ExternalReference  *string        `json:"external_reference,omitempty"`
	FailureReason      *string        `json:"failure_reason,omitempty"`
	Attempts           int            `json:"attempts"`
	DecidedAt          *time.Time     `json:"decided_at,omitempty"`
	ProcessedAt        *time.Time     `json:"processed_at,omitempty"`
	ClaimToken         *uuid.UUID     `json:"-"`
	ClaimedAt          *time.Time     `json:"-"`
	Version            int64          `json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`

	// Deadline is joined from the parent request and is not a column of its own.
	DecisionDeadline time.Time `json:"decision_deadline"`

	Allocations []DecisionAllocation `json:"allocations,omitempty"`
}

// Undecided reports whether the donor has not submitted a disposition yet.
func (d DonorRefundDecision) Undecided() bool {
	return d.DecisionType == nil
}

// DecisionAllocation records how much of a single completed donation makes up a
// donor's refundable share. Refunds go back per donation.
type DecisionAllocation struct {
	DecisionID uuid.UUID `json:"decision_id"`
	DonationID uuid.UUID `json:"donation_id"`
	Amount     int64     `json:"amount"`
}

// PendingDecisionView is a decision still awaiting the donor, with the context a donor
// needs to choose.
type PendingDecisionView struct {
	DonorRefundDecision
	CampaignID      uuid.UUID `json:"campaign_id"`
	MilestoneID     uuid.UUID `json:"milestone_id"`
	RejectionReason string    `json:"rejection_reason"`
}

// DecisionStatusCounts aggregates the decisions of one request.
type DecisionStatusCounts struct {
	Total     int   `json:"total"`
	Pending   int   `json:"pending"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	AmountSum int64 `json:"amount_sum"`
}

// RefundStats summarizes all refund requests for operators.
type RefundStats struct {
	TotalRequests    int64 `json:"total_requests"`
	PendingDecisions int64 `json:"pending_decisions"`
	ProcessingCount  int64 `json:"processing_count"`
	CompletedCount   int64 `json:"completed_count"`
	TotalAmount      int64 `json:"total_amount"`
	PendingAmount    int64 `json:"pending_amount"`
	ProcessedAmount  int64 `json:"processed_amount"`
}

// RefundRequestDetail is a request together with all of its decisions.
type RefundRequestDetail struct {
	RefundRequest
	Decisions []DonorRefundDecision `json:"decisions"`
}
