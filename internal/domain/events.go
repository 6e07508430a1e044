package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys on the platform events exchange.
const (
	EventMilestoneRejected          = "milestone.rejected"
	EventRefundRequestCreated       = "refund.request.created"
	EventRefundRequestStatusChanged = "refund.request.status_changed"
	EventRefundDecisionSubmitted    = "refund.decision.submitted"
	EventRefundDecisionCompleted    = "refund.decision.completed"
	EventRefundDecisionFailed       = "refund.decision.failed"
)

// MilestoneRejectedEvent is consumed from the campaign service.
type MilestoneRejectedEvent struct {
	MilestoneID     string    `json:"milestone_id"`
	RejectionReason string    `json:"rejection_reason"`
	RejectedAt      time.Time `json:"rejected_at"`
}

// RefundRequestEvent is published when a request is created or its status changes.
type RefundRequestEvent struct {
	RefundRequestID     uuid.UUID     `json:"refund_request_id"`
	CampaignID          uuid.UUID     `json:"campaign_id"`
	MilestoneID         uuid.UUID     `json:"milestone_id"`
	Status              RequestStatus `json:"status"`
	PreviousStatus      RequestStatus `json:"previous_status,omitempty"`
	TotalRefundAmount   int64         `json:"total_refund_amount"`
	AffectedDonorsCount int           `json:"affected_donors_count"`
	DecisionDeadline    time.Time     `json:"decision_deadline"`
	Timestamp           time.Time     `json:"timestamp"`
}

// RefundDecisionEvent is published on submission and on each execution outcome.
type RefundDecisionEvent struct {
	DecisionID        uuid.UUID      `json:"decision_id"`
	RefundRequestID   uuid.UUID      `json:"refund_request_id"`
	DonorID           uuid.UUID      `json:"donor_id"`
	Amount            int64          `json:"amount"`
	DecisionType      *DecisionType  `json:"decision_type,omitempty"`
	TargetCampaignID  *uuid.UUID     `json:"target_campaign_id,omitempty"`
	Status            DecisionStatus `json:"status"`
	ExternalReference *string        `json:"external_reference,omitempty"`
	FailureReason     *string        `json:"failure_reason,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// SubmitDecisionRequest is the DTO for a donor's decision submission.
type SubmitDecisionRequest struct {
	DecisionType     DecisionType `json:"decision_type"`
	TargetCampaignID *uuid.UUID   `json:"target_campaign_id,omitempty"`
}

// CreateRefundRequestPayload is the DTO for the admin create endpoint.
type CreateRefundRequestPayload struct {
	MilestoneID     uuid.UUID `json:"milestone_id"`
	RejectionReason string    `json:"rejection_reason"`
}
