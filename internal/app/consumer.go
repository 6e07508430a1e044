package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clearcause/refund-service/internal/domain"
)

// RefundRequestCreator opens refund requests for rejected milestones.
type RefundRequestCreator interface {
	CreateRefundRequest(ctx context.Context, milestoneID uuid.UUID, rejectionReason string) (*domain.RefundRequest, bool, error)
}

// MilestoneRejectedConsumer turns milestone.rejected events into refund requests.
type MilestoneRejectedConsumer struct {
	creator RefundRequestCreator
}

func NewMilestoneRejectedConsumer(creator RefundRequestCreator) *MilestoneRejectedConsumer {
	return &MilestoneRejectedConsumer{creator: creator}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *MilestoneRejectedConsumer) HandleMessage(body []byte) bool {
	var event domain.MilestoneRejectedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=milestone-consumer msg=\"failed to unmarshal payload\" err=%v", err)
		return true
	}

	milestoneID, err := uuid.Parse(strings.TrimSpace(event.MilestoneID))
	if err != nil {
		log.Printf("level=warn component=milestone-consumer msg=\"invalid milestone id\" milestone_id=%q", event.MilestoneID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, created, err := c.creator.CreateRefundRequest(ctx, milestoneID, event.RejectionReason)
	switch {
	case err == nil:
		log.Printf("level=info component=milestone-consumer msg=\"refund request ready\" milestone_id=%s refund_request_id=%s created=%t", milestoneID, req.ID, created)
		return true
	case errors.Is(err, ErrNoAffectedDonors):
		log.Printf("level=info component=milestone-consumer msg=\"no donors affected; nothing to refund\" milestone_id=%s", milestoneID)
		return true
	case errors.Is(err, ErrMilestoneNotFound),
		errors.Is(err, ErrMilestoneNotRejected),
		errors.Is(err, ErrLedgerInconsistent),
		errors.Is(err, ErrRefundTotalMismatch):
		log.Printf("level=error component=milestone-consumer msg=\"refund request rejected\" milestone_id=%s err=%v", milestoneID, err)
		return true
	default:
		log.Printf("level=error component=milestone-consumer msg=\"refund request creation failed; re-queuing\" milestone_id=%s err=%v", milestoneID, err)
		return false
	}
}
