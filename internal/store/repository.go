/**
 * @description
 * Data access layer for refund requests and donor decisions.
 *
 * @notes
 * - Every state change on refund_decisions is a conditional UPDATE; zero affected rows
 *   is reported with a sentinel so callers can re-read and explain why.
 */
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clearcause/refund-service/internal/domain"
)

var (
	ErrRefundRequestNotFound  = errors.New("refund request not found")
	ErrDecisionNotFound       = errors.New("refund decision not found")
	ErrDonorNotFound          = errors.New("donor not found")
	ErrDuplicateRefundRequest = errors.New("refund request already exists for milestone")
	ErrConditionNotMet        = errors.New("decision is not in the expected state")
	ErrClaimLost              = errors.New("decision claim is no longer held")
)

const uniqueViolationCode = "23505"

// SubmitDecisionParams is the donor's write-once choice.
type SubmitDecisionParams struct {
	DecisionID       uuid.UUID
	DonorID          uuid.UUID
	DecisionType     domain.DecisionType
	TargetCampaignID *uuid.UUID
	DecidedAt        time.Time
}

// ClaimDecisionParams takes an exclusive execution claim on a decision.
// A claim older than StaleBefore is treated as abandoned.
type ClaimDecisionParams struct {
	DecisionID  uuid.UUID
	Token       uuid.UUID
	From        []domain.DecisionStatus
	ClaimedAt   time.Time
	StaleBefore time.Time
}

// FinalizeDecisionParams records an execution outcome under a held claim.
type FinalizeDecisionParams struct {
	DecisionID         uuid.UUID
	Token              uuid.UUID
	Status             domain.DecisionStatus
	AppliedDisposition domain.DecisionType
	ExternalReference  *string
	FailureReason      *string
	ProcessedAt        time.Time
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func statusStrings(statuses []domain.DecisionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
