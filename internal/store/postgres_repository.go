package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearcause/refund-service/internal/domain"
)

// PostgresRepository handles database operations for refund resolution.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const requestColumns = `
	id, campaign_id, milestone_id, total_refund_amount, affected_donors_count, status,
	rejection_reason, decision_deadline, created_at, updated_at
`

const decisionColumns = `
	d.id, d.refund_request_id, d.donor_id, d.refund_amount, d.decision_type, d.target_campaign_id,
	d.status, d.applied_disposition, d.external_reference, d.failure_reason, d.attempts,
	d.decided_at, d.processed_at, d.claim_token, d.claimed_at, d.version, d.created_at,
	d.updated_at, r.decision_deadline
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.RefundRequest, error) {
	var req domain.RefundRequest
	if err := row.Scan(
		&req.ID,
		&req.CampaignID,
		&req.MilestoneID,
		&req.TotalRefundAmount,
		&req.AffectedDonorsCount,
		&req.Status,
		&req.RejectionReason,
		&req.DecisionDeadline,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &req, nil
}

func scanDecision(row rowScanner, extra ...any) (*domain.DonorRefundDecision, error) {
	var d domain.DonorRefundDecision
	dest := []any{
		&d.ID,
		&d.RefundRequestID,
		&d.DonorID,
		&d.RefundAmount,
		&d.DecisionType,
		&d.TargetCampaignID,
		&d.Status,
		&d.AppliedDisposition,
		&d.ExternalReference,
		&d.FailureReason,
		&d.Attempts,
		&d.DecidedAt,
		&d.ProcessedAt,
		&d.ClaimToken,
		&d.ClaimedAt,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.DecisionDeadline,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &d, nil
}

// FindDonorIDByClerkUserID resolves the internal donor id from a Clerk user id.
func (r *PostgresRepository) FindDonorIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrDonorNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

// CreateRefundRequest inserts a request with its decisions and allocations in one
// transaction. A second request for the same milestone yields ErrDuplicateRefundRequest.
func (r *PostgresRepository) CreateRefundRequest(ctx context.Context, req *domain.RefundRequest, decisions []domain.DonorRefundDecision) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO refund_requests (
			id, campaign_id, milestone_id, total_refund_amount, affected_donors_count, status,
			rejection_reason, decision_deadline, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`,
		req.ID,
		req.CampaignID,
		req.MilestoneID,
		req.TotalRefundAmount,
		req.AffectedDonorsCount,
		string(req.Status),
		req.RejectionReason,
		req.DecisionDeadline,
		req.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRefundRequest
		}
		return fmt.Errorf("insert refund request: %w", err)
	}

	batch := &pgx.Batch{}
	for _, d := range decisions {
		batch.Queue(`
			INSERT INTO refund_decisions (
				id, refund_request_id, donor_id, refund_amount, status, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $6)
		`, d.ID, req.ID, d.DonorID, d.RefundAmount, string(domain.DecisionStatusPending), req.CreatedAt)
		for _, a := range d.Allocations {
			batch.Queue(`
				INSERT INTO refund_decision_allocations (decision_id, donation_id, amount)
				VALUES ($1, $2, $3)
			`, d.ID, a.DonationID, a.Amount)
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert refund decisions: %w", err)
	}

	return tx.Commit(ctx)
}

// GetRefundRequest retrieves a request by id.
func (r *PostgresRepository) GetRefundRequest(ctx context.Context, id uuid.UUID) (*domain.RefundRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM refund_requests WHERE id = $1`
	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// GetRefundRequestByMilestone retrieves the request opened for a milestone.
func (r *PostgresRepository) GetRefundRequestByMilestone(ctx context.Context, milestoneID uuid.UUID) (*domain.RefundRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM refund_requests WHERE milestone_id = $1`
	req, err := scanRequest(r.db.QueryRow(ctx, query, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// ListRefundRequests returns requests newest first, optionally filtered by status.
func (r *PostgresRepository) ListRefundRequests(ctx context.Context, status *domain.RequestStatus) ([]domain.RefundRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM refund_requests
		WHERE ($1::TEXT IS NULL OR status = $1)
		ORDER BY created_at DESC
	`
	var filter *string
	if status != nil {
		s := string(*status)
		filter = &s
	}

	rows, err := r.db.Query(ctx, query, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := []domain.RefundRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// UpdateRefundRequestStatus moves a request from one derived status to another.
// It reports false when the stored status was no longer from.
func (r *PostgresRepository) UpdateRefundRequestStatus(ctx context.Context, id uuid.UUID, from, to domain.RequestStatus, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE refund_requests
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetDecisionStatusCounts aggregates the decisions of a request.
func (r *PostgresRepository) GetDecisionStatusCounts(ctx context.Context, requestID uuid.UUID) (domain.DecisionStatusCounts, error) {
	var counts domain.DecisionStatusCounts
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(SUM(refund_amount), 0)
		FROM refund_decisions
		WHERE refund_request_id = $1
	`, requestID).Scan(
		&counts.Total,
		&counts.Pending,
		&counts.Completed,
		&counts.Failed,
		&counts.AmountSum,
	)
	return counts, err
}

// GetRefundStats summarizes all requests and decisions.
func (r *PostgresRepository) GetRefundStats(ctx context.Context) (domain.RefundStats, error) {
	var stats domain.RefundStats
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM refund_requests),
			(SELECT COUNT(*) FROM refund_requests WHERE status = 'pending_decisions'),
			(SELECT COUNT(*) FROM refund_requests WHERE status = 'processing'),
			(SELECT COUNT(*) FROM refund_requests WHERE status IN ('completed', 'partially_completed')),
			(SELECT COALESCE(SUM(total_refund_amount), 0) FROM refund_requests),
			(SELECT COALESCE(SUM(refund_amount), 0) FROM refund_decisions WHERE status = 'pending'),
			(SELECT COALESCE(SUM(refund_amount), 0) FROM refund_decisions WHERE status = 'completed')
	`).Scan(
		&stats.TotalRequests,
		&stats.PendingDecisions,
		&stats.ProcessingCount,
		&stats.CompletedCount,
		&stats.TotalAmount,
		&stats.PendingAmount,
		&stats.ProcessedAmount,
	)
	return stats, err
}

// GetDecision retrieves a decision with its allocations and the request deadline.
func (r *PostgresRepository) GetDecision(ctx context.Context, id uuid.UUID) (*domain.DonorRefundDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM refund_decisions d
		JOIN refund_requests r ON r.id = d.refund_request_id
		WHERE d.id = $1
	`
	d, err := scanDecision(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}
	if err := r.loadAllocations(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDecisionsByRequest returns every decision of a request.
func (r *PostgresRepository) ListDecisionsByRequest(ctx context.Context, requestID uuid.UUID) ([]domain.DonorRefundDecision, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM refund_decisions d
		JOIN refund_requests r ON r.id = d.refund_request_id
		WHERE d.refund_request_id = $1
		ORDER BY d.created_at, d.id
	`
	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	decisions := []domain.DonorRefundDecision{}
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

// ListPendingDecisionsByDonor returns the donor's decisions still open for a choice.
func (r *PostgresRepository) ListPendingDecisionsByDonor(ctx context.Context, donorID uuid.UUID, now time.Time) ([]domain.PendingDecisionView, error) {
	query := `
		SELECT ` + decisionColumns + `, r.campaign_id, r.milestone_id, r.rejection_reason
		FROM refund_decisions d
		JOIN refund_requests r ON r.id = d.refund_request_id
		WHERE d.donor_id = $1
		  AND d.status = 'pending'
		  AND d.decision_type IS NULL
		  AND r.decision_deadline > $2
		ORDER BY r.decision_deadline ASC, d.id
	`
	rows, err := r.db.Query(ctx, query, donorID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := []domain.PendingDecisionView{}
	for rows.Next() {
		var view domain.PendingDecisionView
		d, err := scanDecision(rows, &view.CampaignID, &view.MilestoneID, &view.RejectionReason)
		if err != nil {
			return nil, err
		}
		view.DonorRefundDecision = *d
		views = append(views, view)
	}
	return views, rows.Err()
}

// SubmitDecision records the donor's choice exactly once. It returns
// ErrConditionNotMet when the decision is not open for submission.
func (r *PostgresRepository) SubmitDecision(ctx context.Context, params SubmitDecisionParams) (*domain.DonorRefundDecision, error) {
	query := `
		UPDATE refund_decisions d
		SET decision_type = $3,
		    target_campaign_id = $4,
		    decided_at = $5,
		    version = d.version + 1,
		    updated_at = $5
		FROM refund_requests r
		WHERE d.id = $1
		  AND d.donor_id = $2
		  AND r.id = d.refund_request_id
		  AND d.status = 'pending'
		  AND d.decision_type IS NULL
		  AND d.claim_token IS NULL
		  AND r.decision_deadline > $5
		RETURNING ` + decisionColumns

	d, err := scanDecision(r.db.QueryRow(ctx, query,
		params.DecisionID,
		params.DonorID,
		string(params.DecisionType),
		params.TargetCampaignID,
		params.DecidedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConditionNotMet
		}
		return nil, err
	}
	return d, nil
}

// ClaimDecision takes the execution claim on a decision in one of the From states.
// It returns ErrConditionNotMet when the decision is in another state or another
// worker holds a fresh claim.
func (r *PostgresRepository) ClaimDecision(ctx context.Context, params ClaimDecisionParams) (*domain.DonorRefundDecision, error) {
	query := `
		UPDATE refund_decisions d
		SET claim_token = $2,
		    claimed_at = $3,
		    version = d.version + 1,
		    updated_at = $3
		FROM refund_requests r
		WHERE d.id = $1
		  AND r.id = d.refund_request_id
		  AND d.status = ANY($4)
		  AND (d.claim_token IS NULL OR d.claimed_at < $5)
		RETURNING ` + decisionColumns

	d, err := scanDecision(r.db.QueryRow(ctx, query,
		params.DecisionID,
		params.Token,
		params.ClaimedAt,
		statusStrings(params.From),
		params.StaleBefore,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConditionNotMet
		}
		return nil, err
	}
	if err := r.loadAllocations(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ReleaseClaim drops a claim without recording an outcome.
func (r *PostgresRepository) ReleaseClaim(ctx context.Context, decisionID, token uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE refund_decisions
		SET claim_token = NULL, claimed_at = NULL, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND claim_token = $2
	`, decisionID, token)
	return err
}

// FinalizeDecision records the execution outcome and releases the claim.
// ErrClaimLost means another worker took the claim over after it went stale.
func (r *PostgresRepository) FinalizeDecision(ctx context.Context, params FinalizeDecisionParams) (*domain.DonorRefundDecision, error) {
	query := `
		UPDATE refund_decisions d
		SET status = $3,
		    applied_disposition = $4,
		    external_reference = $5,
		    failure_reason = $6,
		    processed_at = $7,
		    attempts = d.attempts + 1,
		    claim_token = NULL,
		    claimed_at = NULL,
		    version = d.version + 1,
		    updated_at = $7
		FROM refund_requests r
		WHERE d.id = $1
		  AND r.id = d.refund_request_id
		  AND d.claim_token = $2
		RETURNING ` + decisionColumns

	d, err := scanDecision(r.db.QueryRow(ctx, query,
		params.DecisionID,
		params.Token,
		string(params.Status),
		string(params.AppliedDisposition),
		params.ExternalReference,
		params.FailureReason,
		params.ProcessedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClaimLost
		}
		return nil, err
	}
	return d, nil
}

// ListExpiredUndecidedDecisionIDs returns pending decisions whose deadline passed
// without a donor choice.
func (r *PostgresRepository) ListExpiredUndecidedDecisionIDs(ctx context.Context, now, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT d.id
		FROM refund_decisions d
		JOIN refund_requests r ON r.id = d.refund_request_id
		WHERE d.status = 'pending'
		  AND d.decision_type IS NULL
		  AND r.decision_deadline <= $1
		  AND (d.claim_token IS NULL OR d.claimed_at < $2)
		ORDER BY r.decision_deadline ASC, d.id
		LIMIT $3
	`, now, staleBefore, limit)
}

// ListSubmittedDecisionIDs returns pending decisions that carry a donor choice and
// are unclaimed or hold a claim older than staleBefore.
func (r *PostgresRepository) ListSubmittedDecisionIDs(ctx context.Context, staleBefore time.Time, limit int) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id
		FROM refund_decisions
		WHERE status = 'pending'
		  AND decision_type IS NOT NULL
		  AND (claim_token IS NULL OR claimed_at < $1)
		ORDER BY decided_at ASC, id
		LIMIT $2
	`, staleBefore, limit)
}

// ListDecisionIDsByStatus returns the decisions of a request in the given states.
func (r *PostgresRepository) ListDecisionIDsByStatus(ctx context.Context, requestID uuid.UUID, statuses []domain.DecisionStatus) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id
		FROM refund_decisions
		WHERE refund_request_id = $1 AND status = ANY($2)
		ORDER BY created_at, id
	`, requestID, statusStrings(statuses))
}

// ListRequestIDsPastDeadline returns requests still marked pending_decisions after
// their deadline.
func (r *PostgresRepository) ListRequestIDsPastDeadline(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `
		SELECT id
		FROM refund_requests
		WHERE status = 'pending_decisions' AND decision_deadline <= $1
		ORDER BY decision_deadline ASC
	`, now)
}

func (r *PostgresRepository) listIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) loadAllocations(ctx context.Context, d *domain.DonorRefundDecision) error {
	rows, err := r.db.Query(ctx, `
		SELECT decision_id, donation_id, amount
		FROM refund_decision_allocations
		WHERE decision_id = $1
		ORDER BY donation_id
	`, d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	d.Allocations = nil
	for rows.Next() {
		var a domain.DecisionAllocation
		if err := rows.Scan(&a.DecisionID, &a.DonationID, &a.Amount); err != nil {
			return err
		}
		d.Allocations = append(d.Allocations, a)
	}
	return rows.Err()
}
