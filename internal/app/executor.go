package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
)

var ErrDecisionNotRetryable = errors.New("only failed decisions can be retried")

const maxFailureReasonLength = 500

// ExecuteOptions widens what ExecuteDecision may act on.
// ApplyDefault executes an undecided decision as a refund before its deadline.
// RetryFailed re-executes a failed decision with its original idempotency keys.
type ExecuteOptions struct {
	ApplyDefault bool
	RetryFailed  bool
}

// ExecutionResult is the outcome of one ExecuteDecision call. Replayed is true when
// a stored outcome was returned without any external call.
type ExecutionResult struct {
	Decision *domain.DonorRefundDecision `json:"decision"`
	Replayed bool                        `json:"replayed"`
}

// ProcessResult summarizes a batch of executions. Errored counts executions that
// stopped before any dispatch, such as a cancelled context or a store error; they
// are not part of Processed.
type ProcessResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errored   int `json:"errored"`
}

// SweepResult summarizes one deadline sweep.
type SweepResult struct {
	ProcessResult
	RequestsRecomputed int `json:"requests_recomputed"`
}

// ExecuteDecision carries out a decision's disposition exactly once.
// External failures are recorded on the decision as status failed and are not
// returned as errors.
func (s *Service) ExecuteDecision(ctx context.Context, decisionID uuid.UUID, opts ExecuteOptions) (*ExecutionResult, error) {
	decision, err := s.getDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if replayable(decision, opts) {
		return &ExecutionResult{Decision: decision, Replayed: true}, nil
	}
	if _, ok := s.disposition(decision, opts); !ok {
		return nil, ErrDecisionAwaitingDonor
	}

	from := []domain.DecisionStatus{domain.DecisionStatusPending}
	if opts.RetryFailed {
		from = append(from, domain.DecisionStatusFailed)
	}

	now := s.now()
	token := uuid.New()
	claimed, err := s.repo.ClaimDecision(ctx, store.ClaimDecisionParams{
		DecisionID:  decisionID,
		Token:       token,
		From:        from,
		ClaimedAt:   now,
		StaleBefore: now.Add(-s.opts.ClaimStaleAfter),
	})
	if err != nil {
		if !errors.Is(err, store.ErrConditionNotMet) {
			return nil, fmt.Errorf("claim decision: %w", err)
		}
		current, readErr := s.getDecision(ctx, decisionID)
		if readErr != nil {
			return nil, readErr
		}
		if replayable(current, opts) {
			return &ExecutionResult{Decision: current, Replayed: true}, nil
		}
		return nil, ErrDecisionInFlight
	}

	// The claimed row is authoritative; the donor may have submitted since the read.
	disposition, ok := s.disposition(claimed, opts)
	if !ok {
		if err := s.repo.ReleaseClaim(ctx, claimed.ID, token); err != nil {
			s.logger.Error("failed to release decision claim", "decision_id", claimed.ID, "error", err)
		}
		return nil, ErrDecisionAwaitingDonor
	}

	reference, dispatchErr := s.dispatch(ctx, claimed, disposition)

	params := store.FinalizeDecisionParams{
		DecisionID:         claimed.ID,
		Token:              token,
		Status:             domain.DecisionStatusCompleted,
		AppliedDisposition: disposition,
		ProcessedAt:        s.now(),
	}
	if reference != "" {
		params.ExternalReference = &reference
	}
	if dispatchErr != nil {
		reason := truncateReason(dispatchErr.Error())
		params.Status = domain.DecisionStatusFailed
		params.FailureReason = &reason
	}

	// The outcome must be recorded even if the caller went away mid-dispatch.
	persistCtx := context.WithoutCancel(ctx)
	final, err := s.repo.FinalizeDecision(persistCtx, params)
	if err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			s.logger.Error("decision claim lost before finalize",
				"decision_id", claimed.ID,
				"disposition", disposition,
				"dispatch_error", dispatchErr,
			)
			return nil, ErrDecisionInFlight
		}
		return nil, fmt.Errorf("finalize decision: %w", err)
	}

	if dispatchErr != nil {
		s.logger.Warn("refund decision execution failed",
			"decision_id", final.ID,
			"refund_request_id", final.RefundRequestID,
			"disposition", disposition,
			"attempts", final.Attempts,
			"error", dispatchErr,
		)
		s.publish(persistCtx, domain.EventRefundDecisionFailed, s.decisionEvent(final))
	} else {
		s.logger.Info("refund decision executed",
			"decision_id", final.ID,
			"refund_request_id", final.RefundRequestID,
			"disposition", disposition,
			"amount", final.RefundAmount,
			"reference", reference,
		)
		s.publish(persistCtx, domain.EventRefundDecisionCompleted, s.decisionEvent(final))
	}

	if _, err := s.RecomputeStatus(persistCtx, final.RefundRequestID); err != nil {
		s.logger.Error("failed to recompute refund request status", "refund_request_id", final.RefundRequestID, "error", err)
	}

	return &ExecutionResult{Decision: final}, nil
}

// replayable reports whether the stored outcome is the answer for this call.
func replayable(d *domain.DonorRefundDecision, opts ExecuteOptions) bool {
	switch d.Status {
	case domain.DecisionStatusCompleted:
		return true
	case domain.DecisionStatusFailed:
		return !opts.RetryFailed
	}
	return false
}

// disposition picks what to do with the decision's amount: the donor's choice, the
// disposition of an earlier attempt, or the refund default once it applies.
func (s *Service) disposition(d *domain.DonorRefundDecision, opts ExecuteOptions) (domain.DecisionType, bool) {
	if d.DecisionType != nil {
		return *d.DecisionType, true
	}
	if d.AppliedDisposition != nil {
		return *d.AppliedDisposition, true
	}
	if opts.ApplyDefault || !s.now().Before(d.DecisionDeadline) {
		return domain.DecisionTypeRefund, true
	}
	return "", false
}

// dispatch performs the external transfer. Idempotency keys derive from the decision
// id so a retry after a partial failure never moves money twice.
func (s *Service) dispatch(ctx context.Context, d *domain.DonorRefundDecision, disposition domain.DecisionType) (string, error) {
	switch disposition {
	case domain.DecisionTypeRefund:
		if len(d.Allocations) == 0 {
			return "", errors.New("decision has no donation allocations to refund")
		}
		refs := make([]string, 0, len(d.Allocations))
		for _, a := range d.Allocations {
			key := fmt.Sprintf("refund:%s:%s", d.ID, a.DonationID)
			ref, err := s.payments.InitiateRefund(ctx, a.DonationID, a.Amount, key)
			if err != nil {
				return strings.Join(refs, ","), fmt.Errorf("refund donation %s: %w", a.DonationID, err)
			}
			refs = append(refs, ref)
		}
		return strings.Join(refs, ","), nil

	case domain.DecisionTypeRedirectToCampaign:
		if d.TargetCampaignID == nil {
			return "", errors.New("redirect decision has no target campaign")
		}
		ref, err := s.ledger.CreditCampaign(ctx, *d.TargetCampaignID, d.DonorID, d.RefundAmount, "redirect:"+d.ID.String())
		if err != nil {
			return "", fmt.Errorf("credit campaign %s: %w", *d.TargetCampaignID, err)
		}
		return ref, nil

	case domain.DecisionTypeDonateToPlatform:
		ref, err := s.platform.Credit(ctx, d.RefundAmount, "platform:"+d.ID.String())
		if err != nil {
			return "", fmt.Errorf("credit platform account: %w", err)
		}
		return ref, nil
	}
	return "", fmt.Errorf("unsupported disposition %q", disposition)
}

// ProcessRefundRequest executes every pending decision of a request, applying the
// refund default to undecided ones, and retries failed ones.
func (s *Service) ProcessRefundRequest(ctx context.Context, requestID uuid.UUID) (*ProcessResult, error) {
	if _, err := s.getRequest(ctx, requestID); err != nil {
		return nil, err
	}

	ids, err := s.repo.ListDecisionIDsByStatus(ctx, requestID, []domain.DecisionStatus{
		domain.DecisionStatusPending,
		domain.DecisionStatusFailed,
	})
	if err != nil {
		return nil, fmt.Errorf("list decisions to process: %w", err)
	}

	result := s.executeBatch(ctx, ids, ExecuteOptions{ApplyDefault: true, RetryFailed: true})

	if _, err := s.RecomputeStatus(ctx, requestID); err != nil {
		s.logger.Error("failed to recompute refund request status", "refund_request_id", requestID, "error", err)
	}

	s.logger.Info("refund request processed",
		"refund_request_id", requestID,
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"errored", result.Errored,
	)
	return &result, nil
}

// RetryDecision re-executes one failed decision on operator request.
func (s *Service) RetryDecision(ctx context.Context, decisionID uuid.UUID) (*ExecutionResult, error) {
	decision, err := s.getDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if decision.Status != domain.DecisionStatusFailed {
		return nil, ErrDecisionNotRetryable
	}
	return s.ExecuteDecision(ctx, decisionID, ExecuteOptions{RetryFailed: true})
}

// RunDeadlineSweep executes undecided decisions past their deadline as refunds and
// moves requests whose window closed out of pending_decisions.
func (s *Service) RunDeadlineSweep(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	ids, err := s.repo.ListExpiredUndecidedDecisionIDs(ctx, now, now.Add(-s.opts.ClaimStaleAfter), s.opts.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list expired decisions: %w", err)
	}

	result := SweepResult{ProcessResult: s.executeBatch(ctx, ids, ExecuteOptions{})}

	requestIDs, err := s.repo.ListRequestIDsPastDeadline(ctx, s.now())
	if err != nil {
		return &result, fmt.Errorf("list requests past deadline: %w", err)
	}
	for _, id := range requestIDs {
		if _, err := s.RecomputeStatus(ctx, id); err != nil {
			s.logger.Error("failed to recompute refund request status", "refund_request_id", id, "error", err)
			continue
		}
		result.RequestsRecomputed++
	}

	return &result, nil
}

// RunSubmittedDecisions executes decisions whose donors already chose.
func (s *Service) RunSubmittedDecisions(ctx context.Context) (*ProcessResult, error) {
	ids, err := s.repo.ListSubmittedDecisionIDs(ctx, s.now().Add(-s.opts.ClaimStaleAfter), s.opts.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list submitted decisions: %w", err)
	}
	result := s.executeBatch(ctx, ids, ExecuteOptions{})
	return &result, nil
}

// executeBatch runs decisions concurrently. One decision's failure never stops its
// siblings, so the group's goroutines always return nil.
func (s *Service) executeBatch(ctx context.Context, ids []uuid.UUID, opts ExecuteOptions) ProcessResult {
	var (
		mu     sync.Mutex
		result ProcessResult
	)

	g := new(errgroup.Group)
	g.SetLimit(s.opts.ExecutionConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := s.ExecuteDecision(ctx, id, opts)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrDecisionInFlight), errors.Is(err, ErrDecisionAwaitingDonor):
				result.Skipped++
			case err != nil:
				s.logger.Error("failed to execute refund decision", "decision_id", id, "error", err)
				result.Errored++
			case res.Replayed:
				result.Skipped++
			case res.Decision.Status == domain.DecisionStatusCompleted:
				result.Processed++
				result.Succeeded++
			default:
				result.Processed++
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// truncateReason caps reason at maxFailureReasonLength bytes without splitting a
// UTF-8 sequence; Postgres rejects invalid UTF-8 in text columns.
func truncateReason(reason string) string {
	reason = strings.ToValidUTF8(reason, "\uFFFD")
	if len(reason) <= maxFailureReasonLength {
		return reason
	}
	n := maxFailureReasonLength
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
