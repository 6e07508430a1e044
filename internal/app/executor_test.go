package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
)

func refundKey(d domain.DonorRefundDecision) string {
	return fmt.Sprintf("refund:%s:%s", d.ID, d.Allocations[0].DonationID)
}

func TestExecuteDecision_SubmittedRefundRunsOnce(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	if _, err := env.svc.SubmitDecision(context.Background(), d.DonorID, d.ID, domain.DecisionTypeRefund, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Replayed || res.Decision.Status != domain.DecisionStatusCompleted {
		t.Fatalf("expected a fresh completed execution, got %+v", res)
	}
	if res.Decision.ExternalReference == nil || res.Decision.ProcessedAt == nil {
		t.Fatal("expected reference and processed_at to be recorded")
	}
	if got := env.gateway.amounts[d.Allocations[0].DonationID]; got != 50000 {
		t.Fatalf("expected 50000 refunded, got %d", got)
	}

	again, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Replayed {
		t.Fatal("expected the stored outcome to be replayed")
	}
	if env.gateway.totalCalls() != 1 {
		t.Fatalf("expected exactly one gateway call, got %d", env.gateway.totalCalls())
	}

	if got := env.repo.request(t, req.ID).Status; got != domain.RequestStatusCompleted {
		t.Fatalf("expected request completed, got %s", got)
	}
	if env.publisher.count(domain.EventRefundDecisionCompleted) != 1 {
		t.Fatal("expected one completed event")
	}
}

func TestExecuteDecision_UndecidedBeforeDeadlineWaits(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	_, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{})
	if !errors.Is(err, ErrDecisionAwaitingDonor) {
		t.Fatalf("expected ErrDecisionAwaitingDonor, got %v", err)
	}
	if stored := env.repo.decision(t, d.ID); stored.ClaimToken != nil || stored.Status != domain.DecisionStatusPending {
		t.Fatalf("decision must stay pending and unclaimed, got %+v", stored)
	}
	if env.gateway.totalCalls() != 0 {
		t.Fatal("no money may move for an open decision")
	}
}

func TestExecuteDecision_RedirectCreditsTargetCampaign(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	target := campaign("library", 60, 100, 1000)
	target.EndDate = env.now.AddDate(0, 0, 60)
	env.ledger.campaigns = []domain.CampaignSummary{target}

	if _, err := env.svc.SubmitDecision(context.Background(), d.DonorID, d.ID, domain.DecisionTypeRedirectToCampaign, &target.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Decision.AppliedDisposition == nil || *res.Decision.AppliedDisposition != domain.DecisionTypeRedirectToCampaign {
		t.Fatalf("expected redirect disposition, got %v", res.Decision.AppliedDisposition)
	}
	if len(env.ledger.creditKeys) != 1 || env.ledger.creditKeys[0] != "redirect:"+d.ID.String() {
		t.Fatalf("unexpected credit keys: %v", env.ledger.creditKeys)
	}
	if env.gateway.totalCalls() != 0 {
		t.Fatal("a redirect must not refund")
	}
}

func TestExecuteDecision_PlatformDonation(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	if _, err := env.svc.SubmitDecision(context.Background(), d.DonorID, d.ID, domain.DecisionTypeDonateToPlatform, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(env.platform.keys) != 1 || env.platform.keys[0] != "platform:"+d.ID.String() {
		t.Fatalf("unexpected platform credit keys: %v", env.platform.keys)
	}
}

func TestExecuteDecision_ExternalFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	target := campaign("library", 60, 100, 1000)
	target.EndDate = env.now.AddDate(0, 0, 60)
	env.ledger.campaigns = []domain.CampaignSummary{target}
	env.ledger.creditErr = errors.New("ledger timeout")

	if _, err := env.svc.SubmitDecision(context.Background(), d.DonorID, d.ID, domain.DecisionTypeRedirectToCampaign, &target.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("external failures are not returned as errors, got %v", err)
	}
	if res.Decision.Status != domain.DecisionStatusFailed || res.Decision.FailureReason == nil {
		t.Fatalf("expected a failed decision with a reason, got %+v", res.Decision)
	}
	if env.publisher.count(domain.EventRefundDecisionFailed) != 1 {
		t.Fatal("expected a failed event")
	}

	replay, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{})
	if err != nil || !replay.Replayed {
		t.Fatalf("failed decisions replay unless retried, got %+v, %v", replay, err)
	}
	if len(env.ledger.creditKeys) != 1 {
		t.Fatalf("expected a single credit attempt, got %d", len(env.ledger.creditKeys))
	}
}

func TestExecuteDecision_FreshClaimElsewhereIsInFlight(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	if _, err := env.svc.SubmitDecision(context.Background(), d.DonorID, d.ID, domain.DecisionTypeRefund, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token := uuid.New()
	claimedAt := env.now.Add(-time.Minute)
	env.repo.mu.Lock()
	env.repo.decisions[d.ID].ClaimToken = &token
	env.repo.decisions[d.ID].ClaimedAt = &claimedAt
	env.repo.mu.Unlock()

	if _, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{}); !errors.Is(err, ErrDecisionInFlight) {
		t.Fatalf("expected ErrDecisionInFlight, got %v", err)
	}
	if env.gateway.totalCalls() != 0 {
		t.Fatal("no gateway call may happen while another worker holds the claim")
	}

	// A claim older than the stale window is taken over.
	env.advance(10 * time.Minute)
	res, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Status != domain.DecisionStatusCompleted {
		t.Fatalf("expected completed, got %s", res.Decision.Status)
	}
}

func TestExecuteDecision_ClaimLostBeforeFinalize(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]
	env.repo.finalizeErr = store.ErrClaimLost

	_, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{ApplyDefault: true})
	if !errors.Is(err, ErrDecisionInFlight) {
		t.Fatalf("expected ErrDecisionInFlight, got %v", err)
	}
}

func TestRunDeadlineSweep_DefaultsToRefund(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	env.advance(14*24*time.Hour + time.Minute)

	result, err := env.svc.RunDeadlineSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.Succeeded != 1 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}

	stored := env.repo.decision(t, d.ID)
	if stored.DecisionType != nil {
		t.Fatal("the donor's choice stays unset when the default applies")
	}
	if stored.AppliedDisposition == nil || *stored.AppliedDisposition != domain.DecisionTypeRefund {
		t.Fatalf("expected refund disposition, got %v", stored.AppliedDisposition)
	}
	if env.gateway.calls[refundKey(d)] != 1 {
		t.Fatalf("expected one refund call for %s", refundKey(d))
	}
	if got := env.repo.request(t, req.ID).Status; got != domain.RequestStatusCompleted {
		t.Fatalf("expected request completed, got %s", got)
	}

	// A second sweep finds nothing left to do.
	again, err := env.svc.RunDeadlineSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Processed != 0 || env.gateway.totalCalls() != 1 {
		t.Fatalf("expected an idle sweep, got %+v", again)
	}
}

func TestRunDeadlineSweep_MovesClosedRequestsOutOfPendingDecisions(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	// Submitted but not yet executed: the sweep leaves the decision alone.
	if _, err := env.svc.SubmitDecision(context.Background(), d.DonorID, d.ID, domain.DecisionTypeDonateToPlatform, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.advance(15 * 24 * time.Hour)

	result, err := env.svc.RunDeadlineSweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 0 || result.RequestsRecomputed != 1 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}
	if got := env.repo.request(t, req.ID).Status; got != domain.RequestStatusProcessing {
		t.Fatalf("expected processing, got %s", got)
	}
	if env.publisher.count(domain.EventRefundRequestStatusChanged) != 1 {
		t.Fatal("expected a status change event")
	}
}

func TestProcessRefundRequest_PartialFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000, 30000, 20000)
	decisions := env.decisions(t, req.ID)
	failing := decisions[1]
	env.gateway.failFor[failing.Allocations[0].DonationID] = errors.New("gateway rejected refund")

	result, err := env.svc.ProcessRefundRequest(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 3 || result.Succeeded != 2 || result.Failed != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := env.repo.request(t, req.ID).Status; got != domain.RequestStatusPartiallyCompleted {
		t.Fatalf("expected partially_completed, got %s", got)
	}
	if stored := env.repo.decision(t, failing.ID); stored.Status != domain.DecisionStatusFailed || stored.Attempts != 1 {
		t.Fatalf("expected one failed attempt, got %+v", stored)
	}

	delete(env.gateway.failFor, failing.Allocations[0].DonationID)

	retried, err := env.svc.RetryDecision(context.Background(), failing.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retried.Decision.Status != domain.DecisionStatusCompleted || retried.Decision.FailureReason != nil {
		t.Fatalf("expected a clean completed decision, got %+v", retried.Decision)
	}
	if retried.Decision.Attempts != 2 {
		t.Fatalf("expected two attempts, got %d", retried.Decision.Attempts)
	}
	if env.gateway.calls[refundKey(failing)] != 2 {
		t.Fatalf("expected the retry to reuse key %s", refundKey(failing))
	}
	if got := env.repo.request(t, req.ID).Status; got != domain.RequestStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}

	var refunded int64
	for _, amount := range env.gateway.amounts {
		refunded += amount
	}
	if refunded != req.TotalRefundAmount {
		t.Fatalf("expected %d refunded in total, got %d", req.TotalRefundAmount, refunded)
	}
}

func TestProcessRefundRequest_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.svc.ProcessRefundRequest(context.Background(), uuid.New()); !errors.Is(err, ErrRefundRequestNotFound) {
		t.Fatalf("expected ErrRefundRequestNotFound, got %v", err)
	}
}

func TestRetryDecision_OnlyFailed(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	if _, err := env.svc.RetryDecision(context.Background(), d.ID); !errors.Is(err, ErrDecisionNotRetryable) {
		t.Fatalf("expected ErrDecisionNotRetryable, got %v", err)
	}
	if _, err := env.svc.RetryDecision(context.Background(), uuid.New()); !errors.Is(err, ErrDecisionNotFound) {
		t.Fatalf("expected ErrDecisionNotFound, got %v", err)
	}
}

func TestRunSubmittedDecisions(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000, 30000)
	decisions := env.decisions(t, req.ID)

	if _, err := env.svc.SubmitDecision(context.Background(), decisions[0].DonorID, decisions[0].ID, domain.DecisionTypeRefund, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := env.svc.RunSubmittedDecisions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.Succeeded != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if stored := env.repo.decision(t, decisions[1].ID); stored.Status != domain.DecisionStatusPending {
		t.Fatal("undecided decisions wait for their donor")
	}
	// The other donor is still inside the window.
	if got := env.repo.request(t, req.ID).Status; got != domain.RequestStatusPendingDecisions {
		t.Fatalf("expected pending_decisions, got %s", got)
	}
}

func TestTruncateReason(t *testing.T) {
	long := strings.Repeat("x", maxFailureReasonLength+20)
	if got := truncateReason(long); len(got) != maxFailureReasonLength {
		t.Fatalf("expected %d chars, got %d", maxFailureReasonLength, len(got))
	}
	if got := truncateReason("short"); got != "short" {
		t.Fatalf("expected short reason untouched, got %q", got)
	}

	// A peso sign straddling the cut must be dropped whole.
	straddling := strings.Repeat("x", maxFailureReasonLength-1) + "₱ gateway body"
	got := truncateReason(straddling)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated reason is not valid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) != maxFailureReasonLength-1 {
		t.Fatalf("expected %d bytes, got %d", maxFailureReasonLength-1, len(got))
	}

	if got := truncateReason("bad \xff byte"); !utf8.ValidString(got) {
		t.Fatalf("expected invalid bytes replaced, got %q", got)
	}
}

func TestExecuteDecision_LongMultiByteGatewayErrorRecordedAsFailed(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]
	env.gateway.failFor[d.Allocations[0].DonationID] = errors.New(strings.Repeat("₱", 400))

	res, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{ApplyDefault: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decision.Status != domain.DecisionStatusFailed || res.Decision.FailureReason == nil {
		t.Fatalf("expected failed decision, got %+v", res.Decision)
	}
	if reason := *res.Decision.FailureReason; !utf8.ValidString(reason) || len(reason) > maxFailureReasonLength {
		t.Fatalf("failure reason must be valid UTF-8 within %d bytes, got %d bytes", maxFailureReasonLength, len(reason))
	}
}

func TestRunSubmittedDecisions_TakesOverStaleClaim(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000)
	d := env.decisions(t, req.ID)[0]

	if _, err := env.svc.SubmitDecision(context.Background(), d.DonorID, d.ID, domain.DecisionTypeRefund, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A worker claimed the decision and died before finalizing.
	token := uuid.New()
	claimedAt := env.now
	env.repo.mu.Lock()
	env.repo.decisions[d.ID].ClaimToken = &token
	env.repo.decisions[d.ID].ClaimedAt = &claimedAt
	env.repo.mu.Unlock()

	env.advance(time.Minute)
	fresh, err := env.svc.RunSubmittedDecisions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fresh.Processed != 0 || env.gateway.totalCalls() != 0 {
		t.Fatalf("a fresh claim must be left alone, got %+v", fresh)
	}

	env.advance(30 * time.Minute)
	result, err := env.svc.RunSubmittedDecisions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 1 || result.Succeeded != 1 {
		t.Fatalf("expected the stale claim to be taken over, got %+v", result)
	}
	if got := env.repo.decision(t, d.ID).Status; got != domain.DecisionStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if got := env.repo.request(t, req.ID).Status; got != domain.RequestStatusCompleted {
		t.Fatalf("expected request completed, got %s", got)
	}
}

func TestExecuteBatch_StoreErrorsAreNotProcessed(t *testing.T) {
	env := newTestEnv(t)
	req := env.seedRequest(t, 50000, 30000)
	decisions := env.decisions(t, req.ID)
	for _, d := range decisions {
		if _, err := env.svc.SubmitDecision(context.Background(), d.DonorID, d.ID, domain.DecisionTypeRefund, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	env.repo.claimErr = errors.New("connection refused")

	result, err := env.svc.RunSubmittedDecisions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Errored != 2 || result.Processed != 0 || result.Failed != 0 {
		t.Fatalf("expected two errored and none processed, got %+v", result)
	}
	if env.gateway.totalCalls() != 0 {
		t.Fatal("nothing may be dispatched without a claim")
	}
}

func TestConcurrentExecutionMovesMoneyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.svc.opts.ExecutionConcurrency = 4
	req := env.seedRequest(t, 50000, 30000, 20000, 15000)
	decisions := env.decisions(t, req.ID)

	if _, err := env.svc.SubmitDecision(context.Background(), decisions[0].DonorID, decisions[0].ID, domain.DecisionTypeRefund, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env.advance(15 * 24 * time.Hour)

	const workers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			fn()
		}()
	}

	for _, d := range decisions {
		for i := 0; i < workers; i++ {
			run(func() {
				_, err := env.svc.ExecuteDecision(context.Background(), d.ID, ExecuteOptions{ApplyDefault: true})
				if err != nil && !errors.Is(err, ErrDecisionInFlight) {
					t.Errorf("unexpected error for %s: %v", d.ID, err)
				}
			})
		}
	}
	run(func() {
		if _, err := env.svc.RunDeadlineSweep(context.Background()); err != nil {
			t.Errorf("sweep: %v", err)
		}
	})
	run(func() {
		if _, err := env.svc.RunSubmittedDecisions(context.Background()); err != nil {
			t.Errorf("submitted: %v", err)
		}
	})
	run(func() {
		if _, err := env.svc.ProcessRefundRequest(context.Background(), req.ID); err != nil {
			t.Errorf("process: %v", err)
		}
	})

	close(start)
	wg.Wait()

	for _, d := range decisions {
		if calls := env.gateway.calls[refundKey(d)]; calls != 1 {
			t.Errorf("expected one refund call for decision %s, got %d", d.ID, calls)
		}
		stored := env.repo.decision(t, d.ID)
		if stored.Status != domain.DecisionStatusCompleted || stored.Attempts != 1 {
			t.Errorf("expected decision %s completed once, got status=%s attempts=%d", d.ID, stored.Status, stored.Attempts)
		}
	}

	var refunded int64
	for _, amount := range env.gateway.amounts {
		refunded += amount
	}
	if refunded != req.TotalRefundAmount {
		t.Fatalf("expected %d refunded, got %d", req.TotalRefundAmount, refunded)
	}
	if got := env.repo.request(t, req.ID).Status; got != domain.RequestStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}
