/**
 * @description
 * HTTP handlers for the refund-service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clearcause/refund-service/internal/app"
	"github.com/clearcause/refund-service/internal/domain"
)

// RefundService is the application surface the handlers depend on.
type RefundService interface {
	ResolveDonorID(ctx context.Context, clerkUserID string) (uuid.UUID, error)
	QuoteDonation(ctx context.Context, req domain.DonationQuoteRequest) (*domain.FeeBreakdown, error)
	GetDonorPendingRefundDecisions(ctx context.Context, donorID uuid.UUID) ([]domain.PendingDecisionView, error)
	SubmitDecision(ctx context.Context, donorID, decisionID uuid.UUID, decisionType domain.DecisionType, targetCampaignID *uuid.UUID) (*domain.DonorRefundDecision, error)
	ListEligibleCampaigns(ctx context.Context, q domain.EligibilityQuery) (*domain.CampaignPage, error)
	CreateRefundRequest(ctx context.Context, milestoneID uuid.UUID, rejectionReason string) (*domain.RefundRequest, bool, error)
	ListRefundRequests(ctx context.Context, statusFilter string) ([]domain.RefundRequest, error)
	GetRefundRequest(ctx context.Context, id uuid.UUID) (*domain.RefundRequestDetail, error)
	ProcessRefundRequest(ctx context.Context, requestID uuid.UUID) (*app.ProcessResult, error)
	RetryDecision(ctx context.Context, decisionID uuid.UUID) (*app.ExecutionResult, error)
	GetRefundStats(ctx context.Context) (*domain.RefundStats, error)
	RunDeadlineSweep(ctx context.Context) (*app.SweepResult, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service RefundService
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service RefundService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Refund service is healthy"))
}

func (h *Handler) handleQuoteDonation(w http.ResponseWriter, r *http.Request) {
	var req domain.DonationQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	quote, err := h.service.QuoteDonation(r.Context(), req)
	if err != nil {
		h.respondWithError(w, "quote donation", err)
		return
	}

	respondWithJSON(w, http.StatusOK, quote)
}

func (h *Handler) handleGetPendingDecisions(w http.ResponseWriter, r *http.Request) {
	donorID, ok := h.donorFromRequest(w, r)
	if !ok {
		return
	}

	decisions, err := h.service.GetDonorPendingRefundDecisions(r.Context(), donorID)
	if err != nil {
		h.respondWithError(w, "list pending decisions", err)
		return
	}
	if decisions == nil {
		decisions = []domain.PendingDecisionView{}
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions})
}

func (h *Handler) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	donorID, ok := h.donorFromRequest(w, r)
	if !ok {
		return
	}

	decisionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid decision ID", http.StatusBadRequest)
		return
	}

	var req domain.SubmitDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	decision, err := h.service.SubmitDecision(r.Context(), donorID, decisionID, req.DecisionType, req.TargetCampaignID)
	if err != nil {
		h.respondWithError(w, "submit decision", err)
		return
	}

	respondWithJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleListEligibleCampaigns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	sourceID, err := uuid.Parse(strings.TrimSpace(query.Get("source_campaign_id")))
	if err != nil {
		http.Error(w, "source_campaign_id is required", http.StatusBadRequest)
		return
	}

	q := domain.EligibilityQuery{
		SourceCampaignID: sourceID,
		CampaignFilters: domain.CampaignFilters{
			Category: strings.TrimSpace(query.Get("category")),
			Search:   strings.TrimSpace(query.Get("search")),
		},
		Sort:     app.ParseCampaignSort(query.Get("sort")),
		Page:     parsePositiveInt(query.Get("page")),
		PageSize: parsePositiveInt(query.Get("page_size")),
	}
	if raw := strings.TrimSpace(query.Get("ids")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := uuid.Parse(strings.TrimSpace(part))
			if err != nil {
				http.Error(w, "Invalid campaign ID in ids", http.StatusBadRequest)
				return
			}
			q.IDs = append(q.IDs, id)
		}
	}

	page, err := h.service.ListEligibleCampaigns(r.Context(), q)
	if err != nil {
		h.respondWithError(w, "list eligible campaigns", err)
		return
	}

	respondWithJSON(w, http.StatusOK, page)
}

func (h *Handler) handleCreateRefundRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRefundRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.MilestoneID == uuid.Nil {
		http.Error(w, "milestone_id is required", http.StatusBadRequest)
		return
	}

	refundRequest, created, err := h.service.CreateRefundRequest(r.Context(), req.MilestoneID, req.RejectionReason)
	if err != nil {
		h.respondWithError(w, "create refund request", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, refundRequest)
}

func (h *Handler) handleListRefundRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.service.ListRefundRequests(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.respondWithError(w, "list refund requests", err)
		return
	}
	if requests == nil {
		requests = []domain.RefundRequest{}
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{"refund_requests": requests})
}

func (h *Handler) handleGetRefundRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid refund request ID", http.StatusBadRequest)
		return
	}

	detail, err := h.service.GetRefundRequest(r.Context(), id)
	if err != nil {
		h.respondWithError(w, "get refund request", err)
		return
	}

	respondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleProcessRefundRequest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid refund request ID", http.StatusBadRequest)
		return
	}

	result, err := h.service.ProcessRefundRequest(r.Context(), id)
	if err != nil {
		h.respondWithError(w, "process refund request", err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRetryDecision(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid decision ID", http.StatusBadRequest)
		return
	}

	result, err := h.service.RetryDecision(r.Context(), id)
	if err != nil {
		h.respondWithError(w, "retry decision", err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetRefundStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetRefundStats(r.Context())
	if err != nil {
		h.respondWithError(w, "get refund stats", err)
		return
	}

	respondWithJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleRunDeadlineSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunDeadlineSweep(r.Context())
	if err != nil {
		h.respondWithError(w, "run deadline sweep", err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// donorFromRequest resolves the authenticated Clerk user to a donor id, writing the
// error response itself when it cannot.
func (h *Handler) donorFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	clerkUserID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}

	donorID, err := h.service.ResolveDonorID(r.Context(), clerkUserID)
	if err != nil {
		if errors.Is(err, app.ErrDonorNotFound) {
			http.Error(w, "Donor profile not found", http.StatusNotFound)
			return uuid.Nil, false
		}
		log.Printf("level=error component=api msg=\"failed to resolve donor\" clerk_user_id=%s err=%v", clerkUserID, err)
		http.Error(w, "Failed to resolve donor", http.StatusInternalServerError)
		return uuid.Nil, false
	}
	return donorID, true
}

func (h *Handler) respondWithError(w http.ResponseWriter, operation string, err error) {
	var limited *app.RateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
		return
	}

	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"%s failed\" err=%v", operation, err)
		http.Error(w, "Internal server error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, app.ErrRefundRequestNotFound),
		errors.Is(err, app.ErrDecisionNotFound),
		errors.Is(err, app.ErrMilestoneNotFound),
		errors.Is(err, app.ErrDonorNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrDecisionAlreadySubmitted),
		errors.Is(err, app.ErrDecisionClosed),
		errors.Is(err, app.ErrDecisionDeadlinePassed),
		errors.Is(err, app.ErrDecisionInFlight),
		errors.Is(err, app.ErrDecisionAwaitingDonor),
		errors.Is(err, app.ErrDecisionNotRetryable),
		errors.Is(err, app.ErrMilestoneNotRejected):
		return http.StatusConflict
	case errors.Is(err, app.ErrInvalidDecisionType),
		errors.Is(err, app.ErrInvalidRedirectTarget),
		errors.Is(err, app.ErrNoAffectedDonors),
		errors.Is(err, app.ErrLedgerInconsistent),
		errors.Is(err, app.ErrRefundTotalMismatch),
		errors.Is(err, app.ErrBelowMinimumDonation),
		errors.Is(err, app.ErrNetBelowFloor),
		errors.Is(err, app.ErrChannelLimitExceeded),
		errors.Is(err, app.ErrNegativeTip):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrInvalidStatusFilter):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func parsePositiveInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to encode response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
