package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clearcause/refund-service/internal/domain"
)

const (
	defaultCampaignPageSize = 12
	maxCampaignPageSize     = 50
)

// CampaignEligible reports whether c can receive redirected funds from sourceID at now.
func CampaignEligible(c domain.CampaignSummary, sourceID uuid.UUID, minDaysRemaining int, now time.Time) bool {
	if c.Status != domain.CampaignStatusActive {
		return false
	}
	if c.ID == sourceID {
		return false
	}
	if c.EndDate.Before(now.AddDate(0, 0, minDaysRemaining)) {
		return false
	}
	return c.CurrentAmount < c.GoalAmount
}

// FilterEligibleCampaigns drops ineligible candidates, applies the optional filters,
// sorts and paginates. Ineligible campaigns are excluded even when named in q.IDs.
func FilterEligibleCampaigns(candidates []domain.CampaignSummary, q domain.EligibilityQuery, minDaysRemaining int, now time.Time) domain.CampaignPage {
	var wanted map[uuid.UUID]bool
	if len(q.IDs) > 0 {
		wanted = make(map[uuid.UUID]bool, len(q.IDs))
		for _, id := range q.IDs {
			wanted[id] = true
		}
	}
	category := strings.TrimSpace(q.Category)
	search := strings.ToLower(strings.TrimSpace(q.Search))

	eligible := make([]domain.CampaignSummary, 0, len(candidates))
	seen := make(map[uuid.UUID]bool, len(candidates))
	for _, c := range candidates {
		if seen[c.ID] || !CampaignEligible(c, q.SourceCampaignID, minDaysRemaining, now) {
			continue
		}
		if wanted != nil && !wanted[c.ID] {
			continue
		}
		if category != "" && !strings.EqualFold(c.Category, category) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(c.Title), search) &&
			!strings.Contains(strings.ToLower(c.Description), search) {
			continue
		}
		seen[c.ID] = true
		eligible = append(eligible, c)
	}

	sortCampaigns(eligible, q.Sort)

	page, size := normalizePage(q.Page, q.PageSize)
	result := domain.CampaignPage{Total: len(eligible), Page: page, PageSize: size, Campaigns: []domain.CampaignSummary{}}
	start := (page - 1) * size
	if start >= len(eligible) {
		return result
	}
	end := start + size
	if end > len(eligible) {
		end = len(eligible)
	}
	result.Campaigns = eligible[start:end]
	return result
}

func sortCampaigns(campaigns []domain.CampaignSummary, order domain.CampaignSort) {
	var less func(a, b domain.CampaignSummary) bool
	switch order {
	case domain.SortNewest:
		less = func(a, b domain.CampaignSummary) bool { return a.CreatedAt.After(b.CreatedAt) }
	case domain.SortAlmostFunded:
		less = func(a, b domain.CampaignSummary) bool { return a.CurrentAmount > b.CurrentAmount }
	case domain.SortEndingSoon:
		less = func(a, b domain.CampaignSummary) bool { return a.EndDate.Before(b.EndDate) }
	default:
		less = func(a, b domain.CampaignSummary) bool { return a.DonorCount > b.DonorCount }
	}

	sort.SliceStable(campaigns, func(i, j int) bool {
		a, b := campaigns[i], campaigns[j]
		if less(a, b) {
			return true
		}
		if less(b, a) {
			return false
		}
		return a.ID.String() < b.ID.String()
	})
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = defaultCampaignPageSize
	}
	if size > maxCampaignPageSize {
		size = maxCampaignPageSize
	}
	return page, size
}

// ParseCampaignSort maps a query value to a known sort, defaulting to popular.
func ParseCampaignSort(raw string) domain.CampaignSort {
	switch domain.CampaignSort(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.SortNewest:
		return domain.SortNewest
	case domain.SortAlmostFunded:
		return domain.SortAlmostFunded
	case domain.SortEndingSoon:
		return domain.SortEndingSoon
	default:
		return domain.SortPopular
	}
}

// ListEligibleCampaigns returns campaigns a donor may redirect their share to.
func (s *Service) ListEligibleCampaigns(ctx context.Context, q domain.EligibilityQuery) (*domain.CampaignPage, error) {
	settings, err := s.settings.CurrentSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load platform settings: %w", err)
	}

	candidates, err := s.ledger.ListActiveCampaigns(ctx, q.CampaignFilters)
	if err != nil {
		return nil, fmt.Errorf("list active campaigns: %w", err)
	}

	page := FilterEligibleCampaigns(candidates, q, settings.MinCampaignDaysRemaining, s.now())
	return &page, nil
}

// checkRedirectTarget runs a single campaign id through the eligibility filter.
func (s *Service) checkRedirectTarget(ctx context.Context, sourceCampaignID, targetID uuid.UUID) error {
	settings, err := s.settings.CurrentSettings(ctx)
	if err != nil {
		return fmt.Errorf("load platform settings: %w", err)
	}

	filters := domain.CampaignFilters{IDs: []uuid.UUID{targetID}}
	candidates, err := s.ledger.ListActiveCampaigns(ctx, filters)
	if err != nil {
		return fmt.Errorf("look up redirect target: %w", err)
	}

	page := FilterEligibleCampaigns(candidates, domain.EligibilityQuery{
		SourceCampaignID: sourceCampaignID,
		CampaignFilters:  filters,
		PageSize:         1,
	}, settings.MinCampaignDaysRemaining, s.now())
	if page.Total == 0 {
		return ErrInvalidRedirectTarget
	}
	return nil
}
