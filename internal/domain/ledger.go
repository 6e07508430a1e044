package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	MilestoneStatusRejected = "rejected"
	CampaignStatusActive    = "active"
)

// Milestone is the ledger's view of a campaign checkpoint.
type Milestone struct {
	ID         uuid.UUID `json:"id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
}

// CompletedDonation is one completed donation attributed to a milestone.
// FeeRatePercent is the rate that applied when the donation was made.
type CompletedDonation struct {
	DonationID      uuid.UUID        `json:"donation_id"`
	DonorID         uuid.UUID        `json:"donor_id"`
	Amount          int64            `json:"amount"`
	TipAmount       int64            `json:"tip_amount"`
	DonorCoversFees bool             `json:"donor_covers_fees"`
	FeeRatePercent  *decimal.Decimal `json:"fee_rate_percent,omitempty"`
	NetAmount       int64            `json:"net_amount"`
	DisbursedAmount int64            `json:"disbursed_amount"`
}

// CampaignSummary is a candidate destination for redirected funds.
type CampaignSummary struct {
	ID            uuid.UUID `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Category      string    `json:"category"`
	Status        string    `json:"status"`
	GoalAmount    int64     `json:"goal_amount"`
	CurrentAmount int64     `json:"current_amount"`
	DonorCount    int       `json:"donor_count"`
	EndDate       time.Time `json:"end_date"`
	CreatedAt     time.Time `json:"created_at"`
}

// CampaignFilters narrows the ledger's active-campaign listing.
type CampaignFilters struct {
	Category string      `json:"category,omitempty"`
	Search   string      `json:"search,omitempty"`
	IDs      []uuid.UUID `json:"ids,omitempty"`
}

// CampaignSort orders eligible campaigns.
type CampaignSort string

const (
	SortPopular      CampaignSort = "popular"
	SortNewest       CampaignSort = "newest"
	SortAlmostFunded CampaignSort = "almost_funded"
	SortEndingSoon   CampaignSort = "ending_soon"
)

// EligibilityQuery is the input to the campaign eligibility filter.
type EligibilityQuery struct {
	SourceCampaignID uuid.UUID
	CampaignFilters
	Sort     CampaignSort
	Page     int
	PageSize int
}

// CampaignPage is one page of eligible campaigns.
type CampaignPage struct {
	Campaigns []CampaignSummary `json:"campaigns"`
	Total     int               `json:"total"`
	Page      int               `json:"page"`
	PageSize  int               `json:"page_size"`
}
