package domain

import "github.com/shopspring/decimal"

// FeeBreakdown is what a donor pays and what the charity nets for one donation.
// It is computed from the donation record and never stored on its own.
type FeeBreakdown struct {
	GrossAmount     int64 `json:"gross_amount"`
	PlatformFee     int64 `json:"platform_fee"`
	TipAmount       int64 `json:"tip_amount"`
	NetAmount       int64 `json:"net_amount"`
	TotalCharge     int64 `json:"total_charge"`
	DonorCoversFees bool  `json:"donor_covers_fees"`
}

// PlatformSettings are the runtime values the fee and refund logic depends on.
// They are read from the settings provider on every use.
type PlatformSettings struct {
	FeeRatePercent           decimal.Decimal `json:"fee_rate_percent"`
	MinimumDonation          int64           `json:"minimum_donation"`
	MinimumNetAmount         int64           `json:"minimum_net_amount"`
	PaymentChannelCeiling    int64           `json:"payment_channel_ceiling"`
	DecisionWindowDays       int             `json:"decision_window_days"`
	MinCampaignDaysRemaining int             `json:"min_campaign_days_remaining"`
}

// DonationQuoteRequest is the DTO for fee quotes at checkout.
type DonationQuoteRequest struct {
	Amount          int64 `json:"amount"`
	TipAmount       int64 `json:"tip_amount"`
	DonorCoversFees bool  `json:"donor_covers_fees"`
}
