package store

import (
	"context"
	"errors"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clearcause/refund-service/internal/domain"
)

// SettingsProvider reads the latest effective platform_settings row and fills any
// unset column from the configured defaults.
type SettingsProvider struct {
	db       *pgxpool.Pool
	defaults domain.PlatformSettings
}

// NewSettingsProvider creates a settings provider backed by the platform_settings table.
func NewSettingsProvider(db *pgxpool.Pool, defaults domain.PlatformSettings) *SettingsProvider {
	return &SettingsProvider{db: db, defaults: defaults}
}

type settingsRow struct {
	FeeRatePercent           *string
	MinimumDonation          *int64
	MinimumNetAmount         *int64
	PaymentChannelCeiling    *int64
	DecisionWindowDays       *int
	MinCampaignDaysRemaining *int
}

// CurrentSettings returns the platform settings in effect now.
func (p *SettingsProvider) CurrentSettings(ctx context.Context) (domain.PlatformSettings, error) {
	if p.db == nil {
		return p.defaults, nil
	}

	var row settingsRow
	err := p.db.QueryRow(ctx, `
		SELECT fee_rate_percent::TEXT, minimum_donation, minimum_net_amount, payment_channel_ceiling,
		       decision_window_days, min_campaign_days_remaining
		FROM platform_settings
		WHERE effective_from <= NOW()
		ORDER BY effective_from DESC
		LIMIT 1
	`).Scan(
		&row.FeeRatePercent,
		&row.MinimumDonation,
		&row.MinimumNetAmount,
		&row.PaymentChannelCeiling,
		&row.DecisionWindowDays,
		&row.MinCampaignDaysRemaining,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return p.defaults, nil
		}
		return domain.PlatformSettings{}, err
	}

	return mergeSettings(row, p.defaults), nil
}

func mergeSettings(row settingsRow, defaults domain.PlatformSettings) domain.PlatformSettings {
	settings := defaults
	if row.FeeRatePercent != nil {
		rate, err := decimal.NewFromString(*row.FeeRatePercent)
		if err != nil || rate.IsNegative() {
			log.Printf("level=warn component=settings msg=\"ignoring invalid stored fee rate\" value=%q", *row.FeeRatePercent)
		} else {
			settings.FeeRatePercent = rate
		}
	}
	if row.MinimumDonation != nil && *row.MinimumDonation >= 0 {
		settings.MinimumDonation = *row.MinimumDonation
	}
	if row.MinimumNetAmount != nil && *row.MinimumNetAmount >= 0 {
		settings.MinimumNetAmount = *row.MinimumNetAmount
	}
	if row.PaymentChannelCeiling != nil && *row.PaymentChannelCeiling >= 0 {
		settings.PaymentChannelCeiling = *row.PaymentChannelCeiling
	}
	if row.DecisionWindowDays != nil && *row.DecisionWindowDays > 0 {
		settings.DecisionWindowDays = *row.DecisionWindowDays
	}
	if row.MinCampaignDaysRemaining != nil && *row.MinCampaignDaysRemaining >= 0 {
		settings.MinCampaignDaysRemaining = *row.MinCampaignDaysRemaining
	}
	return settings
}
