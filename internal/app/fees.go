package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/clearcause/refund-service/internal/domain"
)

var (
	ErrBelowMinimumDonation = errors.New("donation amount is below the minimum donation")
	ErrNetBelowFloor        = errors.New("net amount to charity is below the minimum")
	ErrChannelLimitExceeded = errors.New("total charge exceeds the payment channel limit")
	ErrNegativeTip          = errors.New("tip amount cannot be negative")
)

var hundred = decimal.NewFromInt(100)

// PlatformFee returns amount × feeRatePercent / 100 rounded half away from zero to
// the minor unit.
func PlatformFee(amount int64, feeRatePercent decimal.Decimal) int64 {
	if amount <= 0 || feeRatePercent.Sign() <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(feeRatePercent).Div(hundred).Round(0).IntPart()
}

// CalculateFees computes the breakdown for an intended donation.
// When the donor covers fees the charity nets the full amount and the fee is added on
// top; otherwise the fee is deducted from the amount. The tip always stays with the
// platform.
func CalculateFees(amount, tip int64, donorCoversFees bool, feeRatePercent decimal.Decimal) domain.FeeBreakdown {
	fee := PlatformFee(amount, feeRatePercent)
	breakdown := domain.FeeBreakdown{
		GrossAmount:     amount,
		PlatformFee:     fee,
		TipAmount:       tip,
		DonorCoversFees: donorCoversFees,
	}
	if donorCoversFees {
		breakdown.TotalCharge = amount + fee + tip
		breakdown.NetAmount = amount
		return breakdown
	}
	breakdown.TotalCharge = amount + tip
	breakdown.NetAmount = amount - fee
	return breakdown
}

// ValidateDonation checks a donation against the platform limits and returns its
// breakdown. It stops at the first violated limit.
func ValidateDonation(amount, tip int64, donorCoversFees bool, settings domain.PlatformSettings) (domain.FeeBreakdown, error) {
	if amount <= 0 || amount < settings.MinimumDonation {
		return domain.FeeBreakdown{}, ErrBelowMinimumDonation
	}
	if tip < 0 {
		return domain.FeeBreakdown{}, ErrNegativeTip
	}

	breakdown := CalculateFees(amount, tip, donorCoversFees, settings.FeeRatePercent)
	if breakdown.NetAmount < settings.MinimumNetAmount {
		return domain.FeeBreakdown{}, ErrNetBelowFloor
	}
	// A zero ceiling means the channel has no configured limit.
	if settings.PaymentChannelCeiling > 0 && breakdown.TotalCharge > settings.PaymentChannelCeiling {
		return domain.FeeBreakdown{}, ErrChannelLimitExceeded
	}
	return breakdown, nil
}

// QuoteDonation validates a prospective donation using the current platform settings.
func (s *Service) QuoteDonation(ctx context.Context, req domain.DonationQuoteRequest) (*domain.FeeBreakdown, error) {
	settings, err := s.settings.CurrentSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load platform settings: %w", err)
	}

	breakdown, err := ValidateDonation(req.Amount, req.TipAmount, req.DonorCoversFees, settings)
	if err != nil {
		return nil, err
	}
	return &breakdown, nil
}

// refundableShare is the net-to-charity part of a donation that has not been
// disbursed yet. Platform fees and tips are never refundable.
func refundableShare(donation domain.CompletedDonation) (int64, error) {
	net := donation.NetAmount
	if donation.FeeRatePercent != nil {
		recomputed := CalculateFees(donation.Amount, donation.TipAmount, donation.DonorCoversFees, *donation.FeeRatePercent).NetAmount
		if net != 0 && net != recomputed {
			return 0, fmt.Errorf("%w: donation %s records net %d, fee semantics give %d",
				ErrLedgerInconsistent, donation.DonationID, net, recomputed)
		}
		net = recomputed
	}

	share := net - donation.DisbursedAmount
	if share < 0 {
		return 0, nil
	}
	return share, nil
}
