// Package commission computes the platform's cut of a seller group.
//
// Rates are percentages (15 means 15%). Amounts are minor currency units.
// Commission and service charge are rounded half-up to the minor unit
// independently and the seller payout is derived by subtraction, so
// commission + service charge + payout always equals subtotal + shipping.
package commission

import (
	"time"

	"checkout-service/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DefaultBaseRates is the commission table keyed by subscription tier
var DefaultBaseRates = map[models.Tier]decimal.Decimal{
	models.TierFree:       decimal.NewFromInt(15),
	models.TierEconomy:    decimal.NewFromInt(9),
	models.TierFirstClass: decimal.NewFromInt(5),
}

// DefaultServiceChargeRate is added on top of every commission rate
var DefaultServiceChargeRate = decimal.RequireFromString("2.5")

// Calculator holds the rate table. It has no side effects.
type Calculator struct {
	baseRates     map[models.Tier]decimal.Decimal
	serviceCharge decimal.Decimal
}

// NewCalculator creates a calculator with the default tier table
func NewCalculator(serviceChargeRate decimal.Decimal) *Calculator {
	return &Calculator{
		baseRates:     DefaultBaseRates,
		serviceCharge: serviceChargeRate,
	}
}

// ServiceChargeRate returns the flat service-charge percentage
func (c *Calculator) ServiceChargeRate() decimal.Decimal {
	return c.serviceCharge
}

// BaseRate returns the tier's commission percentage. Unknown tiers are billed as free.
func (c *Calculator) BaseRate(tier models.Tier) decimal.Decimal {
	if rate, ok := c.baseRates[tier]; ok {
		return rate
	}
	return c.baseRates[models.TierFree]
}

// CommissionRate returns the commission percentage without the service charge
// and whether an active gift override supplied it. A gift rate is capped so
// that commission plus service charge never exceeds 100.
func (c *Calculator) CommissionRate(tier models.Tier, gift *models.GiftOverride, now time.Time) (decimal.Decimal, bool) {
	if gift != nil && now.Before(gift.ExpiresAt) {
		if rate, err := decimal.NewFromString(gift.CommissionRate); err == nil && !rate.IsNegative() {
			return decimal.Min(rate, c.maxCommissionRate()), true
		}
	}
	return c.BaseRate(tier), false
}

func (c *Calculator) maxCommissionRate() decimal.Decimal {
	return decimal.Max(decimal.Zero, hundred.Sub(c.ServiceChargeRate()))
}

// EffectiveRate returns commission plus service charge, as a percentage
func (c *Calculator) EffectiveRate(tier models.Tier, gift *models.GiftOverride, now time.Time) decimal.Decimal {
	rate, _ := c.CommissionRate(tier, gift, now)
	return rate.Add(c.serviceCharge)
}

// PlatformTake is commission plus service charge on the subtotal
func (c *Calculator) PlatformTake(subtotal int64, tier models.Tier, gift *models.GiftOverride, now time.Time) int64 {
	b := c.Breakdown(subtotal, 0, tier, gift, now)
	return b.PlatformTake
}

// SellerPayout is subtotal minus platform take plus shipping
func (c *Calculator) SellerPayout(subtotal, shipping int64, tier models.Tier, gift *models.GiftOverride, now time.Time) int64 {
	b := c.Breakdown(subtotal, shipping, tier, gift, now)
	return b.SellerPayout
}

// Breakdown computes the full split for a group
func (c *Calculator) Breakdown(subtotal, shipping int64, tier models.Tier, gift *models.GiftOverride, now time.Time) models.Breakdown {
	rate, giftApplied := c.CommissionRate(tier, gift, now)

	commissionAmount := Percent(subtotal, rate)
	serviceAmount := Percent(subtotal, c.serviceCharge)
	if commissionAmount+serviceAmount > subtotal {
		// Both halves rounded up past the subtotal.
		commissionAmount = subtotal - serviceAmount
	}
	take := commissionAmount + serviceAmount

	return models.Breakdown{
		CommissionRate:      rate.String(),
		ServiceChargeRate:   c.serviceCharge.String(),
		CommissionAmount:    commissionAmount,
		ServiceChargeAmount: serviceAmount,
		PlatformTake:        take,
		SellerPayout:        subtotal - take + shipping,
		GiftApplied:         giftApplied,
	}
}

// Percent returns amount * rate / 100 rounded half-up to a minor unit
func Percent(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Div(hundred).Round(0).IntPart()
}
