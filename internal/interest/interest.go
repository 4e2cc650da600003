// Package interest implements the bank's tiered interest policy.
//
// An account is Premium when its balance reaches the configured premium
// requirement and Normal otherwise; each tier has its own per-period rate.
// Compounding is discrete: interest for n whole periods is
// balance * ((1+rate)^n - 1), truncated to cents so the bank never credits
// more than the exact amount.
//
// All monetary values use shopspring/decimal.
package interest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/model"
)

// Tier is an interest tier.
type Tier string

const (
	Normal  Tier = "normal"
	Premium Tier = "premium"
)

// growthScale bounds the precision of intermediate compounding factors.
const growthScale int32 = 18

// Classification is the outcome of Classify.
type Classification struct {
	Tier Tier
	Rate decimal.Decimal
}

// Premium reports whether the classification is the premium tier.
func (c Classification) Premium() bool { return c.Tier == Premium }

// Classify picks the tier and rate for a balance. A requirement of zero
// makes every non-negative balance premium.
func Classify(balance decimal.Decimal, s model.BankSettings) Classification {
	if balance.GreaterThanOrEqual(s.PremiumBalanceRequirement) {
		return Classification{Tier: Premium, Rate: s.PremiumInterestRate}
	}
	return Classification{Tier: Normal, Rate: s.NormalInterestRate}
}

// Accrue returns the interest earned by balance over periods whole
// compounding periods at rate, truncated to cents. Non-positive balances,
// rates or period counts earn nothing.
func Accrue(balance, rate decimal.Decimal, periods int64) decimal.Decimal {
	if periods <= 0 || !balance.IsPositive() || !rate.IsPositive() {
		return decimal.Zero
	}
	growth := pow(decimal.NewFromInt(1).Add(rate), periods)
	return balance.Mul(growth.Sub(decimal.NewFromInt(1))).Truncate(model.MoneyScale)
}

// Periods counts whole periods of length period between since and now.
func Periods(since, now time.Time, period time.Duration) int64 {
	if period <= 0 || !now.After(since) {
		return 0
	}
	return int64(now.Sub(since) / period)
}

// pow computes base^n by repeated squaring, rounding intermediates to
// growthScale places.
func pow(base decimal.Decimal, n int64) decimal.Decimal {
	result := decimal.NewFromInt(1)
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Round(growthScale)
		}
		base = base.Mul(base).Round(growthScale)
		n >>= 1
	}
	return result
}
