// Package settings owns the bank and horse race configuration singletons.
// Reads fall back to documented defaults until an operator saves a row;
// bank updates append a snapshot to the interest rate history in the same
// transaction.
package settings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/apperr"
	"github.com/factions/bank-engine/internal/model"
	"github.com/factions/bank-engine/internal/store"
)

// Defaults used when no settings row exists.
var (
	DefaultPayoutFeePct              = decimal.RequireFromString("0.07")
	DefaultNormalInterestRate        = decimal.RequireFromString("0.05")
	DefaultPremiumInterestRate       = decimal.RequireFromString("0.06")
	DefaultPremiumBalanceRequirement = decimal.NewFromInt(1_000_000_000)

	DefaultWinnerCutPct   = decimal.NewFromInt(50)
	DefaultSecondCutPct   = decimal.NewFromInt(30)
	DefaultThirdCutPct    = decimal.NewFromInt(20)
	DefaultEntryFee       = decimal.NewFromInt(100)
	DefaultImperialCutPct = decimal.NewFromInt(10)
)

// DefaultRules is the race rules text before an operator sets one.
const DefaultRules = "No rules set"

// History limits.
const (
	DefaultHistoryLimit = 1000
	MaxHistoryLimit     = 5000
)

var hundred = decimal.NewFromInt(100)

// DefaultBank returns the default bank settings.
func DefaultBank() model.BankSettings {
	return model.BankSettings{
		PayoutFeePct:              DefaultPayoutFeePct,
		NormalInterestRate:        DefaultNormalInterestRate,
		PremiumInterestRate:       DefaultPremiumInterestRate,
		PremiumBalanceRequirement: DefaultPremiumBalanceRequirement,
	}
}

// DefaultRaces returns the default horse race settings.
func DefaultRaces() model.RaceSettings {
	return model.RaceSettings{
		WinnerCutPct:   DefaultWinnerCutPct,
		SecondCutPct:   DefaultSecondCutPct,
		ThirdCutPct:    DefaultThirdCutPct,
		EntryFee:       DefaultEntryFee,
		ImperialCutPct: DefaultImperialCutPct,
		Rules:          DefaultRules,
	}
}

// ReadBank reads bank settings from src (a Store or an open Tx), falling
// back to defaults.
func ReadBank(ctx context.Context, src store.SettingsReader) (model.BankSettings, error) {
	bs, err := src.BankSettings(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return DefaultBank(), nil
	}
	if err != nil {
		return model.BankSettings{}, apperr.Internal(err, "read bank settings")
	}
	return bs, nil
}

// ReadRaces reads race settings from src, falling back to defaults.
func ReadRaces(ctx context.Context, src store.SettingsReader) (model.RaceSettings, error) {
	rs, err := src.RaceSettings(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return DefaultRaces(), nil
	}
	if err != nil {
		return model.RaceSettings{}, apperr.Internal(err, "read race settings")
	}
	return rs, nil
}

// BankPatch is a partial bank settings update; nil fields are unchanged.
type BankPatch struct {
	PayoutFeePct              *decimal.Decimal
	NormalInterestRate        *decimal.Decimal
	PremiumInterestRate       *decimal.Decimal
	PremiumBalanceRequirement *decimal.Decimal
}

// RacePatch is a partial race settings update; nil fields are unchanged.
type RacePatch struct {
	WinnerCutPct   *decimal.Decimal
	SecondCutPct   *decimal.Decimal
	ThirdCutPct    *decimal.Decimal
	EntryFee       *decimal.Decimal
	ImperialCutPct *decimal.Decimal
	Rules          *string
}

// Registry reads and updates settings.
type Registry struct {
	store store.Store
	now   func() time.Time
}

// NewRegistry creates a settings registry over st.
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Bank returns the current bank settings.
func (r *Registry) Bank(ctx context.Context) (model.BankSettings, error) {
	return ReadBank(ctx, r.store)
}

// Races returns the current horse race settings.
func (r *Registry) Races(ctx context.Context) (model.RaceSettings, error) {
	return ReadRaces(ctx, r.store)
}

// UpdateBank applies p and records the resulting rates in the history.
func (r *Registry) UpdateBank(ctx context.Context, p BankPatch) (model.BankSettings, error) {
	if err := p.validate(); err != nil {
		return model.BankSettings{}, err
	}

	var updated model.BankSettings
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		bs, err := ReadBank(ctx, tx)
		if err != nil {
			return err
		}
		p.apply(&bs)
		if err := tx.SaveBankSettings(ctx, bs); err != nil {
			return apperr.Internal(err, "save bank settings")
		}
		change := &model.RateChange{
			NormalInterestRate:        bs.NormalInterestRate,
			PremiumInterestRate:       bs.PremiumInterestRate,
			PremiumBalanceRequirement: bs.PremiumBalanceRequirement,
			PayoutFeePct:              bs.PayoutFeePct,
			ChangedAt:                 r.now(),
		}
		if err := tx.InsertRateChange(ctx, change); err != nil {
			return apperr.Internal(err, "record rate change")
		}
		updated = bs
		return nil
	})
	if err != nil {
		return model.BankSettings{}, err
	}

	slog.Info("bank settings updated",
		"payout_fee_pct", updated.PayoutFeePct.String(),
		"normal_rate", updated.NormalInterestRate.String(),
		"premium_rate", updated.PremiumInterestRate.String(),
		"premium_requirement", updated.PremiumBalanceRequirement.String(),
	)
	return updated, nil
}

// UpdateRaces applies p to the race settings.
func (r *Registry) UpdateRaces(ctx context.Context, p RacePatch) (model.RaceSettings, error) {
	if err := p.validate(); err != nil {
		return model.RaceSettings{}, err
	}

	var updated model.RaceSettings
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		rs, err := ReadRaces(ctx, tx)
		if err != nil {
			return err
		}
		p.apply(&rs)
		if err := tx.SaveRaceSettings(ctx, rs); err != nil {
			return apperr.Internal(err, "save race settings")
		}
		updated = rs
		return nil
	})
	if err != nil {
		return model.RaceSettings{}, err
	}

	cuts := updated.WinnerCutPct.Add(updated.SecondCutPct).Add(updated.ThirdCutPct)
	if cuts.GreaterThan(hundred) {
		slog.Warn("race prize cuts exceed the pool", "total_cut_pct", cuts.String())
	}
	slog.Info("race settings updated",
		"entry_fee", updated.EntryFee.String(),
		"imperial_cut_pct", updated.ImperialCutPct.String(),
		"total_cut_pct", cuts.String(),
	)
	return updated, nil
}

// History returns up to limit rate changes, oldest first. limit <= 0 uses
// DefaultHistoryLimit; larger values are capped at MaxHistoryLimit.
func (r *Registry) History(ctx context.Context, limit int) ([]model.RateChange, error) {
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	history, err := r.store.RateHistory(ctx, limit)
	if err != nil {
		return nil, apperr.Internal(err, "read rate history")
	}
	return history, nil
}

func (p BankPatch) apply(bs *model.BankSettings) {
	set(&bs.PayoutFeePct, p.PayoutFeePct)
	set(&bs.NormalInterestRate, p.NormalInterestRate)
	set(&bs.PremiumInterestRate, p.PremiumInterestRate)
	set(&bs.PremiumBalanceRequirement, p.PremiumBalanceRequirement)
}

func (p BankPatch) validate() error {
	if err := fraction("payout_fee_pct", p.PayoutFeePct); err != nil {
		return err
	}
	if err := fraction("normal_interest_rate", p.NormalInterestRate); err != nil {
		return err
	}
	if err := fraction("premium_interest_rate", p.PremiumInterestRate); err != nil {
		return err
	}
	return nonNegative("premium_balance_requirement", p.PremiumBalanceRequirement)
}

func (p RacePatch) apply(rs *model.RaceSettings) {
	set(&rs.WinnerCutPct, p.WinnerCutPct)
	set(&rs.SecondCutPct, p.SecondCutPct)
	set(&rs.ThirdCutPct, p.ThirdCutPct)
	set(&rs.EntryFee, p.EntryFee)
	set(&rs.ImperialCutPct, p.ImperialCutPct)
	if p.Rules != nil {
		rs.Rules = *p.Rules
	}
}

func (p RacePatch) validate() error {
	for _, f := range []struct {
		name string
		v    *decimal.Decimal
	}{
		{"winner1_pct", p.WinnerCutPct},
		{"winner2_pct", p.SecondCutPct},
		{"winner3_pct", p.ThirdCutPct},
		{"imperial_cut", p.ImperialCutPct},
	} {
		if err := percent(f.name, f.v); err != nil {
			return err
		}
	}
	return nonNegative("entry_fee", p.EntryFee)
}

func set(dst *decimal.Decimal, v *decimal.Decimal) {
	if v != nil {
		*dst = *v
	}
}

func nonNegative(name string, v *decimal.Decimal) error {
	if v != nil && v.IsNegative() {
		return apperr.Invalid("%s must not be negative", name)
	}
	return nil
}

// fraction accepts [0, 1).
func fraction(name string, v *decimal.Decimal) error {
	if err := nonNegative(name, v); err != nil {
		return err
	}
	if v != nil && v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return apperr.Invalid("%s must be a fraction below 1 (0.05 = 5%%)", name)
	}
	return nil
}

// percent accepts [0, 100].
func percent(name string, v *decimal.Decimal) error {
	if err := nonNegative(name, v); err != nil {
		return err
	}
	if v != nil && v.GreaterThan(hundred) {
		return apperr.Invalid("%s must be between 0 and 100", name)
	}
	return nil
}
