package settings_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/apperr"
	"github.com/factions/bank-engine/internal/settings"
	"github.com/factions/bank-engine/internal/store"
)

func d(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestDefaultsWhenNoRows(t *testing.T) {
	reg := settings.NewRegistry(store.NewMemoryStore())
	ctx := context.Background()

	bank, err := reg.Bank(ctx)
	if err != nil {
		t.Fatalf("Bank: %v", err)
	}
	if !bank.PayoutFeePct.Equal(decimal.RequireFromString("0.07")) {
		t.Errorf("payout fee = %s, want 0.07", bank.PayoutFeePct)
	}
	if !bank.PremiumBalanceRequirement.Equal(decimal.NewFromInt(1_000_000_000)) {
		t.Errorf("premium requirement = %s", bank.PremiumBalanceRequirement)
	}

	races, err := reg.Races(ctx)
	if err != nil {
		t.Fatalf("Races: %v", err)
	}
	if !races.EntryFee.Equal(decimal.NewFromInt(100)) || races.Rules != "No rules set" {
		t.Errorf("race defaults = %+v", races)
	}
	if !races.WinnerCutPct.Equal(decimal.NewFromInt(50)) ||
		!races.SecondCutPct.Equal(decimal.NewFromInt(30)) ||
		!races.ThirdCutPct.Equal(decimal.NewFromInt(20)) {
		t.Errorf("cut defaults = %s/%s/%s", races.WinnerCutPct, races.SecondCutPct, races.ThirdCutPct)
	}
}

func TestUpdateBankAppendsHistory(t *testing.T) {
	reg := settings.NewRegistry(store.NewMemoryStore())
	ctx := context.Background()

	if _, err := reg.UpdateBank(ctx, settings.BankPatch{NormalInterestRate: d("0.02")}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	updated, err := reg.UpdateBank(ctx, settings.BankPatch{PremiumBalanceRequirement: d("5000")})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	// Untouched fields keep their previous values.
	if !updated.NormalInterestRate.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("normal rate = %s, want 0.02", updated.NormalInterestRate)
	}
	if !updated.PayoutFeePct.Equal(settings.DefaultPayoutFeePct) {
		t.Errorf("payout fee = %s, want default", updated.PayoutFeePct)
	}

	history, err := reg.History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if !history[0].PremiumBalanceRequirement.Equal(settings.DefaultPremiumBalanceRequirement) {
		t.Errorf("first snapshot requirement = %s", history[0].PremiumBalanceRequirement)
	}
	if !history[1].PremiumBalanceRequirement.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("second snapshot requirement = %s", history[1].PremiumBalanceRequirement)
	}
	if history[0].ChangedAt.After(history[1].ChangedAt) {
		t.Error("history should be oldest first")
	}
}

func TestUpdateRacesPartial(t *testing.T) {
	reg := settings.NewRegistry(store.NewMemoryStore())
	ctx := context.Background()

	rules := "First across the line wins"
	rs, err := reg.UpdateRaces(ctx, settings.RacePatch{EntryFee: d("250"), Rules: &rules})
	if err != nil {
		t.Fatalf("UpdateRaces: %v", err)
	}
	if !rs.EntryFee.Equal(decimal.NewFromInt(250)) || rs.Rules != rules {
		t.Errorf("updated = %+v", rs)
	}
	if !rs.ImperialCutPct.Equal(settings.DefaultImperialCutPct) {
		t.Errorf("imperial cut = %s, want default", rs.ImperialCutPct)
	}

	got, err := reg.Races(ctx)
	if err != nil {
		t.Fatalf("Races: %v", err)
	}
	if !got.EntryFee.Equal(decimal.NewFromInt(250)) {
		t.Errorf("persisted entry fee = %s", got.EntryFee)
	}
}

func TestUpdateRacesAllowsCutsOverHundred(t *testing.T) {
	reg := settings.NewRegistry(store.NewMemoryStore())
	if _, err := reg.UpdateRaces(context.Background(), settings.RacePatch{WinnerCutPct: d("90")}); err != nil {
		t.Fatalf("cut sum over 100 should only warn, got %v", err)
	}
}

func TestPatchValidation(t *testing.T) {
	reg := settings.NewRegistry(store.NewMemoryStore())
	ctx := context.Background()

	bankTests := []struct {
		name  string
		patch settings.BankPatch
	}{
		{"negative fee", settings.BankPatch{PayoutFeePct: d("-0.01")}},
		{"fee of one", settings.BankPatch{PayoutFeePct: d("1")}},
		{"percent as rate", settings.BankPatch{NormalInterestRate: d("5")}},
		{"negative requirement", settings.BankPatch{PremiumBalanceRequirement: d("-1")}},
	}
	for _, tt := range bankTests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.UpdateBank(ctx, tt.patch)
			if apperr.KindOf(err) != apperr.KindInvalidInput {
				t.Errorf("err = %v, want invalid input", err)
			}
		})
	}

	raceTests := []struct {
		name  string
		patch settings.RacePatch
	}{
		{"cut above 100", settings.RacePatch{SecondCutPct: d("101")}},
		{"negative imperial cut", settings.RacePatch{ImperialCutPct: d("-5")}},
		{"negative entry fee", settings.RacePatch{EntryFee: d("-100")}},
	}
	for _, tt := range raceTests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.UpdateRaces(ctx, tt.patch)
			if apperr.KindOf(err) != apperr.KindInvalidInput {
				t.Errorf("err = %v, want invalid input", err)
			}
		})
	}

	// Rejected patches leave no history behind.
	history, err := reg.History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("history length = %d, want 0", len(history))
	}
}
