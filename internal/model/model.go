// Package model defines the core domain types shared across the bank engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places balances are kept at.
const MoneyScale = 2

// Account statuses.
const (
	AccountActive = "active"
	AccountClosed = "closed"
)

// TxnType classifies a ledger transaction.
type TxnType string

const (
	TxnDeposit  TxnType = "deposit"
	TxnPayout   TxnType = "payout"
	TxnInterest TxnType = "interest"
)

// Valid reports whether t is a known transaction type.
func (t TxnType) Valid() bool {
	switch t {
	case TxnDeposit, TxnPayout, TxnInterest:
		return true
	}
	return false
}

// Credit reports whether transactions of this type add to a balance.
func (t TxnType) Credit() bool {
	return t == TxnDeposit || t == TxnInterest
}

// Player is identified by its in-game name. Players are never deleted.
type Player struct {
	ID        int64     `json:"id"`
	IGN       string    `json:"ign"`
	CreatedAt time.Time `json:"created_at"`
}

// Account holds a player's balance. A player has at most one active account.
type Account struct {
	ID               int64           `json:"id"`
	PlayerID         int64           `json:"player_id"`
	Status           string          `json:"status"`
	Balance          decimal.Decimal `json:"balance"`
	LastCompoundedAt *time.Time      `json:"last_compounded_at"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Active reports whether the account can take part in transactions.
func (a Account) Active() bool { return a.Status == AccountActive }

// PlayerBalance is the read model behind the players listing.
type PlayerBalance struct {
	IGN              string
	AccountID        int64
	Balance          decimal.Decimal
	LastCompoundedAt *time.Time
	CreatedAt        time.Time
}

// Transaction is an immutable record of one balance change.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID             int64            `json:"id"`
	AccountID      int64            `json:"account_id"`
	IGN            string           `json:"ign"`
	Type           TxnType          `json:"txn_type"`
	Amount         decimal.Decimal  `json:"amount"`          // signed: +credit, -debit
	EffectiveDelta decimal.Decimal  `json:"effective_delta"` // amount net of fees
	BalanceAfter   decimal.Decimal  `json:"balance_after"`
	FeePct         *decimal.Decimal `json:"fee_pct"` // fraction, 0.07 = 7%
	Note           string           `json:"note"`
	CreatedAt      time.Time        `json:"created_at"`
}

// BeforeBalance is the account balance immediately before this transaction.
func (t Transaction) BeforeBalance() decimal.Decimal {
	return t.BalanceAfter.Sub(t.EffectiveDelta)
}

// BankSettings is the singleton bank configuration. Rates and the payout fee
// are fractions (0.05 = 5%).
type BankSettings struct {
	PayoutFeePct              decimal.Decimal `json:"payout_fee_pct"`
	NormalInterestRate        decimal.Decimal `json:"normal_interest_rate"`
	PremiumInterestRate       decimal.Decimal `json:"premium_interest_rate"`
	PremiumBalanceRequirement decimal.Decimal `json:"premium_balance_requirement"`
}

// RateChange is one entry of the append-only interest rate history.
type RateChange struct {
	ID                        int64           `json:"id"`
	NormalInterestRate        decimal.Decimal `json:"normal_interest_rate"`
	PremiumInterestRate       decimal.Decimal `json:"premium_interest_rate"`
	PremiumBalanceRequirement decimal.Decimal `json:"premium_balance_requirement"`
	PayoutFeePct              decimal.Decimal `json:"payout_fee_pct"`
	ChangedAt                 time.Time       `json:"changed_at"`
}

// RaceSettings is the singleton horse race configuration. Cuts are
// percentages (50 = 50%).
type RaceSettings struct {
	WinnerCutPct   decimal.Decimal `json:"winner_cut_pct"`
	SecondCutPct   decimal.Decimal `json:"second_cut_pct"`
	ThirdCutPct    decimal.Decimal `json:"third_cut_pct"`
	EntryFee       decimal.Decimal `json:"entry_fee"`
	ImperialCutPct decimal.Decimal `json:"imperial_cut_pct"`
	Rules          string          `json:"rules"`
}

// CutPct returns the prize cut for a podium position (1..3).
func (s RaceSettings) CutPct(position int) decimal.Decimal {
	switch position {
	case 1:
		return s.WinnerCutPct
	case 2:
		return s.SecondCutPct
	case 3:
		return s.ThirdCutPct
	}
	return decimal.Zero
}

// Podium is the number of paid positions in a race.
const Podium = 3

// Race statuses, derived from timestamps.
const (
	RaceScheduled = "scheduled"
	RaceLive      = "live"
	RaceFinished  = "finished"
)

// Race is a horse race. EndsAt is nil until the race is finished.
type Race struct {
	ID          int64
	Name        string
	PrizePool   decimal.Decimal
	StartsAt    time.Time
	EndsAt      *time.Time
	Winners     [Podium]*int64 // player IDs, index 0 is first place
	WinnerIGNs  [Podium]string
	JockeyCount int
	CreatedAt   time.Time
}

// Open reports whether the race has not been ended yet.
func (r Race) Open() bool { return r.EndsAt == nil }

// Status derives scheduled/live/finished relative to now.
func (r Race) Status(now time.Time) string {
	switch {
	case r.EndsAt != nil && !r.EndsAt.After(now):
		return RaceFinished
	case !r.StartsAt.After(now):
		return RaceLive
	default:
		return RaceScheduled
	}
}

// WinnerPosition returns the 1-based podium position held by playerID, or 0.
func (r Race) WinnerPosition(playerID int64) int {
	for i, w := range r.Winners {
		if w != nil && *w == playerID {
			return i + 1
		}
	}
	return 0
}

// Jockey is a player's enrollment in a race.
type Jockey struct {
	RaceID   int64     `json:"race_id"`
	PlayerID int64     `json:"player_id"`
	IGN      string    `json:"ign"`
	JoinedAt time.Time `json:"joined_at"`
}
