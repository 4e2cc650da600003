// Package ledger owns every balance change in the bank.
//
// Balances move only through Post, which locks the account, applies the
// signed amount net of fees, rejects overdrafts, and appends an immutable
// transaction row in the same store transaction. Callers that must combine
// a posting with their own writes (the race engine) call Post with the Tx
// they already hold; everyone else uses the self-contained helpers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/apperr"
	"github.com/factions/bank-engine/internal/interest"
	"github.com/factions/bank-engine/internal/metrics"
	"github.com/factions/bank-engine/internal/model"
	"github.com/factions/bank-engine/internal/settings"
	"github.com/factions/bank-engine/internal/store"
)

// Listing limits.
const (
	DefaultListLimit = 200
	MaxListLimit     = 1000
)

// Posting is a single balance change request.
type Posting struct {
	AccountID int64
	Type      model.TxnType
	Amount    decimal.Decimal  // positive magnitude; the sign comes from Type
	FeePct    *decimal.Decimal // optional fraction withheld from Amount
	Note      string
}

// Service records and queries ledger transactions.
type Service struct {
	store store.Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a ledger service over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.now() }

// EnsureAccount returns the active account ID for ign, creating the player
// and account as needed.
func (s *Service) EnsureAccount(ctx context.Context, ign string) (int64, error) {
	var accountID int64
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		_, acct, err := s.EnsureAccountTx(ctx, tx, ign)
		accountID = acct.ID
		return err
	})
	if err != nil {
		return 0, err
	}
	return accountID, nil
}

// EnsureAccountTx is EnsureAccount inside a caller's transaction.
func (s *Service) EnsureAccountTx(ctx context.Context, tx store.Tx, ign string) (model.Player, model.Account, error) {
	ign = strings.TrimSpace(ign)
	if ign == "" {
		return model.Player{}, model.Account{}, apperr.Invalid("ign is required")
	}
	now := s.now()
	player, err := tx.UpsertPlayer(ctx, ign, now)
	if err != nil {
		return model.Player{}, model.Account{}, apperr.Internal(err, "upsert player")
	}
	acct, err := tx.UpsertActiveAccount(ctx, player.ID, now)
	if err != nil {
		return model.Player{}, model.Account{}, apperr.Internal(err, "upsert account")
	}
	return player, acct, nil
}

// RecordTransaction posts a single transaction in its own store transaction.
func (s *Service) RecordTransaction(ctx context.Context, p Posting) (model.Transaction, error) {
	var txn model.Transaction
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		txn, err = s.Post(ctx, tx, p)
		return err
	})
	if err != nil {
		return model.Transaction{}, err
	}
	Observe(txn)
	return txn, nil
}

// RecordForPlayer ensures ign has an account and posts amount to it. Payouts
// carry the current payout fee.
func (s *Service) RecordForPlayer(ctx context.Context, ign string, typ model.TxnType, amount decimal.Decimal, note string) (model.Transaction, error) {
	var txn model.Transaction
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		_, acct, err := s.EnsureAccountTx(ctx, tx, ign)
		if err != nil {
			return err
		}
		p := Posting{AccountID: acct.ID, Type: typ, Amount: amount, Note: note}
		if typ == model.TxnPayout {
			bank, err := settings.ReadBank(ctx, tx)
			if err != nil {
				return err
			}
			p.FeePct = &bank.PayoutFeePct
		}
		txn, err = s.Post(ctx, tx, p)
		return err
	})
	if err != nil {
		return model.Transaction{}, err
	}
	Observe(txn)
	return txn, nil
}

// Post applies p inside tx. The account row stays locked until tx ends.
// Callers are responsible for calling Observe once tx has committed.
func (s *Service) Post(ctx context.Context, tx store.Tx, p Posting) (model.Transaction, error) {
	if !p.Type.Valid() {
		return model.Transaction{}, apperr.Invalid("unknown transaction type %q", p.Type)
	}
	amount := p.Amount.Round(model.MoneyScale)
	if !amount.IsPositive() {
		return model.Transaction{}, apperr.Invalid("amount must be positive, got %s", p.Amount)
	}
	fee := decimal.Zero
	if p.FeePct != nil {
		if p.FeePct.IsNegative() || p.FeePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return model.Transaction{}, apperr.Invalid("fee must be a fraction below 1, got %s", p.FeePct)
		}
		fee = amount.Mul(*p.FeePct).Round(model.MoneyScale)
	}

	acct, err := tx.LockAccount(ctx, p.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Transaction{}, apperr.New(apperr.CodeAccountNotFound, "account %d not found", p.AccountID)
	}
	if err != nil {
		return model.Transaction{}, apperr.Internal(err, "lock account")
	}
	if !acct.Active() {
		return model.Transaction{}, apperr.New(apperr.CodeAccountClosed, "account %d is %s", acct.ID, acct.Status)
	}

	signed := amount
	if !p.Type.Credit() {
		signed = amount.Neg()
	}
	delta := signed.Sub(fee)
	after := acct.Balance.Add(delta)
	if after.IsNegative() {
		metrics.InsufficientFunds.Inc()
		return model.Transaction{}, apperr.New(apperr.CodeInsufficientFunds,
			"insufficient funds: requires %s, available %s",
			delta.Neg().StringFixed(model.MoneyScale), acct.Balance.StringFixed(model.MoneyScale))
	}

	acct.Balance = after
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return model.Transaction{}, apperr.Internal(err, "update balance")
	}

	txn := &model.Transaction{
		AccountID:      acct.ID,
		Type:           p.Type,
		Amount:         signed,
		EffectiveDelta: delta,
		BalanceAfter:   after,
		FeePct:         p.FeePct,
		Note:           p.Note,
		CreatedAt:      s.now(),
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return model.Transaction{}, apperr.Internal(err, "insert transaction")
	}
	return *txn, nil
}

// Observe logs and counts committed transactions.
func Observe(txns ...model.Transaction) {
	for _, t := range txns {
		typ := string(t.Type)
		metrics.TransactionsTotal.WithLabelValues(typ).Inc()
		metrics.TransactionVolume.WithLabelValues(typ).Add(metrics.Amount(t.Amount))
		if fee := t.Amount.Sub(t.EffectiveDelta); fee.IsPositive() {
			metrics.FeesCollected.Add(metrics.Amount(fee))
		}
		slog.Info("transaction recorded",
			"txn_id", t.ID,
			"ign", t.IGN,
			"type", typ,
			"amount", t.Amount.String(),
			"effective_delta", t.EffectiveDelta.String(),
			"balance_after", t.BalanceAfter.String(),
		)
	}
}

// AccountFor resolves ign to its active account ID.
func (s *Service) AccountFor(ctx context.Context, ign string) (int64, error) {
	var accountID int64
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		player, err := tx.PlayerByIGN(ctx, ign)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.CodePlayerNotFound, "player %q not found", ign)
		}
		if err != nil {
			return apperr.Internal(err, "lookup player")
		}
		acct, err := tx.LockActiveAccount(ctx, player.ID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.CodeNoActiveAccount, "player %q has no active account", ign)
		}
		if err != nil {
			return apperr.Internal(err, "lookup account")
		}
		accountID = acct.ID
		return nil
	})
	return accountID, err
}

// GetBalance returns the account's current balance.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	acct, err := s.store.Account(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, apperr.New(apperr.CodeAccountNotFound, "account %d not found", accountID)
	}
	if err != nil {
		return decimal.Zero, apperr.Internal(err, "get account")
	}
	return acct.Balance, nil
}

// ListTransactions returns matching transactions newest first.
func (s *Service) ListTransactions(ctx context.Context, f store.TxnFilter) ([]model.Transaction, error) {
	f.Limit, f.Offset = Clamp(f.Limit, f.Offset, DefaultListLimit, MaxListLimit)
	txns, err := s.store.ListTransactions(ctx, f)
	if err != nil {
		return nil, apperr.Internal(err, "list transactions")
	}
	return txns, nil
}

// ListPlayers returns players with their active balances, richest first.
func (s *Service) ListPlayers(ctx context.Context, f store.PlayerFilter) ([]model.PlayerBalance, error) {
	f.Limit, f.Offset = Clamp(f.Limit, f.Offset, DefaultListLimit, MaxListLimit)
	players, err := s.store.ListPlayers(ctx, f)
	if err != nil {
		return nil, apperr.Internal(err, "list players")
	}
	return players, nil
}

// TotalDebt is the sum of all active balances: what the bank owes.
func (s *Service) TotalDebt(ctx context.Context) (decimal.Decimal, error) {
	total, err := s.store.TotalActiveBalance(ctx)
	if err != nil {
		return decimal.Zero, apperr.Internal(err, "total debt")
	}
	metrics.TotalDebt.Set(metrics.Amount(total))
	return total, nil
}

// Clamp normalizes paging parameters.
func Clamp(limit, offset, def, max int) (int, int) {
	switch {
	case limit <= 0:
		limit = def
	case limit > max:
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// AuditReport is the result of replaying an account's transactions.
type AuditReport struct {
	AccountID    int64           `json:"account_id"`
	Transactions int             `json:"transactions"`
	Replayed     decimal.Decimal `json:"replayed_balance"`
	Balance      decimal.Decimal `json:"balance"`
	FirstBreak   int64           `json:"first_break,omitempty"` // first transaction whose chain is broken
	Consistent   bool            `json:"consistent"`
}

// Audit replays the account's history from zero and checks that every
// transaction continues its predecessor and that the sum matches the stored
// balance.
func (s *Service) Audit(ctx context.Context, accountID int64) (AuditReport, error) {
	acct, err := s.store.Account(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return AuditReport{}, apperr.New(apperr.CodeAccountNotFound, "account %d not found", accountID)
	}
	if err != nil {
		return AuditReport{}, apperr.Internal(err, "get account")
	}
	txns, err := s.store.AccountTransactions(ctx, accountID)
	if err != nil {
		return AuditReport{}, apperr.Internal(err, "account transactions")
	}

	report := AuditReport{AccountID: accountID, Transactions: len(txns), Balance: acct.Balance}
	running := decimal.Zero
	for _, t := range txns {
		if report.FirstBreak == 0 && !t.BeforeBalance().Equal(running) {
			report.FirstBreak = t.ID
		}
		running = running.Add(t.EffectiveDelta)
		if report.FirstBreak == 0 && !t.BalanceAfter.Equal(running) {
			report.FirstBreak = t.ID
		}
	}
	report.Replayed = running
	report.Consistent = report.FirstBreak == 0 && running.Equal(acct.Balance)
	if !report.Consistent {
		slog.Error("ledger audit failed",
			"account_id", accountID,
			"replayed", running.String(),
			"balance", acct.Balance.String(),
			"first_break", report.FirstBreak,
		)
	}
	return report, nil
}

// CompoundResult summarizes a compounding run.
type CompoundResult struct {
	Accounts int             `json:"accounts"`
	Credited int             `json:"credited"`
	Total    decimal.Decimal `json:"total_interest"`
}

// Compound credits interest to every active account for the whole periods
// elapsed since it was last compounded (or opened). Each account is settled
// in its own transaction; failures are logged and reported together.
func (s *Service) Compound(ctx context.Context, period time.Duration) (CompoundResult, error) {
	if period <= 0 {
		return CompoundResult{}, apperr.Invalid("compounding period must be positive")
	}
	start := time.Now()
	defer func() { metrics.CompoundLatency.Observe(time.Since(start).Seconds()) }()

	ids, err := s.store.ActiveAccountIDs(ctx)
	if err != nil {
		return CompoundResult{}, apperr.Internal(err, "list active accounts")
	}

	result := CompoundResult{Total: decimal.Zero}
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		result.Accounts++
		txn, err := s.compoundAccount(ctx, id, period)
		if err != nil {
			slog.Error("compound account failed", "account_id", id, "err", err)
			errs = append(errs, fmt.Errorf("account %d: %w", id, err))
			continue
		}
		if txn != nil {
			Observe(*txn)
			metrics.InterestCredited.Inc()
			result.Credited++
			result.Total = result.Total.Add(txn.Amount)
		}
	}

	slog.Info("interest compounded",
		"accounts", result.Accounts,
		"credited", result.Credited,
		"total", result.Total.String(),
	)
	return result, errors.Join(errs...)
}

func (s *Service) compoundAccount(ctx context.Context, accountID int64, period time.Duration) (*model.Transaction, error) {
	var credited *model.Transaction
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return apperr.Internal(err, "lock account")
		}
		if !acct.Active() {
			return nil
		}
		since := acct.CreatedAt
		if acct.LastCompoundedAt != nil {
			since = *acct.LastCompoundedAt
		}
		periods := interest.Periods(since, s.now(), period)
		if periods <= 0 {
			return nil
		}

		bank, err := settings.ReadBank(ctx, tx)
		if err != nil {
			return err
		}
		class := interest.Classify(acct.Balance, bank)
		amount := interest.Accrue(acct.Balance, class.Rate, periods)
		if amount.IsPositive() {
			txn, err := s.Post(ctx, tx, Posting{
				AccountID: accountID,
				Type:      model.TxnInterest,
				Amount:    amount,
				Note:      fmt.Sprintf("%s interest: %d period(s) at %s", class.Tier, periods, class.Rate),
			})
			if err != nil {
				return err
			}
			acct.Balance = txn.BalanceAfter
			credited = &txn
		}

		compounded := since.Add(time.Duration(periods) * period)
		acct.LastCompoundedAt = &compounded
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return apperr.Internal(err, "advance compounding clock")
		}
		return nil
	})
	return credited, err
}
