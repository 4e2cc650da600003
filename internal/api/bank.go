package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/interest"
	"github.com/factions/bank-engine/internal/ledger"
	"github.com/factions/bank-engine/internal/model"
	"github.com/factions/bank-engine/internal/settings"
	"github.com/factions/bank-engine/internal/store"
)

// EventTransaction is published for transactions recorded through the API.
const EventTransaction = "transaction_recorded"

type playerJSON struct {
	IGN              string          `json:"ign"`
	Balance          decimal.Decimal `json:"balance"`
	LastCompoundedAt *time.Time      `json:"last_compounded_at"`
	CreatedAt        time.Time       `json:"created_at"`
	IsPremium        bool            `json:"is_premium"`
	InterestRate     decimal.Decimal `json:"interest_rate"`
}

func (s *Server) listPlayers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	players, err := s.ledger.ListPlayers(ctx, store.PlayerFilter{
		Query:  r.URL.Query().Get("q"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	bank, err := s.settings.Bank(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]playerJSON, 0, len(players))
	for _, p := range players {
		c := interest.Classify(p.Balance, bank)
		out = append(out, playerJSON{
			IGN:              p.IGN,
			Balance:          p.Balance,
			LastCompoundedAt: p.LastCompoundedAt,
			CreatedAt:        p.CreatedAt,
			IsPremium:        c.Premium(),
			InterestRate:     c.Rate,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type txnJSON struct {
	model.Transaction
	BeforeBalance decimal.Decimal `json:"before_balance"`
}

func toTxnJSON(t model.Transaction) txnJSON {
	return txnJSON{Transaction: t, BeforeBalance: t.BeforeBalance()}
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txns, err := s.ledger.ListTransactions(r.Context(), store.TxnFilter{
		IGN:    r.URL.Query().Get("ign"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]txnJSON, 0, len(txns))
	for _, t := range txns {
		out = append(out, toTxnJSON(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type recordRequest struct {
	IGN    string           `json:"player_name"`
	Type   model.TxnType    `json:"txn_type"`
	Amount decimal.Decimal  `json:"amount"`
	FeePct *decimal.Decimal `json:"fee_pct"`
	Note   string           `json:"note"`
}

// recordTransaction posts a deposit, payout or interest credit. Payouts
// without an explicit fee_pct carry the configured payout fee.
func (s *Server) recordTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()

	var (
		txn model.Transaction
		err error
	)
	if req.FeePct == nil {
		txn, err = s.ledger.RecordForPlayer(ctx, req.IGN, req.Type, req.Amount, req.Note)
	} else {
		var accountID int64
		accountID, err = s.ledger.EnsureAccount(ctx, req.IGN)
		if err == nil {
			txn, err = s.ledger.RecordTransaction(ctx, ledger.Posting{
				AccountID: accountID,
				Type:      req.Type,
				Amount:    req.Amount,
				FeePct:    req.FeePct,
				Note:      req.Note,
			})
		}
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := toTxnJSON(txn)
	s.publish(EventTransaction, resp)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) auditAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID, err := s.ledger.AccountFor(ctx, chi.URLParam(r, "ign"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.ledger.Audit(ctx, accountID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type bankJSON struct {
	PayoutFeePct        decimal.Decimal `json:"payout_fee_pct"`
	InterestRateNormal  decimal.Decimal `json:"interest_rate_normal"`
	InterestRatePremium decimal.Decimal `json:"interest_rate_premium"`
	PremiumMinBalance   decimal.Decimal `json:"premium_min_balance"`
}

func toBankJSON(b model.BankSettings) bankJSON {
	return bankJSON{
		PayoutFeePct:        b.PayoutFeePct,
		InterestRateNormal:  b.NormalInterestRate,
		InterestRatePremium: b.PremiumInterestRate,
		PremiumMinBalance:   b.PremiumBalanceRequirement,
	}
}

type raceSettingsJSON struct {
	Winner1Pct  decimal.Decimal `json:"winner1_pct"`
	Winner2Pct  decimal.Decimal `json:"winner2_pct"`
	Winner3Pct  decimal.Decimal `json:"winner3_pct"`
	EntryFee    decimal.Decimal `json:"entry_fee"`
	ImperialCut decimal.Decimal `json:"imperial_cut"`
	Rules       string          `json:"rules"`
}

func toRaceSettingsJSON(rs model.RaceSettings) raceSettingsJSON {
	return raceSettingsJSON{
		Winner1Pct:  rs.WinnerCutPct,
		Winner2Pct:  rs.SecondCutPct,
		Winner3Pct:  rs.ThirdCutPct,
		EntryFee:    rs.EntryFee,
		ImperialCut: rs.ImperialCutPct,
		Rules:       rs.Rules,
	}
}

type settingsJSON struct {
	Bank          bankJSON         `json:"bank"`
	HorseRace     raceSettingsJSON `json:"horse_race"`
	TotalBankDebt decimal.Decimal  `json:"total_bank_debt"`
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bank, err := s.settings.Bank(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	races, err := s.settings.Races(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	debt, err := s.ledger.TotalDebt(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsJSON{
		Bank:          toBankJSON(bank),
		HorseRace:     toRaceSettingsJSON(races),
		TotalBankDebt: debt,
	})
}

type bankPatchJSON struct {
	PayoutFeePct        *decimal.Decimal `json:"payout_fee_pct"`
	InterestRateNormal  *decimal.Decimal `json:"interest_rate_normal"`
	InterestRatePremium *decimal.Decimal `json:"interest_rate_premium"`
	PremiumMinBalance   *decimal.Decimal `json:"premium_min_balance"`
}

func (s *Server) updateBankSettings(w http.ResponseWriter, r *http.Request) {
	var req bankPatchJSON
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.settings.UpdateBank(r.Context(), settings.BankPatch{
		PayoutFeePct:              req.PayoutFeePct,
		NormalInterestRate:        req.InterestRateNormal,
		PremiumInterestRate:       req.InterestRatePremium,
		PremiumBalanceRequirement: req.PremiumMinBalance,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBankJSON(updated))
}

type racePatchJSON struct {
	Winner1Pct  *decimal.Decimal `json:"winner1_pct"`
	Winner2Pct  *decimal.Decimal `json:"winner2_pct"`
	Winner3Pct  *decimal.Decimal `json:"winner3_pct"`
	EntryFee    *decimal.Decimal `json:"entry_fee"`
	ImperialCut *decimal.Decimal `json:"imperial_cut"`
	Rules       *string          `json:"rules"`
}

func (s *Server) updateRaceSettings(w http.ResponseWriter, r *http.Request) {
	var req racePatchJSON
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.settings.UpdateRaces(r.Context(), settings.RacePatch{
		WinnerCutPct:   req.Winner1Pct,
		SecondCutPct:   req.Winner2Pct,
		ThirdCutPct:    req.Winner3Pct,
		EntryFee:       req.EntryFee,
		ImperialCutPct: req.ImperialCut,
		Rules:          req.Rules,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRaceSettingsJSON(updated))
}

type rateChangeJSON struct {
	ID                int64           `json:"id"`
	ChangedAt         time.Time       `json:"changed_at"`
	RateNormalPct     decimal.Decimal `json:"rate_normal_pct"`
	RatePremiumPct    decimal.Decimal `json:"rate_premium_pct"`
	PremiumMinBalance decimal.Decimal `json:"premium_min_balance"`
}

func (s *Server) interestHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	history, err := s.settings.History(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]rateChangeJSON, 0, len(history))
	for _, c := range history {
		out = append(out, rateChangeJSON{
			ID:                c.ID,
			ChangedAt:         c.ChangedAt,
			RateNormalPct:     c.NormalInterestRate,
			RatePremiumPct:    c.PremiumInterestRate,
			PremiumMinBalance: c.PremiumBalanceRequirement,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) compound(w http.ResponseWriter, r *http.Request) {
	result, err := s.ledger.Compound(r.Context(), s.opts.CompoundPeriod)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
