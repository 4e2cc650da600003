// Package race runs the pari-mutuel horse race mini-game.
//
// At most one race is open at a time; it is the one named by the store's
// race-control pointer. Entry fees are debited through the ledger and fund
// the prize pool net of the imperial cut. Winners are declared by an
// operator and paid their cut of the pool the moment they are set.
//
// Every mutation locks the race-control pointer first, then the race, then
// any account, so concurrent operations on the open race serialize and
// cannot deadlock against each other.
package race

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/apperr"
	"github.com/factions/bank-engine/internal/feed"
	"github.com/factions/bank-engine/internal/ledger"
	"github.com/factions/bank-engine/internal/metrics"
	"github.com/factions/bank-engine/internal/model"
	"github.com/factions/bank-engine/internal/settings"
	"github.com/factions/bank-engine/internal/store"
)

// Event types published to the feed.
const (
	EventRaceCreated    = "race_created"
	EventJockeyEnrolled = "jockey_enrolled"
	EventWinnerSet      = "winner_set"
	EventRaceEnded      = "race_ended"
)

var hundred = decimal.NewFromInt(100)

// Notifier receives race events after they commit.
type Notifier interface {
	Publish(e feed.Event)
}

// Engine implements the race operations.
type Engine struct {
	store  store.Store
	ledger *ledger.Service
	notify Notifier
}

// NewEngine creates a race engine. notify may be nil.
func NewEngine(st store.Store, l *ledger.Service, notify Notifier) *Engine {
	return &Engine{store: st, ledger: l, notify: notify}
}

// Enrollment is the result of a successful Enroll.
type Enrollment struct {
	RaceID       int64             `json:"race_id"`
	IGN          string            `json:"player_name"`
	EntryFee     decimal.Decimal   `json:"entry_fee"`
	Contribution decimal.Decimal   `json:"pool_contribution"`
	PrizePool    decimal.Decimal   `json:"prize_pool"`
	Transaction  model.Transaction `json:"transaction"`
}

// Settlement is the result of SetWinner.
type Settlement struct {
	RaceID         int64              `json:"race_id"`
	IGN            string             `json:"player_name"`
	Position       int                `json:"position"`
	Prize          decimal.Decimal    `json:"prize"`
	AlreadySettled bool               `json:"already_settled"`
	Transaction    *model.Transaction `json:"transaction,omitempty"`
}

// CreateRace opens a new race starting at startsAt (RFC 3339 or ISO 8601).
// An empty name defaults to "Imperial Race YYYY-MM-DD" for today.
func (e *Engine) CreateRace(ctx context.Context, name, startsAt string) (model.Race, error) {
	if strings.TrimSpace(startsAt) == "" {
		return model.Race{}, apperr.Invalid("starts_at is required")
	}
	start, err := ParseTime(startsAt)
	if err != nil {
		return model.Race{}, apperr.Invalid("invalid starts_at %q: use ISO 8601", startsAt)
	}
	now := e.ledger.Now()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Imperial Race " + now.Format("2006-01-02")
	}

	r := model.Race{Name: name, PrizePool: decimal.Zero, StartsAt: start, CreatedAt: now}
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		open, err := tx.LockCurrentRace(ctx)
		switch {
		case err == nil:
			return apperr.New(apperr.CodeRaceAlreadyOpen, "race %d (%s) is still open", open.ID, open.Name)
		case !errors.Is(err, store.ErrNotFound):
			return apperr.Internal(err, "lock race control")
		}
		if err := tx.InsertRace(ctx, &r); err != nil {
			return apperr.Internal(err, "insert race")
		}
		if err := tx.SetCurrentRace(ctx, r.ID); err != nil {
			return apperr.Internal(err, "set current race")
		}
		return nil
	})
	if err != nil {
		return model.Race{}, err
	}

	slog.Info("race created", "race_id", r.ID, "name", r.Name, "starts_at", r.StartsAt)
	e.publish(EventRaceCreated, map[string]any{
		"race_id":   r.ID,
		"name":      r.Name,
		"starts_at": r.StartsAt,
	})
	return r, nil
}

// Enroll charges ign the entry fee and adds them to the open race.
func (e *Engine) Enroll(ctx context.Context, ign string) (Enrollment, error) {
	ign = strings.TrimSpace(ign)
	if ign == "" {
		return Enrollment{}, apperr.Invalid("player_name is required")
	}

	var res Enrollment
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		r, err := lockOpenRace(ctx, tx)
		if err != nil {
			return err
		}
		player, err := lookupPlayer(ctx, tx, ign)
		if err != nil {
			return err
		}
		enrolled, err := tx.IsEnrolled(ctx, r.ID, player.ID)
		if err != nil {
			return apperr.Internal(err, "check enrollment")
		}
		if enrolled {
			return apperr.New(apperr.CodeAlreadyEnrolled, "%s is already enrolled in this race", ign)
		}
		acct, err := tx.LockActiveAccount(ctx, player.ID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.CodeNoActiveAccount, "no active account for %s", ign)
		}
		if err != nil {
			return apperr.Internal(err, "lock account")
		}

		cfg, err := settings.ReadRaces(ctx, tx)
		if err != nil {
			return err
		}
		fee := cfg.EntryFee.Round(model.MoneyScale)
		if acct.Balance.LessThan(fee) {
			metrics.InsufficientFunds.Inc()
			return apperr.New(apperr.CodeInsufficientFunds,
				"insufficient funds: entry fee is %s, available %s",
				fee.StringFixed(model.MoneyScale), acct.Balance.StringFixed(model.MoneyScale))
		}

		var txn model.Transaction
		if fee.IsPositive() {
			txn, err = e.ledger.Post(ctx, tx, ledger.Posting{
				AccountID: acct.ID,
				Type:      model.TxnPayout,
				Amount:    fee,
				Note:      "Horse race entry: " + r.Name,
			})
			if err != nil {
				return err
			}
		}

		err = tx.InsertJockey(ctx, model.Jockey{RaceID: r.ID, PlayerID: player.ID, IGN: ign, JoinedAt: e.ledger.Now()})
		if errors.Is(err, store.ErrDuplicate) {
			return apperr.New(apperr.CodeAlreadyEnrolled, "%s is already enrolled in this race", ign)
		}
		if err != nil {
			return apperr.Internal(err, "insert jockey")
		}

		contribution := PoolContribution(fee, cfg.ImperialCutPct)
		r.PrizePool = r.PrizePool.Add(contribution)
		if err := tx.UpdateRace(ctx, r); err != nil {
			return apperr.Internal(err, "update prize pool")
		}

		res = Enrollment{
			RaceID:       r.ID,
			IGN:          ign,
			EntryFee:     fee,
			Contribution: contribution,
			PrizePool:    r.PrizePool,
			Transaction:  txn,
		}
		return nil
	})
	if err != nil {
		return Enrollment{}, err
	}

	if res.Transaction.ID != 0 {
		ledger.Observe(res.Transaction)
	}
	slog.Info("jockey enrolled",
		"race_id", res.RaceID,
		"ign", ign,
		"entry_fee", res.EntryFee.String(),
		"prize_pool", res.PrizePool.String(),
	)
	e.publish(EventJockeyEnrolled, map[string]any{
		"race_id":     res.RaceID,
		"player_name": ign,
		"prize_pool":  res.PrizePool,
	})
	return res, nil
}

// SetWinner declares ign the winner at position (1..3) and pays their cut of
// the prize pool. Repeating the same declaration is a no-op.
func (e *Engine) SetWinner(ctx context.Context, ign string, position int) (Settlement, error) {
	if position < 1 || position > model.Podium {
		return Settlement{}, apperr.Invalid("position must be 1, 2 or 3, got %d", position)
	}
	ign = strings.TrimSpace(ign)
	if ign == "" {
		return Settlement{}, apperr.Invalid("player_name is required")
	}

	var res Settlement
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		r, err := lockOpenRace(ctx, tx)
		if err != nil {
			return err
		}
		player, err := lookupPlayer(ctx, tx, ign)
		if err != nil {
			return err
		}
		enrolled, err := tx.IsEnrolled(ctx, r.ID, player.ID)
		if err != nil {
			return apperr.Internal(err, "check enrollment")
		}
		if !enrolled {
			return apperr.New(apperr.CodeNotEnrolled, "%s is not enrolled in this race", ign)
		}

		res = Settlement{RaceID: r.ID, IGN: ign, Position: position}
		switch held := r.WinnerPosition(player.ID); {
		case held == position:
			res.AlreadySettled = true
			return nil
		case held != 0:
			return apperr.New(apperr.CodeAlreadyWinner, "%s is already set as winner %d", ign, held)
		}
		if current := r.Winners[position-1]; current != nil {
			return apperr.New(apperr.CodePositionTaken, "winner %d is already %s", position, r.WinnerIGNs[position-1])
		}

		acct, err := tx.LockActiveAccount(ctx, player.ID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.New(apperr.CodeNoActiveAccount, "no active account for %s", ign)
		}
		if err != nil {
			return apperr.Internal(err, "lock account")
		}

		cfg, err := settings.ReadRaces(ctx, tx)
		if err != nil {
			return err
		}
		res.Prize = Prize(r.PrizePool, cfg.CutPct(position))

		id := player.ID
		r.Winners[position-1] = &id
		if err := tx.UpdateRace(ctx, r); err != nil {
			return apperr.Internal(err, "record winner")
		}

		if res.Prize.IsPositive() {
			txn, err := e.ledger.Post(ctx, tx, ledger.Posting{
				AccountID: acct.ID,
				Type:      model.TxnDeposit,
				Amount:    res.Prize,
				Note:      "Horse race prize: " + r.Name + " winner " + strconv.Itoa(position),
			})
			if err != nil {
				return err
			}
			res.Transaction = &txn
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}

	if res.AlreadySettled {
		slog.Info("winner already settled", "race_id", res.RaceID, "ign", ign, "position", position)
		return res, nil
	}
	if res.Transaction != nil {
		ledger.Observe(*res.Transaction)
		metrics.PrizesPaid.Add(metrics.Amount(res.Prize))
	}
	slog.Info("winner set",
		"race_id", res.RaceID,
		"ign", ign,
		"position", position,
		"prize", res.Prize.String(),
	)
	e.publish(EventWinnerSet, map[string]any{
		"race_id":     res.RaceID,
		"player_name": ign,
		"position":    position,
		"prize":       res.Prize,
	})
	return res, nil
}

// EndRace finishes the open race. The first-place winner must be set.
func (e *Engine) EndRace(ctx context.Context) (model.Race, error) {
	var ended model.Race
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		r, err := lockOpenRace(ctx, tx)
		if err != nil {
			return err
		}
		if r.Winners[0] == nil {
			return apperr.New(apperr.CodeWinner1Required, "cannot end race without setting winner1")
		}
		now := e.ledger.Now()
		r.EndsAt = &now
		if err := tx.UpdateRace(ctx, r); err != nil {
			return apperr.Internal(err, "end race")
		}
		if err := tx.SetCurrentRace(ctx, 0); err != nil {
			return apperr.Internal(err, "clear current race")
		}
		ended = r
		return nil
	})
	if err != nil {
		return model.Race{}, err
	}

	slog.Info("race ended", "race_id", ended.ID, "prize_pool", ended.PrizePool.String())
	e.publish(EventRaceEnded, map[string]any{
		"race_id":  ended.ID,
		"ended_at": ended.EndsAt,
	})
	return ended, nil
}

// Details is a race with its jockeys and a prize distribution preview.
type Details struct {
	Race     model.Race
	Jockeys  []model.Jockey
	Preview  [model.Podium]decimal.Decimal
	Status   string
	Rules    string
	EntryFee decimal.Decimal
	CutPcts  [model.Podium]decimal.Decimal
	Imperial decimal.Decimal
}

// Info returns the race with raceID, or the latest race when raceID is 0.
func (e *Engine) Info(ctx context.Context, raceID int64) (Details, error) {
	var (
		r   model.Race
		err error
	)
	if raceID == 0 {
		r, err = e.store.LatestRace(ctx)
	} else {
		r, err = e.store.Race(ctx, raceID)
	}
	if errors.Is(err, store.ErrNotFound) {
		if raceID == 0 {
			return Details{}, apperr.New(apperr.CodeRaceNotFound, "no races found")
		}
		return Details{}, apperr.New(apperr.CodeRaceNotFound, "race %d not found", raceID)
	}
	if err != nil {
		return Details{}, apperr.Internal(err, "get race")
	}

	cfg, err := settings.ReadRaces(ctx, e.store)
	if err != nil {
		return Details{}, err
	}
	return e.details(ctx, r, cfg)
}

// List returns every race newest first.
func (e *Engine) List(ctx context.Context) ([]Details, error) {
	races, err := e.store.ListRaces(ctx)
	if err != nil {
		return nil, apperr.Internal(err, "list races")
	}
	cfg, err := settings.ReadRaces(ctx, e.store)
	if err != nil {
		return nil, err
	}

	out := make([]Details, 0, len(races))
	for _, r := range races {
		d, err := e.details(ctx, r, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (e *Engine) details(ctx context.Context, r model.Race, cfg model.RaceSettings) (Details, error) {
	jockeys, err := e.store.RaceJockeys(ctx, r.ID)
	if err != nil {
		return Details{}, apperr.Internal(err, "race jockeys")
	}
	d := Details{
		Race:     r,
		Jockeys:  jockeys,
		Status:   r.Status(e.ledger.Now()),
		Rules:    cfg.Rules,
		EntryFee: cfg.EntryFee,
		Imperial: cfg.ImperialCutPct,
	}
	for i := range d.Preview {
		d.CutPcts[i] = cfg.CutPct(i + 1)
		d.Preview[i] = Prize(r.PrizePool, d.CutPcts[i])
	}
	return d, nil
}

// PoolContribution is the part of an entry fee that reaches the prize pool,
// rounded to cents.
func PoolContribution(fee, imperialCutPct decimal.Decimal) decimal.Decimal {
	share := decimal.NewFromInt(1).Sub(imperialCutPct.Div(hundred))
	return fee.Mul(share).Round(model.MoneyScale)
}

// Prize is a position's cut of the pool, truncated to cents.
func Prize(pool, cutPct decimal.Decimal) decimal.Decimal {
	return pool.Mul(cutPct).Div(hundred).Truncate(model.MoneyScale)
}

func lockOpenRace(ctx context.Context, tx store.Tx) (model.Race, error) {
	r, err := tx.LockCurrentRace(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return model.Race{}, apperr.New(apperr.CodeNoActiveRace, "no active race found")
	}
	if err != nil {
		return model.Race{}, apperr.Internal(err, "lock current race")
	}
	return r, nil
}

func lookupPlayer(ctx context.Context, tx store.Tx, ign string) (model.Player, error) {
	p, err := tx.PlayerByIGN(ctx, ign)
	if errors.Is(err, store.ErrNotFound) {
		return model.Player{}, apperr.New(apperr.CodePlayerNotFound, "player %s not found", ign)
	}
	if err != nil {
		return model.Player{}, apperr.Internal(err, "lookup player")
	}
	return p, nil
}

func (e *Engine) publish(typ string, data map[string]any) {
	metrics.RaceEvents.WithLabelValues(typ).Inc()
	if e.notify == nil {
		return
	}
	e.notify.Publish(feed.Event{Type: typ, At: e.ledger.Now(), Data: data})
}

// ParseTime accepts RFC 3339 and the common ISO 8601 forms without a zone,
// which are taken as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	var err error
	for _, layout := range layouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}
