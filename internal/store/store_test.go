package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/model"
	"github.com/factions/bank-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// backends returns a fresh instance of every store that runs without
// external services.
func backends(t *testing.T) map[string]store.Store {
	t.Helper()
	lite, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "bank.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { lite.Close() })
	return map[string]store.Store{
		"memory": store.NewMemoryStore(),
		"sqlite": lite,
	}
}

// seedPlayer creates a player with an active account holding balance.
func seedPlayer(t *testing.T, st store.Store, ign, balance string) model.Account {
	t.Helper()
	ctx := context.Background()
	var acct model.Account
	err := st.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.UpsertPlayer(ctx, ign, t0)
		if err != nil {
			return err
		}
		acct, err = tx.UpsertActiveAccount(ctx, p.ID, t0)
		if err != nil {
			return err
		}
		if balance == "0" {
			return nil
		}
		acct.Balance = d(balance)
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &model.Transaction{
			AccountID:      acct.ID,
			Type:           model.TxnDeposit,
			Amount:         d(balance),
			EffectiveDelta: d(balance),
			BalanceAfter:   d(balance),
			Note:           "seed",
			CreatedAt:      t0,
		})
	})
	if err != nil {
		t.Fatalf("seed %s: %v", ign, err)
	}
	return acct
}

func TestSettingsNotFoundUntilSaved(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.BankSettings(ctx); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("BankSettings err = %v, want ErrNotFound", err)
			}

			bs := model.BankSettings{
				PayoutFeePct:              d("0.1"),
				NormalInterestRate:        d("0.04"),
				PremiumInterestRate:       d("0.08"),
				PremiumBalanceRequirement: d("2500.50"),
			}
			rs := model.RaceSettings{
				WinnerCutPct: d("60"), SecondCutPct: d("25"), ThirdCutPct: d("15"),
				EntryFee: d("75"), ImperialCutPct: d("5"), Rules: "Fair play",
			}
			err := st.InTx(ctx, func(tx store.Tx) error {
				if err := tx.SaveBankSettings(ctx, bs); err != nil {
					return err
				}
				return tx.SaveRaceSettings(ctx, rs)
			})
			if err != nil {
				t.Fatalf("save: %v", err)
			}

			gotBank, err := st.BankSettings(ctx)
			if err != nil {
				t.Fatalf("BankSettings: %v", err)
			}
			if !gotBank.PremiumBalanceRequirement.Equal(bs.PremiumBalanceRequirement) || !gotBank.PayoutFeePct.Equal(bs.PayoutFeePct) {
				t.Errorf("bank = %+v", gotBank)
			}
			gotRace, err := st.RaceSettings(ctx)
			if err != nil {
				t.Fatalf("RaceSettings: %v", err)
			}
			if gotRace.Rules != "Fair play" || !gotRace.EntryFee.Equal(d("75")) {
				t.Errorf("race = %+v", gotRace)
			}
		})
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	boom := errors.New("boom")
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := st.InTx(ctx, func(tx store.Tx) error {
				if _, err := tx.UpsertPlayer(ctx, "Ghost", t0); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want boom", err)
			}
			err = st.InTx(ctx, func(tx store.Tx) error {
				_, err := tx.PlayerByIGN(ctx, "Ghost")
				return err
			})
			if !errors.Is(err, store.ErrNotFound) {
				t.Errorf("player survived rollback: err = %v", err)
			}
		})
	}
}

func TestPlayersAndAccounts(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := seedPlayer(t, st, "Notch", "250.25")
			seedPlayer(t, st, "Jeb", "1000")
			seedPlayer(t, st, "notchling", "0")

			// Upserts return the existing rows.
			err := st.InTx(ctx, func(tx store.Tx) error {
				p, err := tx.UpsertPlayer(ctx, "Notch", t0.Add(time.Hour))
				if err != nil {
					return err
				}
				a, err := tx.UpsertActiveAccount(ctx, p.ID, t0.Add(time.Hour))
				if err != nil {
					return err
				}
				if a.ID != first.ID || !a.Balance.Equal(d("250.25")) {
					t.Errorf("account = %+v, want existing %d", a, first.ID)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}

			all, err := st.ListPlayers(ctx, store.PlayerFilter{Limit: 10})
			if err != nil {
				t.Fatalf("ListPlayers: %v", err)
			}
			if len(all) != 3 || all[0].IGN != "Jeb" || all[1].IGN != "Notch" {
				t.Errorf("order = %+v", all)
			}

			matched, err := st.ListPlayers(ctx, store.PlayerFilter{Query: "NOTCH", Limit: 10})
			if err != nil {
				t.Fatalf("ListPlayers query: %v", err)
			}
			if len(matched) != 2 {
				t.Errorf("query matched %d players, want 2", len(matched))
			}

			paged, err := st.ListPlayers(ctx, store.PlayerFilter{Limit: 1, Offset: 1})
			if err != nil {
				t.Fatalf("ListPlayers page: %v", err)
			}
			if len(paged) != 1 || paged[0].IGN != "Notch" {
				t.Errorf("page = %+v", paged)
			}

			total, err := st.TotalActiveBalance(ctx)
			if err != nil {
				t.Fatalf("TotalActiveBalance: %v", err)
			}
			if !total.Equal(d("1250.25")) {
				t.Errorf("total = %s, want 1250.25", total)
			}

			ids, err := st.ActiveAccountIDs(ctx)
			if err != nil || len(ids) != 3 {
				t.Errorf("active ids = %v, %v", ids, err)
			}
		})
	}
}

func TestTransactionOrdering(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acct := seedPlayer(t, st, "Alex", "100")
			fee := d("0.07")
			err := st.InTx(ctx, func(tx store.Tx) error {
				a, err := tx.LockAccount(ctx, acct.ID)
				if err != nil {
					return err
				}
				a.Balance = d("89.30")
				if err := tx.UpdateAccount(ctx, a); err != nil {
					return err
				}
				return tx.InsertTransaction(ctx, &model.Transaction{
					AccountID:      a.ID,
					Type:           model.TxnPayout,
					Amount:         d("-10"),
					EffectiveDelta: d("-10.70"),
					BalanceAfter:   d("89.30"),
					FeePct:         &fee,
					CreatedAt:      t0.Add(time.Minute),
				})
			})
			if err != nil {
				t.Fatalf("payout: %v", err)
			}

			newest, err := st.ListTransactions(ctx, store.TxnFilter{IGN: "ale", Limit: 10})
			if err != nil {
				t.Fatalf("ListTransactions: %v", err)
			}
			if len(newest) != 2 || newest[0].Type != model.TxnPayout || newest[0].IGN != "Alex" {
				t.Fatalf("newest first = %+v", newest)
			}
			if newest[0].FeePct == nil || !newest[0].FeePct.Equal(fee) {
				t.Errorf("fee_pct = %v", newest[0].FeePct)
			}
			if !newest[0].BeforeBalance().Equal(d("100")) {
				t.Errorf("before balance = %s", newest[0].BeforeBalance())
			}

			history, err := st.AccountTransactions(ctx, acct.ID)
			if err != nil {
				t.Fatalf("AccountTransactions: %v", err)
			}
			if len(history) != 2 || history[0].Type != model.TxnDeposit {
				t.Errorf("oldest first = %+v", history)
			}

			got, err := st.Account(ctx, acct.ID)
			if err != nil || !got.Balance.Equal(d("89.30")) {
				t.Errorf("account = %+v, %v", got, err)
			}
			if _, err := st.Account(ctx, 999); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("missing account err = %v", err)
			}
		})
	}
}

func TestRaceControl(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rider := seedPlayer(t, st, "Rider", "0")

			if _, err := st.LatestRace(ctx); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("LatestRace err = %v, want ErrNotFound", err)
			}

			var raceID int64
			err := st.InTx(ctx, func(tx store.Tx) error {
				if _, err := tx.LockCurrentRace(ctx); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("LockCurrentRace err = %v, want ErrNotFound", err)
				}
				r := model.Race{Name: "Derby", PrizePool: decimal.Zero, StartsAt: t0, CreatedAt: t0}
				if err := tx.InsertRace(ctx, &r); err != nil {
					return err
				}
				raceID = r.ID
				if err := tx.SetCurrentRace(ctx, r.ID); err != nil {
					return err
				}
				j := model.Jockey{RaceID: r.ID, PlayerID: rider.PlayerID, JoinedAt: t0}
				if err := tx.InsertJockey(ctx, j); err != nil {
					return err
				}
				if err := tx.InsertJockey(ctx, j); !errors.Is(err, store.ErrDuplicate) {
					t.Errorf("second InsertJockey err = %v, want ErrDuplicate", err)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("create race: %v", err)
			}

			err = st.InTx(ctx, func(tx store.Tx) error {
				r, err := tx.LockCurrentRace(ctx)
				if err != nil {
					return err
				}
				enrolled, err := tx.IsEnrolled(ctx, r.ID, rider.PlayerID)
				if err != nil || !enrolled {
					t.Errorf("IsEnrolled = %v, %v", enrolled, err)
				}
				winner := rider.PlayerID
				ended := t0.Add(time.Hour)
				r.PrizePool = d("90")
				r.Winners[0] = &winner
				r.EndsAt = &ended
				if err := tx.UpdateRace(ctx, r); err != nil {
					return err
				}
				return tx.SetCurrentRace(ctx, 0)
			})
			if err != nil {
				t.Fatalf("settle race: %v", err)
			}

			r, err := st.Race(ctx, raceID)
			if err != nil {
				t.Fatalf("Race: %v", err)
			}
			if r.WinnerIGNs[0] != "Rider" || r.WinnerIGNs[1] != "" || r.JockeyCount != 1 {
				t.Errorf("race = %+v", r)
			}
			if !r.PrizePool.Equal(d("90")) || r.EndsAt == nil || !r.EndsAt.Equal(t0.Add(time.Hour)) {
				t.Errorf("settled race = %+v", r)
			}
			if r.Open() {
				t.Error("race still open")
			}

			jockeys, err := st.RaceJockeys(ctx, raceID)
			if err != nil || len(jockeys) != 1 || jockeys[0].IGN != "Rider" {
				t.Errorf("jockeys = %+v, %v", jockeys, err)
			}

			err = st.InTx(ctx, func(tx store.Tx) error {
				_, err := tx.LockCurrentRace(ctx)
				return err
			})
			if !errors.Is(err, store.ErrNotFound) {
				t.Errorf("cleared pointer err = %v, want ErrNotFound", err)
			}

			races, err := st.ListRaces(ctx)
			if err != nil || len(races) != 1 {
				t.Errorf("ListRaces = %+v, %v", races, err)
			}
		})
	}
}

func TestRateHistoryOldestFirst(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 3; i++ {
				err := st.InTx(ctx, func(tx store.Tx) error {
					return tx.InsertRateChange(ctx, &model.RateChange{
						NormalInterestRate:        decimal.New(int64(i), -2),
						PremiumInterestRate:       d("0.06"),
						PremiumBalanceRequirement: d("1000"),
						PayoutFeePct:              d("0.07"),
						ChangedAt:                 t0.Add(time.Duration(i) * time.Minute),
					})
				})
				if err != nil {
					t.Fatalf("insert change %d: %v", i, err)
				}
			}

			history, err := st.RateHistory(ctx, 2)
			if err != nil {
				t.Fatalf("RateHistory: %v", err)
			}
			if len(history) != 2 {
				t.Fatalf("got %d entries, want 2", len(history))
			}
			if !history[0].NormalInterestRate.Equal(d("0.01")) || !history[1].NormalInterestRate.Equal(d("0.02")) {
				t.Errorf("history = %+v", history)
			}
		})
	}
}

// unreachableRedis points at a port nothing listens on.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCachedStoreFallsBackWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	cached := store.NewCachedStore(store.NewMemoryStore(), unreachableRedis(t), time.Minute)

	seedPlayer(t, cached, "Alex", "42.50")
	total, err := cached.TotalActiveBalance(ctx)
	if err != nil {
		t.Fatalf("TotalActiveBalance: %v", err)
	}
	if !total.Equal(d("42.50")) {
		t.Errorf("total = %s", total)
	}
	if _, err := cached.BankSettings(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("BankSettings err = %v, want ErrNotFound", err)
	}
	if err := cached.Ping(ctx); err == nil {
		t.Error("Ping succeeded with Redis down")
	}
}

// TestCachedStoreInvalidatesOnCommit needs a Redis server; set
// BANK_TEST_REDIS_URL to run it. The database it names is flushed.
func TestCachedStoreInvalidatesOnCommit(t *testing.T) {
	url := os.Getenv("BANK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("BANK_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	primary := store.NewMemoryStore()
	cached := store.NewCachedStore(primary, rdb, time.Minute)

	acct := seedPlayer(t, cached, "Alex", "10")
	if total, _ := cached.TotalActiveBalance(ctx); !total.Equal(d("10")) {
		t.Fatalf("warm total = %s", total)
	}

	// A write through the cache drops the stale total.
	err = cached.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.LockAccount(ctx, acct.ID)
		if err != nil {
			return err
		}
		a.Balance = d("25")
		return tx.UpdateAccount(ctx, a)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if total, _ := cached.TotalActiveBalance(ctx); !total.Equal(d("25")) {
		t.Errorf("total after commit = %s, want 25", total)
	}

	// A rolled back write leaves the cache alone.
	_ = cached.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SaveBankSettings(ctx, model.BankSettings{PayoutFeePct: d("0.5")}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if _, err := cached.BankSettings(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("BankSettings err = %v, want ErrNotFound", err)
	}
}
