package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/model"
)

const (
	bankSettingsKey = "bank:settings:bank"
	raceSettingsKey = "bank:settings:race"
	totalDebtKey    = "bank:ledger:total_debt"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// hot singleton reads: both settings rows and the total active balance.
// Writes go to the primary inside InTx; keys touched by a transaction are
// invalidated after it commits, and the next read re-populates them.
//
// Redis failures never fail a request. The cache falls back to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write path (invalidate on commit) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.Store.InTx(ctx, func(tx Tx) error {
		touched = touched[:0] // the primary may retry fn
		return fn(&cachedTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		if err := s.rdb.Del(ctx, touched...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", touched, "error", err)
		}
	}
	return nil
}

// cachedTx records which cache keys its writes make stale.
type cachedTx struct {
	Tx
	touched *[]string
}

func (t *cachedTx) touch(key string) {
	for _, k := range *t.touched {
		if k == key {
			return
		}
	}
	*t.touched = append(*t.touched, key)
}

func (t *cachedTx) UpdateAccount(ctx context.Context, a model.Account) error {
	if err := t.Tx.UpdateAccount(ctx, a); err != nil {
		return err
	}
	t.touch(totalDebtKey)
	return nil
}

func (t *cachedTx) SaveBankSettings(ctx context.Context, bs model.BankSettings) error {
	if err := t.Tx.SaveBankSettings(ctx, bs); err != nil {
		return err
	}
	t.touch(bankSettingsKey)
	return nil
}

func (t *cachedTx) SaveRaceSettings(ctx context.Context, rs model.RaceSettings) error {
	if err := t.Tx.SaveRaceSettings(ctx, rs); err != nil {
		return err
	}
	t.touch(raceSettingsKey)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) BankSettings(ctx context.Context) (model.BankSettings, error) {
	return readThrough(ctx, s, bankSettingsKey, s.Store.BankSettings)
}

func (s *CachedStore) RaceSettings(ctx context.Context) (model.RaceSettings, error) {
	return readThrough(ctx, s, raceSettingsKey, s.Store.RaceSettings)
}

func (s *CachedStore) TotalActiveBalance(ctx context.Context) (decimal.Decimal, error) {
	return readThrough(ctx, s, totalDebtKey, s.Store.TotalActiveBalance)
}

func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func(context.Context) (T, error)) (T, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

// Ping checks both the primary and Redis.
func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	return s.rdb.Ping(ctx).Err()
}

var _ Store = (*CachedStore)(nil)
