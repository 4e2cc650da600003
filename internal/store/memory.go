package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized behind a single mutex and run against a copy
// of the state that replaces the live state only on success.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	players  map[int64]model.Player
	byIGN    map[string]int64
	accounts map[int64]model.Account
	txns     []model.Transaction
	races    []model.Race // ascending ID
	jockeys  []model.Jockey
	current  int64

	bank     *model.BankSettings
	raceCfg  *model.RaceSettings
	history  []model.RateChange
	sequence map[string]int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			players:  make(map[int64]model.Player),
			byIGN:    make(map[string]int64),
			accounts: make(map[int64]model.Account),
			sequence: make(map[string]int64),
		},
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		players:  make(map[int64]model.Player, len(st.players)),
		byIGN:    make(map[string]int64, len(st.byIGN)),
		accounts: make(map[int64]model.Account, len(st.accounts)),
		txns:     append([]model.Transaction(nil), st.txns...),
		races:    append([]model.Race(nil), st.races...),
		jockeys:  append([]model.Jockey(nil), st.jockeys...),
		current:  st.current,
		history:  append([]model.RateChange(nil), st.history...),
		sequence: make(map[string]int64, len(st.sequence)),
	}
	for k, v := range st.players {
		c.players[k] = v
	}
	for k, v := range st.byIGN {
		c.byIGN[k] = v
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.sequence {
		c.sequence[k] = v
	}
	if st.bank != nil {
		b := *st.bank
		c.bank = &b
	}
	if st.raceCfg != nil {
		r := *st.raceCfg
		c.raceCfg = &r
	}
	return c
}

func (st *memState) next(table string) int64 {
	st.sequence[table]++
	return st.sequence[table]
}

func (st *memState) raceIndex(id int64) int {
	i := sort.Search(len(st.races), func(i int) bool { return st.races[i].ID >= id })
	if i < len(st.races) && st.races[i].ID == id {
		return i
	}
	return -1
}

// decorate fills the derived race fields.
func (st *memState) decorate(r model.Race) model.Race {
	for i, w := range r.Winners {
		r.WinnerIGNs[i] = ""
		if w != nil {
			r.WinnerIGNs[i] = st.players[*w].IGN
		}
	}
	r.JockeyCount = 0
	for _, j := range st.jockeys {
		if j.RaceID == r.ID {
			r.JockeyCount++
		}
	}
	return r
}

func (st *memState) activeAccount(playerID int64) (model.Account, bool) {
	for _, a := range st.accounts {
		if a.PlayerID == playerID && a.Active() {
			return a, true
		}
	}
	return model.Account{}, false
}

// --- Transactions ---

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type memTx struct {
	st *memState
}

func (t *memTx) BankSettings(_ context.Context) (model.BankSettings, error) {
	if t.st.bank == nil {
		return model.BankSettings{}, ErrNotFound
	}
	return *t.st.bank, nil
}

func (t *memTx) RaceSettings(_ context.Context) (model.RaceSettings, error) {
	if t.st.raceCfg == nil {
		return model.RaceSettings{}, ErrNotFound
	}
	return *t.st.raceCfg, nil
}

func (t *memTx) UpsertPlayer(_ context.Context, ign string, now time.Time) (model.Player, error) {
	if id, ok := t.st.byIGN[ign]; ok {
		return t.st.players[id], nil
	}
	p := model.Player{ID: t.st.next("players"), IGN: ign, CreatedAt: now}
	t.st.players[p.ID] = p
	t.st.byIGN[ign] = p.ID
	return p, nil
}

func (t *memTx) PlayerByIGN(_ context.Context, ign string) (model.Player, error) {
	id, ok := t.st.byIGN[ign]
	if !ok {
		return model.Player{}, ErrNotFound
	}
	return t.st.players[id], nil
}

func (t *memTx) UpsertActiveAccount(_ context.Context, playerID int64, now time.Time) (model.Account, error) {
	if _, ok := t.st.players[playerID]; !ok {
		return model.Account{}, fmt.Errorf("player %d: %w", playerID, ErrNotFound)
	}
	if a, ok := t.st.activeAccount(playerID); ok {
		return a, nil
	}
	a := model.Account{
		ID:        t.st.next("accounts"),
		PlayerID:  playerID,
		Status:    model.AccountActive,
		Balance:   decimal.Zero,
		CreatedAt: now,
	}
	t.st.accounts[a.ID] = a
	return a, nil
}

func (t *memTx) LockAccount(_ context.Context, accountID int64) (model.Account, error) {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a, nil
}

func (t *memTx) LockActiveAccount(_ context.Context, playerID int64) (model.Account, error) {
	a, ok := t.st.activeAccount(playerID)
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a, nil
}

func (t *memTx) UpdateAccount(_ context.Context, a model.Account) error {
	cur, ok := t.st.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Balance = a.Balance
	cur.LastCompoundedAt = a.LastCompoundedAt
	t.st.accounts[a.ID] = cur
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	a, ok := t.st.accounts[txn.AccountID]
	if !ok {
		return fmt.Errorf("account %d: %w", txn.AccountID, ErrNotFound)
	}
	txn.ID = t.st.next("transactions")
	txn.IGN = t.st.players[a.PlayerID].IGN
	t.st.txns = append(t.st.txns, *txn)
	return nil
}

func (t *memTx) LockCurrentRace(_ context.Context) (model.Race, error) {
	if t.st.current == 0 {
		return model.Race{}, ErrNotFound
	}
	i := t.st.raceIndex(t.st.current)
	if i < 0 {
		return model.Race{}, ErrNotFound
	}
	return t.st.decorate(t.st.races[i]), nil
}

func (t *memTx) InsertRace(_ context.Context, r *model.Race) error {
	r.ID = t.st.next("races")
	t.st.races = append(t.st.races, *r)
	return nil
}

func (t *memTx) SetCurrentRace(_ context.Context, raceID int64) error {
	if raceID != 0 && t.st.raceIndex(raceID) < 0 {
		return fmt.Errorf("race %d: %w", raceID, ErrNotFound)
	}
	t.st.current = raceID
	return nil
}

func (t *memTx) UpdateRace(_ context.Context, r model.Race) error {
	i := t.st.raceIndex(r.ID)
	if i < 0 {
		return ErrNotFound
	}
	cur := t.st.races[i]
	cur.PrizePool = r.PrizePool
	cur.Winners = r.Winners
	cur.EndsAt = r.EndsAt
	t.st.races[i] = cur
	return nil
}

func (t *memTx) IsEnrolled(_ context.Context, raceID, playerID int64) (bool, error) {
	for _, j := range t.st.jockeys {
		if j.RaceID == raceID && j.PlayerID == playerID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertJockey(ctx context.Context, j model.Jockey) error {
	enrolled, _ := t.IsEnrolled(ctx, j.RaceID, j.PlayerID)
	if enrolled {
		return ErrDuplicate
	}
	j.IGN = t.st.players[j.PlayerID].IGN
	t.st.jockeys = append(t.st.jockeys, j)
	return nil
}

func (t *memTx) SaveBankSettings(_ context.Context, s model.BankSettings) error {
	t.st.bank = &s
	return nil
}

func (t *memTx) InsertRateChange(_ context.Context, c *model.RateChange) error {
	c.ID = t.st.next("interest_rate_history")
	t.st.history = append(t.st.history, *c)
	return nil
}

func (t *memTx) SaveRaceSettings(_ context.Context, s model.RaceSettings) error {
	t.st.raceCfg = &s
	return nil
}

// --- Reads ---

func (s *MemoryStore) BankSettings(ctx context.Context) (model.BankSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{st: s.state}).BankSettings(ctx)
}

func (s *MemoryStore) RaceSettings(ctx context.Context) (model.RaceSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memTx{st: s.state}).RaceSettings(ctx)
}

func (s *MemoryStore) Account(_ context.Context, accountID int64) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.state.accounts[accountID]
	if !ok {
		return model.Account{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) ActiveAccountIDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64
	for id, a := range s.state.accounts {
		if a.Active() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) ListPlayers(_ context.Context, f PlayerFilter) ([]model.PlayerBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.PlayerBalance
	for _, a := range s.state.accounts {
		if !a.Active() {
			continue
		}
		p := s.state.players[a.PlayerID]
		if !containsFold(p.IGN, f.Query) {
			continue
		}
		result = append(result, model.PlayerBalance{
			IGN:              p.IGN,
			AccountID:        a.ID,
			Balance:          a.Balance,
			LastCompoundedAt: a.LastCompoundedAt,
			CreatedAt:        p.CreatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		if c := result[i].Balance.Cmp(result[j].Balance); c != 0 {
			return c > 0
		}
		return result[i].AccountID < result[j].AccountID
	})
	return page(result, f.Limit, f.Offset), nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, f TxnFilter) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for i := len(s.state.txns) - 1; i >= 0; i-- {
		t := s.state.txns[i]
		if f.AccountID != 0 && t.AccountID != f.AccountID {
			continue
		}
		if !containsFold(t.IGN, f.IGN) {
			continue
		}
		result = append(result, t)
	}
	return page(result, f.Limit, f.Offset), nil
}

func (s *MemoryStore) AccountTransactions(_ context.Context, accountID int64) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.state.txns {
		if t.AccountID == accountID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) TotalActiveBalance(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, a := range s.state.accounts {
		if a.Active() {
			total = total.Add(a.Balance)
		}
	}
	return total, nil
}

func (s *MemoryStore) RateHistory(_ context.Context, limit int) ([]model.RateChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := append([]model.RateChange(nil), s.state.history...)
	return page(history, limit, 0), nil
}

func (s *MemoryStore) Race(_ context.Context, raceID int64) (model.Race, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.state.raceIndex(raceID)
	if i < 0 {
		return model.Race{}, ErrNotFound
	}
	return s.state.decorate(s.state.races[i]), nil
}

func (s *MemoryStore) LatestRace(_ context.Context) (model.Race, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.state.races) == 0 {
		return model.Race{}, ErrNotFound
	}
	return s.state.decorate(s.state.races[len(s.state.races)-1]), nil
}

func (s *MemoryStore) ListRaces(_ context.Context) ([]model.Race, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	races := make([]model.Race, 0, len(s.state.races))
	for i := len(s.state.races) - 1; i >= 0; i-- {
		races = append(races, s.state.decorate(s.state.races[i]))
	}
	return races, nil
}

func (s *MemoryStore) RaceJockeys(_ context.Context, raceID int64) ([]model.Jockey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Jockey
	for _, j := range s.state.jockeys {
		if j.RaceID == raceID {
			result = append(result, j)
		}
	}
	return result, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func containsFold(s, substr string) bool {
	return substr == "" || strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// page applies limit/offset to an already ordered slice. limit <= 0 means
// no limit.
func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
