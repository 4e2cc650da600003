// Package store defines the persistence interface for the bank engine.
// Implementations include PostgreSQL (source of truth), SQLite (single node),
// in-memory (for testing), and a Redis read-through cache that wraps any of
// them.
//
// Every read-modify-write goes through InTx: the callback receives a Tx whose
// Lock* methods take row locks (or the equivalent) that are held until the
// callback returns. A callback error rolls back every write made through the
// Tx. Callbacks must only use the Tx they were handed; calling back into the
// Store from inside InTx may deadlock.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate")
)

// PlayerFilter narrows the players listing.
type PlayerFilter struct {
	Query  string // case-insensitive IGN substring
	Limit  int
	Offset int
}

// TxnFilter narrows the transactions listing.
type TxnFilter struct {
	IGN       string // case-insensitive IGN substring
	AccountID int64
	Limit     int
	Offset    int
}

// SettingsReader reads the singleton settings rows. Both return ErrNotFound
// when the row has never been written.
type SettingsReader interface {
	BankSettings(ctx context.Context) (model.BankSettings, error)
	RaceSettings(ctx context.Context) (model.RaceSettings, error)
}

// Tx is a unit of work opened by Store.InTx.
type Tx interface {
	SettingsReader

	// --- Players and accounts ---

	// UpsertPlayer returns the player with ign, creating it if absent.
	UpsertPlayer(ctx context.Context, ign string, now time.Time) (model.Player, error)

	// PlayerByIGN looks a player up by exact IGN.
	PlayerByIGN(ctx context.Context, ign string) (model.Player, error)

	// UpsertActiveAccount returns the player's active account, creating an
	// empty one if absent.
	UpsertActiveAccount(ctx context.Context, playerID int64, now time.Time) (model.Account, error)

	// LockAccount locks an account row for the rest of the transaction.
	LockAccount(ctx context.Context, accountID int64) (model.Account, error)

	// LockActiveAccount locks the player's active account.
	LockActiveAccount(ctx context.Context, playerID int64) (model.Account, error)

	// UpdateAccount writes a locked account's balance and compounding clock.
	UpdateAccount(ctx context.Context, a model.Account) error

	// InsertTransaction appends a ledger row and assigns its ID.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	// --- Races ---

	// LockCurrentRace locks the race-control pointer and the race it names.
	// It returns ErrNotFound when no race is open; the pointer stays locked.
	LockCurrentRace(ctx context.Context) (model.Race, error)

	// InsertRace persists a new race and assigns its ID.
	InsertRace(ctx context.Context, r *model.Race) error

	// SetCurrentRace points race control at raceID; 0 clears the pointer.
	SetCurrentRace(ctx context.Context, raceID int64) error

	// UpdateRace writes a locked race's prize pool, winners and end time.
	UpdateRace(ctx context.Context, r model.Race) error

	// IsEnrolled reports whether the player is a jockey in the race.
	IsEnrolled(ctx context.Context, raceID, playerID int64) (bool, error)

	// InsertJockey enrolls a player. Returns ErrDuplicate if already enrolled.
	InsertJockey(ctx context.Context, j model.Jockey) error

	// --- Settings ---

	SaveBankSettings(ctx context.Context, s model.BankSettings) error
	InsertRateChange(ctx context.Context, c *model.RateChange) error
	SaveRaceSettings(ctx context.Context, s model.RaceSettings) error
}

// Store is the persistence interface.
type Store interface {
	SettingsReader

	// InTx runs fn atomically. fn's writes commit only if it returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Ledger reads ---

	Account(ctx context.Context, accountID int64) (model.Account, error)
	ActiveAccountIDs(ctx context.Context) ([]int64, error)
	ListPlayers(ctx context.Context, f PlayerFilter) ([]model.PlayerBalance, error)

	// ListTransactions returns matching transactions newest first.
	ListTransactions(ctx context.Context, f TxnFilter) ([]model.Transaction, error)

	// AccountTransactions returns an account's full history oldest first.
	AccountTransactions(ctx context.Context, accountID int64) ([]model.Transaction, error)

	// TotalActiveBalance sums the balances of all active accounts.
	TotalActiveBalance(ctx context.Context) (decimal.Decimal, error)

	// RateHistory returns rate changes oldest first.
	RateHistory(ctx context.Context, limit int) ([]model.RateChange, error)

	// --- Race reads ---

	Race(ctx context.Context, raceID int64) (model.Race, error)
	LatestRace(ctx context.Context) (model.Race, error)

	// ListRaces returns all races newest first.
	ListRaces(ctx context.Context) ([]model.Race, error)

	// RaceJockeys returns a race's jockeys in enrollment order.
	RaceJockeys(ctx context.Context, raceID int64) ([]model.Jockey, error)

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}
