package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/factions/bank-engine/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database for single-node
// deployments. Money is kept as canonical decimal text and times as unix
// milliseconds.
//
// The database handle is limited to one connection, so InTx transactions
// are fully serialized.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite store and applies the
// embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrateSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// sqlQueryer is satisfied by both *sql.DB and *sql.Tx.
type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlRow is satisfied by *sql.Row and *sql.Rows.
type sqlRow interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&sqliteTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type sqliteTx struct {
	q sqlQueryer
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	id := n.Int64
	return &id
}

// --- Settings ---

func (t *sqliteTx) BankSettings(ctx context.Context) (model.BankSettings, error) {
	return sqliteBankSettings(ctx, t.q)
}

func (t *sqliteTx) RaceSettings(ctx context.Context) (model.RaceSettings, error) {
	return sqliteRaceSettings(ctx, t.q)
}

func (s *SQLiteStore) BankSettings(ctx context.Context) (model.BankSettings, error) {
	return sqliteBankSettings(ctx, s.db)
}

func (s *SQLiteStore) RaceSettings(ctx context.Context) (model.RaceSettings, error) {
	return sqliteRaceSettings(ctx, s.db)
}

func sqliteBankSettings(ctx context.Context, q sqlQueryer) (model.BankSettings, error) {
	var fee, normal, premium, requirement string
	err := q.QueryRowContext(ctx,
		`SELECT payout_fee_pct, normal_interest_rate, premium_interest_rate, premium_balance_requirement
		 FROM settings WHERE id = 1`).
		Scan(&fee, &normal, &premium, &requirement)
	if err != nil {
		return model.BankSettings{}, sqliteErr("get bank settings", err)
	}
	return model.BankSettings{
		PayoutFeePct:              dec(fee),
		NormalInterestRate:        dec(normal),
		PremiumInterestRate:       dec(premium),
		PremiumBalanceRequirement: dec(requirement),
	}, nil
}

func sqliteRaceSettings(ctx context.Context, q sqlQueryer) (model.RaceSettings, error) {
	var first, second, third, fee, imperial string
	var rs model.RaceSettings
	err := q.QueryRowContext(ctx,
		`SELECT winner_cut_pct, second_cut_pct, third_cut_pct, entry_fee, imperial_cut_pct, rules
		 FROM horse_race_settings WHERE id = 1`).
		Scan(&first, &second, &third, &fee, &imperial, &rs.Rules)
	if err != nil {
		return model.RaceSettings{}, sqliteErr("get race settings", err)
	}
	rs.WinnerCutPct = dec(first)
	rs.SecondCutPct = dec(second)
	rs.ThirdCutPct = dec(third)
	rs.EntryFee = dec(fee)
	rs.ImperialCutPct = dec(imperial)
	return rs, nil
}

func (t *sqliteTx) SaveBankSettings(ctx context.Context, bs model.BankSettings) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO settings (id, payout_fee_pct, normal_interest_rate, premium_interest_rate,
		                       premium_balance_requirement, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     payout_fee_pct = excluded.payout_fee_pct,
		     normal_interest_rate = excluded.normal_interest_rate,
		     premium_interest_rate = excluded.premium_interest_rate,
		     premium_balance_requirement = excluded.premium_balance_requirement,
		     updated_at = excluded.updated_at`,
		bs.PayoutFeePct.String(), bs.NormalInterestRate.String(),
		bs.PremiumInterestRate.String(), bs.PremiumBalanceRequirement.String(),
		toMillis(time.Now()),
	)
	return sqliteErr("save bank settings", err)
}

func (t *sqliteTx) InsertRateChange(ctx context.Context, c *model.RateChange) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO interest_rate_history (normal_interest_rate, premium_interest_rate,
		                                    premium_balance_requirement, payout_fee_pct, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.NormalInterestRate.String(), c.PremiumInterestRate.String(),
		c.PremiumBalanceRequirement.String(), c.PayoutFeePct.String(), toMillis(c.ChangedAt),
	)
	if err != nil {
		return sqliteErr("insert rate change", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) SaveRaceSettings(ctx context.Context, rs model.RaceSettings) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO horse_race_settings (id, winner_cut_pct, second_cut_pct, third_cut_pct,
		                                  entry_fee, imperial_cut_pct, rules)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     winner_cut_pct = excluded.winner_cut_pct,
		     second_cut_pct = excluded.second_cut_pct,
		     third_cut_pct = excluded.third_cut_pct,
		     entry_fee = excluded.entry_fee,
		     imperial_cut_pct = excluded.imperial_cut_pct,
		     rules = excluded.rules`,
		rs.WinnerCutPct.String(), rs.SecondCutPct.String(), rs.ThirdCutPct.String(),
		rs.EntryFee.String(), rs.ImperialCutPct.String(), rs.Rules,
	)
	return sqliteErr("save race settings", err)
}

// --- Players and accounts ---

func (t *sqliteTx) UpsertPlayer(ctx context.Context, ign string, now time.Time) (model.Player, error) {
	if _, err := t.q.ExecContext(ctx,
		`INSERT INTO players (ign, created_at) VALUES (?, ?) ON CONFLICT (ign) DO NOTHING`,
		ign, toMillis(now)); err != nil {
		return model.Player{}, sqliteErr("upsert player", err)
	}
	return t.PlayerByIGN(ctx, ign)
}

func (t *sqliteTx) PlayerByIGN(ctx context.Context, ign string) (model.Player, error) {
	var p model.Player
	var created int64
	err := t.q.QueryRowContext(ctx,
		`SELECT id, ign, created_at FROM players WHERE ign = ?`, ign).
		Scan(&p.ID, &p.IGN, &created)
	if err != nil {
		return model.Player{}, sqliteErr("get player "+ign, err)
	}
	p.CreatedAt = fromMillis(created)
	return p, nil
}

const sqliteAccountColumns = `id, player_id, status, balance, last_compounded_at, created_at`

func (t *sqliteTx) UpsertActiveAccount(ctx context.Context, playerID int64, now time.Time) (model.Account, error) {
	if _, err := t.q.ExecContext(ctx,
		`INSERT INTO accounts (player_id, status, balance, created_at)
		 VALUES (?, 'active', '0', ?)
		 ON CONFLICT (player_id) WHERE status = 'active' DO NOTHING`,
		playerID, toMillis(now)); err != nil {
		return model.Account{}, sqliteErr("upsert account", err)
	}
	return t.LockActiveAccount(ctx, playerID)
}

// Lock* need no explicit lock: the single connection serializes transactions.
func (t *sqliteTx) LockAccount(ctx context.Context, accountID int64) (model.Account, error) {
	return scanSQLiteAccount(t.q.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, accountID))
}

func (t *sqliteTx) LockActiveAccount(ctx context.Context, playerID int64) (model.Account, error) {
	return scanSQLiteAccount(t.q.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE player_id = ? AND status = 'active'`, playerID))
}

func (t *sqliteTx) UpdateAccount(ctx context.Context, a model.Account) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, last_compounded_at = ? WHERE id = ?`,
		a.Balance.String(), nullMillis(a.LastCompoundedAt), a.ID)
	if err != nil {
		return sqliteErr("update account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update account %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	var feePct sql.NullString
	if txn.FeePct != nil {
		feePct = sql.NullString{String: txn.FeePct.String(), Valid: true}
	}
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO transactions (account_id, txn_type, amount, effective_delta,
		                           balance_after, fee_pct, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.AccountID, string(txn.Type), txn.Amount.String(), txn.EffectiveDelta.String(),
		txn.BalanceAfter.String(), feePct, txn.Note, toMillis(txn.CreatedAt),
	)
	if err != nil {
		return sqliteErr("insert transaction", err)
	}
	if txn.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	err = t.q.QueryRowContext(ctx,
		`SELECT p.ign FROM accounts a JOIN players p ON p.id = a.player_id WHERE a.id = ?`,
		txn.AccountID).Scan(&txn.IGN)
	return sqliteErr("get transaction ign", err)
}

// --- Races ---

const sqliteRaceSelect = `SELECT r.id, r.name, r.prize_pool, r.starts_at, r.ends_at,
	       r.winner1_id, r.winner2_id, r.winner3_id,
	       COALESCE(w1.ign, ''), COALESCE(w2.ign, ''), COALESCE(w3.ign, ''),
	       (SELECT COUNT(*) FROM horse_jockeys hj WHERE hj.race_id = r.id),
	       r.created_at
	FROM horse_races r
	LEFT JOIN players w1 ON w1.id = r.winner1_id
	LEFT JOIN players w2 ON w2.id = r.winner2_id
	LEFT JOIN players w3 ON w3.id = r.winner3_id`

func (t *sqliteTx) LockCurrentRace(ctx context.Context) (model.Race, error) {
	var current sql.NullInt64
	if err := t.q.QueryRowContext(ctx,
		`SELECT current_race_id FROM race_control WHERE id = 1`).Scan(&current); err != nil {
		return model.Race{}, sqliteErr("read race control", err)
	}
	if !current.Valid {
		return model.Race{}, ErrNotFound
	}
	return scanSQLiteRace(t.q.QueryRowContext(ctx, sqliteRaceSelect+` WHERE r.id = ?`, current.Int64))
}

func (t *sqliteTx) InsertRace(ctx context.Context, r *model.Race) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO horse_races (name, prize_pool, starts_at, created_at) VALUES (?, ?, ?, ?)`,
		r.Name, r.PrizePool.String(), toMillis(r.StartsAt), toMillis(r.CreatedAt))
	if err != nil {
		return sqliteErr("insert race", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) SetCurrentRace(ctx context.Context, raceID int64) error {
	current := sql.NullInt64{Int64: raceID, Valid: raceID != 0}
	_, err := t.q.ExecContext(ctx, `UPDATE race_control SET current_race_id = ? WHERE id = 1`, current)
	return sqliteErr("set current race", err)
}

func (t *sqliteTx) UpdateRace(ctx context.Context, r model.Race) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE horse_races
		 SET prize_pool = ?, winner1_id = ?, winner2_id = ?, winner3_id = ?, ends_at = ?
		 WHERE id = ?`,
		r.PrizePool.String(), nullID(r.Winners[0]), nullID(r.Winners[1]), nullID(r.Winners[2]),
		nullMillis(r.EndsAt), r.ID)
	if err != nil {
		return sqliteErr("update race", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update race %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) IsEnrolled(ctx context.Context, raceID, playerID int64) (bool, error) {
	var enrolled bool
	err := t.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM horse_jockeys WHERE race_id = ? AND player_id = ?)`,
		raceID, playerID).Scan(&enrolled)
	return enrolled, sqliteErr("check enrollment", err)
}

func (t *sqliteTx) InsertJockey(ctx context.Context, j model.Jockey) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO horse_jockeys (race_id, player_id, joined_at) VALUES (?, ?, ?)`,
		j.RaceID, j.PlayerID, toMillis(j.JoinedAt))
	return sqliteErr("insert jockey", err)
}

// --- Reads ---

func (s *SQLiteStore) Account(ctx context.Context, accountID int64) (model.Account, error) {
	return scanSQLiteAccount(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAccountColumns+` FROM accounts WHERE id = ?`, accountID))
}

func (s *SQLiteStore) ActiveAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM accounts WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListPlayers(ctx context.Context, f PlayerFilter) ([]model.PlayerBalance, error) {
	var args []any
	query := `SELECT p.ign, a.id, a.balance, a.last_compounded_at, p.created_at
		FROM players p
		JOIN accounts a ON a.player_id = p.id AND a.status = 'active'`
	if f.Query != "" {
		query += ` WHERE p.ign LIKE ? ESCAPE '\'`
		args = append(args, likePattern(f.Query))
	}
	// Balance is text; the REAL cast is only used for ordering.
	query += ` ORDER BY CAST(a.balance AS REAL) DESC, a.id`
	query, args = sqlitePage(query, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []model.PlayerBalance
	for rows.Next() {
		var p model.PlayerBalance
		var balance string
		var compounded sql.NullInt64
		var created int64
		if err := rows.Scan(&p.IGN, &p.AccountID, &balance, &compounded, &created); err != nil {
			return nil, err
		}
		p.Balance = dec(balance)
		p.LastCompoundedAt = timePtr(compounded)
		p.CreatedAt = fromMillis(created)
		players = append(players, p)
	}
	return players, rows.Err()
}

const sqliteTxnSelect = `SELECT t.id, t.account_id, p.ign, t.txn_type, t.amount,
	       t.effective_delta, t.balance_after, t.fee_pct, t.note, t.created_at
	FROM transactions t
	JOIN accounts a ON a.id = t.account_id
	JOIN players p ON p.id = a.player_id`

func (s *SQLiteStore) ListTransactions(ctx context.Context, f TxnFilter) ([]model.Transaction, error) {
	var args []any
	var where []string
	if f.IGN != "" {
		where = append(where, `p.ign LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(f.IGN))
	}
	if f.AccountID != 0 {
		where = append(where, `t.account_id = ?`)
		args = append(args, f.AccountID)
	}
	query := sqliteTxnSelect
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY t.id DESC`
	query, args = sqlitePage(query, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteTransactions(rows)
}

func (s *SQLiteStore) AccountTransactions(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, sqliteTxnSelect+` WHERE t.account_id = ? ORDER BY t.id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteTransactions(rows)
}

// TotalActiveBalance sums in Go; SQLite's SUM over text would go through REAL.
func (s *SQLiteStore) TotalActiveBalance(ctx context.Context) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT balance FROM accounts WHERE status = 'active'`)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var balance string
		if err := rows.Scan(&balance); err != nil {
			return decimal.Zero, err
		}
		total = total.Add(dec(balance))
	}
	return total, rows.Err()
}

func (s *SQLiteStore) RateHistory(ctx context.Context, limit int) ([]model.RateChange, error) {
	query, args := sqlitePage(
		`SELECT id, normal_interest_rate, premium_interest_rate,
		        premium_balance_requirement, payout_fee_pct, created_at
		 FROM interest_rate_history ORDER BY created_at, id`, nil, limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.RateChange
	for rows.Next() {
		var c model.RateChange
		var normal, premium, requirement, fee string
		var changed int64
		if err := rows.Scan(&c.ID, &normal, &premium, &requirement, &fee, &changed); err != nil {
			return nil, err
		}
		c.NormalInterestRate = dec(normal)
		c.PremiumInterestRate = dec(premium)
		c.PremiumBalanceRequirement = dec(requirement)
		c.PayoutFeePct = dec(fee)
		c.ChangedAt = fromMillis(changed)
		history = append(history, c)
	}
	return history, rows.Err()
}

func (s *SQLiteStore) Race(ctx context.Context, raceID int64) (model.Race, error) {
	return scanSQLiteRace(s.db.QueryRowContext(ctx, sqliteRaceSelect+` WHERE r.id = ?`, raceID))
}

func (s *SQLiteStore) LatestRace(ctx context.Context) (model.Race, error) {
	return scanSQLiteRace(s.db.QueryRowContext(ctx, sqliteRaceSelect+` ORDER BY r.id DESC LIMIT 1`))
}

func (s *SQLiteStore) ListRaces(ctx context.Context) ([]model.Race, error) {
	rows, err := s.db.QueryContext(ctx, sqliteRaceSelect+` ORDER BY r.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var races []model.Race
	for rows.Next() {
		r, err := scanSQLiteRace(rows)
		if err != nil {
			return nil, err
		}
		races = append(races, r)
	}
	return races, rows.Err()
}

func (s *SQLiteStore) RaceJockeys(ctx context.Context, raceID int64) ([]model.Jockey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hj.race_id, hj.player_id, p.ign, hj.joined_at
		 FROM horse_jockeys hj
		 JOIN players p ON p.id = hj.player_id
		 WHERE hj.race_id = ?
		 ORDER BY hj.joined_at, hj.id`, raceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jockeys []model.Jockey
	for rows.Next() {
		var j model.Jockey
		var joined int64
		if err := rows.Scan(&j.RaceID, &j.PlayerID, &j.IGN, &joined); err != nil {
			return nil, err
		}
		j.JoinedAt = fromMillis(joined)
		jockeys = append(jockeys, j)
	}
	return jockeys, rows.Err()
}

// --- Scan helpers ---

func scanSQLiteAccount(row sqlRow) (model.Account, error) {
	var a model.Account
	var balance string
	var compounded sql.NullInt64
	var created int64
	if err := row.Scan(&a.ID, &a.PlayerID, &a.Status, &balance, &compounded, &created); err != nil {
		return model.Account{}, sqliteErr("get account", err)
	}
	a.Balance = dec(balance)
	a.LastCompoundedAt = timePtr(compounded)
	a.CreatedAt = fromMillis(created)
	return a, nil
}

func scanSQLiteRace(row sqlRow) (model.Race, error) {
	var r model.Race
	var pool string
	var starts, created int64
	var ends, w1, w2, w3 sql.NullInt64
	err := row.Scan(&r.ID, &r.Name, &pool, &starts, &ends,
		&w1, &w2, &w3,
		&r.WinnerIGNs[0], &r.WinnerIGNs[1], &r.WinnerIGNs[2],
		&r.JockeyCount, &created)
	if err != nil {
		return model.Race{}, sqliteErr("get race", err)
	}
	r.PrizePool = dec(pool)
	r.StartsAt = fromMillis(starts)
	r.EndsAt = timePtr(ends)
	r.Winners = [model.Podium]*int64{idPtr(w1), idPtr(w2), idPtr(w3)}
	r.CreatedAt = fromMillis(created)
	return r, nil
}

func scanSQLiteTransactions(rows *sql.Rows) ([]model.Transaction, error) {
	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var txnType, amount, delta, after string
		var feePct sql.NullString
		var created int64
		if err := rows.Scan(&t.ID, &t.AccountID, &t.IGN, &txnType, &amount,
			&delta, &after, &feePct, &t.Note, &created); err != nil {
			return nil, err
		}
		t.Type = model.TxnType(txnType)
		t.Amount = dec(amount)
		t.EffectiveDelta = dec(delta)
		t.BalanceAfter = dec(after)
		if feePct.Valid {
			t.FeePct = decPtr(&feePct.String)
		}
		t.CreatedAt = fromMillis(created)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// sqliteErr translates driver errors into store sentinels.
func sqliteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("%s: %w", op, ErrDuplicate)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sqlitePage appends LIMIT/OFFSET; limit <= 0 means no limit.
func sqlitePage(query string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return query, args
	}
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	return query, append(args, limit, offset)
}

var _ Store = (*SQLiteStore)(nil)
