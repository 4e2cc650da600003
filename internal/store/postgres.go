package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/factions/bank-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// travel as text so they never pass through float64.
//
// InTx runs at READ COMMITTED; every read-modify-write target is selected
// FOR UPDATE, so concurrent writers to the same account or race queue on the
// row lock instead of losing updates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const pgUniqueViolation = "23505"

// pgQueryer is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQueryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type pgTx struct {
	q pgQueryer
}

// --- Settings ---

func (t *pgTx) BankSettings(ctx context.Context) (model.BankSettings, error) {
	return pgBankSettings(ctx, t.q)
}

func (t *pgTx) RaceSettings(ctx context.Context) (model.RaceSettings, error) {
	return pgRaceSettings(ctx, t.q)
}

func (s *PostgresStore) BankSettings(ctx context.Context) (model.BankSettings, error) {
	return pgBankSettings(ctx, s.pool)
}

func (s *PostgresStore) RaceSettings(ctx context.Context) (model.RaceSettings, error) {
	return pgRaceSettings(ctx, s.pool)
}

func pgBankSettings(ctx context.Context, q pgQueryer) (model.BankSettings, error) {
	var fee, normal, premium, requirement string
	err := q.QueryRow(ctx,
		`SELECT payout_fee_pct::TEXT, normal_interest_rate::TEXT,
		        premium_interest_rate::TEXT, premium_balance_requirement::TEXT
		 FROM settings WHERE id = 1`).
		Scan(&fee, &normal, &premium, &requirement)
	if err != nil {
		return model.BankSettings{}, pgErr("get bank settings", err)
	}
	return model.BankSettings{
		PayoutFeePct:              dec(fee),
		NormalInterestRate:        dec(normal),
		PremiumInterestRate:       dec(premium),
		PremiumBalanceRequirement: dec(requirement),
	}, nil
}

func pgRaceSettings(ctx context.Context, q pgQueryer) (model.RaceSettings, error) {
	var first, second, third, fee, imperial string
	var rs model.RaceSettings
	err := q.QueryRow(ctx,
		`SELECT winner_cut_pct::TEXT, second_cut_pct::TEXT, third_cut_pct::TEXT,
		        entry_fee::TEXT, imperial_cut_pct::TEXT, rules
		 FROM horse_race_settings WHERE id = 1`).
		Scan(&first, &second, &third, &fee, &imperial, &rs.Rules)
	if err != nil {
		return model.RaceSettings{}, pgErr("get race settings", err)
	}
	rs.WinnerCutPct = dec(first)
	rs.SecondCutPct = dec(second)
	rs.ThirdCutPct = dec(third)
	rs.EntryFee = dec(fee)
	rs.ImperialCutPct = dec(imperial)
	return rs, nil
}

func (t *pgTx) SaveBankSettings(ctx context.Context, bs model.BankSettings) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO settings (id, payout_fee_pct, normal_interest_rate, premium_interest_rate,
		                       premium_balance_requirement, updated_at)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, now())
		 ON CONFLICT (id) DO UPDATE SET
		     payout_fee_pct = EXCLUDED.payout_fee_pct,
		     normal_interest_rate = EXCLUDED.normal_interest_rate,
		     premium_interest_rate = EXCLUDED.premium_interest_rate,
		     premium_balance_requirement = EXCLUDED.premium_balance_requirement,
		     updated_at = EXCLUDED.updated_at`,
		bs.PayoutFeePct.String(), bs.NormalInterestRate.String(),
		bs.PremiumInterestRate.String(), bs.PremiumBalanceRequirement.String(),
	)
	return pgErr("save bank settings", err)
}

func (t *pgTx) InsertRateChange(ctx context.Context, c *model.RateChange) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO interest_rate_history (normal_interest_rate, premium_interest_rate,
		                                    premium_balance_requirement, payout_fee_pct, created_at)
		 VALUES ($1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)
		 RETURNING id`,
		c.NormalInterestRate.String(), c.PremiumInterestRate.String(),
		c.PremiumBalanceRequirement.String(), c.PayoutFeePct.String(), c.ChangedAt,
	).Scan(&c.ID)
	return pgErr("insert rate change", err)
}

func (t *pgTx) SaveRaceSettings(ctx context.Context, rs model.RaceSettings) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO horse_race_settings (id, winner_cut_pct, second_cut_pct, third_cut_pct,
		                                  entry_fee, imperial_cut_pct, rules)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     winner_cut_pct = EXCLUDED.winner_cut_pct,
		     second_cut_pct = EXCLUDED.second_cut_pct,
		     third_cut_pct = EXCLUDED.third_cut_pct,
		     entry_fee = EXCLUDED.entry_fee,
		     imperial_cut_pct = EXCLUDED.imperial_cut_pct,
		     rules = EXCLUDED.rules`,
		rs.WinnerCutPct.String(), rs.SecondCutPct.String(), rs.ThirdCutPct.String(),
		rs.EntryFee.String(), rs.ImperialCutPct.String(), rs.Rules,
	)
	return pgErr("save race settings", err)
}

// --- Players and accounts ---

func (t *pgTx) UpsertPlayer(ctx context.Context, ign string, now time.Time) (model.Player, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO players (ign, created_at) VALUES ($1, $2) ON CONFLICT (ign) DO NOTHING`,
		ign, now); err != nil {
		return model.Player{}, pgErr("upsert player", err)
	}
	return t.PlayerByIGN(ctx, ign)
}

func (t *pgTx) PlayerByIGN(ctx context.Context, ign string) (model.Player, error) {
	var p model.Player
	err := t.q.QueryRow(ctx,
		`SELECT id, ign, created_at FROM players WHERE ign = $1`, ign).
		Scan(&p.ID, &p.IGN, &p.CreatedAt)
	if err != nil {
		return model.Player{}, pgErr("get player "+ign, err)
	}
	return p, nil
}

const pgAccountColumns = `id, player_id, status, balance::TEXT, last_compounded_at, created_at`

func (t *pgTx) UpsertActiveAccount(ctx context.Context, playerID int64, now time.Time) (model.Account, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO accounts (player_id, status, balance, created_at)
		 VALUES ($1, 'active', 0, $2)
		 ON CONFLICT (player_id) WHERE status = 'active' DO NOTHING`,
		playerID, now); err != nil {
		return model.Account{}, pgErr("upsert account", err)
	}
	return scanAccount(t.q.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE player_id = $1 AND status = 'active'`, playerID))
}

func (t *pgTx) LockAccount(ctx context.Context, accountID int64) (model.Account, error) {
	return scanAccount(t.q.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
}

func (t *pgTx) LockActiveAccount(ctx context.Context, playerID int64) (model.Account, error) {
	return scanAccount(t.q.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts
		 WHERE player_id = $1 AND status = 'active' FOR UPDATE`, playerID))
}

func (t *pgTx) UpdateAccount(ctx context.Context, a model.Account) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, last_compounded_at = $3 WHERE id = $1`,
		a.ID, a.Balance.String(), a.LastCompoundedAt)
	if err != nil {
		return pgErr("update account", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update account %d: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *model.Transaction) error {
	var feePct *string
	if txn.FeePct != nil {
		s := txn.FeePct.String()
		feePct = &s
	}
	err := t.q.QueryRow(ctx,
		`WITH ins AS (
		     INSERT INTO transactions (account_id, txn_type, amount, effective_delta,
		                               balance_after, fee_pct, note, created_at)
		     VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		     RETURNING id, account_id
		 )
		 SELECT ins.id, p.ign FROM ins
		 JOIN accounts a ON a.id = ins.account_id
		 JOIN players p ON p.id = a.player_id`,
		txn.AccountID, string(txn.Type), txn.Amount.String(), txn.EffectiveDelta.String(),
		txn.BalanceAfter.String(), feePct, txn.Note, txn.CreatedAt,
	).Scan(&txn.ID, &txn.IGN)
	return pgErr("insert transaction", err)
}

// --- Races ---

const pgRaceSelect = `SELECT r.id, r.name, r.prize_pool::TEXT, r.starts_at, r.ends_at,
	       r.winner1_id, r.winner2_id, r.winner3_id,
	       COALESCE(w1.ign, ''), COALESCE(w2.ign, ''), COALESCE(w3.ign, ''),
	       (SELECT COUNT(*) FROM horse_jockeys hj WHERE hj.race_id = r.id),
	       r.created_at
	FROM horse_races r
	LEFT JOIN players w1 ON w1.id = r.winner1_id
	LEFT JOIN players w2 ON w2.id = r.winner2_id
	LEFT JOIN players w3 ON w3.id = r.winner3_id`

func (t *pgTx) LockCurrentRace(ctx context.Context) (model.Race, error) {
	var current *int64
	if err := t.q.QueryRow(ctx,
		`SELECT current_race_id FROM race_control WHERE id = 1 FOR UPDATE`).Scan(&current); err != nil {
		return model.Race{}, pgErr("lock race control", err)
	}
	if current == nil {
		return model.Race{}, ErrNotFound
	}
	return scanRace(t.q.QueryRow(ctx, pgRaceSelect+` WHERE r.id = $1 FOR UPDATE OF r`, *current))
}

func (t *pgTx) InsertRace(ctx context.Context, r *model.Race) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO horse_races (name, prize_pool, starts_at, created_at)
		 VALUES ($1, $2::NUMERIC, $3, $4) RETURNING id`,
		r.Name, r.PrizePool.String(), r.StartsAt, r.CreatedAt,
	).Scan(&r.ID)
	return pgErr("insert race", err)
}

func (t *pgTx) SetCurrentRace(ctx context.Context, raceID int64) error {
	var current *int64
	if raceID != 0 {
		current = &raceID
	}
	_, err := t.q.Exec(ctx, `UPDATE race_control SET current_race_id = $1 WHERE id = 1`, current)
	return pgErr("set current race", err)
}

func (t *pgTx) UpdateRace(ctx context.Context, r model.Race) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE horse_races
		 SET prize_pool = $2::NUMERIC, winner1_id = $3, winner2_id = $4, winner3_id = $5, ends_at = $6
		 WHERE id = $1`,
		r.ID, r.PrizePool.String(), r.Winners[0], r.Winners[1], r.Winners[2], r.EndsAt)
	if err != nil {
		return pgErr("update race", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update race %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) IsEnrolled(ctx context.Context, raceID, playerID int64) (bool, error) {
	var enrolled bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM horse_jockeys WHERE race_id = $1 AND player_id = $2)`,
		raceID, playerID).Scan(&enrolled)
	return enrolled, pgErr("check enrollment", err)
}

func (t *pgTx) InsertJockey(ctx context.Context, j model.Jockey) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO horse_jockeys (race_id, player_id, joined_at) VALUES ($1, $2, $3)`,
		j.RaceID, j.PlayerID, j.JoinedAt)
	return pgErr("insert jockey", err)
}

// --- Reads ---

func (s *PostgresStore) Account(ctx context.Context, accountID int64) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, accountID))
}

func (s *PostgresStore) ActiveAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM accounts WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *PostgresStore) ListPlayers(ctx context.Context, f PlayerFilter) ([]model.PlayerBalance, error) {
	var args []any
	sql := `SELECT p.ign, a.id, a.balance::TEXT, a.last_compounded_at, p.created_at
		FROM players p
		JOIN accounts a ON a.player_id = p.id AND a.status = 'active'`
	if f.Query != "" {
		args = append(args, likePattern(f.Query))
		sql += fmt.Sprintf(` WHERE p.ign ILIKE $%d ESCAPE '\'`, len(args))
	}
	sql += ` ORDER BY a.balance DESC, a.id`
	sql, args = pgPage(sql, args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []model.PlayerBalance
	for rows.Next() {
		var p model.PlayerBalance
		var balance string
		if err := rows.Scan(&p.IGN, &p.AccountID, &balance, &p.LastCompoundedAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Balance = dec(balance)
		players = append(players, p)
	}
	return players, rows.Err()
}

const pgTxnSelect = `SELECT t.id, t.account_id, p.ign, t.txn_type, t.amount::TEXT,
	       t.effective_delta::TEXT, t.balance_after::TEXT, t.fee_pct::TEXT, t.note, t.created_at
	FROM transactions t
	JOIN accounts a ON a.id = t.account_id
	JOIN players p ON p.id = a.player_id`

func (s *PostgresStore) ListTransactions(ctx context.Context, f TxnFilter) ([]model.Transaction, error) {
	var args []any
	var where []string
	if f.IGN != "" {
		args = append(args, likePattern(f.IGN))
		where = append(where, fmt.Sprintf(`p.ign ILIKE $%d ESCAPE '\'`, len(args)))
	}
	if f.AccountID != 0 {
		args = append(args, f.AccountID)
		where = append(where, fmt.Sprintf(`t.account_id = $%d`, len(args)))
	}
	sql := pgTxnSelect
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, ` AND `)
	}
	sql += ` ORDER BY t.id DESC`
	sql, args = pgPage(sql, args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) AccountTransactions(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, pgTxnSelect+` WHERE t.account_id = $1 ORDER BY t.id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) TotalActiveBalance(ctx context.Context) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(balance), 0)::TEXT FROM accounts WHERE status = 'active'`).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(total), nil
}

func (s *PostgresStore) RateHistory(ctx context.Context, limit int) ([]model.RateChange, error) {
	sql, args := pgPage(
		`SELECT id, normal_interest_rate::TEXT, premium_interest_rate::TEXT,
		        premium_balance_requirement::TEXT, payout_fee_pct::TEXT, created_at
		 FROM interest_rate_history ORDER BY created_at, id`, nil, limit, 0)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.RateChange
	for rows.Next() {
		var c model.RateChange
		var normal, premium, requirement, fee string
		if err := rows.Scan(&c.ID, &normal, &premium, &requirement, &fee, &c.ChangedAt); err != nil {
			return nil, err
		}
		c.NormalInterestRate = dec(normal)
		c.PremiumInterestRate = dec(premium)
		c.PremiumBalanceRequirement = dec(requirement)
		c.PayoutFeePct = dec(fee)
		history = append(history, c)
	}
	return history, rows.Err()
}

func (s *PostgresStore) Race(ctx context.Context, raceID int64) (model.Race, error) {
	return scanRace(s.pool.QueryRow(ctx, pgRaceSelect+` WHERE r.id = $1`, raceID))
}

func (s *PostgresStore) LatestRace(ctx context.Context) (model.Race, error) {
	return scanRace(s.pool.QueryRow(ctx, pgRaceSelect+` ORDER BY r.id DESC LIMIT 1`))
}

func (s *PostgresStore) ListRaces(ctx context.Context) ([]model.Race, error) {
	rows, err := s.pool.Query(ctx, pgRaceSelect+` ORDER BY r.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var races []model.Race
	for rows.Next() {
		r, err := scanRace(rows)
		if err != nil {
			return nil, err
		}
		races = append(races, r)
	}
	return races, rows.Err()
}

func (s *PostgresStore) RaceJockeys(ctx context.Context, raceID int64) ([]model.Jockey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hj.race_id, hj.player_id, p.ign, hj.joined_at
		 FROM horse_jockeys hj
		 JOIN players p ON p.id = hj.player_id
		 WHERE hj.race_id = $1
		 ORDER BY hj.joined_at, hj.id`, raceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jockeys []model.Jockey
	for rows.Next() {
		var j model.Jockey
		if err := rows.Scan(&j.RaceID, &j.PlayerID, &j.IGN, &j.JoinedAt); err != nil {
			return nil, err
		}
		jockeys = append(jockeys, j)
	}
	return jockeys, rows.Err()
}

// --- Scan helpers ---

func scanAccount(row pgx.Row) (model.Account, error) {
	var a model.Account
	var balance string
	if err := row.Scan(&a.ID, &a.PlayerID, &a.Status, &balance, &a.LastCompoundedAt, &a.CreatedAt); err != nil {
		return model.Account{}, pgErr("get account", err)
	}
	a.Balance = dec(balance)
	return a, nil
}

func scanRace(row pgx.Row) (model.Race, error) {
	var r model.Race
	var pool string
	err := row.Scan(&r.ID, &r.Name, &pool, &r.StartsAt, &r.EndsAt,
		&r.Winners[0], &r.Winners[1], &r.Winners[2],
		&r.WinnerIGNs[0], &r.WinnerIGNs[1], &r.WinnerIGNs[2],
		&r.JockeyCount, &r.CreatedAt)
	if err != nil {
		return model.Race{}, pgErr("get race", err)
	}
	r.PrizePool = dec(pool)
	return r, nil
}

func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	var txns []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var txnType, amount, delta, after string
		var feePct *string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.IGN, &txnType, &amount,
			&delta, &after, &feePct, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = model.TxnType(txnType)
		t.Amount = dec(amount)
		t.EffectiveDelta = dec(delta)
		t.BalanceAfter = dec(after)
		t.FeePct = decPtr(feePct)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// pgErr translates driver errors into store sentinels.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// pgPage appends LIMIT/OFFSET placeholders; limit <= 0 means no limit.
func pgPage(sql string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		sql += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	return sql, args
}

var _ Store = (*PostgresStore)(nil)
