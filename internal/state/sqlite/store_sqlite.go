package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"funding-autopilot/internal/market"
	"funding-autopilot/internal/state"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			long_exchange TEXT NOT NULL,
			short_exchange TEXT NOT NULL,
			entry_long_price REAL NOT NULL,
			entry_short_price REAL NOT NULL,
			size_eur REAL NOT NULL,
			leverage REAL NOT NULL,
			risk_tier TEXT NOT NULL,
			funding_spread_8h REAL NOT NULL,
			score INTEGER NOT NULL,
			entry_time_ms INTEGER NOT NULL,
			funding_interval_hours REAL NOT NULL,
			funding_collected_eur REAL NOT NULL DEFAULT 0,
			intervals_collected INTEGER NOT NULL DEFAULT 0,
			current_long_price REAL NOT NULL DEFAULT 0,
			has_current_long INTEGER NOT NULL DEFAULT 0,
			current_short_price REAL NOT NULL DEFAULT 0,
			has_current_short INTEGER NOT NULL DEFAULT 0,
			unrealized_pnl_eur REAL NOT NULL DEFAULT 0,
			unrealized_pnl_pct REAL NOT NULL DEFAULT 0,
			drift_pct REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			exit_time_ms INTEGER NOT NULL DEFAULT 0,
			exit_long_price REAL NOT NULL DEFAULT 0,
			exit_short_price REAL NOT NULL DEFAULT 0,
			realized_pnl_eur REAL NOT NULL DEFAULT 0,
			exit_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE TABLE IF NOT EXISTS risk_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			running INTEGER NOT NULL,
			dry_run INTEGER NOT NULL,
			kill_switch_active INTEGER NOT NULL,
			kill_switch_reason TEXT NOT NULL DEFAULT '',
			level TEXT NOT NULL,
			daily_drawdown_eur REAL NOT NULL DEFAULT 0,
			bucket_counts TEXT NOT NULL DEFAULT '{}',
			total_realized_pnl_eur REAL NOT NULL DEFAULT 0,
			total_funding_eur REAL NOT NULL DEFAULT 0,
			last_scan_ms INTEGER NOT NULL DEFAULT 0,
			last_trade_ms INTEGER NOT NULL DEFAULT 0,
			updated_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS control_commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			enqueued_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS market_metrics (
			symbol TEXT NOT NULL,
			exchange TEXT NOT NULL,
			funding_rate REAL NOT NULL,
			interval_hours REAL NOT NULL,
			mark_price REAL NOT NULL,
			spread_bps REAL NOT NULL DEFAULT 0,
			liquidity_score REAL NOT NULL DEFAULT 0,
			volatility_mult REAL NOT NULL DEFAULT 1,
			observed_ms INTEGER NOT NULL,
			PRIMARY KEY (symbol, exchange)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func msFromTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) InsertPosition(ctx context.Context, pos state.HedgePosition) error {
	if pos.ID == "" {
		return errors.New("position id is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO positions (
		id, symbol, long_exchange, short_exchange, entry_long_price, entry_short_price,
		size_eur, leverage, risk_tier, funding_spread_8h, score, entry_time_ms,
		funding_interval_hours, funding_collected_eur, intervals_collected,
		current_long_price, has_current_long, current_short_price, has_current_short,
		unrealized_pnl_eur, unrealized_pnl_pct, drift_pct, status,
		exit_time_ms, exit_long_price, exit_short_price, realized_pnl_eur, exit_reason
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		pos.ID, pos.Symbol, pos.LongExchange, pos.ShortExchange, pos.EntryLongPrice, pos.EntryShortPrice,
		pos.SizeEUR, pos.Leverage, pos.RiskTier, pos.FundingSpread8h, pos.Score, msFromTime(pos.EntryTime),
		pos.FundingIntervalHours, pos.FundingCollectedEUR, pos.IntervalsCollected,
		pos.CurrentLongPrice, boolToInt(pos.HasCurrentLong), pos.CurrentShortPrice, boolToInt(pos.HasCurrentShort),
		pos.UnrealizedPnlEUR, pos.UnrealizedPnlPct, pos.DriftPct, string(pos.Status),
		msFromTime(pos.ExitTime), pos.ExitLongPrice, pos.ExitShortPrice, pos.RealizedPnlEUR, pos.ExitReason,
	)
	return err
}

// UpdatePosition never touches the entry columns; they are immutable once set.
func (s *Store) UpdatePosition(ctx context.Context, pos state.HedgePosition) error {
	res, err := s.db.ExecContext(ctx, `UPDATE positions SET
		funding_collected_eur = ?, intervals_collected = ?,
		current_long_price = ?, has_current_long = ?,
		current_short_price = ?, has_current_short = ?,
		unrealized_pnl_eur = ?, unrealized_pnl_pct = ?, drift_pct = ?,
		status = ?, exit_time_ms = ?, exit_long_price = ?, exit_short_price = ?,
		realized_pnl_eur = ?, exit_reason = ?
	WHERE id = ?`,
		pos.FundingCollectedEUR, pos.IntervalsCollected,
		pos.CurrentLongPrice, boolToInt(pos.HasCurrentLong),
		pos.CurrentShortPrice, boolToInt(pos.HasCurrentShort),
		pos.UnrealizedPnlEUR, pos.UnrealizedPnlPct, pos.DriftPct,
		string(pos.Status), msFromTime(pos.ExitTime), pos.ExitLongPrice, pos.ExitShortPrice,
		pos.RealizedPnlEUR, pos.ExitReason,
		pos.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.New("position not found: " + pos.ID)
	}
	return nil
}

const positionColumns = `id, symbol, long_exchange, short_exchange, entry_long_price, entry_short_price,
	size_eur, leverage, risk_tier, funding_spread_8h, score, entry_time_ms,
	funding_interval_hours, funding_collected_eur, intervals_collected,
	current_long_price, has_current_long, current_short_price, has_current_short,
	unrealized_pnl_eur, unrealized_pnl_pct, drift_pct, status,
	exit_time_ms, exit_long_price, exit_short_price, realized_pnl_eur, exit_reason`

func scanPosition(row interface{ Scan(...any) error }) (state.HedgePosition, error) {
	var pos state.HedgePosition
	var entryMS, exitMS int64
	var hasLong, hasShort int
	var status string
	err := row.Scan(
		&pos.ID, &pos.Symbol, &pos.LongExchange, &pos.ShortExchange, &pos.EntryLongPrice, &pos.EntryShortPrice,
		&pos.SizeEUR, &pos.Leverage, &pos.RiskTier, &pos.FundingSpread8h, &pos.Score, &entryMS,
		&pos.FundingIntervalHours, &pos.FundingCollectedEUR, &pos.IntervalsCollected,
		&pos.CurrentLongPrice, &hasLong, &pos.CurrentShortPrice, &hasShort,
		&pos.UnrealizedPnlEUR, &pos.UnrealizedPnlPct, &pos.DriftPct, &status,
		&exitMS, &pos.ExitLongPrice, &pos.ExitShortPrice, &pos.RealizedPnlEUR, &pos.ExitReason,
	)
	if err != nil {
		return state.HedgePosition{}, err
	}
	pos.EntryTime = timeFromMS(entryMS)
	pos.ExitTime = timeFromMS(exitMS)
	pos.HasCurrentLong = hasLong != 0
	pos.HasCurrentShort = hasShort != 0
	pos.Status = state.PositionStatus(status)
	return pos, nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (state.HedgePosition, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.HedgePosition{}, false, nil
		}
		return state.HedgePosition{}, false, err
	}
	return pos, true, nil
}

func (s *Store) OpenPositions(ctx context.Context) ([]state.HedgePosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE status = ? ORDER BY entry_time_ms`, string(state.PositionOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.HedgePosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (s *Store) LoadRiskState(ctx context.Context) (state.RiskState, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT running, dry_run, kill_switch_active, kill_switch_reason, level,
		daily_drawdown_eur, bucket_counts, total_realized_pnl_eur, total_funding_eur,
		last_scan_ms, last_trade_ms, updated_ms FROM risk_state WHERE id = 1`)
	var rs state.RiskState
	var running, dryRun, killActive int
	var level, buckets string
	var scanMS, tradeMS, updatedMS int64
	err := row.Scan(&running, &dryRun, &killActive, &rs.KillSwitchReason, &level,
		&rs.DailyDrawdownEUR, &buckets, &rs.TotalRealizedPnlEUR, &rs.TotalFundingEUR,
		&scanMS, &tradeMS, &updatedMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.RiskState{}, false, nil
		}
		return state.RiskState{}, false, err
	}
	rs.Running = running != 0
	rs.DryRun = dryRun != 0
	rs.KillSwitchActive = killActive != 0
	rs.Level = state.RiskLevel(level)
	rs.LastScanAt = timeFromMS(scanMS)
	rs.LastTradeAt = timeFromMS(tradeMS)
	rs.UpdatedAt = timeFromMS(updatedMS)
	rs.BucketCounts = map[string]int{}
	if buckets != "" {
		if err := json.Unmarshal([]byte(buckets), &rs.BucketCounts); err != nil {
			return state.RiskState{}, false, err
		}
	}
	return rs, true, nil
}

func (s *Store) SaveRiskState(ctx context.Context, rs state.RiskState) error {
	buckets, err := json.Marshal(rs.BucketCounts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO risk_state (
		id, running, dry_run, kill_switch_active, kill_switch_reason, level,
		daily_drawdown_eur, bucket_counts, total_realized_pnl_eur, total_funding_eur,
		last_scan_ms, last_trade_ms, updated_ms
	) VALUES (1,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
		running = excluded.running,
		dry_run = excluded.dry_run,
		kill_switch_active = excluded.kill_switch_active,
		kill_switch_reason = excluded.kill_switch_reason,
		level = excluded.level,
		daily_drawdown_eur = excluded.daily_drawdown_eur,
		bucket_counts = excluded.bucket_counts,
		total_realized_pnl_eur = excluded.total_realized_pnl_eur,
		total_funding_eur = excluded.total_funding_eur,
		last_scan_ms = excluded.last_scan_ms,
		last_trade_ms = excluded.last_trade_ms,
		updated_ms = excluded.updated_ms`,
		boolToInt(rs.Running), boolToInt(rs.DryRun), boolToInt(rs.KillSwitchActive), rs.KillSwitchReason, string(rs.Level),
		rs.DailyDrawdownEUR, string(buckets), rs.TotalRealizedPnlEUR, rs.TotalFundingEUR,
		msFromTime(rs.LastScanAt), msFromTime(rs.LastTradeAt), msFromTime(rs.UpdatedAt),
	)
	return err
}

func (s *Store) AddRealized(ctx context.Context, pnlEUR, fundingEUR float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE risk_state SET
		total_realized_pnl_eur = total_realized_pnl_eur + ?,
		total_funding_eur = total_funding_eur + ?
	WHERE id = 1`, pnlEUR, fundingEUR)
	return err
}

func (s *Store) EnqueueCommand(ctx context.Context, cmd state.Command) error {
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO control_commands (type, payload, enqueued_ms) VALUES (?,?,?)`,
		string(cmd.Type), string(payload), msFromTime(cmd.EnqueuedAt))
	return err
}

func (s *Store) DrainCommands(ctx context.Context) ([]state.Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	rows, err := tx.QueryContext(ctx, `SELECT id, payload FROM control_commands ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var out []state.Command
	var ids []int64
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		var cmd state.Command
		if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
			rows.Close()
			return nil, err
		}
		cmd.ID = id
		out = append(out, cmd)
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM control_commands WHERE id = ?`, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertMetric stores the newest snapshot for a (symbol, exchange) pair.
// The metric feeder process writes through this; the engine only reads.
func (s *Store) UpsertMetric(ctx context.Context, m market.Metric) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO market_metrics (
		symbol, exchange, funding_rate, interval_hours, mark_price,
		spread_bps, liquidity_score, volatility_mult, observed_ms
	) VALUES (?,?,?,?,?,?,?,?,?)
	ON CONFLICT(symbol, exchange) DO UPDATE SET
		funding_rate = excluded.funding_rate,
		interval_hours = excluded.interval_hours,
		mark_price = excluded.mark_price,
		spread_bps = excluded.spread_bps,
		liquidity_score = excluded.liquidity_score,
		volatility_mult = excluded.volatility_mult,
		observed_ms = excluded.observed_ms`,
		m.Symbol, m.Exchange, m.FundingRate, m.IntervalHours, m.MarkPrice,
		m.SpreadBps, m.LiquidityScore, m.VolatilityMult, msFromTime(m.ObservedAt),
	)
	return err
}

func (s *Store) LatestMetrics(ctx context.Context) ([]market.Metric, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, exchange, funding_rate, interval_hours, mark_price,
		spread_bps, liquidity_score, volatility_mult, observed_ms FROM market_metrics`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Metric
	for rows.Next() {
		var m market.Metric
		var observedMS int64
		if err := rows.Scan(&m.Symbol, &m.Exchange, &m.FundingRate, &m.IntervalHours, &m.MarkPrice,
			&m.SpreadBps, &m.LiquidityScore, &m.VolatilityMult, &observedMS); err != nil {
			return nil, err
		}
		m.ObservedAt = timeFromMS(observedMS)
		out = append(out, m)
	}
	return out, rows.Err()
}
