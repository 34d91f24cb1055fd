package recorder

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/orders"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

// SQLite persists the audit trail to a SQLite database.
type SQLite struct {
	db  *sql.DB
	mu  sync.Mutex
	log zerolog.Logger
}

// NewSQLite opens (or creates) the database and runs migrations.
func NewSQLite(dbPath string, log zerolog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode so dashboards can read while the bot writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	r := &SQLite{db: db, log: log.With().Str("component", "recorder").Logger()}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	r.log.Info().Str("path", dbPath).Msg("sqlite recorder opened")
	return r, nil
}

func (r *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id    TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			action       TEXT NOT NULL,
			composite    REAL,
			confidence   REAL,
			target_price REAL,
			stop_loss    REAL,
			risk_tag     TEXT,
			rationale    TEXT,
			generated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals(generated_at)`,

		`CREATE TABLE IF NOT EXISTS decisions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id       TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			action          TEXT NOT NULL,
			verdict         TEXT NOT NULL,
			quantity        INTEGER,
			notional        REAL,
			triggered_rules TEXT,
			risk_score      REAL,
			params_version  INTEGER,
			evaluated_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(evaluated_at)`,

		`CREATE TABLE IF NOT EXISTS order_transitions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id        TEXT NOT NULL,
			signal_id       TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			side            TEXT NOT NULL,
			quantity        INTEGER NOT NULL,
			filled_quantity INTEGER NOT NULL,
			from_state      TEXT,
			to_state        TEXT NOT NULL,
			reason          TEXT,
			idempotency_key TEXT NOT NULL,
			at              INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_order ON order_transitions(order_id, at)`,

		`CREATE TABLE IF NOT EXISTS snapshots (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at    INTEGER NOT NULL,
			session     TEXT NOT NULL,
			cash        REAL,
			total_value REAL,
			daily_pnl   REAL,
			positions   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_ts ON snapshots(taken_at)`,
	}

	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:40], err)
		}
	}
	return nil
}

func (r *SQLite) RecordSignal(sig *signal.TradingSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO signals
		(signal_id, symbol, action, composite, confidence, target_price, stop_loss, risk_tag, rationale, generated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sig.ID, sig.Symbol, string(sig.Action), sig.Composite, sig.Confidence,
		sig.TargetPrice, sig.StopLoss, string(sig.RiskTag), sig.Rationale,
		sig.GeneratedAt.Unix(),
	)
	return err
}

func (r *SQLite) RecordDecision(d risk.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules := make([]string, len(d.TriggeredRules))
	for i, rule := range d.TriggeredRules {
		rules[i] = string(rule)
	}

	_, err := r.db.Exec(`INSERT INTO decisions
		(signal_id, symbol, action, verdict, quantity, notional, triggered_rules, risk_score, params_version, evaluated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.SignalID, d.Symbol, string(d.Action), string(d.Verdict),
		d.Quantity, d.Notional, strings.Join(rules, ","),
		d.RiskScore, d.ParamsVersion, d.EvaluatedAt.Unix(),
	)
	return err
}

func (r *SQLite) RecordTransition(o orders.Order, t orders.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`INSERT INTO order_transitions
		(order_id, signal_id, symbol, side, quantity, filled_quantity, from_state, to_state, reason, idempotency_key, at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.SignalID, o.Symbol, o.Side, o.Quantity, o.FilledQuantity,
		string(t.From), string(t.To), t.Reason, o.IdempotencyKey, t.At.Unix(),
	)
	return err
}

func (r *SQLite) RecordSnapshot(snap ledger.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`INSERT INTO snapshots
		(taken_at, session, cash, total_value, daily_pnl, positions)
		VALUES (?,?,?,?,?,?)`,
		snap.TakenAt.Unix(), snap.Session, snap.Cash, snap.TotalValue, snap.DailyPnL,
		string(positions),
	)
	return err
}

// UnresolvedOrders returns each order whose most recent transition left it in
// a non-terminal state.
func (r *SQLite) UnresolvedOrders() ([]StoredOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`
		SELECT t.order_id, t.signal_id, t.symbol, t.side, t.quantity, t.filled_quantity, t.to_state, t.idempotency_key, t.at
		FROM order_transitions t
		JOIN (
			SELECT order_id, MAX(id) AS max_id
			FROM order_transitions
			GROUP BY order_id
		) latest ON t.id = latest.max_id
		WHERE t.to_state IN (?, ?, ?)`,
		string(orders.StatePending), string(orders.StateSubmitted), string(orders.StatePartiallyFilled),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredOrder
	for rows.Next() {
		var so StoredOrder
		var state string
		var at int64
		if err := rows.Scan(&so.OrderID, &so.SignalID, &so.Symbol, &so.Side,
			&so.Quantity, &so.FilledQuantity, &state, &so.IdempotencyKey, &at); err != nil {
			return nil, err
		}
		so.State = orders.State(state)
		so.UpdatedAt = time.Unix(at, 0).UTC()
		out = append(out, so)
	}
	return out, rows.Err()
}

func (r *SQLite) Close() error {
	r.log.Info().Msg("closing sqlite recorder")
	return r.db.Close()
}
