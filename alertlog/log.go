// Package alertlog provides the SQLite-backed durable log of alerts and
// order records. The log is append-only: rows are inserted with the id the
// dispatcher minted and are never updated, so consumers can resume from
// "last seen id" without gaps or duplicates.
package alertlog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"imbalance-trader-go/market"
	"imbalance-trader-go/order"

	_ "modernc.org/sqlite"
)

// Log wraps a SQLite database for alert, order, and checkpoint persistence.
type Log struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at dbPath and verifies the schema.
func Open(dbPath string) (*Log, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("alertlog: db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l := &Log{db: db, path: dbPath}
	if err := l.createTables(); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id                INTEGER PRIMARY KEY,
			symbol            TEXT NOT NULL,
			direction         TEXT NOT NULL,
			price             REAL NOT NULL,
			bid_total         INTEGER NOT NULL,
			ask_total         INTEGER NOT NULL,
			heavy_venue_count INTEGER NOT NULL,
			created_at        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id        TEXT PRIMARY KEY,
			alert_id        INTEGER NOT NULL,
			symbol          TEXT NOT NULL,
			side            TEXT NOT NULL,
			quantity        REAL NOT NULL,
			order_type      TEXT NOT NULL,
			limit_price     REAL,
			status          TEXT NOT NULL,
			submit_time     INTEGER,
			fill_time       INTEGER,
			filled_qty      REAL NOT NULL DEFAULT 0,
			slippage_bps    REAL NOT NULL DEFAULT 0,
			fallback_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoint (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_symbol ON alerts(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_alert ON orders(alert_id)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts an alert under the id the dispatcher assigned. The log
// honors the external id as if it were its own auto-increment so both
// delivery paths name the same event identically.
func (l *Log) Append(a market.Alert) error {
	_, err := l.db.Exec(`
		INSERT INTO alerts
			(id, symbol, direction, price, bid_total, ask_total, heavy_venue_count, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Symbol, string(a.Direction), a.Price,
		a.BidTotal, a.AskTotal, a.HeavyVenueCount, a.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert alert %d: %w", a.ID, err)
	}
	return nil
}

// LastID returns the highest alert id present, or 0 for an empty log.
func (l *Log) LastID() (int64, error) {
	var id sql.NullInt64
	if err := l.db.QueryRow(`SELECT MAX(id) FROM alerts`).Scan(&id); err != nil {
		return 0, fmt.Errorf("query max alert id: %w", err)
	}
	return id.Int64, nil
}

// ReadAfter returns alerts with id > lastID in ascending id order.
func (l *Log) ReadAfter(lastID int64) ([]market.Alert, error) {
	rows, err := l.db.Query(`
		SELECT id, symbol, direction, price, bid_total, ask_total, heavy_venue_count, created_at
		FROM alerts WHERE id > ? ORDER BY id ASC`, lastID)
	if err != nil {
		return nil, fmt.Errorf("query alerts after %d: %w", lastID, err)
	}
	defer rows.Close()

	var alerts []market.Alert
	for rows.Next() {
		var a market.Alert
		var dir string
		var createdAtNano int64
		if err := rows.Scan(&a.ID, &a.Symbol, &dir, &a.Price,
			&a.BidTotal, &a.AskTotal, &a.HeavyVenueCount, &createdAtNano); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Direction = market.Direction(dir)
		a.CreatedAt = time.Unix(0, createdAtNano)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ModMarker returns a value that changes whenever the log file is written.
// The adaptive poller probes it to break out of a long backoff sleep.
func (l *Log) ModMarker() int64 {
	marker := int64(0)
	for _, p := range []string{l.path, l.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			if ns := info.ModTime().UnixNano(); ns > marker {
				marker = ns
			}
		}
	}
	return marker
}

// UpsertOrder writes an order record, replacing any prior row for the same
// order id so the row always reflects the latest transition.
func (l *Log) UpsertOrder(r order.Record) error {
	var submitNs, fillNs sql.NullInt64
	if !r.SubmitTime.IsZero() {
		submitNs = sql.NullInt64{Int64: r.SubmitTime.UnixNano(), Valid: true}
	}
	if !r.FillTime.IsZero() {
		fillNs = sql.NullInt64{Int64: r.FillTime.UnixNano(), Valid: true}
	}
	_, err := l.db.Exec(`
		INSERT OR REPLACE INTO orders
			(order_id, alert_id, symbol, side, quantity, order_type, limit_price,
			 status, submit_time, fill_time, filled_qty, slippage_bps, fallback_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.OrderID, r.AlertID, r.Symbol, string(r.Side), r.Quantity, string(r.Type),
		r.LimitPrice, string(r.Status), submitNs, fillNs,
		r.FilledQty, r.SlippageBps, r.FallbackReason,
	)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", r.OrderID, err)
	}
	return nil
}

// OrdersForAlert returns the order records attributed to one alert id.
func (l *Log) OrdersForAlert(alertID int64) ([]order.Record, error) {
	rows, err := l.db.Query(`
		SELECT order_id, alert_id, symbol, side, quantity, order_type, limit_price,
		       status, submit_time, fill_time, filled_qty, slippage_bps, fallback_reason
		FROM orders WHERE alert_id = ? ORDER BY submit_time ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query orders for alert %d: %w", alertID, err)
	}
	defer rows.Close()

	var records []order.Record
	for rows.Next() {
		var r order.Record
		var side, otype, status string
		var limitPrice sql.NullFloat64
		var submitNs, fillNs sql.NullInt64
		var fallback sql.NullString
		if err := rows.Scan(&r.OrderID, &r.AlertID, &r.Symbol, &side, &r.Quantity,
			&otype, &limitPrice, &status, &submitNs, &fillNs,
			&r.FilledQty, &r.SlippageBps, &fallback); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		r.Side = order.Side(side)
		r.Type = order.Type(otype)
		r.Status = order.Status(status)
		r.LimitPrice = limitPrice.Float64
		r.FallbackReason = fallback.String
		if submitNs.Valid {
			r.SubmitTime = time.Unix(0, submitNs.Int64)
		}
		if fillNs.Valid {
			r.FillTime = time.Unix(0, fillNs.Int64)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
