// Package sqlstore implements ports.LedgerStore on database/sql, backed by
// SQLite (mattn/go-sqlite3) or PostgreSQL (pgx stdlib).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execledger/internal/domain"
	"execledger/internal/ports"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	_ "github.com/mattn/go-sqlite3"    // SQLite driver ("sqlite3")
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Repository implements ports.LedgerStore.
type Repository struct {
	db     *sql.DB
	driver string
	logger ports.Logger
}

// Config holds configuration for the SQL repository.
type Config struct {
	Driver string // sqlite3 or pgx, default sqlite3
	DSN    string // File path for sqlite3, connection URL for pgx
	Logger ports.Logger
}

// NewRepository opens the database, verifies the connection and creates the
// schema if needed.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQL repository: %w", ports.ErrConfiguration)
	}
	ctx := context.Background()
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var dsn string
	switch driver {
	case DriverSQLite:
		dbPath := cfg.DSN
		if dbPath == "" {
			dbPath = "./data/ledger.db"
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
			cfg.Logger.Error(ctx, err, "SQL repository initialization failed")
			return nil, err
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("DSN is required for driver %s: %w", driver, ports.ErrConfiguration)
		}
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported database driver %q: %w", driver, ports.ErrConfiguration)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		err = fmt.Errorf("failed to open %s database: %w", driver, err)
		cfg.Logger.Error(ctx, err, "SQL repository initialization failed")
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping %s database: %v: %w", driver, err, ports.ErrDBConnection)
		cfg.Logger.Error(ctx, err, "SQL repository initialization failed")
		return nil, err
	}

	if driver == DriverSQLite {
		// One writer connection; SQLite serializes writes anyway.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)
	cfg.Logger.Info(ctx, "Ledger database connection established", map[string]interface{}{"driver": driver})

	repo := &Repository{db: db, driver: driver, logger: cfg.Logger}
	if err := repo.initializeSchema(ctx); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(ctx, err, "SQL repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(ctx, "Ledger schema initialized/verified")
	return repo, nil
}

// Decimals are stored as TEXT to keep them exact on both engines; timestamps
// as unix milliseconds, 0 meaning unset.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS execution_actions (
		id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL,
		position_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		type TEXT NOT NULL,
		ts_ms BIGINT NOT NULL,
		qty TEXT NOT NULL,
		price TEXT NOT NULL,
		notional TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		reason TEXT NOT NULL,
		stop_price TEXT NOT NULL,
		take_profit TEXT NOT NULL,
		client_order_id TEXT NOT NULL DEFAULT '',
		recorded_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_position_ts ON execution_actions (position_id, ts_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_symbol_ts ON execution_actions (symbol, ts_ms)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_client_order ON execution_actions (client_order_id, type)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		original_qty TEXT NOT NULL,
		open_qty TEXT NOT NULL,
		avg_entry_price TEXT NOT NULL,
		stop_price TEXT NOT NULL,
		take_profit TEXT NOT NULL,
		status TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		realized_pnl TEXT NOT NULL,
		entry_ms BIGINT NOT NULL,
		exit_ms BIGINT NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		last_action_ms BIGINT NOT NULL,
		version BIGINT NOT NULL,
		stop_order_id TEXT NOT NULL DEFAULT '',
		take_profit_order_id TEXT NOT NULL DEFAULT ''
	)`,
	// At most one open position per symbol.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_symbol ON positions (symbol) WHERE status <> 'CLOSED'`,
	`CREATE INDEX IF NOT EXISTS idx_positions_entry ON positions (entry_ms)`,
	`CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		position_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		original_qty TEXT NOT NULL,
		qty TEXT NOT NULL,
		entry_price TEXT NOT NULL,
		entry_ms BIGINT NOT NULL,
		status TEXT NOT NULL,
		closed_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lots_position ON lots (position_id, seq)`,
	`CREATE TABLE IF NOT EXISTS cash_ledger (
		action_id TEXT PRIMARY KEY,
		delta TEXT NOT NULL,
		ts_ms BIGINT NOT NULL
	)`,
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing ledger database connection")
		return r.db.Close()
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (r *Repository) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// --- LedgerStore Implementation ---

// Commit writes the action, snapshot, lots and cash row in one transaction.
func (r *Repository) Commit(ctx context.Context, c ports.LedgerCommit) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %v: %w", err, ports.ErrDBConnection)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	a := c.Action
	var seq int64
	if err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM execution_actions`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read action sequence: %v: %w", err, ports.ErrDBConnection)
	}
	res, err := tx.ExecContext(ctx, r.rebind(`
	INSERT INTO execution_actions (id, seq, position_id, symbol, direction, type, ts_ms, qty, price,
	                               notional, realized_pnl, reason, stop_price, take_profit,
	                               client_order_id, recorded_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`),
		a.ID, seq+1, a.PositionID, a.Symbol, string(a.Direction), string(a.Type), toMs(a.Timestamp),
		a.Qty.String(), a.Price.String(), a.Notional.String(), a.RealizedPnL.String(), string(a.Reason),
		a.StopPrice.String(), a.TakeProfit.String(), a.ClientOrderID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert action %s: %v: %w", a.ID, err, ports.ErrDBConnection)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("action %s: %w", a.ID, ports.ErrDuplicateEntry)
		return err
	}

	if err = r.writePosition(ctx, tx, c.Position); err != nil {
		return err
	}
	for _, l := range c.Lots {
		if _, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO lots (id, position_id, seq, original_qty, qty, entry_price, entry_ms, status, closed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET qty = excluded.qty, status = excluded.status, closed_ms = excluded.closed_ms`),
			l.ID, l.PositionID, l.Seq, l.OriginalQty.String(), l.Qty.String(), l.EntryPrice.String(),
			toMs(l.EntryAt), string(l.Status), toMs(l.ClosedAt)); err != nil {
			return fmt.Errorf("failed to upsert lot %s: %v: %w", l.ID, err, ports.ErrDBConnection)
		}
	}
	if !c.CashDelta.IsZero() {
		if _, err = tx.ExecContext(ctx, r.rebind(`INSERT INTO cash_ledger (action_id, delta, ts_ms) VALUES (?, ?, ?)`),
			a.ID, c.CashDelta.String(), toMs(a.Timestamp)); err != nil {
			return fmt.Errorf("failed to insert cash row for %s: %v: %w", a.ID, err, ports.ErrDBConnection)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit action %s: %v: %w", a.ID, err, ports.ErrDBConnection)
	}
	r.logger.Debug(ctx, "Ledger action committed", map[string]interface{}{
		"actionID": a.ID, "positionID": a.PositionID, "version": c.Position.Version,
	})
	return nil
}

// writePosition inserts the first snapshot or compare-and-sets a later one.
func (r *Repository) writePosition(ctx context.Context, tx *sql.Tx, p domain.Position) error {
	var (
		res sql.Result
		err error
	)
	if p.Version == 1 {
		res, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO positions (id, symbol, direction, original_qty, open_qty, avg_entry_price, stop_price,
		                       take_profit, status, outcome, realized_pnl, entry_ms, exit_ms, exit_reason,
		                       last_action_ms, version, stop_order_id, take_profit_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
			p.ID, p.Symbol, string(p.Direction), p.OriginalQty.String(), p.OpenQty.String(),
			p.AvgEntryPrice.String(), p.StopPrice.String(), p.TakeProfit.String(), string(p.Status),
			string(p.Outcome), p.RealizedPnL.String(), toMs(p.EntryAt), toMs(p.ExitAt), string(p.ExitReason),
			toMs(p.LastActionAt), p.Version, p.StopOrderID, p.TakeProfitOrderID)
	} else {
		res, err = tx.ExecContext(ctx, r.rebind(`
		UPDATE positions
		SET original_qty = ?, open_qty = ?, avg_entry_price = ?, stop_price = ?, take_profit = ?,
		    status = ?, outcome = ?, realized_pnl = ?, exit_ms = ?, exit_reason = ?,
		    last_action_ms = ?, version = ?, stop_order_id = ?, take_profit_order_id = ?
		WHERE id = ? AND version = ?`),
			p.OriginalQty.String(), p.OpenQty.String(), p.AvgEntryPrice.String(), p.StopPrice.String(),
			p.TakeProfit.String(), string(p.Status), string(p.Outcome), p.RealizedPnL.String(),
			toMs(p.ExitAt), string(p.ExitReason), toMs(p.LastActionAt), p.Version,
			p.StopOrderID, p.TakeProfitOrderID, p.ID, p.Version-1)
	}
	if err != nil {
		return fmt.Errorf("failed to write position %s: %v: %w", p.ID, err, ports.ErrDBConnection)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s at version %d: %w", p.ID, p.Version, ports.ErrVersionMismatch)
	}
	return nil
}

const actionColumns = `id, position_id, symbol, direction, type, ts_ms, qty, price, notional,
	realized_pnl, reason, stop_price, take_profit, client_order_id`

// FindAction retrieves an action by id.
func (r *Repository) FindAction(ctx context.Context, id string) (*domain.ExecutionAction, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+actionColumns+` FROM execution_actions WHERE id = ?`), id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query action %s: %w", id, err)
	}
	return a, nil
}

// FindEntryByClientOrderID retrieves the ENTRY booked under a client order id.
func (r *Repository) FindEntryByClientOrderID(ctx context.Context, clientOrderID string) (*domain.ExecutionAction, error) {
	if clientOrderID == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+actionColumns+` FROM execution_actions
		WHERE client_order_id = ? AND type = ? ORDER BY seq LIMIT 1`), clientOrderID, string(domain.ActionEntry))
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query entry for client order %s: %w", clientOrderID, err)
	}
	return a, nil
}

// ListActions returns actions ordered by timestamp then insertion.
func (r *Repository) ListActions(ctx context.Context, f ports.ActionFilter) ([]domain.ExecutionAction, error) {
	query := `SELECT ` + actionColumns + ` FROM execution_actions WHERE 1 = 1`
	var args []interface{}
	if f.PositionID != "" {
		query += ` AND position_id = ?`
		args = append(args, f.PositionID)
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if !f.Since.IsZero() {
		query += ` AND ts_ms >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	query += ` ORDER BY ts_ms, seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	actions := make([]domain.ExecutionAction, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, *a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating action rows: %w", err)
	}
	return actions, nil
}

const positionColumns = `id, symbol, direction, original_qty, open_qty, avg_entry_price, stop_price,
	take_profit, status, outcome, realized_pnl, entry_ms, exit_ms, exit_reason, last_action_ms,
	version, stop_order_id, take_profit_order_id`

// FindPosition retrieves a position snapshot by id.
func (r *Repository) FindPosition(ctx context.Context, id string) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+positionColumns+` FROM positions WHERE id = ?`), id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position %s: %w", id, err)
	}
	return p, nil
}

// FindOpenBySymbol retrieves the open position for a symbol, if any.
func (r *Repository) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+positionColumns+` FROM positions WHERE symbol = ? AND status <> ?`),
		symbol, string(domain.StatusClosed))
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "No open position found for symbol", map[string]interface{}{"symbol": symbol})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open position for symbol %s: %w", symbol, err)
	}
	return p, nil
}

// ListPositions retrieves positions ordered by entry time.
func (r *Repository) ListPositions(ctx context.Context, f ports.PositionFilter) ([]domain.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE 1 = 1`
	var args []interface{}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.OpenOnly {
		query += ` AND status <> ?`
		args = append(args, string(domain.StatusClosed))
	}
	if f.Closed {
		query += ` AND status = ?`
		args = append(args, string(domain.StatusClosed))
	}
	query += ` ORDER BY entry_ms, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := make([]domain.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// ListLots retrieves the lots of a position ordered by sequence.
func (r *Repository) ListLots(ctx context.Context, positionID string) ([]domain.Lot, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
	SELECT id, position_id, seq, original_qty, qty, entry_price, entry_ms, status, closed_ms
	FROM lots WHERE position_id = ? ORDER BY seq`), positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots of %s: %w", positionID, err)
	}
	defer rows.Close()

	lots := make([]domain.Lot, 0)
	for rows.Next() {
		var (
			l                 domain.Lot
			entryMs, closedMs int64
			status            string
		)
		if err := rows.Scan(&l.ID, &l.PositionID, &l.Seq, &l.OriginalQty, &l.Qty, &l.EntryPrice,
			&entryMs, &status, &closedMs); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		l.EntryAt = fromMs(entryMs)
		l.ClosedAt = fromMs(closedMs)
		l.Status = domain.LotStatus(status)
		lots = append(lots, l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lot rows: %w", err)
	}
	return lots, nil
}

// CashBalance sums the cash ledger. Summed in Go so the TEXT decimals never
// pass through floating point.
func (r *Repository) CashBalance(ctx context.Context) (decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT delta FROM cash_ledger`)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query cash ledger: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var delta decimal.Decimal
		if err := rows.Scan(&delta); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan cash row: %w", err)
		}
		total = total.Add(delta)
	}
	if err = rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error iterating cash rows: %w", err)
	}
	return total, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(s scanner) (*domain.ExecutionAction, error) {
	a := &domain.ExecutionAction{}
	var (
		tsMs                          int64
		direction, actionType, reason string
	)
	err := s.Scan(&a.ID, &a.PositionID, &a.Symbol, &direction, &actionType, &tsMs,
		&a.Qty, &a.Price, &a.Notional, &a.RealizedPnL, &reason, &a.StopPrice, &a.TakeProfit, &a.ClientOrderID)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	a.Direction = domain.Direction(direction)
	a.Type = domain.ActionType(actionType)
	a.Reason = domain.Reason(reason)
	a.Timestamp = fromMs(tsMs)
	return a, nil
}

func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		direction, status, outcome, exitReason string
		entryMs, exitMs, lastMs                int64
	)
	err := s.Scan(&p.ID, &p.Symbol, &direction, &p.OriginalQty, &p.OpenQty, &p.AvgEntryPrice,
		&p.StopPrice, &p.TakeProfit, &status, &outcome, &p.RealizedPnL, &entryMs, &exitMs, &exitReason,
		&lastMs, &p.Version, &p.StopOrderID, &p.TakeProfitOrderID)
	if err != nil {
		return nil, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	p.Outcome = domain.Outcome(outcome)
	p.ExitReason = domain.Reason(exitReason)
	p.EntryAt = fromMs(entryMs)
	p.ExitAt = fromMs(exitMs)
	p.LastActionAt = fromMs(lastMs)
	return p, nil
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ ports.LedgerStore = (*Repository)(nil)
