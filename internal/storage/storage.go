// Package storage provides SQLite-backed persistence for change events, quote snapshots and circuit state.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/circuitwatch/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "circuitwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS change_events (
			id               TEXT PRIMARY KEY,
			instrument_token INTEGER NOT NULL,
			tradingsymbol    TEXT NOT NULL,
			underlying       TEXT NOT NULL,
			strike           TEXT NOT NULL,
			option_type      TEXT NOT NULL,
			expiry           TEXT NOT NULL,
			prev_lower       TEXT NOT NULL,
			prev_upper       TEXT NOT NULL,
			new_lower        TEXT NOT NULL,
			new_upper        TEXT NOT NULL,
			lower_pct        TEXT NOT NULL,
			upper_pct        TEXT NOT NULL,
			severity         INTEGER NOT NULL,
			last_price       TEXT NOT NULL,
			underlying_price TEXT,
			circuit_status   TEXT NOT NULL,
			detected_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_detected_at ON change_events(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_underlying ON change_events(underlying, detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_changes_token ON change_events(instrument_token, detected_at)`,
		`CREATE TABLE IF NOT EXISTS quote_snapshots (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			instrument_token INTEGER NOT NULL,
			last_price       TEXT NOT NULL,
			open             TEXT NOT NULL,
			high             TEXT NOT NULL,
			low              TEXT NOT NULL,
			close            TEXT NOT NULL,
			volume           INTEGER NOT NULL,
			open_interest    INTEGER NOT NULL,
			lower_circuit    TEXT NOT NULL,
			upper_circuit    TEXT NOT NULL,
			observed_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_observed_at ON quote_snapshots(observed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_token ON quote_snapshots(instrument_token, observed_at)`,
		`CREATE TABLE IF NOT EXISTS circuit_state (
			instrument_token INTEGER PRIMARY KEY,
			lower_circuit    TEXT NOT NULL,
			upper_circuit    TEXT NOT NULL,
			last_price       TEXT NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveChangeEvent appends one change event. Saving the same ID twice is a no-op.
func (s *Storage) SaveChangeEvent(ctx context.Context, e *models.ChangeEvent) error {
	if e.ID == "" {
		return fmt.Errorf("change event has no ID")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO change_events
			(id, instrument_token, tradingsymbol, underlying, strike, option_type, expiry,
			 prev_lower, prev_upper, new_lower, new_upper, lower_pct, upper_pct,
			 severity, last_price, underlying_price, circuit_status, detected_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.InstrumentToken, e.TradingSymbol, e.Underlying, e.Strike.String(), e.OptionType,
		e.Expiry.Format("2006-01-02"),
		e.PrevLower.String(), e.PrevUpper.String(), e.NewLower.String(), e.NewUpper.String(),
		e.LowerPct.String(), e.UpperPct.String(),
		int(e.Severity), e.Context.LastPrice.String(), e.Context.UnderlyingPrice,
		string(e.Context.CircuitStatus), e.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change event: %w", err)
	}
	return nil
}

// SnapshotFailure describes one quote that could not be saved.
type SnapshotFailure struct {
	InstrumentToken uint32
	Err             error
}

// SaveSnapshots writes quotes in one transaction. A failing row is reported
// and skipped; the rest are still committed.
func (s *Storage) SaveSnapshots(ctx context.Context, quotes []models.Quote) (int, []SnapshotFailure, error) {
	if len(quotes) == 0 {
		return 0, nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quote_snapshots
			(instrument_token, last_price, open, high, low, close, volume, open_interest,
			 lower_circuit, upper_circuit, observed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	saved := 0
	var failures []SnapshotFailure
	for _, q := range quotes {
		_, err := stmt.ExecContext(ctx,
			q.InstrumentToken, q.LastPrice.String(), q.Open.String(), q.High.String(),
			q.Low.String(), q.Close.String(), q.Volume, q.OpenInterest,
			q.LowerCircuit.String(), q.UpperCircuit.String(), q.Timestamp.UnixNano(),
		)
		if err != nil {
			if ctx.Err() != nil {
				return 0, failures, fmt.Errorf("snapshot write aborted: %w", ctx.Err())
			}
			failures = append(failures, SnapshotFailure{InstrumentToken: q.InstrumentToken, Err: err})
			continue
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, failures, fmt.Errorf("failed to commit snapshots: %w", err)
	}
	return saved, failures, nil
}

// PruneSnapshots deletes snapshots observed before cutoff.
func (s *Storage) PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quote_snapshots WHERE observed_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SaveStates upserts circuit state for every entry in one transaction.
func (s *Storage) SaveStates(ctx context.Context, states []models.CircuitState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO circuit_state (instrument_token, lower_circuit, upper_circuit, last_price, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(instrument_token) DO UPDATE SET
			lower_circuit=excluded.lower_circuit,
			upper_circuit=excluded.upper_circuit,
			last_price=excluded.last_price,
			updated_at=excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("failed to prepare state upsert: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.ExecContext(ctx,
			st.InstrumentToken, st.Lower.String(), st.Upper.String(), st.LastPrice.String(),
			st.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to save state for %d: %w", st.InstrumentToken, err)
		}
	}
	return tx.Commit()
}

// LoadCircuitStates returns every persisted circuit state keyed by token.
func (s *Storage) LoadCircuitStates(ctx context.Context) (map[uint32]models.CircuitState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_token, lower_circuit, upper_circuit, last_price, updated_at
		FROM circuit_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	states := make(map[uint32]models.CircuitState)
	for rows.Next() {
		var st models.CircuitState
		var updatedAtNano int64
		if err := rows.Scan(&st.InstrumentToken, &st.Lower, &st.Upper, &st.LastPrice, &updatedAtNano); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		st.UpdatedAt = time.Unix(0, updatedAtNano)
		states[st.InstrumentToken] = st
	}
	return states, rows.Err()
}

// ChangeFilter narrows a change history query. Zero values mean "any".
type ChangeFilter struct {
	Underlying      string
	InstrumentToken uint32
	MinSeverity     models.Severity
	Since           time.Time
	Limit           int
}

const changeCols = `id, instrument_token, tradingsymbol, underlying, strike, option_type, expiry,
	prev_lower, prev_upper, new_lower, new_upper, lower_pct, upper_pct,
	severity, last_price, underlying_price, circuit_status, detected_at`

// ListChanges returns change events matching f, newest first.
func (s *Storage) ListChanges(ctx context.Context, f ChangeFilter) ([]models.ChangeEvent, error) {
	var where []string
	var args []any
	if f.Underlying != "" {
		where = append(where, "underlying = ?")
		args = append(args, strings.ToUpper(f.Underlying))
	}
	if f.InstrumentToken != 0 {
		where = append(where, "instrument_token = ?")
		args = append(args, f.InstrumentToken)
	}
	if f.MinSeverity > models.SeverityLow {
		where = append(where, "severity >= ?")
		args = append(args, int(f.MinSeverity))
	}
	if !f.Since.IsZero() {
		where = append(where, "detected_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT ` + changeCols + ` FROM change_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY detected_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change events: %w", err)
	}
	defer rows.Close()

	events := []models.ChangeEvent{}
	for rows.Next() {
		e, err := scanChange(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func scanChange(scan func(...any) error) (*models.ChangeEvent, error) {
	var e models.ChangeEvent
	var expiry, status string
	var severity int
	var detectedAtNano int64
	var underlyingPrice decimal.NullDecimal
	err := scan(
		&e.ID, &e.InstrumentToken, &e.TradingSymbol, &e.Underlying, &e.Strike, &e.OptionType, &expiry,
		&e.PrevLower, &e.PrevUpper, &e.NewLower, &e.NewUpper, &e.LowerPct, &e.UpperPct,
		&severity, &e.Context.LastPrice, &underlyingPrice, &status, &detectedAtNano,
	)
	if err != nil {
		return nil, err
	}
	if t, err := time.Parse("2006-01-02", expiry); err == nil {
		e.Expiry = t
	}
	e.Severity = models.Severity(severity)
	e.Context.UnderlyingPrice = underlyingPrice
	e.Context.CircuitStatus = models.CircuitStatus(status)
	e.DetectedAt = time.Unix(0, detectedAtNano)
	return &e, nil
}

// CountChanges returns the number of stored change events.
func (s *Storage) CountChanges(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count change events: %w", err)
	}
	return n, nil
}
