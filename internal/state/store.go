// Package state is the controller's configuration store.
//
// It persists, per host:
//   - firewall rules, keyed by zone, direction and priority
//   - port forwards, keyed by protocol and port
//   - virtual networks and VPN gateways (the segments that become custom zones)
//   - the history of ruleset applies
//
// Storage is SQLite through the pure Go modernc.org/sqlite driver, so the
// controller cross-compiles without CGO.
package state

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"

	"grimm.is/fleetwall/internal/clock"
)

// init overrides datetime() so that SQL-side timestamps follow the package
// clock, which tests replace.
func init() {
	_ = sqlite.RegisterScalarFunction("datetime", -1, datetimeFunc)
}

const sqliteTimeFormat = "2006-01-02 15:04:05"

func datetimeFunc(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) == 0 {
		return clock.Now().UTC().Format(sqliteTimeFormat), nil
	}
	if s, ok := args[0].(string); ok && strings.EqualFold(s, "now") {
		return clock.Now().UTC().Format(sqliteTimeFormat), nil
	}
	return args[0], nil
}

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrStoreClosed = errors.New("store is closed")
)

// Options configures the SQLite store.
type Options struct {
	Path    string // Database file path (":memory:" for in-memory)
	WALMode bool
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// SQLiteStore implements the configuration store on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the store at opts.Path.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.Path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS firewall_rules (
			host_id TEXT NOT NULL,
			zone TEXT NOT NULL,
			direction TEXT NOT NULL,
			priority INTEGER NOT NULL,
			ports TEXT NOT NULL,
			protocol TEXT NOT NULL,
			source TEXT NOT NULL,
			destination TEXT NOT NULL,
			action TEXT NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (host_id, zone, direction, priority)
		);

		CREATE TABLE IF NOT EXISTS port_forwards (
			host_id TEXT NOT NULL,
			protocol TEXT NOT NULL,
			port INTEGER NOT NULL,
			target_address TEXT NOT NULL,
			target_port INTEGER NOT NULL,
			external_only INTEGER NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (host_id, protocol, port)
		);

		CREATE TABLE IF NOT EXISTS virtual_networks (
			host_id TEXT NOT NULL,
			name TEXT NOT NULL,
			bridge TEXT NOT NULL,
			address_space TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (host_id, name)
		);
		CREATE INDEX IF NOT EXISTS idx_vnet_bridge ON virtual_networks(host_id, bridge);

		CREATE TABLE IF NOT EXISTS vpn_gateways (
			host_id TEXT NOT NULL,
			name TEXT NOT NULL,
			interface TEXT NOT NULL,
			address_space TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (host_id, name)
		);

		CREATE TABLE IF NOT EXISTS apply_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host_id TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			rules INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_apply_host ON apply_history(host_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) check() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// withTx runs fn in a transaction under the write lock.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func exists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var n int
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// now is the row timestamp. Timestamps are stored as RFC 3339 text.
func now() string {
	return clock.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, sqliteTimeFormat} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func mustAffect(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
