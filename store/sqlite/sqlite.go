/*
Package sqlite provides a SQLite-backed implementation of engine.TxStore.

PURPOSE:
  Implements every persistence contract (ledger, progress, leaderboards,
  rewards, engagement, notifications) on SQLite. Schema lives in
  migrations/*.sql and is applied with goose on New().

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on point_transactions
  - No DELETE statements on point_transactions
  - Balance corrections happen through new ledger rows

GUARDED WRITES:
  Each race-prone write is a single conditional statement so the check
  and the write cannot be separated by another writer:
  - point_balances:         UPDATE ... WHERE available >= ?
  - reward_catalog:         UPDATE ... WHERE available_quantity > 0
  - user_reward_grants:     UPDATE ... WHERE status = ?
  - *_progress:             UPDATE ... WHERE <version columns> = ?

CONCURRENCY:
  The pool is capped at one connection. SQLite has a single writer anyway,
  and ":memory:" databases are per-connection. Transactions therefore
  serialize on the pool; SQLITE_BUSY/LOCKED surface as engine.ErrTransient
  and are retried by engine.Runner.

TIMESTAMPS:
  Stored as fixed-width UTC text (timeLayout) so range predicates can
  compare strings.

USAGE:
  store, err := sqlite.New("./data/gamify.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  runner := engine.NewRunner(store, notifier, logger)

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/warp/progression-engine/engine"
)

//go:embed migrations/*.sql
var migrations embed.FS

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements engine.Store against either the pool or an open transaction.
type queries struct {
	db   dbtx
	pool *sql.DB // nil inside WithTx
}

// Store implements engine.TxStore using SQLite.
type Store struct {
	*queries
	db *sql.DB
}

var _ engine.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{queries: &queries{db: db, pool: db}, db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
// The Store passed to fn must be the only handle used until fn returns;
// the pool has one connection and fn's transaction holds it.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// atomic runs fn in a transaction unless q already is one.
func (q *queries) atomic(ctx context.Context, fn func(*queries) error) error {
	if q.pool == nil {
		return fn(q)
	}

	tx, err := q.pool.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// classify marks lock contention as transient so the runner retries it.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return fmt.Errorf("%w: %w", engine.ErrTransient, err)
		}
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// rangeClause builds an optional [from, to] predicate on col. Zero bounds are open.
func rangeClause(col string, from, to time.Time) (string, []any) {
	clause := ""
	var args []any
	if !from.IsZero() {
		clause += " AND " + col + " >= ?"
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		clause += " AND " + col + " <= ?"
		args = append(args, formatTime(to))
	}
	return clause, args
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}
