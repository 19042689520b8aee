// Package postgres implements storage.Storage on PostgreSQL via sqlx.
//
// Schema invariants (per-type statuses, parent-only-for-tasks, the pending
// review partial index, epic-belongs-to-project) are enforced by database
// constraints as well as application checks, so corrupt state cannot be
// written even by buggy callers. Migrations are embedded and applied with
// goose at startup.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Transaction budget. Anything over warnTxAfter logs; maxTxDuration hard-caps
// the transaction context so a stuck statement cannot hold a row lock forever.
const (
	warnTxAfter   = 1 * time.Second
	maxTxDuration = 10 * time.Second
)

// Store implements storage.Storage.
type Store struct {
	db     *sqlx.DB
	bus    *eventbus.Bus
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New connects to the database, applies pending migrations, and returns the
// store. maxConns bounds the connection pool; all writes share it.
func New(ctx context.Context, databaseURL string, bus *eventbus.Bus, maxConns int, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, bus: bus, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTransaction executes fn inside one database transaction. Events
// published through the transaction are staged and flushed to the bus only
// after a successful commit; on error or panic everything is rolled back and
// the staged events are discarded.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	txCtx, cancel := context.WithTimeout(ctx, maxTxDuration)
	defer cancel()

	start := time.Now()
	dbtx, err := s.db.BeginTxx(txCtx, nil)
	if err != nil {
		return fault.Wrap(fault.KindUpstream, err, "beginning transaction")
	}

	t := &pgTx{tx: dbtx, stage: s.bus.Stage()}
	defer func() {
		if p := recover(); p != nil {
			_ = dbtx.Rollback()
			panic(p)
		}
	}()

	if err := fn(t); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return translateError(err, "committing transaction")
	}

	if elapsed := time.Since(start); elapsed > warnTxAfter {
		s.logger.Warn("slow transaction", zap.Duration("elapsed", elapsed))
	}
	t.stage.Flush()
	return nil
}

// pgTx implements storage.Tx on one open *sqlx.Tx.
type pgTx struct {
	tx    *sqlx.Tx
	stage *eventbus.Staged
}

// Publish stages an event for post-commit delivery.
func (t *pgTx) Publish(topic eventbus.Topic, payload any) {
	t.stage.Publish(eventbus.Event{Topic: topic, Payload: payload})
}

// queryer is the subset of sqlx shared by *sqlx.DB and *sqlx.Tx. All row
// logic is written against it once and reused on both paths.
type queryer interface {
	sqlx.ExtContext
}

// nowUTC returns the current time normalized to UTC. Timestamps are stored
// and compared in UTC throughout.
func nowUTC() time.Time {
	return time.Now().UTC()
}
