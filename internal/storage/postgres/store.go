// Package postgres provides the Postgres-backed pipeline store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/id/uuid"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// querier is implemented by both the pool and a transaction.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Store implements intel.Store on Postgres. Every item transition is a
// single conditional statement (or one transaction) so that concurrent
// workers, the watchdog and admission never interleave.
type Store struct {
	pool   pool
	limits intel.Limits
	clock  intel.Clock
	ids    intel.IDGenerator
	sb     sq.StatementBuilderType
}

var _ intel.Store = (*Store)(nil)

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for leases and timestamps.
func WithClock(c intel.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator overrides the UUID generator.
func WithIDGenerator(g intel.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// NewStore connects a pool using cfg.
func NewStore(ctx context.Context, cfg Config, limits intel.Limits, opts ...Option) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithPool(p, limits, opts...)
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, limits intel.Limits, opts ...Option) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &Store{
		pool:   p,
		limits: limits,
		clock:  clock.System{},
		ids:    uuid.New(),
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return intel.Transient("ping postgres", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) newID(op string) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", intel.Internal(op, err)
	}
	return id, nil
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dbErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return dbErr(op, err)
	}
	return nil
}

// dbErr classifies a driver error. Unique violations become conflicts;
// everything else is transient so callers retry.
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *intel.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &intel.Error{Kind: intel.KindNotFound, Op: op, Detail: "not found"}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return &intel.Error{Kind: intel.KindConflict, Op: op, Detail: "already exists", Err: err}
		case "22P02", "23502", "23514":
			return &intel.Error{Kind: intel.KindValidation, Op: op, Detail: pgErr.Message, Err: err}
		}
	}
	return intel.Transient(op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// insertLog appends an audit row using q.
func (s *Store) insertLog(ctx context.Context, q querier, entry intel.LogEntry) error {
	if entry.ID == "" {
		id, err := s.newID("append log")
		if err != nil {
			return err
		}
		entry.ID = id
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	var itemID *string
	if entry.ItemID != "" {
		itemID = &entry.ItemID
	}
	_, err := q.Exec(ctx, insertLogSQL,
		entry.ID, itemID, entry.Stage, string(entry.Level), entry.Message, entry.Timestamp)
	if err != nil {
		return dbErr("append log", err)
	}
	return nil
}

const insertLogSQL = `
INSERT INTO pipeline_logs (id, item_id, stage, level, message, ts)
VALUES ($1, $2, $3, $4, $5, $6)`

// AppendLog records an audit entry.
func (s *Store) AppendLog(ctx context.Context, entry intel.LogEntry) error {
	if entry.Message == "" {
		return intel.Validationf("log message is required")
	}
	if entry.Level == "" {
		entry.Level = intel.LevelInfo
	}
	return s.insertLog(ctx, s.pool, entry)
}

// ListLogs returns matching entries, newest first.
func (s *Store) ListLogs(ctx context.Context, filter intel.LogFilter) ([]intel.LogEntry, error) {
	q := s.sb.Select("id", "COALESCE(item_id::text, '')", "stage", "level", "message", "ts").
		From("pipeline_logs").
		OrderBy("ts DESC", "id DESC")
	if filter.ItemID != "" {
		q = q.Where(sq.Eq{"item_id": filter.ItemID})
	}
	if filter.Level != "" {
		q = q.Where(sq.Eq{"level": string(filter.Level)})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, intel.Internal("list logs", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, dbErr("list logs", err)
	}
	defer rows.Close()

	out := make([]intel.LogEntry, 0)
	for rows.Next() {
		var (
			e     intel.LogEntry
			level string
		)
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Stage, &level, &e.Message, &e.Timestamp); err != nil {
			return nil, dbErr("scan log", err)
		}
		e.Level = intel.LogLevel(level)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list logs", err)
	}
	return out, nil
}
