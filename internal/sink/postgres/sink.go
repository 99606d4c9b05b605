// Package postgres loads crawl records into a Postgres table, one transaction
// per batch.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/dircrawl/internal/crawler"
)

const defaultTable = "company_records"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for record rows.
type Config struct {
	DSN             string
	Table           string
	RunID           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type txBeginner interface {
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Sink writes records into Postgres.
type Sink struct {
	pool  txBeginner
	table string
	runID string
}

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.Table, cfg.RunID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(pool txBeginner, table, runID string) (*Sink, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Sink{pool: pool, table: table, runID: runID}, nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureTable creates the table when missing. Appending runs never send a
// first batch, so the table must exist before any insert.
func (s *Sink) EnsureTable(ctx context.Context) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ensure table: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback ensure table: %w", rbErr))
			}
		}
	}()
	if _, err = tx.Exec(ctx, s.createTableSQL()); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ensure table: %w", err)
	}
	return nil
}

// Write inserts the batch in a single transaction. The first batch of a run
// creates the table when missing and empties it.
func (s *Sink) Write(ctx context.Context, records []crawler.Record, first bool) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, fmt.Errorf("rollback batch: %w", rbErr))
			}
		}
	}()

	if first {
		if _, err = tx.Exec(ctx, s.createTableSQL()); err != nil {
			return fmt.Errorf("create table %s: %w", s.table, err)
		}
		if _, err = tx.Exec(ctx, fmt.Sprintf("TRUNCATE %s", s.table)); err != nil {
			return fmt.Errorf("truncate %s: %w", s.table, err)
		}
	}

	insert := fmt.Sprintf(`INSERT INTO %s (run_id, name, url, fields, error) VALUES ($1,$2,$3,$4,$5)`, s.table)
	for _, r := range records {
		fields, mErr := json.Marshal(extraFields(r))
		if mErr != nil {
			return fmt.Errorf("marshal fields: %w", mErr)
		}
		if _, err = tx.Exec(ctx, insert, s.runID, r[crawler.FieldName], r[crawler.FieldURL], fields, r[crawler.FieldError]); err != nil {
			return fmt.Errorf("insert record %s: %w", r[crawler.FieldURL], err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Sink) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	fields JSONB NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
}

// extraFields returns the record without the columns stored separately.
func extraFields(r crawler.Record) map[string]string {
	out := make(map[string]string, len(r))
	for k, v := range r {
		switch k {
		case crawler.FieldName, crawler.FieldURL, crawler.FieldError:
			continue
		}
		out[k] = v
	}
	return out
}
