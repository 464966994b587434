// Package pgstore keeps queue collections in PostgreSQL. A namespace maps to a
// schema-qualified table; claims use FOR UPDATE SKIP LOCKED so concurrent
// consumers never block on, or receive, the same row.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"priorityq/internal/models"
	"priorityq/internal/queue"
)

const retentionTable = "public.priorityq_retention"

// Config holds pool settings for Open.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db *sqlx.DB
}

// Open connects to PostgreSQL and makes sure the retention registry exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.withAdvisoryLock(ctx, retentionTable, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+retentionTable+` (
			schema_name TEXT NOT NULL,
			table_name TEXT NOT NULL,
			retention_ms BIGINT NOT NULL,
			PRIMARY KEY (schema_name, table_name)
		)`)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create retention table: %w", err)
	}
	return s, nil
}

// New wraps an existing connection pool. The caller owns db.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func table(ns models.Namespace) string {
	return pq.QuoteIdentifier(ns.Database) + "." + pq.QuoteIdentifier(ns.Collection)
}

// withAdvisoryLock serialises DDL on key across sessions. Concurrent
// CREATE ... IF NOT EXISTS can still fail with a unique violation in the
// catalog without it.
func (s *Store) withAdvisoryLock(ctx context.Context, key string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Provision(ctx context.Context, ns models.Namespace, retention time.Duration) error {
	t := table(ns)
	idx := func(suffix string) string { return pq.QuoteIdentifier(ns.Collection + "_" + suffix) }

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(ns.Database),
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			priority INTEGER NOT NULL,
			queued_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			payload TEXT NOT NULL,
			grp TEXT NOT NULL DEFAULT '',
			claim_token TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS ` + idx("started_at") + ` ON ` + t + ` (started_at)`,
		`CREATE INDEX IF NOT EXISTS ` + idx("priority_queued_at") + ` ON ` + t + ` (priority, queued_at)`,
		`CREATE INDEX IF NOT EXISTS ` + idx("finished_at") + ` ON ` + t + ` (finished_at) WHERE finished_at IS NOT NULL`,
	}

	return s.withAdvisoryLock(ctx, ns.String(), func(tx *sqlx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("provision %s: %w", ns, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+retentionTable+` (schema_name, table_name, retention_ms)
			VALUES ($1, $2, $3)
			ON CONFLICT (schema_name, table_name) DO NOTHING
		`, ns.Database, ns.Collection, retention.Milliseconds())
		if err != nil {
			return fmt.Errorf("register retention for %s: %w", ns, err)
		}
		return nil
	})
}

func (s *Store) Insert(ctx context.Context, ns models.Namespace, item models.Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table(ns)+` (id, priority, queued_at, payload, grp)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.Priority, item.QueuedAt, item.Payload, item.Group)
	return err
}

type itemRow struct {
	ID         string         `db:"id"`
	Priority   int            `db:"priority"`
	QueuedAt   time.Time      `db:"queued_at"`
	StartedAt  sql.NullTime   `db:"started_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
	Payload    string         `db:"payload"`
	Group      string         `db:"grp"`
	ClaimToken sql.NullString `db:"claim_token"`
}

func (r itemRow) item() models.Item {
	it := models.Item{
		ID:         r.ID,
		Priority:   r.Priority,
		QueuedAt:   r.QueuedAt.UTC(),
		Payload:    r.Payload,
		Group:      r.Group,
		ClaimToken: r.ClaimToken.String,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time.UTC()
		it.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time.UTC()
		it.FinishedAt = &t
	}
	return it
}

const itemColumns = `id, priority, queued_at, started_at, finished_at, payload, grp, claim_token`

func (s *Store) ClaimNext(ctx context.Context, ns models.Namespace, req queue.ClaimRequest) (models.Item, error) {
	t := table(ns)
	groups := req.ExcludeGroups
	if groups == nil {
		groups = []string{}
	}

	var row itemRow
	err := s.db.QueryRowxContext(ctx, `
		UPDATE `+t+`
		SET started_at = $1, claim_token = $2
		WHERE seq = (
			SELECT seq FROM `+t+`
			WHERE started_at IS NULL
			  AND (grp = '' OR NOT (grp = ANY($3)))
			ORDER BY priority, queued_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+itemColumns,
		req.Now, req.Token, pq.Array(groups)).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Item{}, queue.ErrEmpty
	}
	if err != nil {
		return models.Item{}, err
	}
	return row.item(), nil
}

func (s *Store) MarkFinished(ctx context.Context, ns models.Namespace, id, token string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table(ns)+`
		SET finished_at = $1
		WHERE id = $2 AND claim_token = $3 AND started_at IS NOT NULL
	`, at, id, token)
	return affected(res, err)
}

func (s *Store) Release(ctx context.Context, ns models.Namespace, id, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table(ns)+`
		SET started_at = NULL, claim_token = NULL
		WHERE id = $1 AND claim_token = $2 AND started_at IS NOT NULL AND finished_at IS NULL
	`, id, token)
	return affected(res, err)
}

func (s *Store) Stats(ctx context.Context, ns models.Namespace) (models.Stats, error) {
	var st models.Stats
	err := s.db.QueryRowxContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE started_at IS NULL) AS available,
			COUNT(*) FILTER (WHERE started_at IS NOT NULL AND finished_at IS NULL) AS claimed,
			COUNT(*) FILTER (WHERE finished_at IS NOT NULL) AS finished
		FROM `+table(ns)).Scan(&st.Available, &st.Claimed, &st.Finished)
	return st, err
}

// Get returns the record with id, or sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, ns models.Namespace, id string) (models.Item, error) {
	var row itemRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+itemColumns+` FROM `+table(ns)+` WHERE id = $1`, id); err != nil {
		return models.Item{}, err
	}
	return row.item(), nil
}

type retentionRow struct {
	Schema      string `db:"schema_name"`
	Table       string `db:"table_name"`
	RetentionMS int64  `db:"retention_ms"`
}

// Expire deletes finished items older than their table's retention.
func (s *Store) Expire(ctx context.Context, now time.Time) (int64, error) {
	var entries []retentionRow
	if err := s.db.SelectContext(ctx, &entries, `SELECT schema_name, table_name, retention_ms FROM `+retentionTable); err != nil {
		return 0, err
	}

	var deleted int64
	for _, e := range entries {
		ns := models.Namespace{Database: e.Schema, Collection: e.Table}
		cutoff := now.Add(-time.Duration(e.RetentionMS) * time.Millisecond)
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table(ns)+` WHERE finished_at IS NOT NULL AND finished_at <= $1`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("expire %s: %w", ns, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
