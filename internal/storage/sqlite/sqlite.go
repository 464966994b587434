// Package sqlitestore keeps queue collections in a SQLite database file.
//
// Each namespace is one table. Several processes may share the same file:
// WAL journaling lets readers proceed during writes, every transaction starts
// with BEGIN IMMEDIATE so writers queue on the database lock instead of
// failing on upgrade, and a claim is a single UPDATE ... RETURNING statement.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"priorityq/internal/models"
	"priorityq/internal/queue"
)

const retentionTable = "priorityq_retention"

// DB wraps the SQL database with queue helpers
type DB struct {
	*sql.DB
}

// DSN builds the connection string for a database file
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + "_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"
}

// Open opens (creating if needed) the database file at path
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+retentionTable+` (
		tbl TEXT PRIMARY KEY,
		retention_ns INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create retention table: %w", err)
	}
	return &DB{db}, nil
}

func tableName(ns models.Namespace) string {
	return ns.String()
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Provision creates the item table, its three indexes and the retention entry
func (db *DB) Provision(ctx context.Context, ns models.Namespace, retention time.Duration) error {
	tbl := tableName(ns)
	t := quote(tbl)
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		priority INTEGER NOT NULL,
		queued_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		payload TEXT NOT NULL,
		grp TEXT NOT NULL DEFAULT '',
		claim_token TEXT
	);

	CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s(started_at);
	CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s(priority, queued_at);
	CREATE INDEX IF NOT EXISTS %[4]s ON %[1]s(finished_at) WHERE finished_at IS NOT NULL;
	`, t, quote(tbl+"_started"), quote(tbl+"_priority"), quote(tbl+"_finished"))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create %s: %w", tbl, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+retentionTable+` (tbl, retention_ns) VALUES (?, ?)`,
		tbl, int64(retention)); err != nil {
		return fmt.Errorf("register retention for %s: %w", tbl, err)
	}
	return tx.Commit()
}

// Insert adds a new available item
func (db *DB) Insert(ctx context.Context, ns models.Namespace, item models.Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO `+quote(tableName(ns))+` (id, priority, queued_at, payload, grp)
		VALUES (?, ?, ?, ?, ?)
	`, item.ID, item.Priority, item.QueuedAt.UnixNano(), item.Payload, item.Group)
	return err
}

// ClaimNext atomically claims the next available item
func (db *DB) ClaimNext(ctx context.Context, ns models.Namespace, req queue.ClaimRequest) (models.Item, error) {
	t := quote(tableName(ns))
	args := []interface{}{req.Now.UnixNano(), req.Token}

	filter := "started_at IS NULL"
	if len(req.ExcludeGroups) > 0 {
		filter += " AND (grp = '' OR grp NOT IN (?" + strings.Repeat(", ?", len(req.ExcludeGroups)-1) + "))"
		for _, g := range req.ExcludeGroups {
			args = append(args, g)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return models.Item{}, err
	}
	defer tx.Rollback()

	item, err := scanItem(tx.QueryRowContext(ctx, `
		UPDATE `+t+`
		SET started_at = ?, claim_token = ?
		WHERE rowid = (
			SELECT rowid FROM `+t+`
			WHERE `+filter+`
			ORDER BY priority, queued_at, rowid
			LIMIT 1
		)
		RETURNING id, priority, queued_at, started_at, finished_at, payload, grp, claim_token
	`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Item{}, queue.ErrEmpty
	}
	if err != nil {
		return models.Item{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Item{}, err
	}
	return item, nil
}

// MarkFinished sets finished_at on the item claimed with token
func (db *DB) MarkFinished(ctx context.Context, ns models.Namespace, id, token string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE `+quote(tableName(ns))+`
		SET finished_at = ?
		WHERE id = ? AND claim_token = ? AND started_at IS NOT NULL
	`, at.UnixNano(), id, token)
	return affected(res, err)
}

// Release returns an unfinished item claimed with token to the pool
func (db *DB) Release(ctx context.Context, ns models.Namespace, id, token string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE `+quote(tableName(ns))+`
		SET started_at = NULL, claim_token = NULL
		WHERE id = ? AND claim_token = ? AND started_at IS NOT NULL AND finished_at IS NULL
	`, id, token)
	return affected(res, err)
}

// Stats counts items by state
func (db *DB) Stats(ctx context.Context, ns models.Namespace) (models.Stats, error) {
	var st models.Stats
	err := db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN started_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN started_at IS NOT NULL AND finished_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN finished_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM `+quote(tableName(ns))).Scan(&st.Available, &st.Claimed, &st.Finished)
	return st, err
}

// Get retrieves an item by its ID
func (db *DB) Get(ctx context.Context, ns models.Namespace, id string) (models.Item, error) {
	return scanItem(db.QueryRowContext(ctx, `
		SELECT id, priority, queued_at, started_at, finished_at, payload, grp, claim_token
		FROM `+quote(tableName(ns))+` WHERE id = ?
	`, id))
}

// Expire deletes finished items older than their table's retention
func (db *DB) Expire(ctx context.Context, now time.Time) (int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT tbl, retention_ns FROM `+retentionTable)
	if err != nil {
		return 0, err
	}
	type entry struct {
		tbl       string
		retention int64
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.tbl, &e.retention); err != nil {
			rows.Close()
			return 0, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	for _, e := range entries {
		cutoff := now.Add(-time.Duration(e.retention)).UnixNano()
		res, err := db.ExecContext(ctx,
			`DELETE FROM `+quote(e.tbl)+` WHERE finished_at IS NOT NULL AND finished_at <= ?`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("expire %s: %w", e.tbl, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

// Ping checks the database connection
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Helper functions

func scanItem(row *sql.Row) (models.Item, error) {
	var (
		item                models.Item
		queuedAt            int64
		startedAt, finished sql.NullInt64
		claimToken          sql.NullString
	)
	err := row.Scan(&item.ID, &item.Priority, &queuedAt, &startedAt, &finished,
		&item.Payload, &item.Group, &claimToken)
	if err != nil {
		return models.Item{}, err
	}

	item.QueuedAt = fromNanos(queuedAt)
	if startedAt.Valid {
		t := fromNanos(startedAt.Int64)
		item.StartedAt = &t
	}
	if finished.Valid {
		t := fromNanos(finished.Int64)
		item.FinishedAt = &t
	}
	if claimToken.Valid {
		item.ClaimToken = claimToken.String
	}
	return item, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
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
