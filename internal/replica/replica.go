// Package replica is the device-local row store, backed by embedded SQLite.
//
// It holds the authoritative version of every (table, id) this device has
// seen, tombstones included, and applies pulled diffs with the dominance
// rule from package merge. Live queries hide tombstones.
//
// Architecture:
//   - Database file: ~/.syncd/replica.db (configurable)
//   - WAL mode: readers are not blocked by an apply in progress
//   - Schema: rows (one per table/id, payload as JSON)
//   - Writes: serialized; each Apply is one transaction
package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/focusdeck/syncd/internal/merge"
	"github.com/focusdeck/syncd/internal/schema"
)

// DB wraps the SQLite connection holding the local replica.
type DB struct {
	conn     *sql.DB
	path     string
	tieBreak schema.TieBreak
	logger   *log.Logger

	// writeMu serializes Apply and Reset. SQLite has a single writer and
	// Apply reads before it writes inside its transaction.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the replica at path and initializes its
// schema.
//
// The caller MUST call Close() when done.
//
// If logger is nil, a default logger writing to stderr is used.
//
// Example:
//
//	db, err := replica.Open("~/.syncd/replica.db", schema.DefaultTieBreak, nil)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string, tb schema.TieBreak, logger *log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[replica] ", log.LstdFlags)
	}
	if len(tb.Order) == 0 {
		tb = schema.DefaultTieBreak
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create replica directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping replica: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:     conn,
		path:     path,
		tieBreak: tb,
		logger:   logger,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close replica: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the rows table if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS rows (
		tbl TEXT NOT NULL,
		id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		updated_by TEXT NOT NULL,
		priority_class TEXT NOT NULL DEFAULT '',
		deleted_at INTEGER,
		data TEXT,  -- JSON payload, NULL for bare tombstones
		applied_at INTEGER NOT NULL,
		PRIMARY KEY (tbl, id)
	);

	CREATE INDEX IF NOT EXISTS idx_rows_live ON rows(tbl, deleted_at);
	CREATE INDEX IF NOT EXISTS idx_rows_updated ON rows(updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Apply merges a batch of diffs in one transaction and returns how many rows
// replaced the stored version. A row that does not strictly dominate what is
// stored is skipped, so applying the same batch twice changes nothing the
// second time.
//
// Apply implements rowsync.Applier.
func (db *DB) Apply(ctx context.Context, diffs schema.Batch) (int, error) {
	if diffs.Len() == 0 {
		return 0, nil
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	applied := 0
	for table, rows := range diffs {
		for _, row := range rows {
			if row.Table == "" {
				row.Table = table
			}

			held, found, err := getRow(ctx, tx, row.Table, row.ID)
			if err != nil {
				return 0, err
			}
			if found && !merge.Dominates(row, held, db.tieBreak) {
				continue
			}

			if err := upsertRow(ctx, tx, row, now); err != nil {
				return 0, err
			}
			applied++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return applied, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRow(ctx context.Context, q queryer, table schema.Table, id string) (schema.Row, bool, error) {
	query := `
	SELECT tbl, id, user_id, updated_at, updated_by, priority_class, deleted_at, data
	FROM rows WHERE tbl = ? AND id = ?
	`
	row, err := scanRow(q.QueryRowContext(ctx, query, string(table), id))
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Row{}, false, nil
	}
	if err != nil {
		return schema.Row{}, false, fmt.Errorf("failed to read row %s/%s: %w", table, id, err)
	}
	return row, true, nil
}

func upsertRow(ctx context.Context, tx *sql.Tx, row schema.Row, appliedAt int64) error {
	var data sql.NullString
	if row.Data != nil {
		b, err := json.Marshal(row.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s data: %w", row.Table, row.ID, err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}

	query := `
	INSERT INTO rows (
		tbl, id, user_id, updated_at, updated_by, priority_class,
		deleted_at, data, applied_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tbl, id) DO UPDATE SET
		user_id = excluded.user_id,
		updated_at = excluded.updated_at,
		updated_by = excluded.updated_by,
		priority_class = excluded.priority_class,
		deleted_at = excluded.deleted_at,
		data = excluded.data,
		applied_at = excluded.applied_at
	`

	_, err := tx.ExecContext(ctx, query,
		string(row.Table),
		row.ID,
		row.UserID,
		row.UpdatedAt,
		row.UpdatedBy,
		string(row.Priority),
		int64PtrToNull(row.DeletedAt),
		data,
		appliedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert row %s/%s: %w", row.Table, row.ID, err)
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (schema.Row, error) {
	var (
		table, id, userID, updatedBy, priority string
		updatedAt                              int64
		deletedAt                              sql.NullInt64
		data                                   sql.NullString
	)
	if err := s.Scan(&table, &id, &userID, &updatedAt, &updatedBy, &priority, &deletedAt, &data); err != nil {
		return schema.Row{}, err
	}

	row := schema.Row{
		Table:     schema.Table(table),
		ID:        id,
		UserID:    userID,
		UpdatedAt: updatedAt,
		UpdatedBy: updatedBy,
		Priority:  schema.PriorityClass(priority),
		DeletedAt: nullToInt64Ptr(deletedAt),
	}
	if data.Valid {
		d, err := schema.DecodeData(row.Table, json.RawMessage(data.String))
		if err != nil {
			return schema.Row{}, err
		}
		row.Data = d
	}
	return row, nil
}

// Get returns the stored version of a row, tombstones included.
// The bool is false if the row was never seen.
func (db *DB) Get(table schema.Table, id string) (schema.Row, bool, error) {
	return db.GetContext(context.Background(), table, id)
}

// GetContext returns the stored version of a row with context support.
func (db *DB) GetContext(ctx context.Context, table schema.Table, id string) (schema.Row, bool, error) {
	return getRow(ctx, db.conn, table, id)
}

// Live returns the non-deleted rows of a table ordered by id.
func (db *DB) Live(table schema.Table) ([]schema.Row, error) {
	return db.ListContext(context.Background(), ListFilter{Table: table})
}

// ListFilter configures the ListContext query.
type ListFilter struct {
	Table schema.Table

	// IncludeTombstones returns deleted rows too.
	IncludeTombstones bool

	// UpdatedAfter restricts to rows with updated_at > UpdatedAfter.
	UpdatedAfter int64

	// Limit caps the number of rows (0 = unlimited).
	Limit int
}

// ListContext returns rows of one table matching the filter, ordered by id.
func (db *DB) ListContext(ctx context.Context, filter ListFilter) ([]schema.Row, error) {
	if !filter.Table.Valid() {
		return nil, fmt.Errorf("unknown table %q", filter.Table)
	}

	query := `
	SELECT tbl, id, user_id, updated_at, updated_by, priority_class, deleted_at, data
	FROM rows
	WHERE tbl = ? AND updated_at > ?
	`
	args := []any{string(filter.Table), filter.UpdatedAfter}

	if !filter.IncludeTombstones {
		query += " AND deleted_at IS NULL"
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s rows: %w", filter.Table, err)
	}
	defer rows.Close()

	var out []schema.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", filter.Table, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", filter.Table, err)
	}

	return out, nil
}

// TableStats counts the rows of one table.
type TableStats struct {
	Table      schema.Table
	Live       int
	Tombstones int
	// LastUpdatedAt is the greatest updated_at stored, 0 if empty.
	LastUpdatedAt int64
}

// Stats returns per-table row counts for every known table.
func (db *DB) Stats(ctx context.Context) ([]TableStats, error) {
	query := `
	SELECT
		COUNT(CASE WHEN deleted_at IS NULL THEN 1 END),
		COUNT(CASE WHEN deleted_at IS NOT NULL THEN 1 END),
		COALESCE(MAX(updated_at), 0)
	FROM rows WHERE tbl = ?
	`

	stats := make([]TableStats, 0, len(schema.AllTables))
	for _, table := range schema.AllTables {
		st := TableStats{Table: table}
		if err := db.conn.QueryRowContext(ctx, query, string(table)).Scan(&st.Live, &st.Tombstones, &st.LastUpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to count %s rows: %w", table, err)
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// Reset deletes every row, e.g. on logout. The caller must also reset the
// pull cursor so the next pull starts from zero.
func (db *DB) Reset(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx, "DELETE FROM rows"); err != nil {
		return fmt.Errorf("failed to reset replica: %w", err)
	}
	return nil
}

func int64PtrToNull(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullToInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
