package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/txn"
	_ "modernc.org/sqlite"
)

// SQLiteDurable implements Durable on top of a WAL-mode SQLite database. One
// row per Transaction, keyed by id, with the full Transaction JSON-encoded
// into data for field extraction on the slow-transaction and host-grouping
// queries (spec §4.8).
type SQLiteDurable struct {
	db *sql.DB
}

// NewSQLiteDurable opens (creating if absent) the database at dbPath.
func NewSQLiteDurable(dbPath string) (*SQLiteDurable, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening traffic database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to traffic database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer; avoid lock contention
	db.SetMaxIdleConns(1)

	setSecureFilePermissions(dbPath)

	d := &SQLiteDurable{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating traffic database: %w", err)
	}
	return d, nil
}

func setSecureFilePermissions(path string) {
	if runtime.GOOS == "windows" {
		return
	}
	os.Chmod(path, 0600)
	os.Chmod(path+"-wal", 0600)
	os.Chmod(path+"-shm", 0600)
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	method TEXT NOT NULL,
	host TEXT NOT NULL,
	path TEXT NOT NULL,
	status INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_started_at ON transactions(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_host ON transactions(host);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
`

func (d *SQLiteDurable) migrate() error {
	_, err := d.db.Exec(schemaV1)
	return err
}

// Upsert writes t, replacing any prior row with the same id (the Store
// re-upserts a transaction on each state change).
func (d *SQLiteDurable) Upsert(ctx context.Context, t *txn.Transaction) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO transactions (id, started_at, method, host, path, status, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			started_at=excluded.started_at,
			method=excluded.method,
			host=excluded.host,
			path=excluded.path,
			status=excluded.status,
			data=excluded.data
	`, t.ID, t.Timing.StartMS, t.Method, t.Host, t.Path, t.StatusCode, string(data))
	return err
}

func scanTransaction(row interface{ Scan(...any) error }) (*txn.Transaction, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var t txn.Transaction
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decoding transaction: %w", err)
	}
	return &t, nil
}

// GetByID returns the transaction with the given id, or nil if not found.
func (d *SQLiteDurable) GetByID(ctx context.Context, id string) (*txn.Transaction, error) {
	row := d.db.QueryRowContext(ctx, `SELECT data FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Query runs a filtered, paginated query ordered by started_at DESC, id DESC.
func (d *SQLiteDurable) Query(ctx context.Context, filter Filter, tr TimeRange, page, pageSize int) ([]*txn.Transaction, int, error) {
	var where []string
	var args []any

	if filter.Method != nil {
		where = append(where, "method = ?")
		args = append(args, *filter.Method)
	}
	if filter.HostContains != nil {
		where = append(where, "host LIKE ?")
		args = append(args, "%"+*filter.HostContains+"%")
	}
	if filter.PathContains != nil {
		where = append(where, "path LIKE ?")
		args = append(args, "%"+*filter.PathContains+"%")
	}
	if filter.StatusMin != nil {
		where = append(where, "status >= ?")
		args = append(args, *filter.StatusMin)
	}
	if filter.StatusMax != nil {
		where = append(where, "status <= ?")
		args = append(args, *filter.StatusMax)
	}
	if tr.StartMS != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *tr.StartMS)
	}
	if tr.EndMS != nil {
		where = append(where, "started_at <= ?")
		args = append(args, *tr.EndMS)
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM transactions " + whereClause
	if err := d.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	offset := (page - 1) * pageSize
	listQuery := "SELECT data FROM transactions " + whereClause + " ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?"
	listArgs := append(append([]any{}, args...), pageSize, offset)

	rows, err := d.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*txn.Transaction, 0, pageSize)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

// ListPage returns rows older than beforeStartedAtMs, newest first, for
// cursor-based pagination.
func (d *SQLiteDurable) ListPage(ctx context.Context, beforeStartedAtMs int64, limit int) ([]*txn.Transaction, error) {
	var rows *sql.Rows
	var err error
	if beforeStartedAtMs > 0 {
		rows, err = d.db.QueryContext(ctx, `
			SELECT data FROM transactions WHERE started_at < ?
			ORDER BY started_at DESC, id DESC LIMIT ?`, beforeStartedAtMs, limit)
	} else {
		rows, err = d.db.QueryContext(ctx, `
			SELECT data FROM transactions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*txn.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SlowerThan returns transactions whose total duration is at least
// thresholdMs, read from the JSON-extracted data.timing.total_ms field.
func (d *SQLiteDurable) SlowerThan(ctx context.Context, filter Filter, thresholdMs int64, limit int) ([]*txn.Transaction, error) {
	var where []string
	args := []any{thresholdMs}
	where = append(where, "json_extract(data, '$.timing.total_ms') >= ?")

	if filter.Method != nil {
		where = append(where, "method = ?")
		args = append(args, *filter.Method)
	}
	if filter.HostContains != nil {
		where = append(where, "host LIKE ?")
		args = append(args, "%"+*filter.HostContains+"%")
	}

	query := "SELECT data FROM transactions WHERE " + strings.Join(where, " AND ") +
		" ORDER BY json_extract(data, '$.timing.total_ms') DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying slow transactions: %w", err)
	}
	defer rows.Close()

	out := make([]*txn.Transaction, 0, limit)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListUniqueHosts groups rows by host, most frequent first.
func (d *SQLiteDurable) ListUniqueHosts(ctx context.Context, limit int) ([]HostCount, error) {
	query := "SELECT host, COUNT(*) as c FROM transactions GROUP BY host ORDER BY c DESC"
	if limit > 0 {
		query += " LIMIT ?"
	}
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = d.db.QueryContext(ctx, query, limit)
	} else {
		rows, err = d.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("listing unique hosts: %w", err)
	}
	defer rows.Close()

	var out []HostCount
	for rows.Next() {
		var hc HostCount
		if err := rows.Scan(&hc.Host, &hc.Count); err != nil {
			return nil, err
		}
		out = append(out, hc)
	}
	return out, rows.Err()
}

// Count returns the total row count.
func (d *SQLiteDurable) Count(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions").Scan(&n)
	return n, err
}

// ClearAll deletes every row.
func (d *SQLiteDurable) ClearAll(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM transactions")
	return err
}

// PruneOlderThan deletes rows started before now-days and returns the number
// of rows removed.
func (d *SQLiteDurable) PruneOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	res, err := d.db.ExecContext(ctx, "DELETE FROM transactions WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the underlying database handle.
func (d *SQLiteDurable) Close() error {
	return d.db.Close()
}
