package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dexto-ai/dexto/slogger"
)

// SQLiteBackend stores entries in a single database file per namespace,
// using WAL journaling and prepared statements for the hot paths. Unlike the
// other backends its Incr is atomic across goroutines via a transaction on
// the single connection.
type SQLiteBackend struct {
	dbPath    string
	table     string
	itemTable string
	logger    slogger.Logger

	mu        sync.RWMutex
	connected bool
	db        *sql.DB
	stmts     sqliteStatements
}

// sqliteStatements holds the prepared statements owned by the backend. They
// are released on Disconnect and must not outlive the connection.
type sqliteStatements struct {
	get     *sql.Stmt
	set     *sql.Stmt
	delete  *sql.Stmt
	has     *sql.Stmt
	keys    *sql.Stmt
	cleanup *sql.Stmt
	clear   *sql.Stmt

	itemPush  *sql.Stmt
	itemRange *sql.Stmt
	itemCount *sql.Stmt
}

func (s *sqliteStatements) closeAll() {
	for _, stmt := range []*sql.Stmt{
		s.get, s.set, s.delete, s.has, s.keys, s.cleanup, s.clear,
		s.itemPush, s.itemRange, s.itemCount,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	*s = sqliteStatements{}
}

// NewSQLiteBackend creates a backend for <storageContext.Root>/sqlite/<namespace>.db,
// or cfg.Path when set.
func NewSQLiteBackend(storageContext *Context, namespace string, cfg *BackendConfig, logger slogger.Logger) (*SQLiteBackend, error) {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	dbPath := ""
	if cfg != nil && cfg.Path != "" {
		dbPath = cfg.Path
	} else {
		dir, err := storageContext.Path("sqlite")
		if err != nil {
			return nil, &ConnectionError{BackendType: TypeSQLite, Err: err}
		}
		dbPath = filepath.Join(dir, sanitizeKey(namespace)+".db")
	}
	sanitized := sanitizeNamespace(namespace)
	return &SQLiteBackend{
		dbPath:    dbPath,
		table:     "storage_" + sanitized,
		itemTable: "storage_" + sanitized + "_items",
		logger:    logger,
	}, nil
}

// sanitizeNamespace maps a namespace to a safe SQL identifier fragment.
func sanitizeNamespace(namespace string) string {
	return strings.ReplaceAll(sanitizeKey(namespace), ".", "_")
}

func (b *SQLiteBackend) BackendType() string { return TypeSQLite }

func (b *SQLiteBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if err := ensureDir(filepath.Dir(b.dbPath)); err != nil {
		return &ConnectionError{BackendType: TypeSQLite, Err: err}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_sync=NORMAL&_busy_timeout=5000", b.dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return &ConnectionError{BackendType: TypeSQLite, Err: err}
	}
	// A single connection keeps statement execution serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &ConnectionError{BackendType: TypeSQLite, Err: err}
	}
	if err := b.createSchema(ctx, db); err != nil {
		db.Close()
		return &ConnectionError{BackendType: TypeSQLite, Err: err}
	}
	if err := b.prepareStatements(ctx, db); err != nil {
		db.Close()
		return &ConnectionError{BackendType: TypeSQLite, Err: err}
	}
	b.db = db
	b.connected = true
	return nil
}

func (b *SQLiteBackend) createSchema(ctx context.Context, db *sql.DB) error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires INTEGER NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_expires ON %[1]s(expires) WHERE expires IS NOT NULL;

	CREATE TABLE IF NOT EXISTS %[2]s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		item TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[2]s_key_created ON %[2]s(key, created_at);
	`, b.table, b.itemTable)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) prepareStatements(ctx context.Context, db *sql.DB) error {
	prepare := func(dst **sql.Stmt, query string) error {
		if *dst != nil {
			return nil
		}
		stmt, err := db.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare %q: %w", query, err)
		}
		*dst = stmt
		return nil
	}

	t, it := b.table, b.itemTable
	steps := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&b.stmts.get, fmt.Sprintf(`SELECT value, expires FROM %s WHERE key = ?`, t)},
		{&b.stmts.set, fmt.Sprintf(`INSERT OR REPLACE INTO %s (key, value, expires) VALUES (?, ?, ?)`, t)},
		{&b.stmts.delete, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, t)},
		{&b.stmts.has, fmt.Sprintf(`SELECT 1 FROM %s WHERE key = ? AND (expires IS NULL OR expires > ?)`, t)},
		{&b.stmts.keys, fmt.Sprintf(`SELECT key FROM %s WHERE expires IS NULL OR expires > ?`, t)},
		{&b.stmts.cleanup, fmt.Sprintf(`DELETE FROM %s WHERE expires IS NOT NULL AND expires <= ?`, t)},
		{&b.stmts.clear, fmt.Sprintf(`DELETE FROM %s`, t)},
		{&b.stmts.itemPush, fmt.Sprintf(`INSERT INTO %s (key, item, created_at) VALUES (?, ?, ?)`, it)},
		{&b.stmts.itemRange, fmt.Sprintf(`SELECT item FROM %s WHERE key = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, it)},
		{&b.stmts.itemCount, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE key = ?`, it)},
	}
	for _, step := range steps {
		if err := prepare(step.dst, step.query); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect prunes expired rows, releases the prepared statements, and
// closes the database.
func (b *SQLiteBackend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	if _, err := b.stmts.cleanup.Exec(time.Now().UnixMilli()); err != nil {
		b.logger.Warn("sqlite backend: expired-row cleanup on close failed", "error", err)
	}
	b.stmts.closeAll()
	err := b.db.Close()
	b.db = nil
	b.connected = false
	return err
}

func (b *SQLiteBackend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, false, ErrNotConnected
	}
	var value string
	var expires sql.NullInt64
	err := b.stmts.get.QueryRowContext(ctx, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: sqlite get: %w", err)
	}
	if expires.Valid && time.Now().UnixMilli() > expires.Int64 {
		// Lazy expiry.
		if _, err := b.stmts.delete.ExecContext(ctx, key); err != nil {
			b.logger.Warn("sqlite backend: lazy expiry delete failed", "key", key, "error", err)
		}
		return nil, false, nil
	}
	if !json.Valid([]byte(value)) {
		b.logger.Warn("sqlite backend: corrupt value, treating as absent", "key", key)
		return nil, false, nil
	}
	return json.RawMessage(value), true, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return ErrNotConnected
	}
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixMilli()
	}
	if _, err := b.stmts.set.ExecContext(ctx, key, string(data), expires); err != nil {
		return fmt.Errorf("storage: sqlite set: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return false, ErrNotConnected
	}
	var existed bool
	err := b.stmts.has.QueryRowContext(ctx, key, time.Now().UnixMilli()).Scan(new(int))
	if err == nil {
		existed = true
	} else if err != sql.ErrNoRows {
		return false, fmt.Errorf("storage: sqlite delete: %w", err)
	}
	if _, err := b.stmts.delete.ExecContext(ctx, key); err != nil {
		return false, fmt.Errorf("storage: sqlite delete: %w", err)
	}
	return existed, nil
}

func (b *SQLiteBackend) Has(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return false, ErrNotConnected
	}
	err := b.stmts.has.QueryRowContext(ctx, key, time.Now().UnixMilli()).Scan(new(int))
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: sqlite has: %w", err)
	}
	return true, nil
}

func (b *SQLiteBackend) MGet(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	result := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		value, ok, err := b.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			result[key] = value
		}
	}
	return result, nil
}

func (b *SQLiteBackend) MSet(ctx context.Context, items map[string]any, ttl time.Duration) error {
	for key, value := range items {
		if err := b.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (b *SQLiteBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	rows, err := b.stmts.keys.QueryContext(ctx, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("storage: sqlite keys scan: %w", err)
		}
		if matcher.Match(key) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) DeletePattern(ctx context.Context, pattern string) (int, error) {
	matched, err := b.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, key := range matched {
		existed, err := b.Delete(ctx, key)
		if err != nil {
			return count, err
		}
		if existed {
			count++
		}
	}
	return count, nil
}

func (b *SQLiteBackend) LPush(ctx context.Context, key string, values ...any) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return ErrNotConnected
	}
	now := time.Now().UnixMilli()
	for _, value := range values {
		data, err := encodeValue(value)
		if err != nil {
			return err
		}
		if _, err := b.stmts.itemPush.ExecContext(ctx, key, string(data), now); err != nil {
			return fmt.Errorf("storage: sqlite lpush: %w", err)
		}
	}
	return nil
}

// LRange fetches most-recent-first (the indexed order) and reverses to
// chronological before applying the requested bounds.
func (b *SQLiteBackend) LRange(ctx context.Context, key string, start, stop int) ([]json.RawMessage, error) {
	items, err := b.readAllItems(ctx, key)
	if err != nil {
		return nil, err
	}
	lo, hi, ok := rangeBounds(start, stop, len(items))
	if !ok {
		return nil, nil
	}
	return items[lo : hi+1], nil
}

func (b *SQLiteBackend) readAllItems(ctx context.Context, key string) ([]json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return nil, ErrNotConnected
	}
	rows, err := b.stmts.itemRange.QueryContext(ctx, key, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("storage: sqlite lrange: %w", err)
	}
	defer rows.Close()

	var newestFirst []json.RawMessage
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("storage: sqlite lrange scan: %w", err)
		}
		newestFirst = append(newestFirst, json.RawMessage(item))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(newestFirst)-1; i < j; i, j = i+1, j-1 {
		newestFirst[i], newestFirst[j] = newestFirst[j], newestFirst[i]
	}
	return newestFirst, nil
}

func (b *SQLiteBackend) LTrim(ctx context.Context, key string, start, stop int) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return ErrNotConnected
	}
	var n int
	if err := b.stmts.itemCount.QueryRowContext(ctx, key).Scan(&n); err != nil {
		return fmt.Errorf("storage: sqlite ltrim: %w", err)
	}
	lo, hi, ok := rangeBounds(start, stop, n)
	if !ok {
		_, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, b.itemTable), key)
		return err
	}
	// Keep rows lo..hi in chronological order, delete the rest.
	query := fmt.Sprintf(`
		DELETE FROM %[1]s WHERE key = ? AND id NOT IN (
			SELECT id FROM %[1]s WHERE key = ?
			ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?
		)`, b.itemTable)
	if _, err := b.db.ExecContext(ctx, query, key, key, hi-lo+1, lo); err != nil {
		return fmt.Errorf("storage: sqlite ltrim: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) LLen(ctx context.Context, key string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return 0, ErrNotConnected
	}
	var n int
	if err := b.stmts.itemCount.QueryRowContext(ctx, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: sqlite llen: %w", err)
	}
	return n, nil
}

// Incr is atomic across goroutines: the read-modify-write runs inside a
// transaction on the backend's single connection.
func (b *SQLiteBackend) Incr(ctx context.Context, key string, by int64) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return 0, ErrNotConnected
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: sqlite incr: %w", err)
	}
	defer tx.Rollback()

	var current int64
	var value string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, b.table), key).Scan(&value)
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(value), &current); jsonErr != nil {
			b.logger.Warn("sqlite backend: counter is not a number, resetting", "key", key)
			current = 0
		}
	} else if err != sql.ErrNoRows {
		return 0, fmt.Errorf("storage: sqlite incr: %w", err)
	}

	next := current + by
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (key, value, expires) VALUES (?, ?, NULL)`, b.table),
		key, fmt.Sprintf("%d", next))
	if err != nil {
		return 0, fmt.Errorf("storage: sqlite incr: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: sqlite incr: %w", err)
	}
	return next, nil
}
