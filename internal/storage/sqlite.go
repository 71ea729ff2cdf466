package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)
)

// MemoryPath opens a private in-memory database
const MemoryPath = ":memory:"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore implements Store interface with SQLite backend
type SQLiteStore struct {
	db     *sql.DB
	path   string
	mu     sync.Mutex
	closed atomic.Bool
}

// NewSQLiteStore opens the database and applies pragmas. Call
// MigrateDatabase before use.
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		return nil, ErrMissingSQLiteConfig
	}

	if config.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer; an in-memory database also lives
	// on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, newError(CodeStorageUnavailable, "failed to connect to database", err)
	}

	store := &SQLiteStore{db: db, path: config.Path}
	if err := store.applyPragmas(config); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) applyPragmas(config *SQLiteConfig) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL && config.Path != MemoryPath {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	keys := make([]string, 0, len(config.Pragmas))
	for k := range config.Pragmas {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", k, config.Pragmas[k]))
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	return nil
}

// MigrateDatabase applies pending migrations in version order, then
// seeds the preferences and token rows when they are missing. Safe to
// call on every start.
func (s *SQLiteStore) MigrateDatabase(ctx context.Context, defaults *Preferences) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return s.wrap("failed to create migrations table", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return s.wrap("failed to query migrations", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return err
		}
		applied[version] = true
	}
	rows.Close()

	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		if applied[version] {
			continue
		}
		content, err := fs.ReadFile(migrationFiles, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if err := s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(content)); err != nil {
				return fmt.Errorf("failed to execute migration %s: %w", version, err)
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().UnixMilli())
			return err
		}); err != nil {
			return err
		}
	}

	if defaults == nil {
		defaults = DefaultPreferences()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM preferences").Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO preferences (id, concurrent_downloads, default_download_location, last_download_location,
					window_state, allow_metrics, has_metrics_preference_been_set)
				VALUES (1, ?, ?, ?, ?, ?, ?)`,
				defaults.ConcurrentDownloads,
				nullString(defaults.DefaultDownloadLocation),
				nullString(defaults.LastDownloadLocation),
				nullString(defaults.WindowState),
				boolToInt(defaults.AllowMetrics),
				boolToInt(defaults.HasMetricsPreferenceBeenSet),
			); err != nil {
				return fmt.Errorf("failed to seed preferences: %w", err)
			}
		}

		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM token").Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			if _, err := tx.ExecContext(ctx, "INSERT INTO token (id, token) VALUES (1, NULL)"); err != nil {
				return fmt.Errorf("failed to seed token: %w", err)
			}
		}
		return nil
	})
}

// Close closes the database connection. Every later call returns
// ErrStorageUnavailable.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Path returns the database location
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) check() error {
	if s.closed.Load() {
		return ErrStorageUnavailable
	}
	return nil
}

// wrap classifies driver errors. Connection loss becomes
// ErrStorageUnavailable so callers can match it with errors.Is.
func (s *SQLiteStore) wrap(message string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if s.closed.Load() || errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return newError(CodeStorageUnavailable, message, err)
	}
	return fmt.Errorf("%s: %w", message, err)
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return s.wrap("transaction failed", err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap("failed to commit transaction", err)
	}
	return nil
}

// Column whitelists for partial updates
var (
	downloadColumns = map[string]bool{
		"state": true, "download_location": true, "auth_url": true, "eula_url": true,
		"eula_redirect_url": true, "get_links_url": true, "get_links_token": true,
		"loading_more_files": true, "active": true, "time_start": true, "time_end": true,
		"errors": true, "invalid_links": true, "client_id": true, "cancel_id": true,
		"pause_id": true, "restart_id": true, "delete_id": true, "clear_id": true,
	}
	fileColumns = map[string]bool{
		"state": true, "url": true, "percent": true, "received_bytes": true,
		"total_bytes": true, "time_start": true, "time_end": true, "errors": true,
		"duplicate_count": true, "cancel_id": true, "restart_id": true, "delete_id": true,
		"created_at": true,
	}
	preferenceColumns = map[string]bool{
		"concurrent_downloads": true, "default_download_location": true,
		"last_download_location": true, "window_state": true, "allow_metrics": true,
		"has_metrics_preference_been_set": true,
	}
)

// buildSet renders "col = ?, ..." for fields in a stable order
func buildSet(allowed map[string]bool, fields Fields) (string, []interface{}, error) {
	if len(fields) == 0 {
		return "", nil, newError(CodeInvalidField, "empty update", nil)
	}
	cols := make([]string, 0, len(fields))
	for col := range fields {
		if !allowed[col] {
			return "", nil, newError(CodeInvalidField, "unknown column "+col, nil)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols))
	for _, col := range cols {
		v, err := toColumnValue(fields[col])
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, col+" = ?")
		args = append(args, v)
	}
	return strings.Join(parts, ", "), args, nil
}

func toColumnValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		if x.IsZero() {
			return nil, nil
		}
		return x.UnixMilli(), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return x.UnixMilli(), nil
	case bool:
		return boolToInt(x), nil
	case DownloadState:
		return string(x), nil
	case FileState:
		return string(x), nil
	case []ErrorEntry:
		return encodeErrors(x)
	default:
		return v, nil
	}
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeToMilli(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func milliToTime(t sql.NullInt64) *time.Time {
	if !t.Valid {
		return nil
	}
	u := time.UnixMilli(t.Int64).UTC()
	return &u
}

func encodeErrors(entries []ErrorEntry) (interface{}, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode errors: %w", err)
	}
	return string(data), nil
}

func decodeErrors(raw sql.NullString) []ErrorEntry {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var entries []ErrorEntry
	if err := json.Unmarshal([]byte(raw.String), &entries); err != nil {
		// tolerate a bare string written by an older build
		return []ErrorEntry{{Message: raw.String}}
	}
	return entries
}

// appendErrorTx reads the errors column of one row and writes it back
// with entry appended.
func appendErrorTx(ctx context.Context, tx *sql.Tx, table, idColumn string, id interface{}, entry ErrorEntry) error {
	var raw sql.NullString
	err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT errors FROM %s WHERE %s = ?", table, idColumn), id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	encoded, err := encodeErrors(append(decodeErrors(raw), entry))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET errors = ? WHERE %s = ?", table, idColumn), encoded, id)
	return err
}
