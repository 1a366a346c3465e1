package sandbox

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dbrown/permissible-ai/interfaces"
	"github.com/dbrown/permissible-ai/tenant"
)

const (
	// metadataTable is the reserved per-container bookkeeping table.
	metadataTable = "_session_metadata"

	// DefaultQueryTimeout bounds query execution when no timeout is configured.
	DefaultQueryTimeout = 30 * time.Second
)

// deniedKeywords are rejected anywhere in a query, case-insensitively. The
// substring match mirrors the upstream contract; the read-only connection and
// query_only pragma back it up at the engine level.
var deniedKeywords = []string{"ATTACH", "DETACH", "PRAGMA", "VACUUM", "REINDEX"}

// Engine manages per-session SQLite containers.
type Engine struct {
	dataDir      string
	queryTimeout time.Duration

	mu         sync.Mutex
	containers map[interfaces.SessionID]*container

	log *slog.Logger
}

// container serializes all access to one session's database file.
type container struct {
	mu   sync.Mutex
	path string
}

// NewEngine creates the engine and its data directory (owner-only).
func NewEngine(dataDir string, queryTimeout time.Duration, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	log.Info("Query sandbox initialized", slog.String("dataDir", dataDir))
	return &Engine{
		dataDir:      dataDir,
		queryTimeout: queryTimeout,
		containers:   make(map[interfaces.SessionID]*container),
		log:          log,
	}, nil
}

// containerFor returns the session's container handle, creating the handle
// (not the file) atomically on first use.
func (e *Engine) containerFor(id interfaces.SessionID) *container {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.containers[id]
	if !ok {
		c = &container{path: filepath.Join(e.dataDir, fmt.Sprintf("session_%d.db", int64(id)))}
		e.containers[id] = c
	}
	return c
}

// EnsureContainer creates the session's database file and metadata table if
// absent. Idempotent: repeated calls produce no duplicate metadata rows and
// no error.
func (e *Engine) EnsureContainer(id interfaces.SessionID) error {
	c := e.containerFor(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return e.ensureLocked(c, id)
}

func (e *Engine) ensureLocked(c *container, id interfaces.SessionID) error {
	created := !fileExists(c.path)

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1", c.path))
	if err != nil {
		return fmt.Errorf("failed to open container: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value TEXT)`, metadataTable)); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	stmt := fmt.Sprintf(`INSERT OR IGNORE INTO %s (key, value) VALUES (?, ?)`, metadataTable)
	if _, err := db.Exec(stmt, "session_id", id.String()); err != nil {
		return fmt.Errorf("failed to record session id: %w", err)
	}
	if _, err := db.Exec(stmt, "created_at", time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to record creation time: %w", err)
	}

	if created {
		// SQLite creates the file with default permissions; tighten to owner-only.
		if err := os.Chmod(c.path, 0o600); err != nil {
			return fmt.Errorf("failed to restrict container permissions: %w", err)
		}
		e.log.Info("Created session container",
			slog.String("sessionID", id.String()), slog.String("path", c.path))
	}
	return nil
}

// LoadTable parses CSV text and loads it into the session's container as a
// new all-TEXT table. The derived table name must not exist yet; a collision
// is a conflict, not an overwrite. Rows are inserted with parameterized
// prepared statements inside one transaction, so a failed load leaves no
// partial table behind.
func (e *Engine) LoadTable(sessionID interfaces.SessionID, datasetID interfaces.DatasetID, datasetName, csvText string) (*interfaces.LoadResult, error) {
	headers, rows, err := ParseCSV(csvText)
	if err != nil {
		return nil, err
	}

	columns := make([]interfaces.ColumnMapping, len(headers))
	seen := make(map[string]struct{}, len(headers))
	for i, h := range headers {
		sanitized := tenant.SanitizeIdentifier(h)
		if _, dup := seen[sanitized]; dup {
			return nil, fmt.Errorf("%w: duplicate column name %q after sanitization", interfaces.ErrValidation, sanitized)
		}
		seen[sanitized] = struct{}{}
		columns[i] = interfaces.ColumnMapping{Header: h, Sanitized: sanitized}
	}

	tableName := tenant.DeriveTableName(datasetID, datasetName)

	c := e.containerFor(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := e.ensureLocked(c, sessionID); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1", c.path))
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	defer db.Close()

	var exists string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, tableName).Scan(&exists)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: table %s already exists in session container", interfaces.ErrConflict, tableName)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to check table existence: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin load transaction: %w", err)
	}
	defer tx.Rollback()

	colDefs := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		colDefs[i] = fmt.Sprintf("%q TEXT", col.Sanitized)
		placeholders[i] = "?"
	}
	if _, err := tx.Exec(fmt.Sprintf(`CREATE TABLE %q (%s)`, tableName, strings.Join(colDefs, ", "))); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	insert, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %q VALUES (%s)`, tableName, strings.Join(placeholders, ", ")))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer insert.Close()

	for _, row := range rows {
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = v
		}
		if _, err := insert.Exec(args...); err != nil {
			return nil, fmt.Errorf("failed to insert row: %w", err)
		}
	}

	meta := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)`, metadataTable)
	if _, err := tx.Exec(meta, fmt.Sprintf("dataset_%d_table", int64(datasetID)), tableName); err != nil {
		return nil, fmt.Errorf("failed to record table mapping: %w", err)
	}
	if _, err := tx.Exec(meta, fmt.Sprintf("dataset_%d_loaded_at", int64(datasetID)), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("failed to record load time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit load: %w", err)
	}

	e.log.Info("Loaded dataset into session container",
		slog.String("sessionID", sessionID.String()),
		slog.String("datasetID", datasetID.String()),
		slog.String("table", tableName),
		slog.Int("rows", len(rows)),
		slog.Int("columns", len(columns)))

	return &interfaces.LoadResult{TableName: tableName, RowCount: len(rows), Columns: columns}, nil
}

// Execute runs a restricted read-only query against the session's container.
// The statement must begin with SELECT, must not contain denylisted keywords,
// runs on a read-only query_only connection, and is bounded by the engine's
// wall-clock timeout; on timeout the query is interrupted and reported as an
// execution error.
func (e *Engine) Execute(ctx context.Context, sessionID interfaces.SessionID, queryText string) (*interfaces.QueryResult, error) {
	c := e.containerFor(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !fileExists(c.path) {
		return nil, fmt.Errorf("%w: no container exists for session %s", interfaces.ErrValidation, sessionID)
	}

	if err := validateQuery(queryText); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_query_only=true", c.path))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open container read-only: %v", interfaces.ErrExecution, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := db.QueryContext(ctx, queryText)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: query timed out after %s", interfaces.ErrExecution, e.queryTimeout)
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrExecution, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrExecution, err)
	}

	var out [][]string
	for rows.Next() {
		cells := make([]sql.NullString, len(cols))
		scan := make([]any, len(cols))
		for i := range cells {
			scan[i] = &cells[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrExecution, err)
		}
		row := make([]string, len(cols))
		for i, cell := range cells {
			row[i] = cell.String
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: query timed out after %s", interfaces.ErrExecution, e.queryTimeout)
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrExecution, err)
	}

	elapsed := time.Since(start)
	e.log.Info("Query executed",
		slog.String("sessionID", sessionID.String()),
		slog.Int("rows", len(out)),
		slog.Duration("elapsed", elapsed))

	return &interfaces.QueryResult{
		Columns:       cols,
		Rows:          out,
		RowCount:      len(out),
		ExecutionTime: elapsed,
	}, nil
}

// validateQuery enforces the SELECT-only prefix and the keyword denylist
// before the statement reaches the engine.
func validateQuery(queryText string) error {
	upper := strings.ToUpper(strings.TrimSpace(queryText))
	if !strings.HasPrefix(upper, "SELECT") {
		return fmt.Errorf("%w: only SELECT queries are allowed", interfaces.ErrValidation)
	}
	for _, kw := range deniedKeywords {
		if strings.Contains(upper, kw) {
			return fmt.Errorf("%w: query contains forbidden keyword %s", interfaces.ErrValidation, kw)
		}
	}
	return nil
}

// TableSchema describes one loaded table in a session container.
type TableSchema struct {
	Name     string       `json:"name"`
	Columns  []ColumnInfo `json:"columns"`
	RowCount int          `json:"row_count"`
}

// ColumnInfo describes one column of a loaded table.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SessionSchema lists every non-reserved table in the session's container
// with its columns and row count. An absent container yields an empty list.
func (e *Engine) SessionSchema(sessionID interfaces.SessionID) ([]TableSchema, error) {
	c := e.containerFor(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !fileExists(c.path) {
		return []TableSchema{}, nil
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", c.path))
	if err != nil {
		return nil, fmt.Errorf("failed to open container: %w", err)
	}
	defer db.Close()

	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE '\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	schemas := make([]TableSchema, 0, len(names))
	for _, name := range names {
		info, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema for %s: %w", name, err)
		}

		var cols []ColumnInfo
		for info.Next() {
			var (
				cid        int
				colName    string
				colType    string
				notNull    int
				defaultVal sql.NullString
				pk         int
			)
			if err := info.Scan(&cid, &colName, &colType, &notNull, &defaultVal, &pk); err != nil {
				info.Close()
				return nil, err
			}
			cols = append(cols, ColumnInfo{Name: colName, Type: colType})
		}
		info.Close()

		var count int
		if err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", name, err)
		}

		schemas = append(schemas, TableSchema{Name: name, Columns: cols, RowCount: count})
	}
	return schemas, nil
}

// DeleteContainer removes the session's database file. Returns true if a
// file was deleted.
func (e *Engine) DeleteContainer(sessionID interfaces.SessionID) (bool, error) {
	c := e.containerFor(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !fileExists(c.path) {
		return false, nil
	}
	if err := os.Remove(c.path); err != nil {
		return false, fmt.Errorf("failed to delete container: %w", err)
	}

	e.log.Info("Deleted session container", slog.String("sessionID", sessionID.String()))
	return true, nil
}

// ParseCSV validates and parses delimited tabular text: a non-empty header
// row and at least one data row are required.
func ParseCSV(text string) (headers []string, rows [][]string, err error) {
	reader := csv.NewReader(strings.NewReader(text))

	headers, err = reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: CSV is empty or has no header", interfaces.ErrValidation)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed CSV header: %v", interfaces.ErrValidation, err)
	}
	if len(headers) == 0 || (len(headers) == 1 && strings.TrimSpace(headers[0]) == "") {
		return nil, nil, fmt.Errorf("%w: CSV is empty or has no header", interfaces.ErrValidation)
	}

	rows, err = reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: malformed CSV data: %v", interfaces.ErrValidation, err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: CSV contains no data rows", interfaces.ErrValidation)
	}
	return headers, rows, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
