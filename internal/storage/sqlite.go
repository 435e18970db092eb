package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/smenaquispe/observatory/internal/config"
	"github.com/smenaquispe/observatory/internal/logger"
	"github.com/smenaquispe/observatory/pkg/observation"

	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	// Id assignment must stay serialized; a single writer connection keeps
	// AUTOINCREMENT monotonic without busy-loop retries.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at_ns INTEGER NOT NULL,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    query TEXT,
    headers_json TEXT,
    body TEXT,
    handler_name TEXT,
    status TEXT NOT NULL,
    status_code INTEGER,
    response_headers_json TEXT,
    response_body TEXT,
    duration_ms REAL
);
CREATE INDEX IF NOT EXISTS idx_observations_status ON observations(status);
CREATE INDEX IF NOT EXISTS idx_observations_method_path ON observations(method, path, id DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

const selectColumns = "id, created_at_ns, method, path, query, headers_json, body, handler_name, status, status_code, response_headers_json, response_body, duration_ms"

func (s *sqliteStore) Create(rec *observation.Record) (int64, error) {
	if rec == nil {
		return 0, fmt.Errorf("observation record is nil")
	}
	ctx := context.Background()

	ts := rec.CreatedAt.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.CreatedAt = ts
	if rec.Status == "" {
		rec.Status = observation.StatusPending
	}

	headersJSON, err := marshalHeaders(rec.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertSQL := `INSERT INTO observations (
        created_at_ns, method, path, query, headers_json, body, handler_name, status
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := tx.ExecContext(ctx, insertSQL,
		ts.UnixNano(),
		rec.Method,
		rec.Path,
		rec.Query,
		headersJSON,
		nullableString(rec.Body),
		nullableString(rec.HandlerName),
		string(rec.Status),
	)
	if err != nil {
		return 0, fmt.Errorf("insert observation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err = s.prune(ctx, tx); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	return id, nil
}

func (s *sqliteStore) Complete(id int64, c observation.Completion) error {
	ctx := context.Background()

	headersJSON, err := marshalHeaders(c.Headers)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE observations SET
            status = ?, status_code = ?, response_headers_json = ?,
            response_body = ?, duration_ms = ?
         WHERE id = ?`,
		string(observation.StatusCompleted),
		c.StatusCode,
		headersJSON,
		nullableString(c.Body),
		c.DurationMs,
		id,
	)
	if err != nil {
		return fmt.Errorf("complete observation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Get(id int64) (*StoredRecord, error) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM observations WHERE id = ?", selectColumns), id)
	rec, err := scanStoredRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) ListSince(sinceID int64, limit int) ([]*StoredRecord, error) {
	ctx := context.Background()

	query := fmt.Sprintf("SELECT %s FROM observations", selectColumns)
	var args []interface{}
	if sinceID > 0 {
		query += " WHERE id > ?"
		args = append(args, sinceID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*StoredRecord
	for rows.Next() {
		rec, err := scanStoredRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) CountTotal() (int, error) {
	return s.CountSince(0)
}

func (s *sqliteStore) CountSince(sinceID int64) (int, error) {
	ctx := context.Background()
	query := "SELECT COUNT(1) FROM observations"
	var args []interface{}
	if sinceID > 0 {
		query += " WHERE id > ?"
		args = append(args, sinceID)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *sqliteStore) LatestMatching(method, path string, afterID int64) (*StoredRecord, error) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM observations WHERE method = ? AND path = ? AND id > ? ORDER BY id DESC LIMIT 1", selectColumns),
		method, path, afterID)
	rec, err := scanStoredRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// prune enforces the external retention policy inside the insert transaction.
func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.Retention > 0 {
		cutoff := time.Now().Add(-s.cfg.Retention).UTC().UnixNano()
		if _, err := tx.ExecContext(ctx, "DELETE FROM observations WHERE created_at_ns < ?", cutoff); err != nil {
			return fmt.Errorf("prune by retention: %w", err)
		}
	}
	if s.cfg.MaxRecords > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM observations").Scan(&count); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		if excess := count - s.cfg.MaxRecords; excess > 0 {
			if _, err := tx.ExecContext(ctx, "DELETE FROM observations WHERE id IN (SELECT id FROM observations ORDER BY id ASC LIMIT ?)", excess); err != nil {
				return fmt.Errorf("prune max records: %w", err)
			}
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanStoredRecord(scanner interface {
	Scan(dest ...interface{}) error
}) (*StoredRecord, error) {
	var (
		id              int64
		ts              int64
		method          string
		path            string
		query           sql.NullString
		headersJSON     sql.NullString
		body            sql.NullString
		handlerName     sql.NullString
		status          string
		statusCode      sql.NullInt64
		respHeadersJSON sql.NullString
		responseBody    sql.NullString
		durationMs      sql.NullFloat64
	)

	if err := scanner.Scan(
		&id,
		&ts,
		&method,
		&path,
		&query,
		&headersJSON,
		&body,
		&handlerName,
		&status,
		&statusCode,
		&respHeadersJSON,
		&responseBody,
		&durationMs,
	); err != nil {
		return nil, err
	}

	rec := &observation.Record{
		Method:          method,
		Path:            path,
		Query:           query.String,
		Headers:         unmarshalHeaders(headersJSON),
		Body:            stringPtr(body),
		HandlerName:     stringPtr(handlerName),
		ResponseHeaders: unmarshalHeaders(respHeadersJSON),
		ResponseBody:    stringPtr(responseBody),
		CreatedAt:       time.Unix(0, ts).UTC(),
		Status:          observation.Status(status),
	}
	if statusCode.Valid {
		code := int(statusCode.Int64)
		rec.StatusCode = &code
	}
	if durationMs.Valid {
		d := durationMs.Float64
		rec.DurationMs = &d
	}

	return &StoredRecord{ID: id, Record: rec}, nil
}

func marshalHeaders(h http.Header) (string, error) {
	if h == nil {
		h = http.Header{}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalHeaders(raw sql.NullString) http.Header {
	header := http.Header{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &header); err != nil {
			header = http.Header{}
		}
	}
	return header
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
