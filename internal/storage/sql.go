package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	pq "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"shelfsync/internal/config"
)

// SQLStore is a Store backed by database/sql. It speaks to Postgres through
// either the "postgres" (lib/pq) or "pgx" driver, and to SQLite through
// "sqlite3".
type SQLStore struct {
	db          *sql.DB
	driver      string
	autoMigrate bool
}

// NewSQLStore opens and pings the configured database, creating a missing
// Postgres database and the schema when the config allows it.
func NewSQLStore(cfg config.SQLConfig) (*SQLStore, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		if !cfg.CreateIfMissing || !shouldAttemptCreateDatabase(cfg.Driver, err) {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
		_ = db.Close()
		if err := createDatabase(ctx, cfg); err != nil {
			return nil, err
		}
		db, err = sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sql connection: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sql connection: %w", err)
		}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}
	store := &SQLStore{
		db:          db,
		driver:      strings.ToLower(cfg.Driver),
		autoMigrate: cfg.AutoMigrate,
	}
	if cfg.AutoMigrate {
		if err := store.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

// Upsert writes row with a single INSERT ... ON CONFLICT statement.
func (s *SQLStore) Upsert(ctx context.Context, table string, key Filter, row Row) error {
	if err := checkColumns(table, key, row); err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("upsert into %s: empty key", table)
	}

	merged := make(map[string]any, len(row)+len(key))
	for k, v := range row {
		merged[k] = v
	}
	for k, v := range key {
		merged[k] = v
	}
	cols := sortedKeys(merged)
	keyCols := sortedKeys(key)

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	var updates []string
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = merged[c]
		if _, isKey := key[c]; !isKey {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(keyCols, ", "))
	if len(updates) == 0 {
		query += "DO NOTHING"
	} else {
		query += "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	return s.withSchema(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert into %s: %w", table, err)
		}
		return nil
	})
}

func (s *SQLStore) Query(ctx context.Context, table string, filter Filter) ([]Row, error) {
	if err := checkColumns(table, filter); err != nil {
		return nil, err
	}
	where, args := whereClause(filter)
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(tableColumns[table], ", "), table, where)

	var out []Row
	err := s.withSchema(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query %s: %w", table, err)
		}
		defer rows.Close()
		out, err = scanRows(rows)
		if err != nil {
			return fmt.Errorf("scan %s: %w", table, err)
		}
		return nil
	})
	return out, err
}

func (s *SQLStore) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	if err := checkColumns(table, filter); err != nil {
		return 0, err
	}
	where, args := whereClause(filter)
	query := fmt.Sprintf("DELETE FROM %s%s", table, where)

	var affected int64
	err := s.withSchema(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Close closes the underlying DB connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withSchema runs op, recreating the schema and retrying once when the table
// turns out to be missing.
func (s *SQLStore) withSchema(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !s.autoMigrate || !isUndefinedTableErr(err) {
		return err
	}
	if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
		return fmt.Errorf("ensure schema: %w", schemaErr)
	}
	return op()
}

func whereClause(filter Filter) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	cols := sortedKeys(filter)
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		conds[i] = fmt.Sprintf("%s = $%d", c, i+1)
		args[i] = filter[c]
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				r[c] = string(b)
				continue
			}
			r[c] = values[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) isSQLite() bool {
	return s.driver == "sqlite3" || s.driver == "sqlite"
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	// SQLite only hands back time.Time for columns declared TIMESTAMP.
	ts := "TIMESTAMPTZ"
	if s.isSQLite() {
		ts = "TIMESTAMP"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS books (
		    id TEXT PRIMARY KEY,
		    user_id TEXT NOT NULL,
		    source_profile_id TEXT,
		    canonical_key TEXT NOT NULL,
		    source_id TEXT,
		    title TEXT NOT NULL,
		    author TEXT NOT NULL,
		    isbn TEXT,
		    rating INTEGER NOT NULL DEFAULT 0,
		    date_read ` + ts + `,
		    date_read_raw TEXT,
		    review TEXT,
		    cover_url TEXT,
		    page_count INTEGER NOT NULL DEFAULT 0,
		    shelves TEXT NOT NULL DEFAULT '[]',
		    format TEXT,
		    publisher TEXT,
		    published_date TEXT,
		    created_at ` + ts + ` NOT NULL,
		    updated_at ` + ts + ` NOT NULL,
		    UNIQUE (user_id, canonical_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_books_user_updated ON books (user_id, updated_at DESC)`,
		`CREATE TABLE IF NOT EXISTS api_usage (
		    user_id TEXT NOT NULL,
		    api_class TEXT NOT NULL,
		    call_count INTEGER NOT NULL DEFAULT 0,
		    updated_at ` + ts + `,
		    PRIMARY KEY (user_id, api_class)
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
		    user_id TEXT PRIMARY KEY,
		    source_profile_id TEXT,
		    last_sync ` + ts + `
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isPostgres(driver string) bool {
	switch strings.ToLower(driver) {
	case "postgres", "pgx":
		return true
	}
	return false
}

// pgCode extracts the SQLSTATE from either Postgres driver's error type.
func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func shouldAttemptCreateDatabase(driver string, err error) bool {
	if !isPostgres(driver) {
		return false
	}
	if code := pgCode(err); code != "" {
		return code == "3D000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "does not exist")
}

func createDatabase(ctx context.Context, cfg config.SQLConfig) error {
	parsed, err := url.Parse(cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	dbName := strings.TrimPrefix(parsed.Path, "/")
	if dbName == "" {
		return errors.New("dsn missing database name")
	}
	if strings.EqualFold(dbName, "postgres") {
		return fmt.Errorf("target database %q cannot be auto-created", dbName)
	}
	parsed.Path = "/postgres"
	adminDB, err := sql.Open(cfg.Driver, parsed.String())
	if err != nil {
		return fmt.Errorf("connect admin database: %w", err)
	}
	defer adminDB.Close()
	if err := adminDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin database: %w", err)
	}
	stmt := fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName))
	if _, err := adminDB.ExecContext(ctx, stmt); err != nil {
		if pgCode(err) == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	if code := pgCode(err); code != "" {
		return code == "42P01"
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "no such table") {
		return true
	}
	return strings.Contains(lower, "relation") && strings.Contains(lower, "does not exist")
}
