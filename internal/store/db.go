// Package store は一括登録で作成されるエンティティを保存します。
// ドライバーは PostgreSQL (pgx) と SQLite (modernc) を切り替えられます。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/yourusername/campus-bulk/internal/bulk"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrConflict は一意制約違反です。bulk.ErrConflict と同一の値です。
var ErrConflict = bulk.ErrConflict

// DB は database/sql をラップし、プレースホルダー ? をドライバーに合わせて書き換えます。
type DB struct {
	sql    *sql.DB
	driver string
}

// Open は接続を開いてスキーマを作成します。
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var sqlDriver string
	switch driver {
	case DriverPostgres:
		sqlDriver = "pgx"
	case DriverSQLite:
		sqlDriver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// :memory: は接続ごとに別のDBになるため1本に制限する
		conn.SetMaxOpenConns(1)
	}

	db := &DB{sql: conn, driver: driver}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close は接続を閉じます。
func (d *DB) Close() error {
	return d.sql.Close()
}

// Ping はヘルスチェック用です。
func (d *DB) Ping(ctx context.Context) error {
	return d.sql.PingContext(ctx)
}

// ExecContext は audit.Execer を満たします。
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.sql.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.sql.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tx は rebind 付きのトランザクションです。
type tx struct {
	*sql.Tx
	db *DB
}

func (d *DB) begin(ctx context.Context) (*tx, error) {
	t, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &tx{Tx: t, db: d}, nil
}

func (t *tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.ExecContext(ctx, t.db.rebind(query), args...)
}

func (t *tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.QueryRowContext(ctx, t.db.rebind(query), args...)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS institutions (
		id               TEXT PRIMARY KEY,
		natural_key      TEXT NOT NULL UNIQUE,
		name             TEXT NOT NULL,
		type             TEXT NOT NULL,
		email            TEXT NOT NULL,
		phone            TEXT NOT NULL,
		district         TEXT NOT NULL,
		city             TEXT NOT NULL DEFAULT '',
		established_year TEXT NOT NULL DEFAULT '',
		created_by_job   TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		natural_key    TEXT NOT NULL UNIQUE,
		institution_id TEXT NOT NULL DEFAULT '',
		name           TEXT NOT NULL,
		phone          TEXT NOT NULL,
		role           TEXT NOT NULL,
		designation    TEXT NOT NULL DEFAULT '',
		created_by_job TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		id             TEXT PRIMARY KEY,
		natural_key    TEXT NOT NULL UNIQUE,
		institution_id TEXT NOT NULL,
		name           TEXT NOT NULL,
		phone          TEXT NOT NULL,
		roll_number    TEXT NOT NULL,
		department     TEXT NOT NULL,
		batch_year     TEXT NOT NULL DEFAULT '',
		date_of_birth  TEXT NOT NULL DEFAULT '',
		gender         TEXT NOT NULL DEFAULT '',
		created_by_job TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL,
		UNIQUE (institution_id, roll_number)
	)`,
	`CREATE TABLE IF NOT EXISTS self_internships (
		id             TEXT PRIMARY KEY,
		natural_key    TEXT NOT NULL UNIQUE,
		institution_id TEXT NOT NULL,
		student_id     TEXT NOT NULL,
		company_name   TEXT NOT NULL,
		designation    TEXT NOT NULL,
		start_date     TEXT NOT NULL,
		end_date       TEXT NOT NULL,
		stipend        TEXT NOT NULL DEFAULT '',
		work_mode      TEXT NOT NULL DEFAULT '',
		created_by_job TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id             TEXT PRIMARY KEY,
		action         TEXT NOT NULL,
		entity_type    TEXT NOT NULL,
		entity_id      TEXT NOT NULL DEFAULT '',
		actor_id       TEXT NOT NULL DEFAULT '',
		institution_id TEXT NOT NULL DEFAULT '',
		job_id         TEXT NOT NULL DEFAULT '',
		detail         TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_students_institution ON students(institution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_users_institution ON users(institution_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_logs_job ON audit_logs(job_id)`,
}

func (d *DB) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}
