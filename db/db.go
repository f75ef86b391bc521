// Package db implements the application stores on top of database/sql. Both
// sqlite (mattn/go-sqlite3) and postgres (pgx) are supported with the same
// queries.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	app "github.com/etitcombe/taskflow"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx
	"github.com/mattn/go-sqlite3"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

//go:embed migration/*.sql
var migrationFS embed.FS

// DB wraps the connection pool shared by the stores.
type DB struct {
	db     *sql.DB
	driver string
	dsn    string
}

// New creates a new instance of a DB. Call Open before use.
func New(driver, dsn string) *DB {
	return &DB{driver: driver, dsn: dsn}
}

// Open opens the connection to the database and runs pending migrations.
func (db *DB) Open() error {
	// Ensure a DSN is set before attempting to open the database.
	if db.dsn == "" {
		return fmt.Errorf("dsn required")
	}

	switch db.driver {
	case DriverSQLite:
		return db.openSQLite()
	case DriverPostgres:
		return db.openPostgres()
	default:
		return fmt.Errorf("unknown driver %q", db.driver)
	}
}

func (db *DB) openSQLite() error {
	memory := strings.HasPrefix(db.dsn, ":memory:") || strings.Contains(db.dsn, "mode=memory")

	// Make the parent directory unless using an in-memory db.
	if !memory {
		path := strings.TrimPrefix(db.dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
	}

	var err error
	if db.db, err = sql.Open(DriverSQLite, sqliteDSN(db.dsn)); err != nil {
		return err
	}

	// Every connection to :memory: gets its own database, so keep exactly one.
	if memory {
		db.db.SetMaxOpenConns(1)
	}

	// Enable WAL. SQLite performs better with the WAL because it allows
	// multiple readers to operate while data is being written.
	if _, err := db.db.Exec(`PRAGMA journal_mode = wal;`); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}

	// SQLite does not check foreign key constraints by default. Tasks rely on
	// them for the cascade when a user goes away.
	if _, err := db.db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("foreign keys pragma: %w", err)
	}

	if err := db.migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// busyTimeout is how long, in milliseconds, a connection waits on a locked
// database before failing with SQLITE_BUSY.
const busyTimeout = 5000

// sqliteDSN adds the per-connection settings the stores rely on. The
// driver applies DSN parameters to every connection in the pool.
func sqliteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "_busy_timeout=") && !strings.Contains(dsn, "_timeout=") {
		params = append(params, "_busy_timeout="+strconv.Itoa(busyTimeout))
	}
	if !strings.Contains(dsn, "_foreign_keys=") && !strings.Contains(dsn, "_fk=") {
		params = append(params, "_foreign_keys=on")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func (db *DB) openPostgres() error {
	var err error
	if db.db, err = sql.Open(DriverPostgres, db.dsn); err != nil {
		return err
	}
	db.db.SetMaxOpenConns(10)
	db.db.SetMaxIdleConns(10)

	if err := db.db.Ping(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	if err := db.migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the connection to the data store.
func (db *DB) Close() error {
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

// Migrations returns the names of the migrations that have been applied.
func (db *DB) Migrations(ctx context.Context) ([]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT name FROM migrations ORDER BY name`)
	if err != nil {
		return nil, err
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
	return names, rows.Err()
}

// rebind converts ? placeholders into the $n form postgres expects.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
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

// migrate sets up migration tracking and executes pending migration files.
//
// Migration files are embedded from the migration folder and are executed
// in lexigraphical order.
//
// Once a migration is run, its name is stored in the 'migrations' table so it
// is not re-executed. Migrations run in a transaction to prevent partial
// migrations.
func (db *DB) migrate() error {
	// Ensure the 'migrations' table exists so we don't duplicate migrations.
	if _, err := db.db.Exec(`CREATE TABLE IF NOT EXISTS migrations (name TEXT PRIMARY KEY);`); err != nil {
		return fmt.Errorf("cannot create migrations table: %w", err)
	}

	names, err := fs.Glob(migrationFS, "migration/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	// Loop over all migration files and execute them in order.
	for _, name := range names {
		if err := db.migrateFile(name); err != nil {
			return fmt.Errorf("migration error: name=%q err=%w", name, err)
		}
	}
	return nil
}

// migrateFile runs a single migration file within a transaction. On success,
// the migration file name is saved to the "migrations" table to prevent
// re-running.
func (db *DB) migrateFile(name string) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Ensure migration has not already been run.
	var n int
	if err := tx.QueryRow(db.rebind(`SELECT COUNT(*) FROM migrations WHERE name = ?`), name).Scan(&n); err != nil {
		return err
	} else if n != 0 {
		return nil // already run migration, skip
	}

	// Read and execute migration file.
	if buf, err := fs.ReadFile(migrationFS, name); err != nil {
		return err
	} else if _, err := tx.Exec(string(buf)); err != nil {
		return err
	}

	// Insert record into migrations to prevent re-running migration.
	if _, err := tx.Exec(db.rebind(`INSERT INTO migrations (name) VALUES (?)`), name); err != nil {
		return err
	}

	return tx.Commit()
}

// isUniqueViolation reports whether err is a unique constraint failure from
// either driver.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return app.Errorf(app.ENOTFOUND, format, args...)
	}
	return err
}
