// Package db opens the SQLite database behind the transfer journal and keeps its schema
// current. The pure-Go ncruces driver is the default; build with `-tags sqlite3_cgo` to use
// mattn/go-sqlite3.
package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/syftmirror/internal/utils"
)

const MemoryPath = ":memory:"

// pragmas are set on every connection through the DSN.
var pragmas = [][2]string{
	{"journal_mode", "WAL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
	{"synchronous", "NORMAL"},
}

type options struct {
	path         string
	migrations   []string
	maxOpenConns int
}

type Option func(*options)

// WithPath sets the database file. The default is an in-memory database on one connection.
func WithPath(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

// WithMigrations sets the schema history. Migration i brings the database to version i+1;
// only the ones past the stored `user_version` run.
func WithMigrations(stmts ...string) Option {
	return func(o *options) {
		o.migrations = stmts
	}
}

func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		o.maxOpenConns = n
	}
}

// Open connects and migrates.
func Open(opts ...Option) (*sqlx.DB, error) {
	o := &options{path: MemoryPath}
	for _, opt := range opts {
		opt(o)
	}

	if o.path == MemoryPath {
		// every connection to :memory: is its own database
		o.maxOpenConns = 1
	} else if err := utils.EnsureParent(o.path); err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}

	db, err := sqlx.Connect(driverName, dsn(o.path))
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", o.path, err)
	}
	if o.maxOpenConns > 0 {
		db.SetMaxOpenConns(o.maxOpenConns)
	}

	version, err := migrate(db, o.migrations)
	if err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("db open", "driver", driverID, "path", o.path, "schema", version)
	return db, nil
}

// SchemaVersion returns the stored `user_version`.
func SchemaVersion(db *sqlx.DB) (int, error) {
	var v int
	if err := db.Get(&v, `PRAGMA user_version`); err != nil {
		return 0, fmt.Errorf("db: read schema version: %w", err)
	}
	return v, nil
}

func migrate(db *sqlx.DB, migrations []string) (int, error) {
	current, err := SchemaVersion(db)
	if err != nil {
		return 0, err
	}
	if current > len(migrations) {
		return current, fmt.Errorf("db: schema version %d is newer than this build (%d)", current, len(migrations))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := db.Beginx()
		if err != nil {
			return v, fmt.Errorf("db: migrate to %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return v, fmt.Errorf("db: migrate to %d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, v+1)); err != nil {
			tx.Rollback()
			return v, fmt.Errorf("db: migrate to %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return v, fmt.Errorf("db: migrate to %d: %w", v+1, err)
		}
		slog.Debug("db migrated", "version", v+1)
	}
	return len(migrations), nil
}
