package table

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.trai.ch/zerr"
	_ "modernc.org/sqlite"
)

// SQLConfig configures a SQL-backed table.
type SQLConfig struct {
	// DriverName is the database/sql driver: "sqlite", "pgx", "postgres" or "mysql".
	DriverName string
	DSN        string
	// Table defaults to "memo_entries".
	Table string
	// Prefix namespaces keys so several logical tables can share one SQL table.
	Prefix string
}

type sqlTable struct {
	db         *sql.DB
	table      string
	driverName string
	prefix     string
	getStmt    *sql.Stmt
	upsertStmt *sql.Stmt
	insertStmt *sql.Stmt
	deleteStmt *sql.Stmt
	ownsDB     bool
}

var sqlIdentPartRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// OpenSQL opens a database connection and returns a table on it.
func OpenSQL(ctx context.Context, cfg SQLConfig) (Table, error) {
	if cfg.DriverName == "" || cfg.DSN == "" {
		return nil, zerr.New("table: sql driver requires driver name and dsn")
	}
	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, zerr.Wrap(err, "table: open sql")
	}
	if cfg.DriverName == "sqlite" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY under
		// concurrent lock claims.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, zerr.Wrap(err, "table: ping sql")
	}
	t, err := NewSQL(ctx, db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	t.(*sqlTable).ownsDB = true
	return t, nil
}

// NewSQL builds a table on a database handle owned by the host. The schema
// is created when missing.
func NewSQL(ctx context.Context, db *sql.DB, cfg SQLConfig) (Table, error) {
	if db == nil {
		return nil, ErrUnavailable
	}
	name := cfg.Table
	if name == "" {
		name = "memo_entries"
	}
	if err := validateSQLTableName(name); err != nil {
		return nil, err
	}
	t := &sqlTable{
		db:         db,
		table:      name,
		driverName: cfg.DriverName,
		prefix:     cfg.Prefix,
	}
	if err := t.ensureSchema(ctx); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "table: ensure sql schema"), "table", name)
	}
	if err := t.prepareStatements(ctx); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "table: prepare sql statements"), "table", name)
	}
	return t, nil
}

func (t *sqlTable) Driver() Driver { return DriverSQL }

// Close releases prepared statements, and the database handle when the
// table opened it.
func (t *sqlTable) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{t.getStmt, t.upsertStmt, t.insertStmt, t.deleteStmt} {
		if stmt != nil {
			errs = append(errs, stmt.Close())
		}
	}
	if t.ownsDB {
		errs = append(errs, t.db.Close())
	}
	return errors.Join(errs...)
}

func (t *sqlTable) ensureSchema(ctx context.Context) error {
	var stmt string
	switch t.driverName {
	case "postgres", "pgx":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BYTEA NOT NULL
		);`, t.table)
	case "mysql":
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k VARBINARY(1024) PRIMARY KEY,
			v LONGBLOB NOT NULL
		) ENGINE=InnoDB;`, t.table)
	default: // sqlite
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			k TEXT PRIMARY KEY,
			v BLOB NOT NULL
		);`, t.table)
	}
	_, err := t.db.ExecContext(ctx, stmt)
	return err
}

func (t *sqlTable) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := t.getStmt.QueryRowContext(ctx, t.rowKey(key)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		v = []byte{}
	}
	return cloneBytes(v), true, nil
}

func (t *sqlTable) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := t.upsertStmt.ExecContext(ctx, t.rowKey(key), value, value)
	return err
}

func (t *sqlTable) PutIfAbsent(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	if value == nil {
		value = []byte{}
	}
	return insertOrGet(ctx, key, func() (bool, error) {
		_, err := t.insertStmt.ExecContext(ctx, t.rowKey(key), value)
		if err != nil && isDuplicateErr(err, t.driverName) {
			return false, nil
		}
		return err == nil, err
	}, t.Get)
}

func (t *sqlTable) Remove(ctx context.Context, key string) error {
	_, err := t.deleteStmt.ExecContext(ctx, t.rowKey(key))
	return err
}

func (t *sqlTable) rowKey(key string) string {
	if t.prefix == "" {
		return key
	}
	return t.prefix + ":" + key
}

func (t *sqlTable) upsertSQL() string {
	p1, p2, p3 := t.ph(1), t.ph(2), t.ph(3)
	switch t.driverName {
	case "postgres", "pgx":
		return fmt.Sprintf("INSERT INTO %s (k, v) VALUES (%s, %s) ON CONFLICT (k) DO UPDATE SET v = %s", t.table, p1, p2, p3)
	case "mysql":
		return fmt.Sprintf("INSERT INTO %s (k, v) VALUES (%s, %s) ON DUPLICATE KEY UPDATE v = %s", t.table, p1, p2, p3)
	default: // sqlite
		return fmt.Sprintf("INSERT INTO %s (k, v) VALUES (%s, %s) ON CONFLICT(k) DO UPDATE SET v = %s", t.table, p1, p2, p3)
	}
}

func (t *sqlTable) prepareStatements(ctx context.Context) error {
	var err error
	if t.getStmt, err = t.db.PrepareContext(ctx, fmt.Sprintf("SELECT v FROM %s WHERE k = %s", t.table, t.ph(1))); err != nil {
		return err
	}
	if t.upsertStmt, err = t.db.PrepareContext(ctx, t.upsertSQL()); err != nil {
		return err
	}
	if t.insertStmt, err = t.db.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (k, v) VALUES (%s, %s)", t.table, t.ph(1), t.ph(2))); err != nil {
		return err
	}
	if t.deleteStmt, err = t.db.PrepareContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE k = %s", t.table, t.ph(1))); err != nil {
		return err
	}
	return nil
}

func (t *sqlTable) ph(i int) string {
	if t.driverName == "postgres" || t.driverName == "pgx" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func isDuplicateErr(err error, driver string) bool {
	msg := err.Error()
	switch driver {
	case "postgres", "pgx":
		return strings.Contains(msg, "duplicate key value")
	case "mysql":
		return strings.Contains(msg, "Duplicate entry")
	default:
		return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "unique constraint")
	}
}

func validateSQLTableName(name string) error {
	if strings.TrimSpace(name) == "" {
		return zerr.With(zerr.Wrap(ErrInvalidTableName, "table: sql"), "table", name)
	}
	for _, part := range strings.Split(name, ".") {
		if !sqlIdentPartRE.MatchString(part) {
			return zerr.With(zerr.Wrap(ErrInvalidTableName, "table: sql"), "table", name)
		}
	}
	return nil
}
