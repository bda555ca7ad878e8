// Package sqldb opens the SQL database shared by the conversation store,
// the client lookup and the usage ledger, and hides the placeholder
// differences between the supported dialects.
package sqldb

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Supported driver names. DriverSQLiteCGO is mattn/go-sqlite3;
// DriverSQLite is the pure-Go modernc driver used in tests.
const (
	DriverSQLiteCGO = "sqlite3"
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
)

// TimeFormat is a fixed-width UTC layout, so lexical order of stored
// timestamps equals chronological order at microsecond resolution.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// DB is a *sql.DB that knows its dialect.
type DB struct {
	*sql.DB
	driver string
}

// Open opens a database for the given driver. The driver must already be
// registered by a blank import in the binary or test. For sqlite3 file
// databases WAL mode and a busy timeout are enabled.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLiteCGO:
		if dsn != ":memory:" && !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
		}
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver != DriverPostgres {
		// SQLite serializes writers; a single connection also keeps
		// :memory: databases alive across queries.
		db.SetMaxOpenConns(1)
	}
	return &DB{DB: db, driver: driver}, nil
}

// Driver returns the driver name the database was opened with.
func (db *DB) Driver() string { return db.driver }

// Postgres reports whether the database speaks the postgres dialect.
func (db *DB) Postgres() bool { return db.driver == DriverPostgres }

// Rebind rewrites '?' placeholders to the dialect's form.
func (db *DB) Rebind(query string) string {
	if !db.Postgres() {
		return query
	}
	return RebindPostgres(query)
}

// RebindPostgres converts '?' placeholders to $1, $2, ...
func RebindPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for _, c := range query {
		if c == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a timestamp written by FormatTime. RFC 3339 values
// written by other tools are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
