package db

import (
	"database/sql"
	"strconv"
	"strings"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/cascade/errors"
)

// SQLiteBusyTimeoutMS is how long a sqlite connection waits on a locked database
const SQLiteBusyTimeoutMS = 5000

// Dialect names a database/sql driver and the SQL flavour it speaks.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// Placeholder returns the n-th (1-based) bind parameter for the dialect.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Rebind rewrites ?-style placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// QuoteIdent quotes an identifier. Both dialects accept double quotes.
func (d Dialect) QuoteIdent(name string) string {
	if d == Postgres {
		return pq.QuoteIdentifier(name)
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Open opens a SQLite database at the specified path.
// WAL, foreign keys and busy timeout are set through the DSN so every pooled
// connection carries them.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	return OpenDialect(SQLite, path, logger)
}

// OpenDialect opens a database for the given dialect. For sqlite the dsn is a
// file path; for postgres it is a libpq connection string or URL.
func OpenDialect(dialect Dialect, dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "dialect", dialect)
	}

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case SQLite:
		db, err = sql.Open("sqlite3", sqliteDSN(dsn))
	case Postgres:
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, errors.Newf("unsupported database dialect %q", dialect)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to connect to %s database", dialect)
	}

	if dialect == SQLite {
		// journal_mode is only reported back through the pragma query
		var mode string
		if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to read journal mode")
		}
		if !strings.EqualFold(mode, "wal") && !isMemoryDSN(dsn) {
			db.Close()
			return nil, errors.Newf("failed to enable WAL mode (journal_mode=%s)", mode)
		}
	}

	if logger != nil {
		logger.Infow("Database opened successfully", "dialect", dialect)
	}
	return db, nil
}

// OpenWithMigrations opens the database and brings its schema up to date.
func OpenWithMigrations(dialect Dialect, dsn string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := OpenDialect(dialect, dsn, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := Migrate(db, dialect, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate database")
	}
	return db, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=" + strconv.Itoa(SQLiteBusyTimeoutMS)
}

func isMemoryDSN(path string) bool {
	return strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory")
}
