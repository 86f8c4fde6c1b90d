package store

import "strings"

// DSN type values returned by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite"
	DSNTypePostgres = "postgres"
)

// Opts holds store configuration applied via functional options.
type Opts struct {
	// DSN is the database connection string: a file path for SQLite or a
	// connection URL/keyword string for PostgreSQL.
	DSN string
	// Type pins the backend explicitly; empty means detect from the DSN.
	Type string
}

// Option configures store construction.
type Option func(*Opts)

// WithSQLiteDSN configures the store to use SQLite at the given file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypeSQLite
	}
}

// WithPostgresDSN configures the store to use PostgreSQL with the given DSN.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = DSNTypePostgres
	}
}

// DetectDSNType classifies a DSN as "postgres" for connection URLs or
// keyword strings, and "sqlite" for anything else (assumed file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}
