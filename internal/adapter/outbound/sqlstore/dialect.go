// Package sqlstore implements the durable trace store over database/sql
// with two backends: an embedded single-file SQLite store for
// development and a pgx-backed PostgreSQL store for production.
// Queries are written once in a common dialect; the normalization layer
// owns every backend difference (placeholders, boolean form, immutable
// guards, unique-violation detection).
package sqlstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Backend identifies the storage substrate.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// dialect is the normalization layer. Query text is authored with `?`
// placeholders and rebound per backend.
type dialect struct {
	backend Backend
}

// Rebind converts `?` placeholders to the backend's positional form.
func (d dialect) Rebind(query string) string {
	if d.backend == BackendSQLite {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

// IsUniqueViolation reports whether err is a unique-constraint failure,
// the resolution signal for all optimistic insert paths.
func (d dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed") && strings.Contains(msg, "unique")
}

// TimestampType is the column type for wall-clock instants.
func (d dialect) TimestampType() string {
	if d.backend == BackendPostgres {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

// BoolType is the column type for booleans.
func (d dialect) BoolType() string {
	if d.backend == BackendPostgres {
		return "BOOLEAN"
	}
	return "INTEGER"
}

// BlobType is the column type for raw bytes.
func (d dialect) BlobType() string {
	if d.backend == BackendPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// ImmutableGuards returns the DDL that makes a table reject UPDATE and
// DELETE at the storage layer.
func (d dialect) ImmutableGuards(table string) []string {
	if d.backend == BackendPostgres {
		return []string{
			fmt.Sprintf(`CREATE TRIGGER %s_immutable
BEFORE UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION agentgate_reject_mutation()`, table, table),
		}
	}
	return []string{
		fmt.Sprintf(`CREATE TRIGGER %s_no_update
BEFORE UPDATE ON %s
BEGIN SELECT RAISE(ABORT, '%s is append-only'); END`, table, table, table),
		fmt.Sprintf(`CREATE TRIGGER %s_no_delete
BEFORE DELETE ON %s
BEGIN SELECT RAISE(ABORT, '%s is append-only'); END`, table, table, table),
	}
}

// MutationGuardSetup returns backend-level prerequisites for the
// immutable guards.
func (d dialect) MutationGuardSetup() []string {
	if d.backend == BackendPostgres {
		return []string{
			`CREATE OR REPLACE FUNCTION agentgate_reject_mutation() RETURNS trigger AS $fn$
BEGIN
  RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$fn$ LANGUAGE plpgsql`,
		}
	}
	return nil
}

// IsImmutableViolation reports whether err came from an immutable
// guard.
func (d dialect) IsImmutableViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "append-only")
}
