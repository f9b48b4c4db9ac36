// Package pgerr classifies PostgreSQL driver errors so repositories can
// translate constraint violations into domain sentinels.
package pgerr

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return hasCode(err, pgerrcode.UniqueViolation)
}

// IsForeignKeyViolation reports whether err is a foreign key violation,
// typically an insert referencing a row that no longer exists.
func IsForeignKeyViolation(err error) bool {
	return hasCode(err, pgerrcode.ForeignKeyViolation)
}

// IsCheckViolation reports whether err is a CHECK constraint violation,
// such as an unknown source type or job status value.
func IsCheckViolation(err error) bool {
	return hasCode(err, pgerrcode.CheckViolation)
}

// ConstraintName returns the violated constraint's name, or "" when err is
// not a PostgreSQL error or carries no constraint metadata.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
