package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error codes that are worth a retry. Serialization failures and
// deadlocks resolve themselves on replay; class 08 covers dropped
// connections.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	classConnectionException = "08"
)

// isTransient reports whether err is a storage fault that a fresh attempt
// can reasonably expect to survive.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected {
			return true
		}
		return strings.HasPrefix(pgErr.Code, classConnectionException)
	}
	return pgconn.Timeout(err)
}

// isUniqueViolation reports whether err is a unique violation on the named
// constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == codeUniqueViolation &&
		pgErr.ConstraintName == constraint
}
