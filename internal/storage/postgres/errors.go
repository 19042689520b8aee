package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inkwell-pm/inkwell/internal/fault"
)

// SQLSTATE classes translated at the store boundary. Callers above the store
// never see raw driver errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
	pgSerializationFail   = "40001"
	pgDeadlockDetected    = "40P01"
)

// translateError maps driver errors onto the fault taxonomy:
//
//	unique violation        -> CONFLICT
//	foreign key violation   -> NOT_FOUND (a referenced parent row is missing)
//	check violation         -> VALIDATION_ERROR
//	serialization, deadlock -> UPSTREAM_ERROR (retryable)
//	sql.ErrNoRows           -> NOT_FOUND
//
// The returned message carries op, never SQL text or constraint internals.
func translateError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.KindNotFound, "%s: no such row", op)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fault.Wrap(fault.KindUpstream, err, "%s: cancelled", op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fault.Wrap(fault.KindConflict, err, "%s: already exists", op)
		case pgForeignKeyViolation:
			return fault.Wrap(fault.KindNotFound, err, "%s: referenced row does not exist", op)
		case pgCheckViolation:
			return fault.Wrap(fault.KindValidation, err, "%s: constraint violated", op)
		case pgSerializationFail, pgDeadlockDetected:
			return fault.Wrap(fault.KindUpstream, err, "%s: transient database contention", op)
		}
	}
	return fault.Wrap(fault.KindInternal, err, "%s", op)
}

// isUniqueViolation reports whether err is a unique-constraint race, used on
// idempotent write paths that fall back to returning the existing row.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
