package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrForbidden is returned when the acting principal fails a membership or
	// ownership predicate evaluated by the store.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict wraps unique-constraint violations.
	ErrConflict = errors.New("conflict")
	// ErrUnknownPrincipal wraps foreign-key violations on profile references.
	ErrUnknownPrincipal = errors.New("unknown principal")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s", ErrUnknownPrincipal, pgErr.ConstraintName)
	}
	return err
}
