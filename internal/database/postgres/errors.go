package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kinto-dx/dx/internal/errs"
)

// PostgreSQL SQLSTATE codes and classes that matter for classification.
// Full list: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	pgClassConnection      = "08"
	pgClassInvalidAuth     = "28"
	pgClassInvalidCatalog  = "3D"
	pgClassResources       = "53"
	pgClassOperatorAction  = "57"
	pgErrInsufficientPriv  = "42501"
	pgErrQueryCanceled     = "57014"
	pgErrLockNotAvailable  = "55P03"
	pgErrSerializationFail = "40001"
)

// mapError translates pgx / pgconn native errors into *errs.Error.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	}

	var scanErr pgx.ScanArgError
	if errors.As(err, &scanErr) {
		return errs.Wrap(errs.ErrKindQueryFailed, msg, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errs.Wrap(
			classifySQLState(pgErr.Code),
			fmt.Sprintf("%s: %s", msg, pgErr.Message),
			err,
		)
	}

	// Anything else (dial errors, TLS, closed conn) is a transport failure.
	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}

// classifySQLState maps a SQLSTATE code to an ErrKind.
func classifySQLState(code string) errs.ErrKind {
	switch code {
	case pgErrInsufficientPriv:
		return errs.ErrKindPermissionDenied
	case pgErrQueryCanceled, pgErrLockNotAvailable:
		return errs.ErrKindTimeout
	case pgErrSerializationFail:
		return errs.ErrKindQueryFailed
	}

	if len(code) < 2 {
		return errs.ErrKindQueryFailed
	}
	switch code[:2] {
	case pgClassConnection, pgClassInvalidAuth, pgClassInvalidCatalog, pgClassResources, pgClassOperatorAction:
		return errs.ErrKindConnectionFailed
	default:
		return errs.ErrKindQueryFailed
	}
}
