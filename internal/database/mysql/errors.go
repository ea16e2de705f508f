package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/kinto-dx/dx/internal/errs"
)

// MySQL server error numbers
// Full list: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
const (
	errTooManyConns      = 1040
	errDBAccessDenied    = 1044
	errAccessDenied      = 1045
	errNoDBSelected      = 1046
	errUnknownDatabase   = 1049
	errBadFieldError     = 1054
	errParseError        = 1064
	errTableAccessDenied = 1142
	errColAccessDenied   = 1143
	errNoSuchTable       = 1146
	errUserLimitReached  = 1203
	errLockWaitTimeout   = 1205
	errQueryTimeout      = 3024
)

// mapError translates go-sql-driver/mysql errors into *errs.Error.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrKindTimeout, msg, err)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(errs.ErrKindNotFound, msg, err)
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return errs.Wrap(
			classifyMySQLCode(mysqlErr.Number),
			fmt.Sprintf("%s: %s", msg, mysqlErr.Message),
			err,
		)
	}

	return errs.Wrap(errs.ErrKindConnectionFailed, msg, err)
}

// classifyMySQLCode maps MySQL error numbers to ErrKind.
func classifyMySQLCode(code uint16) errs.ErrKind {
	switch code {
	case errDBAccessDenied, errAccessDenied, errNoDBSelected, errUnknownDatabase,
		errTooManyConns, errUserLimitReached:
		return errs.ErrKindConnectionFailed
	case errTableAccessDenied, errColAccessDenied:
		return errs.ErrKindPermissionDenied
	case errLockWaitTimeout, errQueryTimeout:
		return errs.ErrKindTimeout
	case errBadFieldError, errParseError, errNoSuchTable:
		return errs.ErrKindQueryFailed
	default:
		return errs.ErrKindQueryFailed
	}
}
