package database

import "context"

// Connector opens physical database sessions. The pool owns every Session a
// Connector hands out; drivers never pool on their own.
type Connector interface {
	// Connect opens one new session, honouring ctx for the dial and handshake.
	Connect(ctx context.Context) (Session, error)

	// Close releases driver-level resources once the pool is closed.
	Close() error
}

// Session is a single live database connection.
// A Session is not safe for concurrent use; the pool lends it to one caller at a time.
type Session interface {
	// Ping verifies the session is still usable.
	Ping(ctx context.Context) error

	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// Query executes a SQL statement that returns multiple rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	// QueryRow executes a SQL statement that returns at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) Row

	// Begin starts a transaction at the given isolation level.
	Begin(ctx context.Context, iso Isolation) (Tx, error)

	// IsClosed reports whether the driver has observed the session as dead.
	IsClosed() bool

	// Close terminates the session.
	Close(ctx context.Context) error
}

// Tx is an open transaction on a Session.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Rows is an abstraction over a database result set.
// Callers must always call Close() when done, even on error.
type Rows interface {
	// Next advances to the next row.
	// Returns false when no more rows exist or on error.
	Next() bool

	// Scan copies the current row's columns into the provided destinations.
	Scan(dest ...any) error

	// Columns returns the column names of the result set.
	Columns() ([]string, error)

	// Close releases resources held by the result set.
	Close()

	// Err returns any error encountered during iteration.
	Err() error
}

// Row is an abstraction over a single database row.
type Row interface {
	Scan(dest ...any) error
}
