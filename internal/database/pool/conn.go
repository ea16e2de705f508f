package pool

import (
	"context"
	"time"

	"github.com/kinto-dx/dx/internal/database"
	"github.com/kinto-dx/dx/internal/errs"
)

// ConnState is the lifecycle state of a pooled connection.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnInUse
	ConnInvalid
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnInUse:
		return "in-use"
	case ConnInvalid:
		return "invalid"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a pooled session lent to one caller between Acquire and Release.
//
// The query methods delegate to the underlying session. A connection-kind
// error marks the Conn invalid so Release retires it instead of reusing it.
type Conn struct {
	pool    *Pool
	id      uint64
	session database.Session

	// guarded by pool.mu
	state      ConnState
	createdAt  time.Time
	idleSince  time.Time
	acquiredAt time.Time
	lease      uint64
	leakTimer  *time.Timer
	leaked     bool
	invalid    bool
}

// ID is unique within the pool and appears in log lines.
func (c *Conn) ID() uint64 { return c.id }

// State reports the current lifecycle state.
func (c *Conn) State() ConnState {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	return c.state
}

// Release returns the connection to its pool. Calling it twice is harmless.
func (c *Conn) Release() {
	c.pool.Release(c)
}

// MarkInvalid tells the pool to close this connection on Release.
func (c *Conn) MarkInvalid() {
	c.pool.mu.Lock()
	c.invalid = true
	c.pool.mu.Unlock()
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.observe(c.session.Ping(ctx))
}

func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	n, err := c.session.Exec(ctx, sql, args...)
	return n, c.observe(err)
}

func (c *Conn) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	rows, err := c.session.Query(ctx, sql, args...)
	return rows, c.observe(err)
}

func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return &observedRow{row: c.session.QueryRow(ctx, sql, args...), c: c}
}

// Begin starts a transaction at the pool's configured isolation level.
func (c *Conn) Begin(ctx context.Context) (database.Tx, error) {
	tx, err := c.session.Begin(ctx, c.pool.cfg.Isolation)
	return tx, c.observe(err)
}

func (c *Conn) observe(err error) error {
	if errs.IsConnectionFailed(err) {
		c.MarkInvalid()
	}
	return err
}

type observedRow struct {
	row database.Row
	c   *Conn
}

func (r *observedRow) Scan(dest ...any) error {
	return r.c.observe(r.row.Scan(dest...))
}
