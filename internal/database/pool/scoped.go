package pool

import (
	"context"

	"github.com/kinto-dx/dx/internal/database"
)

// WithConn acquires a connection, runs fn, and releases the connection on
// every exit path, including a panic inside fn.
func (p *Pool) WithConn(ctx context.Context, fn func(*Conn) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()

	return fn(c)
}

// WithTx runs fn inside a transaction at the configured isolation level.
// The transaction commits when fn returns nil and rolls back when fn returns
// an error or panics. A connection whose rollback fails is not reused.
func (p *Pool) WithTx(ctx context.Context, fn func(database.Tx) error) error {
	return p.WithConn(ctx, func(c *Conn) (err error) {
		tx, err := c.Begin(ctx)
		if err != nil {
			return err
		}

		defer func() {
			if r := recover(); r != nil {
				p.rollback(ctx, c, tx)
				panic(r)
			}
			if err != nil {
				p.rollback(ctx, c, tx)
				return
			}
			err = c.observe(tx.Commit(ctx))
		}()

		return fn(tx)
	})
}

func (p *Pool) rollback(ctx context.Context, c *Conn, tx database.Tx) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		c.MarkInvalid()
		p.log.WarnWith("rollback failed, connection will be discarded", map[string]interface{}{
			"conn_id": c.id,
			"error":   err.Error(),
		})
	}
}

// Ping borrows a connection and runs the validation query on it.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(c *Conn) error {
		return c.observe(p.validate(ctx, c.session))
	})
}
