// Package postgres provides a PostgreSQL database.Connector backed by pgx.
//
// Each Connect call opens one dedicated *pgx.Conn; pooling is done by
// internal/database/pool, not by pgxpool.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/kinto-dx/dx/internal/database"
	"github.com/kinto-dx/dx/internal/errs"
)

// Connector opens PostgreSQL sessions from a parsed pgx config.
// It is safe for concurrent use by multiple goroutines.
type Connector struct {
	connCfg *pgx.ConnConfig
}

// New parses cfg into a pgx connection config. It performs no network I/O.
// User and Password from cfg override any credentials embedded in the URL.
func New(cfg *database.Config) (*Connector, error) {
	connCfg, err := pgx.ParseConfig(database.StripJDBC(cfg.URL))
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidConfig, "invalid postgres url", err)
	}

	if cfg.User != "" {
		connCfg.User = cfg.User
	}
	if cfg.Password != "" {
		connCfg.Password = cfg.Password
	}
	connCfg.ConnectTimeout = cfg.ConnectionTimeout

	return &Connector{connCfg: connCfg}, nil
}

// Connect dials a new session.
func (c *Connector) Connect(ctx context.Context) (database.Session, error) {
	conn, err := pgx.ConnectConfig(ctx, c.connCfg.Copy())
	if err != nil {
		return nil, mapError(err, "failed to connect")
	}
	return &session{conn: conn}, nil
}

// Close is a no-op: pgx connections hold no shared state.
func (c *Connector) Close() error {
	return nil
}

// --- database.Session implementation ---

type session struct {
	conn *pgx.Conn
}

func (s *session) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return mapError(err, "ping failed")
	}
	return nil
}

func (s *session) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := s.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, mapError(err, "exec failed")
	}
	return tag.RowsAffected(), nil
}

func (s *session) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err, "query failed")
	}
	return &pgxRows{rows: rows}, nil
}

func (s *session) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return &pgxRow{row: s.conn.QueryRow(ctx, sql, args...)}
}

func (s *session) Begin(ctx context.Context, iso database.Isolation) (database.Tx, error) {
	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel(iso)})
	if err != nil {
		return nil, mapError(err, "begin failed")
	}
	return &pgxTx{tx: tx}, nil
}

func (s *session) IsClosed() bool {
	return s.conn.IsClosed()
}

func (s *session) Close(ctx context.Context) error {
	if err := s.conn.Close(ctx); err != nil {
		return mapError(err, "close failed")
	}
	return nil
}

// isoLevel maps database.Isolation onto pgx's names.
func isoLevel(iso database.Isolation) pgx.TxIsoLevel {
	switch iso {
	case database.ReadUncommitted:
		return pgx.ReadUncommitted
	case database.ReadCommitted:
		return pgx.ReadCommitted
	case database.Serializable:
		return pgx.Serializable
	default:
		return pgx.RepeatableRead
	}
}

// --- pgx type wrappers ---

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return 0, mapError(err, "exec failed")
	}
	return tag.RowsAffected(), nil
}

func (t *pgxTx) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err, "query failed")
	}
	return &pgxRows{rows: rows}, nil
}

func (t *pgxTx) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return &pgxRow{row: t.tx.QueryRow(ctx, sql, args...)}
}

func (t *pgxTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return mapError(err, "commit failed")
	}
	return nil
}

func (t *pgxTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		return mapError(err, "rollback failed")
	}
	return nil
}

// pgxRows wraps pgx.Rows to satisfy database.Rows.
type pgxRows struct {
	rows pgx.Rows
}

func (r *pgxRows) Next() bool             { return r.rows.Next() }
func (r *pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *pgxRows) Close()                 { r.rows.Close() }
func (r *pgxRows) Err() error             { return r.rows.Err() }

func (r *pgxRows) Columns() ([]string, error) {
	descs := r.rows.FieldDescriptions()
	cols := make([]string, len(descs))
	for i, d := range descs {
		cols[i] = d.Name
	}
	return cols, nil
}

// pgxRow wraps pgx.Row to satisfy database.Row.
type pgxRow struct {
	row pgx.Row
}

func (r *pgxRow) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		return mapError(err, "scan failed")
	}
	return nil
}
