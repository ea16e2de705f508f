// Package mysql provides a MySQL database.Connector backed by go-sql-driver/mysql.
//
// database/sql is used only as a dialer: the *sql.DB retains no idle
// connections, so every Connect yields a dedicated physical session and
// closing that session really closes it. Pooling belongs to
// internal/database/pool.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	"github.com/kinto-dx/dx/internal/database"
	"github.com/kinto-dx/dx/internal/errs"
)

// Connector opens MySQL sessions.
// It is safe for concurrent use by multiple goroutines.
type Connector struct {
	db   *sql.DB
	mcfg *mysql.Config
}

// New builds a connector from cfg. It performs no network I/O.
//
// cfg.URL may be a URL ("mysql://host:3306/db?parseTime=true", optionally
// prefixed with "jdbc:") or a native DSN ("user:pass@tcp(host:3306)/db").
func New(cfg *database.Config) (*Connector, error) {
	mcfg, err := parseURL(database.StripJDBC(cfg.URL))
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidConfig, "invalid mysql url", err)
	}

	if cfg.User != "" {
		mcfg.User = cfg.User
	}
	if cfg.Password != "" {
		mcfg.Passwd = cfg.Password
	}
	mcfg.Timeout = cfg.ConnectionTimeout
	// parseTime=true → DATETIME/TIMESTAMP scan as time.Time
	mcfg.ParseTime = true

	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidConfig, "invalid mysql config", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(0)
	db.SetConnMaxLifetime(0)

	return &Connector{db: db, mcfg: mcfg}, nil
}

// parseURL turns a mysql:// URL into a driver config, or parses a native DSN.
func parseURL(raw string) (*mysql.Config, error) {
	if !strings.HasPrefix(raw, "mysql://") {
		return mysql.ParseDSN(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}

	dsn := fmt.Sprintf("tcp(%s)/%s", u.Host, strings.TrimPrefix(u.Path, "/"))
	if u.RawQuery != "" {
		dsn += "?" + u.RawQuery
	}

	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if u.User != nil {
		mcfg.User = u.User.Username()
		mcfg.Passwd, _ = u.User.Password()
	}
	return mcfg, nil
}

// Connect dials a new dedicated session.
func (c *Connector) Connect(ctx context.Context) (database.Session, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, mapError(err, "failed to connect")
	}
	return &session{conn: conn}, nil
}

// Close shuts down the dialer. Sessions already handed out are unaffected.
func (c *Connector) Close() error {
	return c.db.Close()
}

// --- database.Session implementation ---

type session struct {
	conn   *sql.Conn
	broken atomic.Bool
}

// observe records transport failures so IsClosed reports them.
func (s *session) observe(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isBadConn(err) {
		s.broken.Store(true)
	}
	return mapError(err, msg)
}

func (s *session) Ping(ctx context.Context) error {
	return s.observe(s.conn.PingContext(ctx), "ping failed")
}

func (s *session) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.observe(err, "exec failed")
	}
	n, err := res.RowsAffected()
	return n, s.observe(err, "rows affected failed")
}

func (s *session) Query(ctx context.Context, query string, args ...any) (database.Rows, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.observe(err, "query failed")
	}
	return &mysqlRows{rows: rows}, nil
}

func (s *session) QueryRow(ctx context.Context, query string, args ...any) database.Row {
	return &mysqlRow{row: s.conn.QueryRowContext(ctx, query, args...), s: s}
}

func (s *session) Begin(ctx context.Context, iso database.Isolation) (database.Tx, error) {
	tx, err := s.conn.BeginTx(ctx, &sql.TxOptions{Isolation: isoLevel(iso)})
	if err != nil {
		return nil, s.observe(err, "begin failed")
	}
	return &mysqlTx{tx: tx, s: s}, nil
}

func (s *session) IsClosed() bool {
	return s.broken.Load()
}

// Close hands the connection back to the dialer, which retains no idle
// connections and therefore closes it.
func (s *session) Close(_ context.Context) error {
	s.broken.Store(true)
	if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return mapError(err, "close failed")
	}
	return nil
}

// isoLevel maps database.Isolation onto database/sql levels.
func isoLevel(iso database.Isolation) sql.IsolationLevel {
	switch iso {
	case database.ReadUncommitted:
		return sql.LevelReadUncommitted
	case database.ReadCommitted:
		return sql.LevelReadCommitted
	case database.Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelRepeatableRead
	}
}

func isBadConn(err error) bool {
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone)
}

// --- sql type wrappers ---

type mysqlTx struct {
	tx *sql.Tx
	s  *session
}

func (t *mysqlTx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, t.s.observe(err, "exec failed")
	}
	n, err := res.RowsAffected()
	return n, t.s.observe(err, "rows affected failed")
}

func (t *mysqlTx) Query(ctx context.Context, query string, args ...any) (database.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.s.observe(err, "query failed")
	}
	return &mysqlRows{rows: rows}, nil
}

func (t *mysqlTx) QueryRow(ctx context.Context, query string, args ...any) database.Row {
	return &mysqlRow{row: t.tx.QueryRowContext(ctx, query, args...), s: t.s}
}

func (t *mysqlTx) Commit(_ context.Context) error {
	return t.s.observe(t.tx.Commit(), "commit failed")
}

func (t *mysqlTx) Rollback(_ context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return t.s.observe(err, "rollback failed")
}

type mysqlRows struct {
	rows *sql.Rows
}

func (r *mysqlRows) Next() bool                 { return r.rows.Next() }
func (r *mysqlRows) Scan(dest ...any) error     { return r.rows.Scan(dest...) }
func (r *mysqlRows) Columns() ([]string, error) { return r.rows.Columns() }
func (r *mysqlRows) Close()                     { _ = r.rows.Close() }
func (r *mysqlRows) Err() error                 { return r.rows.Err() }

type mysqlRow struct {
	row *sql.Row
	s   *session
}

func (r *mysqlRow) Scan(dest ...any) error {
	return r.s.observe(r.row.Scan(dest...), "scan failed")
}
