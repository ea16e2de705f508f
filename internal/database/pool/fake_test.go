package pool

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kinto-dx/dx/internal/database"
	"github.com/kinto-dx/dx/internal/errs"
	"github.com/kinto-dx/dx/internal/logger"
	"github.com/stretchr/testify/require"
)

// fakeConnector hands out in-memory sessions and records what happened to them.
type fakeConnector struct {
	dials        atomic.Int64
	failDial     atomic.Bool
	failValidate atomic.Bool
	dialDelay    time.Duration
	execDelay    time.Duration
	closed       atomic.Bool

	mu       sync.Mutex
	sessions []*fakeSession
}

func (f *fakeConnector) Connect(ctx context.Context) (database.Session, error) {
	if f.dialDelay > 0 {
		select {
		case <-time.After(f.dialDelay):
		case <-ctx.Done():
			return nil, errs.Wrap(errs.ErrKindTimeout, "dial", ctx.Err())
		}
	}
	n := f.dials.Add(1)
	if f.failDial.Load() {
		return nil, errs.Wrap(errs.ErrKindConnectionFailed, "dial", errors.New("connection refused"))
	}

	s := &fakeSession{id: n, execDelay: f.execDelay}
	s.failExec.Store(f.failValidate.Load())

	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeConnector) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeConnector) all() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}

type fakeSession struct {
	id        int64
	execDelay time.Duration
	closed   atomic.Bool
	dead     atomic.Bool
	failExec atomic.Bool
	execs    atomic.Int64

	commits   atomic.Int64
	rollbacks atomic.Int64
}

func (s *fakeSession) check() error {
	if s.closed.Load() || s.dead.Load() {
		return errs.Wrap(errs.ErrKindConnectionFailed, "session", errors.New("conn closed"))
	}
	return nil
}

func (s *fakeSession) Ping(context.Context) error { return s.check() }

func (s *fakeSession) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if s.execDelay > 0 {
		select {
		case <-time.After(s.execDelay):
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, errs.Wrap(errs.ErrKindTimeout, "exec", err)
	}
	if s.failExec.Load() {
		return 0, errs.New(errs.ErrKindQueryFailed, "validation query failed")
	}
	s.execs.Add(1)
	return 0, nil
}

func (s *fakeSession) Query(context.Context, string, ...any) (database.Rows, error) {
	return nil, errs.New(errs.ErrKindQueryFailed, "not supported")
}

func (s *fakeSession) QueryRow(context.Context, string, ...any) database.Row {
	return fakeRow{err: s.check()}
}

func (s *fakeSession) Begin(context.Context, database.Isolation) (database.Tx, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return &fakeTx{s: s}, nil
}

func (s *fakeSession) IsClosed() bool { return s.closed.Load() || s.dead.Load() }

func (s *fakeSession) Close(context.Context) error {
	s.closed.Store(true)
	return nil
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(...any) error { return r.err }

type fakeTx struct{ s *fakeSession }

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	return t.s.Exec(ctx, sql, args...)
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (database.Rows, error) {
	return t.s.Query(ctx, sql, args...)
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) database.Row {
	return t.s.QueryRow(ctx, sql, args...)
}
func (t *fakeTx) Commit(context.Context) error   { t.s.commits.Add(1); return t.s.check() }
func (t *fakeTx) Rollback(context.Context) error { t.s.rollbacks.Add(1); return t.s.check() }

// syncBuffer is written by pool goroutines and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *database.Config {
	cfg := database.DefaultConfig("postgres://fake/dx")
	cfg.Driver = database.DriverPostgres
	cfg.User = "dx"
	cfg.MaxPoolSize = 4
	cfg.MinIdle = 1
	cfg.ConnectionTimeout = 500 * time.Millisecond
	cfg.ValidationTimeout = 100 * time.Millisecond
	cfg.DrainTimeout = time.Second
	return cfg
}

func openPool(t *testing.T, cfg *database.Config, fc *fakeConnector, log *logger.Logger) *Pool {
	t.Helper()
	if log == nil {
		log = logger.Nop()
	}
	p, err := Open(context.Background(), cfg, fc, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func captureLogger() (*logger.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return logger.New(&logger.Config{Level: "debug", Format: "json", Output: buf}), buf
}
