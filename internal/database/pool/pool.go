// Package pool implements the bounded database connection pool that dx opens
// once at startup and hands to the request layer.
//
// A Pool owns every session it opens. Callers borrow a *Conn with Acquire and
// give it back with Release, or use WithConn / WithTx which release on every
// exit path. Background work (fill to the idle minimum, idle eviction) runs on
// goroutines owned by the pool and stops in Shutdown.
//
// Usage:
//
//	p, err := pool.Open(ctx, cfg, connector, log)
//	if err != nil { ... } // errs.IsInvalidConfig / errs.IsConnectionFailed
//	defer p.Shutdown(context.Background())
//
//	err = p.WithTx(ctx, func(tx database.Tx) error {
//	    _, err := tx.Exec(ctx, "UPDATE ...")
//	    return err
//	})
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kinto-dx/dx/internal/database"
	"github.com/kinto-dx/dx/internal/errs"
	"github.com/kinto-dx/dx/internal/logger"
)

// State is the lifecycle state of a Pool.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// Connections returned more recently than this skip validation on Acquire.
	aliveBypassWindow = 500 * time.Millisecond

	// Pause between dial attempts while an Acquire waits out a failing database.
	dialRetryBackoff = 50 * time.Millisecond

	minHousekeepingPeriod     = 10 * time.Millisecond
	defaultHousekeepingPeriod = 30 * time.Second
)

var errAcquireTimeout = errors.New("acquire timeout")

type waiter struct {
	ch chan *Conn // buffered(1); receives one Conn, or is closed on shutdown
}

// Pool is a bounded set of reusable database sessions.
// It is safe for concurrent use by multiple goroutines.
type Pool struct {
	cfg       *database.Config
	connector database.Connector
	log       *logger.Logger

	mu            sync.Mutex
	state         State
	idle          []*Conn // oldest-idle first; Acquire pops from the end
	inUse         map[*Conn]struct{}
	opening       int // slots reserved by dials in flight
	filling       int // background dials among opening
	waiters       []*waiter
	nextID        uint64
	drained       chan struct{}
	drainedClosed bool
	stats         counters

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
}

type counters struct {
	acquired           uint64
	created            uint64
	closed             uint64
	timeouts           uint64
	leaks              uint64
	validationFailures uint64
}

// Open validates cfg, opens and validates one session, and returns a ready
// pool. Configuration problems fail with ErrKindInvalidConfig before any I/O;
// an unreachable database or failed validation query fails with
// ErrKindConnectionFailed. Either failure is meant to abort startup.
func Open(ctx context.Context, cfg *database.Config, connector database.Connector, log *logger.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if connector == nil {
		return nil, errs.New(errs.ErrKindInvalidConfig, "connector is required")
	}
	if log == nil {
		log = logger.Nop()
	}

	p := newPool(cfg, connector, log)
	if err := p.initialize(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func newPool(cfg *database.Config, connector database.Connector, log *logger.Logger) *Pool {
	bgCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		connector: connector,
		log:       log.With().Str("pool", cfg.Name).Logger(),
		state:     StateUninitialized,
		inUse:     make(map[*Conn]struct{}),
		bgCtx:     bgCtx,
		bgCancel:  cancel,
		done:      make(chan struct{}),
	}
}

func (p *Pool) initialize(ctx context.Context) error {
	p.mu.Lock()
	p.state = StateInitializing
	p.mu.Unlock()

	for _, w := range p.cfg.Warnings() {
		p.log.Warn(w)
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	s, err := p.connector.Connect(dialCtx)
	cancel()
	if err == nil {
		if err = p.validate(ctx, s); err != nil {
			_ = s.Close(context.Background())
		}
	}
	if err != nil {
		p.mu.Lock()
		p.state = StateClosed
		p.mu.Unlock()
		p.bgCancel()
		_ = p.connector.Close()
		close(p.done)
		return errs.Wrap(errs.ErrKindConnectionFailed, "database is not reachable", err)
	}

	p.mu.Lock()
	c := p.newConnLocked(s)
	p.idle = append(p.idle, c)
	p.state = StateReady
	p.fillLocked()
	p.mu.Unlock()

	p.wg.Add(1)
	go p.housekeep()

	p.log.InfoWith("pool ready", map[string]interface{}{
		"driver":             string(p.cfg.Driver),
		"max_pool_size":      p.cfg.MaxPoolSize,
		"min_idle":           p.cfg.MinIdle,
		"connection_timeout": p.cfg.ConnectionTimeout.String(),
		"isolation":          string(p.cfg.Isolation),
	})
	return nil
}

// Acquire borrows a connection, waiting up to the configured connection
// timeout (or ctx's deadline if sooner). It fails with ErrKindTimeout when no
// connection became available and with ErrKindPoolClosed once Shutdown began.
// A failed dial does not end the wait: the slot is freed and Acquire keeps
// trying until the deadline, reporting the last dial error as the cause.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeoutCause(ctx, p.cfg.ConnectionTimeout, errAcquireTimeout)
	defer cancel()

	var lastDialErr error
	for {
		c, fresh, err := p.checkout(ctx)
		if err != nil {
			if errs.IsConnectionFailed(err) && ctx.Err() == nil {
				lastDialErr = err
				p.log.DebugWith("dial failed while acquiring, retrying", map[string]interface{}{
					"error": err.Error(),
				})
				if p.backoff(ctx) {
					continue
				}
				err = ctx.Err()
			}
			return nil, p.acquireError(ctx, err, start, lastDialErr)
		}

		if !fresh {
			if ctx.Err() == nil {
				if reason := p.unusable(ctx, c); reason != "" {
					p.retire(c, reason)
					continue
				}
			}
			if ctx.Err() != nil {
				// the caller is gone; the connection is still good
				p.giveBack(c)
				return nil, p.acquireError(ctx, ctx.Err(), start, lastDialErr)
			}
		}

		p.mu.Lock()
		if c.state != ConnInUse {
			// force-closed by Shutdown while we were validating
			p.mu.Unlock()
			return nil, p.closedError()
		}
		if p.state != StateReady {
			p.mu.Unlock()
			p.Release(c)
			return nil, p.closedError()
		}
		p.activateLocked(c)
		p.mu.Unlock()
		return c, nil
	}
}

// backoff sleeps before the next dial attempt. It reports false if ctx ended
// first.
func (p *Pool) backoff(ctx context.Context) bool {
	t := time.NewTimer(dialRetryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// checkout takes an idle connection, dials a new one if there is room, or
// queues until a Release hands one over. fresh reports a just-dialled session.
func (p *Pool) checkout(ctx context.Context) (c *Conn, fresh bool, err error) {
	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return nil, false, p.closedError()
	}

	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.markInUseLocked(c)
		p.fillLocked()
		p.mu.Unlock()
		return c, false, nil
	}

	if p.totalLocked() < p.cfg.MaxPoolSize {
		p.opening++
		p.wg.Add(1)
		p.mu.Unlock()
		return p.dialForeground(ctx)
	}

	w := &waiter{ch: make(chan *Conn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case c, ok := <-w.ch:
		if !ok {
			return nil, false, p.closedError()
		}
		return c, false, nil
	case <-ctx.Done():
		p.mu.Lock()
		queued := p.removeWaiterLocked(w)
		p.mu.Unlock()
		if !queued {
			// A Release raced with the deadline; pass the connection on.
			if c, ok := <-w.ch; ok {
				p.Release(c)
			}
		}
		return nil, false, ctx.Err()
	}
}

// dialForeground opens a session in the caller's goroutine. The slot was
// reserved by checkout and is given back on failure.
func (p *Pool) dialForeground(ctx context.Context) (*Conn, bool, error) {
	defer p.wg.Done()

	dialCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.bgCtx, cancel)
	s, err := p.connector.Connect(dialCtx)
	stop()
	cancel()

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.fillLocked()
		p.mu.Unlock()
		return nil, false, errs.Wrap(errs.ErrKindConnectionFailed, "failed to open connection", err)
	}
	if p.state != StateReady {
		p.mu.Unlock()
		p.closeSession(s)
		return nil, false, p.closedError()
	}
	c := p.newConnLocked(s)
	p.markInUseLocked(c)
	p.mu.Unlock()
	return c, true, nil
}

func (p *Pool) acquireError(ctx context.Context, err error, start time.Time, lastDialErr error) error {
	if errs.IsPoolClosed(err) || ctx.Err() == nil {
		return err
	}

	p.mu.Lock()
	p.stats.timeouts++
	p.mu.Unlock()

	cause := context.Cause(ctx)
	if errors.Is(cause, errAcquireTimeout) {
		cause = context.DeadlineExceeded
		if lastDialErr != nil {
			cause = lastDialErr
		}
		return errs.Wrap(errs.ErrKindTimeout,
			fmt.Sprintf("%s - connection is not available, request timed out after %dms",
				p.cfg.Name, time.Since(start).Milliseconds()),
			cause)
	}
	if lastDialErr != nil {
		cause = errors.Join(cause, lastDialErr)
	}
	return errs.Wrap(errs.ErrKindTimeout, "acquire aborted by caller", cause)
}

// unusable returns why a previously used connection must not be handed out,
// or "" if it is fine.
func (p *Pool) unusable(ctx context.Context, c *Conn) string {
	now := time.Now()
	if p.expired(c, now) {
		return "max lifetime"
	}
	if now.Sub(c.idleSince) < aliveBypassWindow && !c.session.IsClosed() {
		return ""
	}
	// bounded by ValidationTimeout only, never by the caller's deadline
	if err := p.validate(context.WithoutCancel(ctx), c.session); err != nil {
		p.mu.Lock()
		p.stats.validationFailures++
		p.mu.Unlock()
		p.log.DebugWith("connection failed validation", map[string]interface{}{
			"conn_id": c.id,
			"error":   err.Error(),
		})
		return "validation failed"
	}
	return ""
}

// validate runs the test query, or a driver ping when none is configured.
func (p *Pool) validate(ctx context.Context, s database.Session) error {
	if s.IsClosed() {
		return errs.New(errs.ErrKindConnectionFailed, "session is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()

	if q := p.cfg.TestQuery; q != "" {
		_, err := s.Exec(ctx, q)
		return err
	}
	return s.Ping(ctx)
}

func (p *Pool) expired(c *Conn, now time.Time) bool {
	return p.cfg.MaxLifetime > 0 && now.Sub(c.createdAt) >= p.cfg.MaxLifetime
}

// Release returns c to the pool. Expired, invalid or dead connections are
// closed instead, and the pool refills towards its idle minimum. Release never
// fails; releasing the same Conn twice is logged and ignored.
func (p *Pool) Release(c *Conn) {
	if c == nil || c.pool != p {
		return
	}

	p.mu.Lock()
	switch c.state {
	case ConnInUse:
	case ConnClosed, ConnInvalid:
		p.mu.Unlock()
		p.log.DebugWith("released connection was already closed", map[string]interface{}{"conn_id": c.id})
		return
	default:
		p.mu.Unlock()
		p.log.WarnWith("connection released twice", map[string]interface{}{"conn_id": c.id})
		return
	}

	if c.leakTimer != nil {
		c.leakTimer.Stop()
		c.leakTimer = nil
	}
	wasLeaked := c.leaked
	c.leaked = false
	held := time.Since(c.acquiredAt)

	delete(p.inUse, c)
	reason := p.retireReasonLocked(c, time.Now())
	if reason == "" {
		p.putLocked(c)
	} else {
		c.state = ConnInvalid
		p.wg.Add(1) // Shutdown waits for the close
		p.fillLocked()
	}
	p.signalDrainedLocked()
	p.mu.Unlock()

	if wasLeaked {
		p.log.InfoWith("previously reported leaked connection was returned", map[string]interface{}{
			"conn_id": c.id,
			"held":    held.String(),
		})
	}
	if reason != "" {
		p.closeConn(c, reason)
		p.wg.Done()
	}
}

func (p *Pool) retireReasonLocked(c *Conn, now time.Time) string {
	switch {
	case c.invalid || c.session.IsClosed():
		return "invalid"
	case p.expired(c, now):
		return "max lifetime"
	case p.state != StateReady:
		return "pool shutting down"
	default:
		return ""
	}
}

// retire drops an in-use connection that failed checks during Acquire.
func (p *Pool) retire(c *Conn, reason string) {
	p.mu.Lock()
	if c.state == ConnClosed {
		// already force-closed by Shutdown
		p.mu.Unlock()
		return
	}
	delete(p.inUse, c)
	c.state = ConnInvalid
	p.wg.Add(1)
	p.fillLocked()
	p.signalDrainedLocked()
	p.mu.Unlock()

	defer p.wg.Done()
	p.closeConn(c, reason)
}

// giveBack returns a connection checked out for a caller that gave up before
// it was handed over. Its idle time is kept so the next borrower still
// validates it.
func (p *Pool) giveBack(c *Conn) {
	p.mu.Lock()
	if c.state != ConnInUse || p.state != StateReady {
		p.mu.Unlock()
		p.Release(c)
		return
	}
	delete(p.inUse, c)
	p.parkLocked(c)
	p.signalDrainedLocked()
	p.mu.Unlock()
}

// putLocked hands c to the oldest waiter, or parks it on the idle stack.
func (p *Pool) putLocked(c *Conn) {
	c.idleSince = time.Now()
	p.parkLocked(c)
}

func (p *Pool) parkLocked(c *Conn) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters[0] = nil
		p.waiters = p.waiters[1:]
		p.markInUseLocked(c)
		w.ch <- c
		return
	}
	c.state = ConnIdle
	p.idle = append(p.idle, c)
}

func (p *Pool) markInUseLocked(c *Conn) {
	c.state = ConnInUse
	p.inUse[c] = struct{}{}
}

// activateLocked starts a lease: the caller now owns c until Release.
func (p *Pool) activateLocked(c *Conn) {
	c.acquiredAt = time.Now()
	c.lease++
	p.stats.acquired++

	if threshold := p.cfg.LeakDetectionThreshold; threshold > 0 {
		lease := c.lease
		c.leakTimer = time.AfterFunc(threshold, func() { p.reportLeak(c, lease) })
	}
}

// reportLeak logs a connection held past the leak threshold. It never closes
// the connection: the holder may still be using it.
func (p *Pool) reportLeak(c *Conn, lease uint64) {
	p.mu.Lock()
	if c.state != ConnInUse || c.lease != lease {
		p.mu.Unlock()
		return
	}
	c.leaked = true
	p.stats.leaks++
	held := time.Since(c.acquiredAt)
	p.mu.Unlock()

	p.log.WarnWith("connection leak detection triggered, connection held beyond threshold", map[string]interface{}{
		"conn_id":   c.id,
		"held":      held.String(),
		"threshold": p.cfg.LeakDetectionThreshold.String(),
	})
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.inUse) + p.opening
}

func (p *Pool) newConnLocked(s database.Session) *Conn {
	p.nextID++
	p.stats.created++
	now := time.Now()
	return &Conn{
		pool:      p,
		id:        p.nextID,
		session:   s,
		state:     ConnIdle,
		createdAt: now,
		idleSince: now,
	}
}

// fillLocked starts background dials until the idle minimum is met and every
// waiter has a dial on its way, without exceeding the pool size.
func (p *Pool) fillLocked() {
	if p.state != StateReady {
		return
	}
	for p.totalLocked() < p.cfg.MaxPoolSize &&
		(len(p.idle)+p.filling < p.cfg.MinIdle || p.filling < len(p.waiters)) {
		p.opening++
		p.filling++
		p.wg.Add(1)
		go p.fillOne()
	}
}

func (p *Pool) fillOne() {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.bgCtx, p.cfg.ConnectionTimeout)
	defer cancel()
	s, err := p.connector.Connect(ctx)

	p.mu.Lock()
	p.opening--
	p.filling--
	if err != nil {
		p.mu.Unlock()
		if p.bgCtx.Err() == nil {
			p.log.WarnWith("failed to open connection", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	if p.state != StateReady {
		p.mu.Unlock()
		p.closeSession(s)
		return
	}
	p.putLocked(p.newConnLocked(s))
	p.mu.Unlock()
}

func (p *Pool) housekeep() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.housekeepingPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-p.bgCtx.Done():
			return
		case <-ticker.C:
			p.EvictIdle()
		}
	}
}

func (p *Pool) housekeepingPeriod() time.Duration {
	d := defaultHousekeepingPeriod
	switch {
	case p.cfg.IdleTimeout > 0:
		d = p.cfg.IdleTimeout / 2
	case p.cfg.MaxLifetime > 0:
		d = p.cfg.MaxLifetime / 2
	}
	return max(d, minHousekeepingPeriod)
}

// EvictIdle closes idle connections that sat unused past the idle timeout or
// outlived the max lifetime, longest-idle first, while more than the idle
// minimum remain. It then refills towards the minimum. It returns the number
// of connections evicted. The housekeeping goroutine calls it periodically.
func (p *Pool) EvictIdle() int {
	now := time.Now()

	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return 0
	}

	excess := len(p.idle) - p.cfg.MinIdle
	old := p.idle
	kept := p.idle[:0]
	var victims []*Conn
	for _, c := range old {
		if excess > 0 && p.evictableLocked(c, now) {
			c.state = ConnClosed
			victims = append(victims, c)
			excess--
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(old); i++ {
		old[i] = nil
	}
	p.idle = kept
	p.fillLocked()
	p.mu.Unlock()

	for _, c := range victims {
		p.closeConn(c, "idle eviction")
	}
	return len(victims)
}

func (p *Pool) evictableLocked(c *Conn, now time.Time) bool {
	if p.cfg.IdleTimeout > 0 && now.Sub(c.idleSince) > p.cfg.IdleTimeout {
		return true
	}
	return p.expired(c, now)
}

// Shutdown stops accepting acquires, wakes waiters with ErrKindPoolClosed,
// closes idle connections, and waits for borrowed ones up to the drain timeout
// or until ctx is done. Whatever is still borrowed then is closed by force.
// Shutdown is idempotent; concurrent callers wait for the first to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateDraining || p.state == StateClosed {
		p.mu.Unlock()
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return errs.Wrap(errs.ErrKindTimeout, "waiting for pool shutdown", ctx.Err())
		}
	}

	p.state = StateDraining
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	for _, c := range idle {
		c.state = ConnClosed
	}
	borrowed := len(p.inUse)
	p.drained = make(chan struct{})
	p.signalDrainedLocked()
	p.mu.Unlock()

	p.log.InfoWith("shutting down pool", map[string]interface{}{
		"idle":   len(idle),
		"in_use": borrowed,
	})

	p.bgCancel()
	for _, c := range idle {
		p.closeConn(c, "pool shutting down")
	}

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-p.drained:
	case <-timer.C:
		p.forceClose("drain timeout")
	case <-ctx.Done():
		p.forceClose("shutdown cancelled")
	}

	p.wg.Wait()
	if err := p.connector.Close(); err != nil {
		p.log.WarnWith("failed to close connector", map[string]interface{}{"error": err.Error()})
	}

	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()
	close(p.done)

	p.log.Info("pool closed")
	return nil
}

func (p *Pool) signalDrainedLocked() {
	if p.state == StateDraining && len(p.inUse) == 0 && p.drained != nil && !p.drainedClosed {
		p.drainedClosed = true
		close(p.drained)
	}
}

// forceClose closes connections still borrowed after the drain window.
func (p *Pool) forceClose(reason string) {
	p.mu.Lock()
	victims := make([]*Conn, 0, len(p.inUse))
	for c := range p.inUse {
		if c.leakTimer != nil {
			c.leakTimer.Stop()
			c.leakTimer = nil
		}
		c.state = ConnClosed
		victims = append(victims, c)
	}
	clear(p.inUse)
	p.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	p.log.WarnWith("forcibly closing in-use connections", map[string]interface{}{
		"count":  len(victims),
		"reason": reason,
	})
	for _, c := range victims {
		p.closeConn(c, reason)
	}
}

func (p *Pool) closeConn(c *Conn, reason string) {
	p.closeSession(c.session)

	p.mu.Lock()
	c.state = ConnClosed
	p.stats.closed++
	p.mu.Unlock()

	p.log.DebugWith("connection closed", map[string]interface{}{
		"conn_id": c.id,
		"reason":  reason,
	})
}

func (p *Pool) closeSession(s database.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ValidationTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		p.log.DebugWith("error closing session", map[string]interface{}{"error": err.Error()})
	}
}

func (p *Pool) closedError() error {
	return errs.Newf(errs.ErrKindPoolClosed, "%s - pool is %s", p.cfg.Name, p.State())
}

// State reports the pool's lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
