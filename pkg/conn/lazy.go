package conn

import (
	"context"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/umputun/sqliterpc/pkg/rpc"
)

// DefaultIdlePeriod is the default time a Lazy Connection waits with no
// pending operations before soft-closing its underlying Eager Connection.
const DefaultIdlePeriod = 60 * time.Second

// opener spawns a fresh Eager Connection; Factory.Open satisfies it. Lazy
// depends on this narrow interface rather than *Factory so it can be tested
// without a real worker process.
type opener interface {
	Open(ctx context.Context, filename string, flags *int64) (*Eager, error)
}

// Lazy is a virtual connection exposing the identical operations as Eager
// but deferring the underlying open until first use, per spec.md §4.5. Its
// own lifetime is decoupled from the churn of the eager connections it opens
// and soft-closes underneath.
type Lazy struct {
	filename   string
	flags      *int64
	idlePeriod time.Duration
	factory    opener
	log        lgr.L

	mu       sync.Mutex
	eager    *Eager // current live connection, or nil
	draining *Eager // connection being soft-closed by the idle timer
	pending  int
	timer    *time.Timer
	closed   bool

	closeSig *closeSignal
}

// NewLazy builds a Lazy Connection delegating opens to factory. idlePeriod
// == 0 arms an immediate soft-close once the connection goes idle; a
// negative idlePeriod disables the idle timer entirely.
func NewLazy(factory opener, filename string, flags *int64, idlePeriod time.Duration, log lgr.L) *Lazy {
	if log == nil {
		log = lgr.NoOp
	}
	return &Lazy{
		filename: filename, flags: flags, idlePeriod: idlePeriod, factory: factory, log: log,
		closeSig: newCloseSignal(),
	}
}

// Exec runs a statement, opening the underlying connection first if needed.
func (l *Lazy) Exec(ctx context.Context, sqlText string) (rpc.Result, error) {
	e, err := l.acquire(ctx)
	if err != nil {
		return rpc.Result{}, err
	}
	defer l.release()
	return e.Exec(ctx, sqlText)
}

// Query runs a statement and decodes its rows, opening the underlying
// connection first if needed.
func (l *Lazy) Query(ctx context.Context, sqlText string, params rpc.Params) (rpc.Result, error) {
	e, err := l.acquire(ctx)
	if err != nil {
		return rpc.Result{}, err
	}
	defer l.release()
	return e.Query(ctx, sqlText, params)
}

// acquire returns the live eager connection, opening one if none exists —
// because this is the first operation, because the prior one was idle-closed,
// or because the prior open attempt failed — and increments pending.
func (l *Lazy) acquire(ctx context.Context) (*Eager, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrDatabaseClosed
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.eager != nil {
		e := l.eager
		l.pending++
		l.mu.Unlock()
		return e, nil
	}
	draining := l.draining
	l.draining = nil
	l.mu.Unlock()

	if draining != nil {
		// a new operation arrived while the idle-expired connection was
		// still being soft-closed: force it out rather than wait.
		go func() { _ = draining.Close() }()
	}

	e, err := l.factory.Open(ctx, l.filename, l.flags)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if l.closed {
		go func() { _ = e.Close() }()
		return nil, ErrDatabaseClosed
	}
	l.eager = e
	l.pending++
	go l.watchSpontaneousClose(e)
	return e, nil
}

// watchSpontaneousClose clears the stored eager reference if e closes on its
// own (worker death) rather than via quit()/idle-expiry/Close, so the next
// operation opens a fresh connection instead of reusing a dead one. The Lazy
// Connection does not re-emit error or close for this.
func (l *Lazy) watchSpontaneousClose(e *Eager) {
	<-e.Closed()
	l.mu.Lock()
	if l.eager == e {
		l.eager = nil
	}
	l.mu.Unlock()
}

// release decrements pending and, once it returns to zero, arms the idle
// timer.
func (l *Lazy) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending--
	if l.pending > 0 || l.closed || l.idlePeriod < 0 || l.eager == nil {
		return
	}
	l.timer = time.AfterFunc(l.idlePeriod, l.onIdle)
}

// onIdle soft-closes the current eager connection via quit(); if that
// rejects, it force-closes instead. The Lazy Connection itself never emits
// close() for this transition — its lifetime is independent of the churn
// underneath.
func (l *Lazy) onIdle() {
	l.mu.Lock()
	if l.closed || l.eager == nil {
		l.mu.Unlock()
		return
	}
	e := l.eager
	l.eager = nil
	l.draining = e
	l.mu.Unlock()

	if err := e.Quit(context.Background()); err != nil {
		l.log.Logf("[DEBUG] lazy conn: idle quit failed, forcing close: %v", err)
		_ = e.Close()
	}

	l.mu.Lock()
	if l.draining == e {
		l.draining = nil
	}
	l.mu.Unlock()
}

// Quit resolves immediately if no eager connection is open; otherwise it
// delegates quit() to the underlying connection and fires Closed() once that
// completes. The Lazy Connection is marked closed before the delegated quit
// starts, so operations issued while it is in flight are rejected with
// ErrDatabaseClosed.
func (l *Lazy) Quit(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrDatabaseClosed
	}
	e := l.eager
	l.eager = nil
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	if e == nil {
		l.closeSig.Fire()
		return nil
	}
	err := e.Quit(ctx)
	l.closeSig.Fire()
	return err
}

// Close cancels any pending open, force-closes the current and any
// draining eager connection, cancels the idle timer, emits close() once,
// and transitions to closed. Subsequent calls are no-ops.
func (l *Lazy) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	e, draining := l.eager, l.draining
	l.eager, l.draining = nil, nil
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.mu.Unlock()

	if e != nil {
		_ = e.Close()
	}
	if draining != nil {
		_ = draining.Close()
	}
	l.closeSig.Fire()
	return nil
}

// Closed returns a channel that closes exactly once, when this Lazy
// Connection's own lifetime ends via Close or a completed Quit — mirroring
// the Eager Connection's close() event. Idle-expiry and spontaneous
// worker death never fire it; per spec.md §4.5 the Lazy Connection's
// lifetime is decoupled from that underlying churn.
func (l *Lazy) Closed() <-chan struct{} { return l.closeSig.Done() }
