package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/umputun/sqliterpc/pkg/rpc"
	"github.com/umputun/sqliterpc/pkg/transport"
)

// ErrDatabaseClosed is returned by every operation issued against a closed
// Eager Connection, matching the wire protocol's rejection message.
var ErrDatabaseClosed = errors.New("Database closed")

// ErrInvalidMessage is the error() event payload for a response that cannot
// be correlated to any outstanding request, or that otherwise violates the
// wire protocol's framing.
var ErrInvalidMessage = errors.New("Invalid message received")

type eagerState int

const (
	stateOpen eagerState = iota
	stateClosing
	stateClosed
)

// outcome is what a pending request settles to: either a worker response or
// a client-side failure (stream death, invalid message).
type outcome struct {
	resp rpc.Response
	err  error
}

// Eager is a connection bound to a single live worker process, matching
// spec.md §4.4. Every operation writes a request frame and waits for the
// matching response; the read loop runs on its own goroutine and delivers
// responses to the waiting caller via a per-request channel, so the
// single-threaded-cooperative dispatch model translates to one goroutine
// per connection rather than a thread per request.
type Eager struct {
	closer io.Closer // releases the transport (and, in production, the worker process)
	stream transport.Stream
	r      *rpc.Reader
	w      *rpc.Writer
	log    lgr.L
	tag    string // short id for correlating this connection's log lines, never sent on the wire

	mu      sync.Mutex
	state   eagerState
	nextID  int64
	pending map[int64]chan outcome

	closeSig *closeSignal
	errSig   *errSignal
}

// OpenEager issues the opening open() request over stream, which closer
// releases on teardown (in production, a *transport.Bootstrap; tests may
// substitute any io.Closer paired with an in-memory stream). On failure the
// transport is closed and the worker's error is surfaced unchanged.
func OpenEager(ctx context.Context, stream transport.Stream, closer io.Closer, filename string, flags *int64, log lgr.L, maxFrameBytes int) (*Eager, error) {
	if log == nil {
		log = lgr.NoOp
	}
	e := &Eager{
		closer:   closer,
		stream:   stream,
		r:        rpc.NewReader(stream, maxFrameBytes),
		w:        rpc.NewWriter(stream),
		log:      log,
		tag:      uuid.New().String()[:8],
		pending:  make(map[int64]chan outcome),
		closeSig: newCloseSignal(),
		errSig:   newErrSignal(),
	}
	go e.readLoop()
	e.log.Logf("[DEBUG] conn[%s]: opening %q", e.tag, filename)

	req, err := rpc.NewOpenRequest(e.assignID(), filename, flags)
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("conn: build open request: %w", err)
	}
	resp, err := e.call(ctx, req)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	if resp.Err != nil {
		_ = e.Close()
		return nil, resp.Err
	}
	return e, nil
}

func (e *Eager) assignID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return e.nextID
}

// call registers req.ID, writes the frame, and waits for its settlement,
// the connection's close, or ctx cancellation. A caller giving up via ctx
// does not cancel the in-flight request on the worker — spec.md §5 makes
// only open() cancellable — it simply stops waiting for it.
func (e *Eager) call(ctx context.Context, req rpc.Request) (rpc.Response, error) {
	return e.callWithHook(ctx, req, nil)
}

// callWithHook is call, with afterWrite run immediately after the request
// frame is written and before waiting for the response. quit() uses this to
// half-close the write side right after the close RPC is on the wire.
func (e *Eager) callWithHook(ctx context.Context, req rpc.Request, afterWrite func()) (rpc.Response, error) {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return rpc.Response{}, ErrDatabaseClosed
	}
	ch := make(chan outcome, 1)
	e.pending[req.ID] = ch
	e.mu.Unlock()

	if err := e.w.WriteFrame(req); err != nil {
		e.mu.Lock()
		delete(e.pending, req.ID)
		e.mu.Unlock()
		e.fail(fmt.Errorf("conn: write request: %w", err))
		return rpc.Response{}, ErrDatabaseClosed
	}
	if afterWrite != nil {
		afterWrite()
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return rpc.Response{}, out.err
		}
		return out.resp, nil
	case <-e.closeSig.Done():
		return rpc.Response{}, ErrDatabaseClosed
	case <-ctx.Done():
		return rpc.Response{}, ctx.Err()
	}
}

// Exec runs a statement expected to produce no rows.
func (e *Eager) Exec(ctx context.Context, sqlText string) (rpc.Result, error) {
	req, err := rpc.NewExecRequest(e.assignID(), sqlText)
	if err != nil {
		return rpc.Result{}, fmt.Errorf("conn: build exec request: %w", err)
	}
	return e.do(ctx, req)
}

// Query runs a statement and decodes its rows, inflating any blob envelope
// cells back to raw bytes.
func (e *Eager) Query(ctx context.Context, sqlText string, params rpc.Params) (rpc.Result, error) {
	req, err := rpc.NewQueryRequest(e.assignID(), sqlText, params)
	if err != nil {
		return rpc.Result{}, fmt.Errorf("conn: build query request: %w", err)
	}
	return e.do(ctx, req)
}

func (e *Eager) do(ctx context.Context, req rpc.Request) (rpc.Result, error) {
	resp, err := e.call(ctx, req)
	if err != nil {
		return rpc.Result{}, err
	}
	if resp.Err != nil {
		return rpc.Result{}, resp.Err
	}
	return rpc.DecodeResult(resp.Result)
}

// Quit enqueues a close RPC after every previously submitted operation,
// half-closes the write side of the stream right behind it — signalling EOF
// to the worker's stdin without disturbing the read side — and waits for
// the worker's reply, then tears down the transport. It rejects with
// ErrDatabaseClosed if the connection has already started closing.
func (e *Eager) Quit(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateOpen {
		e.mu.Unlock()
		return ErrDatabaseClosed
	}
	e.state = stateClosing
	e.mu.Unlock()

	req := rpc.NewCloseRequest(e.assignID())
	resp, err := e.callWithHook(ctx, req, func() {
		if cerr := e.stream.CloseWrite(); cerr != nil {
			e.log.Logf("[WARN] conn[%s]: half-close write side on quit: %v", e.tag, cerr)
		}
	})
	if err != nil {
		_ = e.Close()
		return err
	}
	if resp.Err != nil {
		_ = e.Close()
		return resp.Err
	}
	return e.Close()
}

// Close is synchronous and unconditional: it tears down the transport,
// rejects every outstanding future with ErrDatabaseClosed, and emits close()
// exactly once. Subsequent calls are no-ops.
func (e *Eager) Close() error {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = stateClosed
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, ch := range pending {
		ch <- outcome{err: ErrDatabaseClosed}
	}

	err := e.closer.Close()
	e.closeSig.Fire()
	if err != nil {
		return fmt.Errorf("conn: close transport: %w", err)
	}
	return nil
}

// Err returns a channel that closes at most once, when a fatal stream-level
// failure occurs; ErrValue then reports the triggering error.
func (e *Eager) Err() <-chan struct{} { return e.errSig.Done() }

// ErrValue reports the error that fired Err(), once it has fired.
func (e *Eager) ErrValue() error { return e.errSig.Err() }

// Closed returns a channel that closes exactly once, when this connection's
// lifetime ends (either via Close/Quit or a stream-level failure).
func (e *Eager) Closed() <-chan struct{} { return e.closeSig.Done() }

func (e *Eager) readLoop() {
	for {
		frame, err := e.r.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.settleAll(ErrDatabaseClosed)
				e.finish()
				return
			}
			e.mu.Lock()
			closed := e.state == stateClosed
			e.mu.Unlock()
			if closed {
				return // the read side was torn down by Close, not a stream failure
			}
			e.fail(fmt.Errorf("conn: %w", err))
			return
		}

		var resp rpc.Response
		if jerr := json.Unmarshal(frame, &resp); jerr != nil {
			e.fail(ErrInvalidMessage)
			return
		}
		if resp.IsTerminal() {
			if resp.Err != nil {
				e.fail(resp.Err)
			} else {
				e.fail(ErrInvalidMessage)
			}
			return
		}

		e.mu.Lock()
		ch, ok := e.pending[*resp.ID]
		if ok {
			delete(e.pending, *resp.ID)
		}
		e.mu.Unlock()

		if !ok {
			e.fail(ErrInvalidMessage)
			return
		}
		ch <- outcome{resp: resp}
	}
}

// fail is the fatal stream-level-failure path: emits error(err) once,
// settles every outstanding request, and forces close().
func (e *Eager) fail(err error) {
	e.errSig.Fire(err)
	e.settleAll(ErrDatabaseClosed)
	e.finish()
}

func (e *Eager) settleAll(err error) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, ch := range pending {
		ch <- outcome{err: err}
	}
}

// finish transitions to closed and releases the transport without
// re-entering Close's pending-settlement path (already done by the caller).
func (e *Eager) finish() {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return
	}
	e.state = stateClosed
	e.mu.Unlock()

	if err := e.closer.Close(); err != nil {
		e.log.Logf("[WARN] conn[%s]: close transport after stream failure: %v", e.tag, err)
	}
	e.closeSig.Fire()
}
