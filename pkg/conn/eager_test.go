package conn_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/sqliterpc/pkg/conn"
	"github.com/umputun/sqliterpc/pkg/rpc"
)

// fakeStream is an in-memory transport.Stream backed by two io.Pipe
// half-duplexes, standing in for a spawned worker process in tests that
// don't need a real child.
type fakeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (f *fakeStream) Read(b []byte) (int, error)  { return f.r.Read(b) }
func (f *fakeStream) Write(b []byte) (int, error) { return f.w.Write(b) }
func (f *fakeStream) CloseWrite() error           { return f.w.Close() }
func (f *fakeStream) Close() error {
	_ = f.w.Close()
	return f.r.Close()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newFakePair returns (client, worker) streams wired to each other.
func newFakePair() (*fakeStream, *fakeStream) {
	workerReadR, clientWriteW := io.Pipe()
	clientReadR, workerWriteW := io.Pipe()
	client := &fakeStream{r: clientReadR, w: clientWriteW}
	worker := &fakeStream{r: workerReadR, w: workerWriteW}
	return client, worker
}

// handler answers one request; returning false stops the fake worker loop.
type handler func(req rpc.Request) (rpc.Response, bool)

func runFakeWorker(stream *fakeStream, h handler) {
	go func() {
		r := rpc.NewReader(stream, 0)
		w := rpc.NewWriter(stream)
		for {
			frame, err := r.ReadFrame()
			if err != nil {
				return
			}
			var req rpc.Request
			if err := json.Unmarshal(frame, &req); err != nil {
				return
			}
			resp, more := h(req)
			if werr := w.WriteFrame(resp); werr != nil {
				return
			}
			if !more {
				return
			}
		}
	}()
}

func okOpenThenEcho(t *testing.T) handler {
	t.Helper()
	return func(req rpc.Request) (rpc.Response, bool) {
		switch req.Method {
		case rpc.MethodOpen:
			resp, err := rpc.OKResponse(req.ID, rpc.Result{})
			require.NoError(t, err)
			return resp, true
		case rpc.MethodClose:
			resp, err := rpc.OKResponse(req.ID, rpc.Result{})
			require.NoError(t, err)
			return resp, false
		default:
			resp, err := rpc.OKResponse(req.ID, rpc.Result{Changed: 1})
			require.NoError(t, err)
			return resp, true
		}
	}
}

func TestEagerOpenExecQuit(t *testing.T) {
	client, worker := newFakePair()
	runFakeWorker(worker, okOpenThenEcho(t))

	e, err := conn.OpenEager(context.Background(), client, nopCloser{}, ":memory:", nil, nil, 0)
	require.NoError(t, err)

	res, err := e.Exec(context.Background(), "CREATE TABLE t(x)")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Changed)

	require.NoError(t, e.Quit(context.Background()))

	select {
	case <-e.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected Closed() to fire after Quit")
	}
}

func TestEagerCloseRejectsOutstanding(t *testing.T) {
	client, worker := newFakePair()
	// worker answers open, then goes silent on the next request, leaving
	// the exec pending until Close forces it to settle.
	go func() {
		r := rpc.NewReader(worker, 0)
		w := rpc.NewWriter(worker)
		frame, err := r.ReadFrame()
		if err != nil {
			return
		}
		var req rpc.Request
		if json.Unmarshal(frame, &req) != nil {
			return
		}
		resp, _ := rpc.OKResponse(req.ID, rpc.Result{})
		_ = w.WriteFrame(resp)
		_, _ = r.ReadFrame() // consume the exec request; never reply
	}()

	e, err := conn.OpenEager(context.Background(), client, nopCloser{}, ":memory:", nil, nil, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, execErr := e.Exec(context.Background(), "SELECT 1")
		done <- execErr
	}()

	time.Sleep(20 * time.Millisecond) // let Exec register before Close races it
	require.NoError(t, e.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, conn.ErrDatabaseClosed)
	case <-time.After(time.Second):
		t.Fatal("expected pending exec to settle after Close")
	}

	assert.NoError(t, e.Close(), "second Close must be a no-op")
}

func TestEagerOpenFailurePropagatesWorkerError(t *testing.T) {
	client, worker := newFakePair()
	runFakeWorker(worker, func(req rpc.Request) (rpc.Response, bool) {
		return rpc.ErrResponse(req.ID, 0, "unable to open database file"), false
	})

	_, err := conn.OpenEager(context.Background(), client, nopCloser{}, "/no/such/path.db", nil, nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to open database file")
}

func TestEagerUnknownIDTriggersErrorAndClose(t *testing.T) {
	client, worker := newFakePair()
	runFakeWorker(worker, func(req rpc.Request) (rpc.Response, bool) {
		resp, err := rpc.OKResponse(req.ID, rpc.Result{})
		require.NoError(t, err)
		return resp, true
	})

	e, err := conn.OpenEager(context.Background(), client, nopCloser{}, ":memory:", nil, nil, 0)
	require.NoError(t, err)

	// inject a response with an id that was never issued.
	badID := int64(9999)
	w := rpc.NewWriter(worker)
	require.NoError(t, w.WriteFrame(rpc.Response{ID: &badID}))

	select {
	case <-e.Err():
		assert.ErrorIs(t, e.ErrValue(), conn.ErrInvalidMessage)
	case <-time.After(time.Second):
		t.Fatal("expected error() to fire for unknown response id")
	}

	select {
	case <-e.Closed():
	case <-time.After(time.Second):
		t.Fatal("expected close() to follow error()")
	}
}
