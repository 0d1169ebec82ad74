// Package worker implements the child-process side of the wire protocol: a
// single-threaded RPC loop bound to one SQLite handle.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/stringutils"

	"github.com/umputun/sqliterpc/pkg/rpc"
)

var validMethods = []string{rpc.MethodOpen, rpc.MethodExec, rpc.MethodQuery, rpc.MethodClose}

// Worker reads frames from an input stream and writes responses to an
// output stream, dispatching serially on method. It never spawns a thread
// and never retries: every blocking SQLite call runs to completion on the
// caller's goroutine before the next frame is read.
type Worker struct {
	r   *rpc.Reader
	w   *rpc.Writer
	log lgr.L

	engine *Engine
}

// New builds a Worker reading frames from r and writing responses to w.
// maxFrameBytes <= 0 selects rpc.DefaultMaxFrameBytes. A nil log discards
// all logging.
func New(r io.Reader, w io.Writer, log lgr.L, maxFrameBytes int) *Worker {
	if log == nil {
		log = lgr.NoOp
	}
	return &Worker{r: rpc.NewReader(r, maxFrameBytes), w: rpc.NewWriter(w), log: log}
}

// Serve runs the dispatch loop until the input stream closes or a framing
// failure occurs. It returns nil for a clean stdin-EOF shutdown and a
// non-nil error for any framing-level failure (the caller should exit
// non-zero in that case, per the wire protocol's exit-code contract).
func (wk *Worker) Serve(ctx context.Context) error {
	defer func() {
		if wk.engine != nil {
			if err := wk.engine.Close(); err != nil {
				wk.log.Logf("[WARN] worker engine close on shutdown: %v", err)
			}
		}
	}()

	for {
		frame, err := wk.r.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				wk.log.Logf("[INFO] worker stdin closed, exiting")
				return nil
			}
			var fe *rpc.FramingError
			if errors.As(err, &fe) {
				wk.log.Logf("[WARN] worker framing error: %v", err)
				if werr := wk.w.WriteFrame(rpc.TerminalError(fe.Code, fe.Msg)); werr != nil {
					wk.log.Logf("[WARN] worker failed to write terminal error: %v", werr)
				}
				return err
			}
			return fmt.Errorf("worker: read frame: %w", err)
		}

		req, perr := wk.parseRequest(frame)
		if perr != nil {
			wk.log.Logf("[WARN] worker %v", perr)
			if werr := wk.w.WriteFrame(rpc.TerminalError(rpc.CodeInvalidEnv, perr.Error())); werr != nil {
				wk.log.Logf("[WARN] worker failed to write terminal error: %v", werr)
			}
			return perr
		}

		resp := wk.dispatch(ctx, req)
		if werr := wk.w.WriteFrame(resp); werr != nil {
			return fmt.Errorf("worker: write response: %w", werr)
		}
	}
}

// parseRequest decodes and validates the JSON-RPC envelope. A frame that
// parses as JSON but is missing id/method/params, or whose method/params
// have the wrong shape, is a protocol-level failure — it terminates the
// worker, per the wire protocol's framing-error class.
func (wk *Worker) parseRequest(frame json.RawMessage) (rpc.Request, error) {
	var req rpc.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return rpc.Request{}, fmt.Errorf("malformed request envelope: %w", err)
	}
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil || len(probe.ID) == 0 || string(probe.ID) == "null" {
		return rpc.Request{}, errors.New("malformed request envelope: missing id")
	}
	if req.Method == "" {
		return rpc.Request{}, errors.New("malformed request envelope: missing method")
	}
	if req.Params == nil {
		return rpc.Request{}, errors.New("malformed request envelope: missing params")
	}
	return req, nil
}

// dispatch routes a validated request to its handler. An unknown method, or
// one unavailable in the current state, is a soft error: it rejects this one
// request and leaves the worker running.
func (wk *Worker) dispatch(ctx context.Context, req rpc.Request) rpc.Response {
	if !stringutils.Contains(req.Method, validMethods) {
		wk.log.Logf("[WARN] worker unknown method %q", req.Method)
		return rpc.ErrResponse(req.ID, rpc.CodeInvalidMethod, fmt.Sprintf("unknown method %q", req.Method))
	}

	wk.log.Logf("[DEBUG] worker dispatch id=%d method=%s", req.ID, req.Method)

	switch req.Method {
	case rpc.MethodOpen:
		return wk.handleOpen(ctx, req)
	case rpc.MethodExec:
		return wk.handleExec(ctx, req)
	case rpc.MethodQuery:
		return wk.handleQuery(ctx, req)
	case rpc.MethodClose:
		return wk.handleClose(req)
	default:
		// unreachable: validMethods and the switch are kept in lockstep
		return rpc.ErrResponse(req.ID, rpc.CodeInvalidMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (wk *Worker) handleOpen(ctx context.Context, req rpc.Request) rpc.Response {
	if len(req.Params) < 1 {
		return rpc.ErrResponse(req.ID, 0, "open requires a filename parameter")
	}
	var filename string
	if err := json.Unmarshal(req.Params[0], &filename); err != nil {
		return rpc.ErrResponse(req.ID, 0, "invalid filename parameter")
	}

	var flags *int64
	if len(req.Params) > 1 {
		var f int64
		if err := json.Unmarshal(req.Params[1], &f); err != nil {
			return rpc.ErrResponse(req.ID, 0, "invalid flags parameter")
		}
		flags = &f
	}

	if wk.engine != nil {
		if err := wk.engine.Close(); err != nil {
			wk.log.Logf("[WARN] worker close previous handle before reopen: %v", err)
		}
		wk.engine = nil
	}

	eng, err := Open(ctx, filename, flags)
	if err != nil {
		wk.log.Logf("[WARN] worker open %q failed: %v", filename, err)
		return rpc.ErrResponse(req.ID, 0, err.Error())
	}
	wk.engine = eng
	wk.log.Logf("[INFO] worker opened %q", filename)

	resp, err := rpc.OKResponse(req.ID, rpc.Result{})
	if err != nil {
		return rpc.ErrResponse(req.ID, 0, err.Error())
	}
	return resp
}

func (wk *Worker) handleExec(ctx context.Context, req rpc.Request) rpc.Response {
	if wk.engine == nil {
		return rpc.ErrResponse(req.ID, rpc.CodeInvalidMethod, "invalid method call")
	}
	if len(req.Params) < 1 {
		return rpc.ErrResponse(req.ID, 0, "exec requires a sql parameter")
	}
	var sqlText string
	if err := json.Unmarshal(req.Params[0], &sqlText); err != nil {
		return rpc.ErrResponse(req.ID, 0, "invalid sql parameter")
	}

	insertID, changed, err := wk.engine.Exec(ctx, sqlText)
	if err != nil {
		return rpc.ErrResponse(req.ID, 0, err.Error())
	}
	resp, err := rpc.OKResponse(req.ID, rpc.Result{InsertID: insertID, Changed: changed})
	if err != nil {
		return rpc.ErrResponse(req.ID, 0, err.Error())
	}
	return resp
}

func (wk *Worker) handleQuery(ctx context.Context, req rpc.Request) rpc.Response {
	if wk.engine == nil {
		return rpc.ErrResponse(req.ID, rpc.CodeInvalidMethod, "invalid method call")
	}
	if len(req.Params) < 1 {
		return rpc.ErrResponse(req.ID, 0, "query requires a sql parameter")
	}
	var sqlText string
	if err := json.Unmarshal(req.Params[0], &sqlText); err != nil {
		return rpc.ErrResponse(req.ID, 0, "invalid sql parameter")
	}

	var params rpc.Params
	if len(req.Params) > 1 {
		if err := json.Unmarshal(req.Params[1], &params); err != nil {
			return rpc.ErrResponse(req.ID, 0, "invalid params parameter")
		}
	}

	result, err := wk.engine.Query(ctx, sqlText, params)
	if err != nil {
		return rpc.ErrResponse(req.ID, 0, err.Error())
	}
	resp, err := rpc.OKResponse(req.ID, result)
	if err != nil {
		return rpc.ErrResponse(req.ID, 0, err.Error())
	}
	return resp
}

func (wk *Worker) handleClose(req rpc.Request) rpc.Response {
	if wk.engine != nil {
		if err := wk.engine.Close(); err != nil {
			wk.log.Logf("[WARN] worker close error: %v", err)
		}
		wk.engine = nil
	}
	wk.log.Logf("[INFO] worker closed handle")
	resp, err := rpc.OKResponse(req.ID, rpc.Result{})
	if err != nil {
		return rpc.ErrResponse(req.ID, 0, err.Error())
	}
	return resp
}
