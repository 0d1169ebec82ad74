package rpc

import (
	"encoding/json"
	"fmt"
)

// Method names recognised by the worker.
const (
	MethodOpen  = "open"
	MethodExec  = "exec"
	MethodQuery = "query"
	MethodClose = "close"
)

// Error codes used on the wire. CodeParseError and CodeInvalidEnv only
// ever appear on a terminal, id-less stream error; CodeInvalidMethod appears
// on an ordinary id-bearing soft-error response.
const (
	CodeParseError    = -32700
	CodeInvalidEnv    = -32600
	CodeInvalidMethod = -32601
)

// Request is a single JSON-RPC call: id for correlation, method, and an
// ordered parameter list. Each element of Params is itself arbitrary JSON —
// a plain scalar for open/exec, or the method-specific encoding built by the
// New*Request helpers.
type Request struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Error is the wire encoding of a failed RPC.
type Error struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Response is a single JSON-RPC reply. Exactly one of Result/Err is set for
// an ordinary response; ID is nil only for a terminal, stream-level failure
// emitted by the worker just before it closes the stream.
type Response struct {
	ID     *int64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Err    *Error          `json:"error,omitempty"`
}

// IsTerminal reports whether this is an id-less stream-level failure rather
// than a reply to a specific request.
func (r Response) IsTerminal() bool { return r.ID == nil }

// Result is the payload of a successful exec or query response. Columns and
// Rows are only populated for query; InsertID and Changed describe the last
// data-modifying statement run on the connection.
type Result struct {
	InsertID int64              `json:"insertId,omitempty"`
	Changed  int64              `json:"changed,omitempty"`
	Columns  []string           `json:"columns,omitempty"`
	Rows     []map[string]Value `json:"rows,omitempty"`
}

func marshalParam(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal param: %w", err)
	}
	return b, nil
}

// NewOpenRequest builds an open(filename[, flags]) request. flags is omitted
// from the wire when nil, leaving the worker to apply its default.
func NewOpenRequest(id int64, filename string, flags *int64) (Request, error) {
	fn, err := marshalParam(filename)
	if err != nil {
		return Request{}, err
	}
	params := []json.RawMessage{fn}
	if flags != nil {
		fl, err := marshalParam(*flags)
		if err != nil {
			return Request{}, err
		}
		params = append(params, fl)
	}
	return Request{ID: id, Method: MethodOpen, Params: params}, nil
}

// NewExecRequest builds an exec(sql) request.
func NewExecRequest(id int64, sql string) (Request, error) {
	s, err := marshalParam(sql)
	if err != nil {
		return Request{}, err
	}
	return Request{ID: id, Method: MethodExec, Params: []json.RawMessage{s}}, nil
}

// NewQueryRequest builds a query(sql, params) request.
func NewQueryRequest(id int64, sql string, params Params) (Request, error) {
	s, err := marshalParam(sql)
	if err != nil {
		return Request{}, err
	}
	p, err := marshalParam(params)
	if err != nil {
		return Request{}, err
	}
	return Request{ID: id, Method: MethodQuery, Params: []json.RawMessage{s, p}}, nil
}

// NewCloseRequest builds a close() request.
func NewCloseRequest(id int64) Request {
	return Request{ID: id, Method: MethodClose, Params: []json.RawMessage{}}
}

// OKResponse builds a successful response carrying a Result.
func OKResponse(id int64, res Result) (Response, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return Response{}, fmt.Errorf("rpc: marshal result: %w", err)
	}
	return Response{ID: &id, Result: b}, nil
}

// ErrResponse builds a soft-error response tied to a specific request id.
func ErrResponse(id int64, code int, message string) Response {
	return Response{ID: &id, Err: &Error{Message: message, Code: code}}
}

// TerminalError builds an id-less stream-level failure frame.
func TerminalError(code int, message string) Response {
	return Response{Err: &Error{Message: message, Code: code}}
}

// DecodeResult parses a successful response's Result payload.
func DecodeResult(raw json.RawMessage) (Result, error) {
	var res Result
	if len(raw) == 0 {
		return res, nil
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("rpc: decode result: %w", err)
	}
	return res, nil
}
