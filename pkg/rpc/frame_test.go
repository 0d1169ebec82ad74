package rpc_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/sqliterpc/pkg/rpc"
)

func TestReaderReadsOneFramePerLine(t *testing.T) {
	r := rpc.NewReader(strings.NewReader(`{"a":1}`+"\n"+`{"b":2}`+"\n"), 0)

	f1, err := r.ReadFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(f1))

	f2, err := r.ReadFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(f2))

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsInvalidJSON(t *testing.T) {
	r := rpc.NewReader(strings.NewReader("not json\n"), 0)
	_, err := r.ReadFrame()
	var fe *rpc.FramingError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, rpc.CodeParseError, fe.Code)
}

func TestReaderRejectsTruncatedTail(t *testing.T) {
	r := rpc.NewReader(strings.NewReader(`{"a":1}`), 0) // no trailing newline
	_, err := r.ReadFrame()
	var fe *rpc.FramingError
	require.True(t, errors.As(err, &fe))
}

func TestReaderEnforcesCeiling(t *testing.T) {
	huge := strings.Repeat("x", 100)
	r := rpc.NewReader(strings.NewReader(`{"a":"`+huge+`"}`+"\n"), 10)
	_, err := r.ReadFrame()
	var fe *rpc.FramingError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, rpc.CodeParseError, fe.Code)
}

func TestWriterAppendsNewlineAndIsCompact(t *testing.T) {
	var buf bytes.Buffer
	w := rpc.NewWriter(&buf)
	require.NoError(t, w.WriteFrame(map[string]int{"a": 1}))
	assert.Equal(t, "{\"a\":1}\n", buf.String())
}

func TestWriterDoesNotEscapeSlashes(t *testing.T) {
	var buf bytes.Buffer
	w := rpc.NewWriter(&buf)
	require.NoError(t, w.WriteFrame(map[string]string{"path": "a/b"}))
	assert.Contains(t, buf.String(), "a/b")
	assert.NotContains(t, buf.String(), `a\/b`)
}

func TestRoundTripThroughCodec(t *testing.T) {
	var buf bytes.Buffer
	w := rpc.NewWriter(&buf)
	req, err := rpc.NewQueryRequest(1, "SELECT ?", rpc.PositionalParams(rpc.Int(5)))
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame(req))

	r := rpc.NewReader(&buf, 0)
	frame, err := r.ReadFrame()
	require.NoError(t, err)

	var got rpc.Request
	require.NoError(t, json.Unmarshal(frame, &got))
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, rpc.MethodQuery, got.Method)
}
