package rpc_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/sqliterpc/pkg/rpc"
)

func TestOKResponseAndDecodeResult(t *testing.T) {
	res := rpc.Result{
		InsertID: 7,
		Changed:  1,
		Columns:  []string{"id", "name"},
		Rows: []map[string]rpc.Value{
			{"id": rpc.Int(7), "name": rpc.Text("bob")},
		},
	}
	resp, err := rpc.OKResponse(3, res)
	require.NoError(t, err)
	require.NotNil(t, resp.ID)
	assert.Equal(t, int64(3), *resp.ID)
	assert.False(t, resp.IsTerminal())

	got, err := rpc.DecodeResult(resp.Result)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.InsertID)
	assert.Equal(t, []string{"id", "name"}, got.Columns)
	assert.Equal(t, "bob", got.Rows[0]["name"].Text)
}

func TestErrResponseCarriesCodeAndID(t *testing.T) {
	resp := rpc.ErrResponse(5, rpc.CodeInvalidMethod, "invalid method call")
	require.NotNil(t, resp.ID)
	assert.Equal(t, int64(5), *resp.ID)
	require.NotNil(t, resp.Err)
	assert.Equal(t, rpc.CodeInvalidMethod, resp.Err.Code)
}

func TestTerminalErrorHasNoID(t *testing.T) {
	resp := rpc.TerminalError(rpc.CodeParseError, "boom")
	assert.True(t, resp.IsTerminal())
	assert.Nil(t, resp.ID)
}

func TestNewOpenRequestOmitsFlagsWhenNil(t *testing.T) {
	req, err := rpc.NewOpenRequest(1, ":memory:", nil)
	require.NoError(t, err)
	assert.Equal(t, rpc.MethodOpen, req.Method)
	assert.Len(t, req.Params, 1)
}

func TestNewOpenRequestIncludesFlags(t *testing.T) {
	flags := int64(6)
	req, err := rpc.NewOpenRequest(1, "foo.db", &flags)
	require.NoError(t, err)
	assert.Len(t, req.Params, 2)
}
