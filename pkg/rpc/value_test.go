package rpc_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/sqliterpc/pkg/rpc"
)

func TestValueRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   rpc.Value
	}{
		{"null", rpc.Null()},
		{"int", rpc.Int(42)},
		{"negative int", rpc.Int(-7)},
		{"float", rpc.Float(3.14)},
		{"whole float", rpc.Float(1.0)},
		{"zero float", rpc.Float(0.0)},
		{"text", rpc.Text("hello world")},
		{"text with tab/cr/lf", rpc.Text("a\tb\r\nc")},
		{"blob", rpc.Blob([]byte{0x00, 0x01, 0x02, 0xff})},
		{"bool true", rpc.Bool(true)},
		{"bool false", rpc.Bool(false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.in)
			require.NoError(t, err)

			var out rpc.Value
			require.NoError(t, json.Unmarshal(data, &out))

			assert.Equal(t, tt.in.Kind, out.Kind)
			switch tt.in.Kind {
			case rpc.KindInt:
				assert.Equal(t, tt.in.Int, out.Int)
			case rpc.KindFloat:
				assert.InDelta(t, tt.in.Float, out.Float, 1e-12)
			case rpc.KindText:
				assert.Equal(t, tt.in.Text, out.Text)
			case rpc.KindBlob:
				assert.Equal(t, tt.in.Blob, out.Blob)
			}
		})
	}
}

func TestValueFloatPreservesKindEvenWhenWhole(t *testing.T) {
	data, err := json.Marshal(rpc.Float(1.0))
	require.NoError(t, err)
	assert.Equal(t, "1.0", string(data))

	var v rpc.Value
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, rpc.KindFloat, v.Kind)
}

func TestValueIntStaysBareInteger(t *testing.T) {
	data, err := json.Marshal(rpc.Int(1))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestValueOfBlobEncodesControlBytesAndInvalidUTF8(t *testing.T) {
	v := rpc.ValueOf("contains\x00nul")
	assert.Equal(t, rpc.KindBlob, v.Kind)

	v = rpc.ValueOf(string([]byte{0xff, 0xfe}))
	assert.Equal(t, rpc.KindBlob, v.Kind)

	// tab, LF, CR remain text
	v = rpc.ValueOf("a\tb\nc\rd")
	assert.Equal(t, rpc.KindText, v.Kind)
}

func TestValueOfBoolCoercesToInteger(t *testing.T) {
	assert.Equal(t, rpc.Int(1), rpc.ValueOf(true))
	assert.Equal(t, rpc.Int(0), rpc.ValueOf(false))
}

func TestValueBlobEnvelopeOnWire(t *testing.T) {
	data, err := json.Marshal(rpc.Blob([]byte("hi")))
	require.NoError(t, err)

	var obj map[string]string
	require.NoError(t, json.Unmarshal(data, &obj))
	require.Contains(t, obj, "base64")
}
