// Package rpc defines the wire dialect spoken between the parent process and
// the worker: request/response frames, the tagged value domain that preserves
// SQLite's type system across a text transport, and the line-delimited JSON
// codec that frames them.
package rpc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind tags the SQLite type domain a Value represents.
type Kind int

// The five kinds mirror SQLite's storage classes plus the wire-only BLOB
// envelope used to smuggle bytes through JSON.
const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INTEGER"
	case KindFloat:
		return "REAL"
	case KindText:
		return "TEXT"
	case KindBlob:
		return "BLOB"
	default:
		return "UNKNOWN"
	}
}

// Value is a tagged union over SQLite's type domain. It is the currency of
// both request parameters and response cells.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

// Null returns the NULL value.
func Null() Value { return Value{Kind: KindNull} }

// Int wraps an integer value.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Float wraps a floating-point value.
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }

// Text wraps a UTF-8 text value.
func Text(s string) Value { return Value{Kind: KindText, Text: s} }

// Blob wraps an arbitrary byte string.
func Blob(b []byte) Value { return Value{Kind: KindBlob, Blob: b} }

// Bool coerces a boolean to the integer 1/0, since SQLite has no native
// boolean storage class.
func Bool(b bool) Value {
	if b {
		return Int(1)
	}
	return Int(0)
}

// ValueOf converts a native Go scalar into a Value. Strings that are not
// valid UTF-8, or that contain a control byte outside tab/LF/CR, are treated
// as blobs rather than text so they round-trip exactly through JSON.
func ValueOf(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case string:
		if needsBlobEncoding(t) {
			return Blob([]byte(t))
		}
		return Text(t)
	case []byte:
		return Blob(t)
	default:
		return Text(fmt.Sprintf("%v", t))
	}
}

// Any returns the value as a plain Go scalar: nil, int64, float64, string or
// []byte. Blob and text cells both come back as their natural Go type; the
// caller distinguishes them only when binding a parameter, not when reading
// a result.
func (v Value) Any() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindText:
		return v.Text
	case KindBlob:
		return v.Blob
	default:
		return nil
	}
}

// needsBlobEncoding reports whether s must be wrapped in the base64 envelope
// to survive the JSON transport: invalid UTF-8, or any byte in
// {0x00..0x08, 0x0b, 0x0c, 0x0e..0x1f, 0x7f}. Tab, LF and CR remain text.
func needsBlobEncoding(s string) bool {
	if !utf8.ValidString(s) {
		return true
	}
	for i := 0; i < len(s); i++ {
		if isBlobControlByte(s[i]) {
			return true
		}
	}
	return false
}

func isBlobControlByte(b byte) bool {
	switch {
	case b <= 0x08:
		return true
	case b == 0x0b || b == 0x0c:
		return true
	case b >= 0x0e && b <= 0x1f:
		return true
	case b == 0x7f:
		return true
	default:
		return false
	}
}

// blobEnvelope is the wire wrapper for byte strings that cannot travel as
// plain JSON text.
type blobEnvelope struct {
	Base64 string `json:"base64"`
}

// MarshalJSON preserves SQLite's type domain across the wire: integers and
// floats are written as bare JSON numbers (with floats always carrying a
// fractional marker, even when numerically whole, so REAL columns never
// collapse into INTEGER on re-decode), text is a plain JSON string, and
// blobs are wrapped in the base64 envelope.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindInt:
		return []byte(strconv.FormatInt(v.Int, 10)), nil
	case KindFloat:
		return []byte(formatFloatPreservingKind(v.Float)), nil
	case KindText:
		return json.Marshal(v.Text)
	case KindBlob:
		return json.Marshal(blobEnvelope{Base64: base64.StdEncoding.EncodeToString(v.Blob)})
	default:
		return nil, fmt.Errorf("rpc: marshal: unknown value kind %d", v.Kind)
	}
}

func formatFloatPreservingKind(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") { // not already fractional, not Inf/NaN
		s += ".0"
	}
	return s
}

// UnmarshalJSON reverses MarshalJSON. It is the sole place that infers a
// cell's Kind from the literal bytes on the wire: a bare JSON number is an
// INTEGER unless its literal contains '.', 'e' or 'E', in which case it is a
// REAL; a JSON string is TEXT; an object is the blob envelope.
func (v *Value) UnmarshalJSON(data []byte) error {
	t := bytes.TrimSpace(data)
	switch {
	case len(t) == 0:
		return fmt.Errorf("rpc: unmarshal: empty value")
	case bytes.Equal(t, []byte("null")):
		*v = Null()
	case bytes.Equal(t, []byte("true")):
		*v = Int(1)
	case bytes.Equal(t, []byte("false")):
		*v = Int(0)
	case t[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("rpc: unmarshal text value: %w", err)
		}
		*v = Text(s)
	case t[0] == '{':
		var env blobEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("rpc: unmarshal blob envelope: %w", err)
		}
		b, err := base64.StdEncoding.DecodeString(env.Base64)
		if err != nil {
			return fmt.Errorf("rpc: invalid base64 in blob envelope: %w", err)
		}
		*v = Blob(b)
	default:
		if bytes.ContainsAny(t, ".eE") {
			f, err := strconv.ParseFloat(string(t), 64)
			if err != nil {
				return fmt.Errorf("rpc: invalid numeric value %q: %w", t, err)
			}
			*v = Float(f)
		} else {
			i, err := strconv.ParseInt(string(t), 10, 64)
			if err != nil {
				return fmt.Errorf("rpc: invalid integer value %q: %w", t, err)
			}
			*v = Int(i)
		}
	}
	return nil
}
