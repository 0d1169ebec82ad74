package conn_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/sqliterpc/pkg/conn"
)

// boundedOpener opens real in-memory-backed Eager connections while
// tracking the high-water mark of concurrently in-flight opens, so
// OpenMany's concurrency ceiling can be asserted directly.
type boundedOpener struct {
	active, maxActive int32
}

func (b *boundedOpener) Open(_ context.Context, filename string, _ *int64) (*conn.Eager, error) {
	n := atomic.AddInt32(&b.active, 1)
	defer atomic.AddInt32(&b.active, -1)
	for {
		cur := atomic.LoadInt32(&b.maxActive)
		if n <= cur {
			break
		}
		if atomic.CompareAndSwapInt32(&b.maxActive, cur, n) {
			break
		}
	}
	time.Sleep(15 * time.Millisecond)

	if filename == "bad" {
		return nil, assert.AnError
	}
	client, worker := newFakePair()
	runFakeWorker(worker, alwaysOK())
	return conn.OpenEager(context.Background(), client, nopCloser{}, filename, nil, nil, 0)
}

func TestOpenManyReturnsOneResultPerSpecInOrder(t *testing.T) {
	op := &boundedOpener{}
	specs := []conn.OpenSpec{
		{Filename: "a"}, {Filename: "bad"}, {Filename: "b"}, {Filename: "c"}, {Filename: "d"},
	}

	results := conn.OpenManyWith(context.Background(), op, specs, 2)
	require.Len(t, results, len(specs))

	for i, spec := range specs {
		if spec.Filename == "bad" {
			assert.Nil(t, results[i].Conn)
			assert.Error(t, results[i].Err)
			continue
		}
		assert.NoError(t, results[i].Err)
		require.NotNil(t, results[i].Conn)
		assert.NoError(t, results[i].Conn.Close())
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&op.maxActive), int32(2), "OpenMany must never exceed the requested concurrency")
}

func TestOpenManyDefaultsConcurrencyToAtLeastOne(t *testing.T) {
	op := &boundedOpener{}
	results := conn.OpenManyWith(context.Background(), op, []conn.OpenSpec{{Filename: "a"}}, 0)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.NoError(t, results[0].Conn.Close())
}
