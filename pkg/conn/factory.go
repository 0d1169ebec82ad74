package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/sqliterpc/pkg/transport"
)

// Factory spawns worker processes and opens connections against them. It
// holds no state about the databases it opens — spec.md's non-goal on
// cross-database pooling means every Open/OpenLazy call gets its own worker.
type Factory struct {
	TransportOpts transport.Options
	MaxFrameBytes int
	IdlePeriod    time.Duration
	Log           lgr.L
}

// NewFactory builds a Factory that spawns workers per topts, logging via
// log (nil discards logging).
func NewFactory(topts transport.Options, log lgr.L) *Factory {
	if log == nil {
		log = lgr.NoOp
	}
	return &Factory{TransportOpts: topts, MaxFrameBytes: 0, IdlePeriod: DefaultIdlePeriod, Log: log}
}

// Open spawns a worker and returns an Eager Connection to filename.
func (f *Factory) Open(ctx context.Context, filename string, flags *int64) (*Eager, error) {
	boot, err := transport.Spawn(ctx, f.TransportOpts)
	if err != nil {
		return nil, fmt.Errorf("conn: spawn worker: %w", err)
	}
	e, err := OpenEager(ctx, boot.Stream, boot, filename, flags, f.Log, f.MaxFrameBytes)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// OpenLazy builds a Lazy Connection that delegates opens back to f. idle
// selects the idle timeout: nil selects f.IdlePeriod, zero arms an
// immediate soft-close once the connection goes idle, and a negative value
// disables idle expiry entirely.
func (f *Factory) OpenLazy(filename string, flags *int64, idle *time.Duration) *Lazy {
	period := f.IdlePeriod
	if idle != nil {
		period = *idle
	}
	return NewLazy(f, filename, flags, period, f.Log)
}

// OpenSpec names one database Factory.OpenMany should open.
type OpenSpec struct {
	Filename string
	Flags    *int64
}

// OpenResult is OpenMany's per-item outcome: exactly one of Conn/Err is set.
type OpenResult struct {
	Conn *Eager
	Err  error
}

// OpenMany opens every spec in specs concurrently, bounded by concurrency
// simultaneous opens, and returns one OpenResult per input in input order
// regardless of per-item success or failure. It is the one place multiple
// goroutines run concurrently against this Factory — each is opening an
// independent connection, so the single-threaded dispatch discipline of any
// one Eager Connection is untouched.
func (f *Factory) OpenMany(ctx context.Context, specs []OpenSpec, concurrency int) []OpenResult {
	return OpenManyWith(ctx, f, specs, concurrency)
}

// OpenManyWith is OpenMany's concurrency-bounded fan-out, parameterised over
// an opener so it can be exercised against a test double without spawning
// real worker processes.
func OpenManyWith(ctx context.Context, o opener, specs []OpenSpec, concurrency int) []OpenResult {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]OpenResult, len(specs))

	wg := syncs.NewSizedGroup(concurrency, syncs.Context(ctx))
	for i, spec := range specs {
		i, spec := i, spec
		wg.Go(func(ctx context.Context) {
			e, err := o.Open(ctx, spec.Filename, spec.Flags)
			results[i] = OpenResult{Conn: e, Err: err}
		})
	}
	wg.Wait()
	return results
}
