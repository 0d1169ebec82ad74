// Command sqliterpc-bench drives Factory.OpenMany against a batch of
// in-memory databases and reports aggregate timing, giving the
// concurrency-bounded fan-out (and therefore go-pkgz/syncs) a real caller.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/umputun/sqliterpc/pkg/conn"
	"github.com/umputun/sqliterpc/pkg/transport"
)

type options struct {
	N           int    `short:"n" long:"count" description:"number of databases to open" default:"8"`
	Concurrency int    `short:"c" long:"concurrency" description:"max simultaneous opens" default:"4"`
	WorkerPath  string `short:"w" long:"worker" env:"SQLITERPC_WORKER" description:"path to the sqliterpc-worker binary" default:"sqliterpc-worker"`
}

func main() {
	var opts options
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && errors.Is(flagsErr.Type, flags.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "bench failed: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	factory := conn.NewFactory(transport.Options{
		Mode:       transport.ModePipe,
		WorkerPath: opts.WorkerPath,
	}, lgr.NoOp)

	specs := make([]conn.OpenSpec, opts.N)
	for i := range specs {
		specs[i] = conn.OpenSpec{Filename: ":memory:"}
	}

	start := time.Now()
	results := factory.OpenMany(context.Background(), specs, opts.Concurrency)
	elapsed := time.Since(start)

	var ok, failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		ok++
		_ = r.Conn.Close()
	}

	fmt.Printf("opened %d/%d databases (%d failed) in %s, concurrency=%d\n", ok, len(results), failed, elapsed, opts.Concurrency)
	return nil
}
