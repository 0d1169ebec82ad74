// Command sqliterpc-worker is the child process spawned by pkg/transport: it
// owns a single blocking SQLite handle and speaks the line-delimited JSON-RPC
// dialect over stdin/stdout (pipe mode) or a loopback socket (socket mode).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"

	"github.com/umputun/sqliterpc/pkg/worker"
)

type options struct {
	PositionalArgs struct {
		Addr string `positional-arg-name:"host:port" description:"dial back to this address instead of using stdin/stdout"`
	} `positional-args:"yes" positional-optional:"yes"`

	MaxFrameBytes int  `long:"max-frame-bytes" env:"SQLITERPC_MAX_FRAME_BYTES" description:"frame size ceiling, 0 selects the built-in default"`
	Dbg           bool `long:"dbg" env:"SQLITERPC_DEBUG" description:"debug mode"`
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

	log := setupLog(opts.Dbg)

	if err := run(opts, log); err != nil {
		log.Logf("[ERROR] worker: %v", err)
		os.Exit(1)
	}
}

func run(opts options, log lgr.L) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var r io.Reader
	var w io.Writer

	if opts.PositionalArgs.Addr != "" {
		conn, err := net.Dial("tcp", opts.PositionalArgs.Addr)
		if err != nil {
			return fmt.Errorf("dial back to %s: %w", opts.PositionalArgs.Addr, err)
		}
		defer conn.Close() //nolint:errcheck
		r, w = conn, conn
	} else {
		r, w = os.Stdin, os.Stdout
	}

	wk := worker.New(r, w, log, opts.MaxFrameBytes)
	return wk.Serve(ctx)
}

func setupLog(dbg bool) lgr.L {
	logOpts := []lgr.Option{lgr.Out(io.Discard), lgr.Err(os.Stderr), lgr.LevelBraces}
	if dbg {
		logOpts = append(logOpts, lgr.Debug, lgr.Msec, lgr.CallerFile, lgr.CallerFunc)
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		colorizer := lgr.Mapper{
			ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
			WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
			InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
			DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
			CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
			TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
		}
		logOpts = append(logOpts, lgr.Map(colorizer))
	}

	return lgr.New(logOpts...)
}
