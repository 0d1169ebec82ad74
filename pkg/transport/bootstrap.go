package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
)

// HandshakeTimeout bounds how long socket mode waits for the worker to
// connect back before the open is failed.
const HandshakeTimeout = 5 * time.Second

// Mode selects how the parent talks to the spawned worker process.
type Mode int

const (
	// ModePipe inherits the child's stdin/stdout as the wire stream.
	ModePipe Mode = iota
	// ModeSocket binds a loopback listener and waits for the worker to
	// dial back, for hosts where non-blocking pipe reads are unreliable.
	ModeSocket
)

// Options configures Spawn.
type Options struct {
	Mode Mode
	// WorkerPath is the worker binary to execute. Defaults to
	// os.Args[0] re-invoked with a worker subcommand is NOT assumed;
	// callers must supply the concrete path.
	WorkerPath string
	WorkerArgs []string
	// HandshakeTimeout overrides the socket-mode handshake deadline.
	// Zero selects HandshakeTimeout.
	HandshakeTimeout time.Duration
	Log              lgr.L
}

// Bootstrap owns a spawned worker process and the Stream connected to it.
// Close releases both, aggregating any secondary failure with the primary
// one via hashicorp/go-multierror so a caller never silently loses one.
type Bootstrap struct {
	cmd    *exec.Cmd
	ln     net.Listener
	Stream Stream
	log    lgr.L
}

// Spawn launches the worker process per opts.Mode and returns once the wire
// stream is ready to carry the opening open() request. In socket mode, a ctx
// cancelled before the child starts or during the handshake fails the open
// with "Opening database cancelled" and tears down the listener and child.
func Spawn(ctx context.Context, opts Options) (*Bootstrap, error) {
	log := opts.Log
	if log == nil {
		log = lgr.NoOp
	}
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = HandshakeTimeout
	}

	switch opts.Mode {
	case ModeSocket:
		return spawnSocket(ctx, opts, timeout, log)
	default:
		return spawnPipe(ctx, opts, log)
	}
}

func spawnPipe(ctx context.Context, opts Options, log lgr.L) (*Bootstrap, error) {
	sanitizeInheritedFDs(log)

	cmd := exec.CommandContext(ctx, opts.WorkerPath, opts.WorkerArgs...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: worker stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: spawn worker: %w", err)
	}
	log.Logf("[INFO] transport spawned worker pid=%d (pipe mode)", cmd.Process.Pid)

	return &Bootstrap{
		cmd:    cmd,
		Stream: &pipeStream{stdin: stdin, stdout: stdout},
		log:    log,
	}, nil
}

func spawnSocket(ctx context.Context, opts Options, timeout time.Duration, log lgr.L) (*Bootstrap, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("transport: bind loopback listener: %w", err)
	}

	addr := ln.Addr().String()
	args := append(append([]string{}, opts.WorkerArgs...), addr)
	cmd := exec.CommandContext(ctx, opts.WorkerPath, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		primary := fmt.Errorf("transport: spawn worker: %w", err)
		if ctx.Err() != nil {
			primary = errors.New("Opening database cancelled")
		}
		closeErr := ln.Close()
		return nil, multierror.Append(primary, closeErr).ErrorOrNil()
	}
	log.Logf("[INFO] transport spawned worker pid=%d (socket mode, listening on %s)", cmd.Process.Pid, addr)

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, acceptErr := ln.Accept()
		accepted <- acceptResult{conn: conn, err: acceptErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-accepted:
		if res.err != nil {
			return nil, joinCleanup(fmt.Errorf("transport: accept worker handshake: %w", res.err), ln, cmd)
		}
		tcpConn, ok := res.conn.(*net.TCPConn)
		if !ok {
			_ = res.conn.Close()
			return nil, joinCleanup(errors.New("transport: accepted connection is not TCP"), ln, cmd)
		}
		if err := ln.Close(); err != nil {
			log.Logf("[WARN] transport: close listener after handshake: %v", err)
		}
		return &Bootstrap{cmd: cmd, Stream: &socketStream{conn: tcpConn}, log: log}, nil

	case <-timer.C:
		return nil, joinCleanup(errors.New("transport: worker handshake timed out"), ln, cmd)

	case <-ctx.Done():
		return nil, joinCleanup(errors.New("Opening database cancelled"), ln, cmd)
	}
}

// joinCleanup kills the child and closes the listener, aggregating any
// cleanup failure with primary via multierror so neither is lost.
func joinCleanup(primary error, ln net.Listener, cmd *exec.Cmd) error {
	result := multierror.Append(nil, primary)
	if err := ln.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
	}
	if err := killAndWait(cmd); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func killAndWait(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	var result *multierror.Error
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		result = multierror.Append(result, fmt.Errorf("kill worker process: %w", err))
	}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			result = multierror.Append(result, fmt.Errorf("wait for worker process: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Close releases the transport stream and waits for the worker process to
// exit, killing it if it hasn't already.
func (b *Bootstrap) Close() error {
	var result *multierror.Error
	if err := b.Stream.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close stream: %w", err))
	}
	if err := killAndWait(b.cmd); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
