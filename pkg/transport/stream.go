// Package transport spawns the worker process and produces the full-duplex
// byte stream the rest of the system speaks the wire protocol over, choosing
// between a pipe transport and a loopback-socket transport depending on host
// capabilities.
package transport

import (
	"io"
)

// Stream is the full-duplex byte stream a connection speaks the wire
// protocol over. CloseWrite half-closes the write side only, used by
// pipe-mode quit() to signal EOF to the worker's stdin without tearing down
// the read side; on streams where the two directions share one socket,
// CloseWrite is a TCP half-close of the write direction.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	CloseWrite() error
}

// pipeStream pairs a child's stdin (write) and stdout (read) into one
// full-duplex Stream. The two sides are independent file descriptors, so
// CloseWrite can half-close without disturbing reads.
type pipeStream struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *pipeStream) CloseWrite() error           { return p.stdin.Close() }

func (p *pipeStream) Close() error {
	err := p.stdin.Close()
	if cerr := p.stdout.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
