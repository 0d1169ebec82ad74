package transport

import (
	"fmt"
	"net"
)

// socketStream wraps a single TCP connection shared by both directions.
// CloseWrite shuts down the write half only, via TCP half-close, matching
// the pipe stream's semantics for callers that don't care which transport
// they got.
type socketStream struct {
	conn *net.TCPConn
}

func (s *socketStream) Read(b []byte) (int, error)  { return s.conn.Read(b) }
func (s *socketStream) Write(b []byte) (int, error) { return s.conn.Write(b) }

func (s *socketStream) CloseWrite() error {
	if err := s.conn.CloseWrite(); err != nil {
		return fmt.Errorf("transport: half-close socket stream: %w", err)
	}
	return nil
}

func (s *socketStream) Close() error { return s.conn.Close() }
