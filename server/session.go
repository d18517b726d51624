package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"pgrelay/pgwire"
)

// ErrCloseSession is returned by a CommandHandler to end the session
// cleanly (e.g. on Terminate). Serve swallows it and returns nil.
var ErrCloseSession = errors.New("session closed")

// CommandHandler is invoked once per decoded frontend message. raw holds
// the exact wire bytes of the message and is only valid for the duration
// of the call; copy it before handing it to another goroutine.
type CommandHandler func(cmd pgwire.Command, raw []byte, w *pgwire.ResponseEncoder) error

// Session couples a socket to a command decoder and a response encoder
// and dispatches typed messages to a handler. Handler invocations are
// serialized: decoding does not proceed past a message until its handler
// has returned.
type Session struct {
	conn    net.Conn
	dec     *pgwire.CommandDecoder
	enc     *pgwire.ResponseEncoder
	handler CommandHandler
}

// Bind wires conn to a fresh decoder/encoder pair. Nagle coalescing is
// disabled so small responses leave immediately. The session's writer is
// available through Writer for unsolicited responses such as
// notifications.
func Bind(conn net.Conn, handler CommandHandler) (*Session, error) {
	dec, err := pgwire.NewCommandDecoder(pgwire.FormatText)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &Session{
		conn:    conn,
		dec:     dec,
		enc:     pgwire.NewResponseEncoder(conn),
		handler: handler,
	}, nil
}

// Writer returns the session's response encoder.
func (s *Session) Writer() *pgwire.ResponseEncoder {
	return s.enc
}

// Serve reads from the socket and dispatches decoded commands until the
// client disconnects, the handler asks to close, or a fatal protocol
// error occurs.
func (s *Session) Serve() error {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			perr := s.dec.Parse(buf[:n], func(cmd pgwire.Command, raw []byte) error {
				return s.handler(cmd, raw, s.enc)
			})
			if errors.Is(perr, ErrCloseSession) {
				return s.enc.Flush()
			}
			if perr != nil {
				return fmt.Errorf("decode: %w", perr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}
