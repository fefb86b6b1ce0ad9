// Package stream provides the transport-agnostic message stream used by the
// relay engine.
//
// A Stream is implemented over a raw TCP connection and over a WebSocket
// connection. Everything above this package only sees Send, Receive and
// Close.
package stream

// Stream is a bidirectional, message-oriented byte transport.
//
// Send blocks until p is fully written or the transport fails. Receive blocks
// until at least one chunk is available and returns an empty slice with a nil
// error on orderly remote close. Close is idempotent and safe to call after a
// failure.
type Stream interface {
	Send(p []byte) error
	Receive() ([]byte, error)
	Close() error
}

type idleExtender interface {
	ExtendIdle()
}

// ExtendIdle pushes back the idle timeout of s, if it has one. A Receive
// already blocked on s keeps waiting. Pipe calls it on the receiving end of
// one direction whenever the other direction moves data, so the timeout
// covers the whole session.
func ExtendIdle(s Stream) {
	if e, ok := s.(idleExtender); ok {
		e.ExtendIdle()
	}
}
