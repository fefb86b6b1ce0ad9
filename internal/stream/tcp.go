package stream

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// TCP is a Stream over a net.Conn.
type TCP struct {
	conn        net.Conn
	idleTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewTCP wraps conn. If idleTimeout is positive, every Receive fails once no
// data arrives for that long.
func NewTCP(conn net.Conn, idleTimeout time.Duration) *TCP {
	return &TCP{conn: conn, idleTimeout: idleTimeout}
}

// Conn returns the underlying connection.
func (s *TCP) Conn() net.Conn {
	return s.conn
}

func (s *TCP) Send(p []byte) error {
	// net.Conn.Write returns a non-nil error on any short write.
	_, err := s.conn.Write(p)
	return err
}

func (s *TCP) Receive() ([]byte, error) {
	s.ExtendIdle()

	bp := readBuffers.Get()
	defer readBuffers.Put(bp)

	n, err := s.conn.Read(*bp)
	if n > 0 {
		out := make([]byte, n)
		copy(out, (*bp)[:n])
		// A pending error resurfaces on the next Read.
		return out, nil
	}
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

// ExtendIdle restarts the idle timer of a pending or future Receive.
func (s *TCP) ExtendIdle() {
	if s.idleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	}
}

func (s *TCP) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
