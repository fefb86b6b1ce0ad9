package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/nmptunnel/internal/stream"
)

type pipe struct {
	a, b stream.Stream

	closing   atomic.Bool
	closeOnce sync.Once
}

// Pipe forwards everything received on a to b and on b to a until either
// side closes or fails, then closes both. It returns only after both
// directions have stopped. The returned error is the first transport fault
// seen before shutdown began; orderly close returns nil.
//
// Stream idle timeouts apply to the session as a whole: data moving in
// either direction keeps both receives alive.
//
// Canceling ctx tears the pipe down.
func Pipe(ctx context.Context, a, b stream.Stream) error {
	p := &pipe{a: a, b: b}
	defer p.shutdown()

	stop := context.AfterFunc(ctx, p.shutdown)
	defer stop()

	var g errgroup.Group
	g.Go(func() error { return p.pump(a, b) })
	g.Go(func() error { return p.pump(b, a) })
	return g.Wait()
}

func (p *pipe) shutdown() {
	p.closing.Store(true)
	p.closeOnce.Do(func() {
		_ = p.a.Close()
		_ = p.b.Close()
	})
}

func (p *pipe) pump(src, dst stream.Stream) error {
	for !p.closing.Load() {
		msg, err := src.Receive()
		if err != nil {
			return p.fail(err)
		}
		if len(msg) == 0 {
			p.shutdown()
			return nil
		}
		if p.closing.Load() {
			return nil
		}
		if err := dst.Send(msg); err != nil {
			return p.fail(err)
		}
		// The other pump is blocked receiving on dst.
		stream.ExtendIdle(dst)
	}
	return nil
}

// fail shuts the pipe down. An error seen after shutdown began is the
// expected result of closing the peer and is not reported.
func (p *pipe) fail(err error) error {
	if p.closing.Swap(true) {
		p.shutdown()
		return nil
	}
	p.shutdown()
	return err
}

// IsBenign reports whether err is an ordinary way for a relayed connection to
// end: peer reset, idle timeout, or use of an already closed transport.
func IsBenign(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
