// Package pool keeps idle datagram-mode tunnels for reuse.
package pool

import (
	"context"
	"time"

	"github.com/die-net/nmptunnel/internal/stream"
)

// DefaultCapacity is the number of idle tunnels kept before releases start
// closing them.
const DefaultCapacity = 1024

// Opener opens a fresh tunnel already switched into datagram mode.
type Opener interface {
	OpenDatagram(ctx context.Context) (stream.Stream, error)
}

type entry struct {
	s        stream.Stream
	released time.Time
}

// Pool is a bounded FIFO of idle tunnels. It is safe for concurrent use.
// A Stream handed out by Acquire belongs to the caller until Release.
type Pool struct {
	opener  Opener
	maxIdle time.Duration
	idle    chan entry
}

// New returns an empty pool holding at most capacity idle tunnels. A
// capacity below 1 uses DefaultCapacity.
//
// A tunnel that sat idle for maxIdle or longer is closed instead of being
// handed out; the relay drops tunnels it has not heard from. Zero keeps
// tunnels forever.
func New(opener Opener, capacity int, maxIdle time.Duration) *Pool {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Pool{opener: opener, maxIdle: maxIdle, idle: make(chan entry, capacity)}
}

// Acquire returns the oldest idle tunnel that is still fresh, or opens a new
// one if none is.
func (p *Pool) Acquire(ctx context.Context) (stream.Stream, error) {
	for {
		select {
		case e := <-p.idle:
			if p.maxIdle > 0 && time.Since(e.released) >= p.maxIdle {
				_ = e.s.Close()
				continue
			}
			return e.s, nil
		default:
			return p.Open(ctx)
		}
	}
}

// Open bypasses the idle tunnels and opens a new one. The result may be
// handed to Release like any acquired tunnel.
func (p *Pool) Open(ctx context.Context) (stream.Stream, error) {
	return p.opener.OpenDatagram(ctx)
}

// Release returns s to the pool, or closes it if the pool is full. The
// caller must not use s afterwards.
func (p *Pool) Release(s stream.Stream) {
	select {
	case p.idle <- entry{s: s, released: time.Now()}:
	default:
		_ = s.Close()
	}
}

// Discard closes a tunnel that failed mid-exchange instead of returning it.
func (p *Pool) Discard(s stream.Stream) {
	_ = s.Close()
}

// Len reports the number of idle tunnels, stale ones included.
func (p *Pool) Len() int {
	return len(p.idle)
}

// Close closes every idle tunnel. Tunnels released afterwards are still
// queued; Close is meant for shutdown.
func (p *Pool) Close() {
	for {
		select {
		case e := <-p.idle:
			_ = e.s.Close()
		default:
			return
		}
	}
}
