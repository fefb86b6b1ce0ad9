package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/die-net/nmptunnel/internal/stream"
)

// pipePair returns the outer ends of two net.Pipes and starts Pipe on the
// inner ends.
func pipePair(t *testing.T, ctx context.Context) (net.Conn, net.Conn, <-chan error) {
	t.Helper()

	aOuter, aInner := net.Pipe()
	bInner, bOuter := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Pipe(ctx, stream.NewTCP(aInner, 0), stream.NewTCP(bInner, 0))
	}()

	t.Cleanup(func() {
		_ = aOuter.Close()
		_ = bOuter.Close()
	})
	return aOuter, bOuter, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not finish")
		return nil
	}
}

func requireClosed(t *testing.T, c net.Conn) {
	t.Helper()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.Read(make([]byte, 1))
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected closed peer, got %v", err)
	}
}

func TestPipeForwardsBothWays(t *testing.T) {
	a, b, done := pipePair(t, context.Background())

	go func() { _, _ = a.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(b, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}

	go func() { _, _ = b.Write([]byte("pong")) }()
	if _, err := io.ReadFull(a, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q", buf)
	}

	_ = a.Close()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("orderly close returned %v", err)
	}
}

func TestPipeClosingEitherSideClosesBoth(t *testing.T) {
	for _, side := range []string{"a", "b"} {
		t.Run(side, func(t *testing.T) {
			a, b, done := pipePair(t, context.Background())

			closed, other := a, b
			if side == "b" {
				closed, other = b, a
			}
			_ = closed.Close()

			requireClosed(t, other)
			if err := waitDone(t, done); err != nil {
				t.Fatalf("orderly close returned %v", err)
			}
		})
	}
}

func TestPipeContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, b, done := pipePair(t, ctx)

	cancel()

	requireClosed(t, a)
	requireClosed(t, b)
	if err := waitDone(t, done); err != nil {
		t.Fatalf("cancel returned %v", err)
	}
}

type failingStream struct {
	err    error
	closed atomic.Bool
}

func (s *failingStream) Send([]byte) error { return s.err }
func (s *failingStream) Receive() ([]byte, error) {
	return nil, s.err
}
func (s *failingStream) Close() error {
	s.closed.Store(true)
	return nil
}

func TestPipeReportsFirstFault(t *testing.T) {
	fault := errors.New("boom")
	bad := &failingStream{err: fault}

	outer, inner := net.Pipe()
	defer outer.Close()

	err := Pipe(context.Background(), bad, stream.NewTCP(inner, 0))
	if !errors.Is(err, fault) {
		t.Fatalf("got %v want %v", err, fault)
	}
	if !bad.closed.Load() {
		t.Fatal("failing side not closed")
	}
	requireClosed(t, outer)
}

func TestPipeIdleTimeout(t *testing.T) {
	aOuter, aInner := net.Pipe()
	bInner, bOuter := net.Pipe()
	defer aOuter.Close()
	defer bOuter.Close()

	done := make(chan error, 1)
	go func() {
		done <- Pipe(context.Background(), stream.NewTCP(aInner, 50*time.Millisecond), stream.NewTCP(bInner, 0))
	}()

	err := waitDone(t, done)
	if !IsBenign(err) {
		t.Fatalf("idle timeout reported as %v", err)
	}
	requireClosed(t, bOuter)
}

func TestIsBenign(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, true},
		{io.EOF, true},
		{net.ErrClosed, true},
		{context.DeadlineExceeded, true},
		{errors.New("protocol fault"), false},
	}
	for _, tt := range tests {
		if got := IsBenign(tt.err); got != tt.want {
			t.Errorf("IsBenign(%v) = %v want %v", tt.err, got, tt.want)
		}
	}
}

func TestPipeOneWayTrafficKeepsSessionAlive(t *testing.T) {
	const idle = 100 * time.Millisecond

	aOuter, aInner := net.Pipe()
	bInner, bOuter := net.Pipe()
	defer aOuter.Close()
	defer bOuter.Close()

	done := make(chan error, 1)
	go func() {
		done <- Pipe(context.Background(), stream.NewTCP(aInner, idle), stream.NewTCP(bInner, idle))
	}()
	// a only reads; it never sends.
	go func() { _, _ = io.Copy(io.Discard, aOuter) }()

	start := time.Now()
	for time.Since(start) < 5*idle {
		if _, err := bOuter.Write([]byte("chunk")); err != nil {
			t.Fatalf("busy session torn down after %v: %v", time.Since(start), err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case err := <-done:
		t.Fatalf("pipe ended during one-way traffic: %v", err)
	default:
	}

	// Once both directions are quiet the idle timeout ends the session.
	if err := waitDone(t, done); !IsBenign(err) {
		t.Fatalf("idle timeout reported as %v", err)
	}
	requireClosed(t, bOuter)
}
