package dialer

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/die-net/nmptunnel/internal/testutil"
)

func TestDirectDialerEcho(t *testing.T) {
	ctx := context.Background()
	ln := testutil.StartEchoTCPServer(t, ctx)
	defer ln.Close()

	d := NewDirectDialer(Config{DialTimeout: time.Second})
	conn, err := d.DialContext(ctx, "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("direct"))
}

func TestDirectDialerErrors(t *testing.T) {
	d := NewDirectDialer(Config{DialTimeout: time.Second})

	if _, err := d.DialContext(context.Background(), "udp", "127.0.0.1:53"); !errors.Is(err, ErrUnsupportedNetwork) {
		t.Fatalf("udp: got %v", err)
	}
	if _, err := d.DialContext(context.Background(), "tcp", testutil.ClosedTCPAddr(t)); err == nil {
		t.Fatal("expected refused dial to fail")
	}
}

func TestDirectDialerReachesIPv6(t *testing.T) {
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	}
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			_ = c.Close()
		}
	}()

	// A name that resolves only to IPv6 is dialed the same way.
	d := NewDirectDialer(Config{DialTimeout: time.Second})
	conn, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()
}
