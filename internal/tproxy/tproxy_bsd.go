//go:build freebsd || openbsd

package tproxy

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/die-net/nmptunnel/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ListenTransparentTCP listens on addr with bind-any enabled so the socket
// accepts connections that PF rdr-to (or IPFW fwd) redirected to it. The
// local address of an accepted connection is its original destination.
//
// Only the TCP side is available on the BSDs; ListenTransparentUDP reports
// ErrUnsupported.
func ListenTransparentTCP(ctx context.Context, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: bindAnyControl}
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &proxy.KeepAliveListener{Listener: ln, KeepAliveConfig: ka}, nil
}

func bindAnyControl(_, _ string, c syscall.RawConn) error {
	var optErr error
	if err := c.Control(func(fd uintptr) { optErr = setBindAny(int(fd)) }); err != nil {
		return err
	}
	if optErr != nil {
		return fmt.Errorf("enable bind-any: %w", optErr)
	}
	return nil
}
