//go:build !linux && !freebsd && !openbsd

package tproxy

import (
	"context"
	"fmt"
	"net"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = false

func ListenTransparentTCP(_ context.Context, addr string, _ net.KeepAliveConfig) (net.Listener, error) {
	return nil, fmt.Errorf("listen tproxy %s: %w", addr, ErrUnsupported)
}
