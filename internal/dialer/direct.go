package dialer

import (
	"context"
	"fmt"
	"net"
)

// DirectDialer connects to relay targets from the local host. Domain targets
// may resolve to either address family.
type DirectDialer struct {
	cfg Config
}

// NewDirectDialer returns the default relay egress.
func NewDirectDialer(cfg Config) Dialer {
	return &DirectDialer{cfg: cfg}
}

func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("direct dial %s %s: %w", network, address, ErrUnsupportedNetwork)
	}

	nd := net.Dialer{Timeout: d.cfg.DialTimeout, KeepAliveConfig: d.cfg.KeepAlive}
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("direct dial %s: %w", address, err)
	}
	return conn, nil
}
