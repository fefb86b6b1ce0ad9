package dialer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/die-net/nmptunnel/internal/nmp"
	"github.com/die-net/nmptunnel/internal/socks5"
)

// SOCKS5ProxyDialer reaches targets through an upstream SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, user, pass string) Dialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr, auth: socks5.Auth{Username: user, Password: pass}}
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, ErrUnsupportedNetwork)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s: bad port: %w", address, err)
	}
	target, err := nmp.NewTarget(host, uint16(port))
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
	}

	conn, err := NewDirectDialer(f.cfg).DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	// Unblock the handshake if ctx ends first.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if f.cfg.DialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(f.cfg.DialTimeout))
	}

	rep, err := socks5.ClientDial(conn, f.auth, target)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}
	if rep.Rep != socks5.RepSuccess {
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: reply 0x%02x", network, address, rep.Rep)
	}

	if !stop() {
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})

	return conn, nil
}
