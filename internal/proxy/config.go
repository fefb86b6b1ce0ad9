package proxy

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/nmptunnel/internal/nmp"
	"github.com/die-net/nmptunnel/internal/socks5"
	"github.com/die-net/nmptunnel/internal/stream"
)

// Tunneler opens relay tunnels for ingress adapters.
type Tunneler interface {
	OpenTCP(ctx context.Context, target nmp.Target) (stream.Stream, error)
}

// Config is shared by the ingress servers.
type Config struct {
	// NegotiationTimeout bounds the SOCKS5 handshake and the tunnel open.
	NegotiationTimeout time.Duration

	// IdleTimeout bounds every receive on a client-facing stream.
	IdleTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// Auth restricts SOCKS5 clients to username/password when set.
	Auth socks5.Auth

	Tunnel Tunneler

	Log logrus.FieldLogger
}
