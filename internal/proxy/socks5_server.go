package proxy

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/nmptunnel/internal/logging"
	"github.com/die-net/nmptunnel/internal/socks5"
	"github.com/die-net/nmptunnel/internal/stream"
)

// SOCKS5Server accepts local SOCKS5 clients and carries each CONNECT over a
// relay tunnel.
type SOCKS5Server struct {
	ctx context.Context
	cfg Config
}

// NewSOCKS5Server returns a server whose connections are torn down when ctx
// is canceled.
func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg}
}

// Serve accepts connections until ln is closed.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	return AcceptLoop(ln, s.handleConn)
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	log := logging.Session(s.cfg.Log, "socks5").WithField("client", conn.RemoteAddr().String())

	ApplyKeepAlive(conn, s.cfg.KeepAlive)

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	if _, err := socks5.ServerNegotiate(conn, s.cfg.Auth); err != nil {
		log.WithError(err).Debug("negotiation failed")
		_ = conn.Close()
		return
	}

	target, err := socks5.ServerReadRequest(conn)
	if err != nil {
		log.WithError(err).Debug("bad request")
		_ = conn.Close()
		return
	}
	log = log.WithField("target", target.String())

	ctx := s.ctx
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}

	up, err := s.cfg.Tunnel.OpenTCP(ctx, target)
	if err != nil {
		log.WithError(err).Info("tunnel open failed")
		_ = socks5.WriteFailureReply(conn, target.Port)
		_ = conn.Close()
		return
	}

	if err := socks5.WriteSuccessReply(conn, target.Port); err != nil {
		log.WithError(err).Debug("write reply")
		_ = conn.Close()
		_ = up.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug("relaying")
	err = Pipe(s.ctx, stream.NewTCP(conn, s.cfg.IdleTimeout), up)
	logPipeEnd(log, err)
}

func logPipeEnd(log *logrus.Entry, err error) {
	if IsBenign(err) {
		log.WithError(err).Debug("relay finished")
		return
	}
	log.WithError(err).Warn("relay failed")
}
