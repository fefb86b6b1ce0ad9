package tproxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/die-net/nmptunnel/internal/dialer"
	"github.com/die-net/nmptunnel/internal/logging"
	"github.com/die-net/nmptunnel/internal/nmp"
	"github.com/die-net/nmptunnel/internal/pool"
	"github.com/die-net/nmptunnel/internal/proxy"
	"github.com/die-net/nmptunnel/internal/stream"
)

const maxDatagramSize = 64 * 1024

// Server carries transparently intercepted TCP connections and UDP
// datagrams over relay tunnels.
type Server struct {
	ctx     context.Context
	cfg     proxy.Config
	pool    *pool.Pool
	replies *replySockets
	read    func(c *net.UDPConn, buf, oob []byte) (n int, src, dst netip.AddrPort, err error)
}

// NewServer returns a server whose sessions end when ctx is canceled. TCP
// connections use cfg.Tunnel; datagrams use tunnels from p.
func NewServer(ctx context.Context, cfg proxy.Config, p *pool.Pool) *Server {
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	return &Server{
		ctx:     ctx,
		cfg:     cfg,
		pool:    p,
		replies: newReplySockets(replySocketTTL, listenReplyUDP),
		read:    readDatagram,
	}
}

// ServeTCP accepts redirected connections until ln is closed.
func (s *Server) ServeTCP(ln net.Listener) error {
	return proxy.AcceptLoop(ln, s.handleTCP)
}

func (s *Server) handleTCP(conn net.Conn) {
	log := logging.Session(s.cfg.Log, "tproxy-tcp").WithField("client", conn.RemoteAddr().String())

	target, err := OriginalDst(conn)
	if err != nil {
		log.WithError(err).Debug("dropping connection")
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
		_ = conn.Close()
		return
	}

	log.Debug("relaying")
	logPipeEnd(log, proxy.Pipe(s.ctx, stream.NewTCP(conn, s.cfg.IdleTimeout), up))
}

// ServeUDP reads intercepted datagrams from conn until it is closed. Each
// datagram is exchanged over a pooled tunnel and the reply is sent back to
// the client from the original destination address. Read failures are
// retried with backoff.
func (s *Server) ServeUDP(conn *net.UDPConn) error {
	defer s.replies.flush()

	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	buf := make([]byte, maxDatagramSize)
	oob := make([]byte, oobSize)
	for {
		n, src, dst, err := s.read(conn, buf, oob)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, ErrNoOriginalDst) {
				s.cfg.Log.WithError(err).WithField("client", src.String()).Debug("dropping datagram")
				continue
			}
			d := b.Duration()
			s.cfg.Log.WithError(err).WithField("retry_in", d).Warn("tproxy udp read")
			time.Sleep(d)
			continue
		}
		b.Reset()

		payload := make([]byte, n)
		copy(payload, buf[:n])
		go s.handleDatagram(src, nmp.Datagram{Dst: dst, Payload: payload})
	}
}

func (s *Server) handleDatagram(src netip.AddrPort, d nmp.Datagram) {
	log := s.cfg.Log.WithFields(logrus.Fields{
		"mode":   "tproxy-udp",
		"client": src.String(),
		"target": d.Dst.String(),
	})

	reply, err := s.exchange(d)
	if err != nil {
		if errors.Is(err, dialer.ErrConnectFailed) {
			log.Debug("no reply from target")
		} else {
			log.WithError(err).Info("datagram exchange failed")
		}
		return
	}

	if err := s.replies.send(d.Dst, src, reply); err != nil {
		log.WithError(err).Info("reply failed")
		return
	}
	log.WithField("idle_tunnels", s.pool.Len()).Debug("datagram relayed")
}

// exchange runs one request over a pooled tunnel. If the tunnel turns out
// to be broken, for instance because the relay dropped it while it sat
// idle, the request is retried once on a new tunnel.
func (s *Server) exchange(d nmp.Datagram) ([]byte, error) {
	ctx := s.ctx
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}

	t, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	reply, err := s.exchangeOn(t, d)
	if err == nil || errors.Is(err, dialer.ErrConnectFailed) {
		return reply, err
	}

	s.cfg.Log.WithError(err).Debug("tunnel broken, retrying on a new one")
	if t, err = s.pool.Open(ctx); err != nil {
		return nil, err
	}
	return s.exchangeOn(t, d)
}

// exchangeOn returns t to the pool unless the exchange broke it.
func (s *Server) exchangeOn(t stream.Stream, d nmp.Datagram) ([]byte, error) {
	reply, err := dialer.Exchange(t, d)
	switch {
	case err == nil, errors.Is(err, dialer.ErrConnectFailed):
		s.pool.Release(t)
	default:
		s.pool.Discard(t)
	}
	return reply, err
}

func logPipeEnd(log *logrus.Entry, err error) {
	if proxy.IsBenign(err) {
		log.WithError(err).Debug("relay finished")
		return
	}
	log.WithError(err).Warn("relay failed")
}
