package relay

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/die-net/nmptunnel/internal/dialer"
	"github.com/die-net/nmptunnel/internal/logging"
	"github.com/die-net/nmptunnel/internal/nmp"
	"github.com/die-net/nmptunnel/internal/proxy"
	"github.com/die-net/nmptunnel/internal/stream"
)

// DefaultUDPTimeout bounds the wait for a reply datagram.
const DefaultUDPTimeout = 5 * time.Second

// Config configures a relay Server.
type Config struct {
	// Token is the shared secret expected as the first path segment.
	Token string

	// Egress makes the relay's outbound TCP connections.
	Egress dialer.Dialer

	// UDPTimeout bounds the wait for each reply datagram. Zero uses
	// DefaultUDPTimeout.
	UDPTimeout time.Duration

	// IdleTimeout bounds every Receive on both sides of a relayed session.
	IdleTimeout time.Duration

	Codec *stream.SubstitutionTable

	Log logrus.FieldLogger
}

// Server terminates tunnels. Sessions are torn down when the context passed
// to NewServer is canceled.
type Server struct {
	ctx      context.Context
	cfg      Config
	upgrader websocket.Upgrader

	// probeLog limits how often rejected requests are logged.
	probeLog *rate.Limiter
}

func NewServer(ctx context.Context, cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	if cfg.UDPTimeout <= 0 {
		cfg.UDPTimeout = DefaultUDPTimeout
	}
	return &Server{
		ctx: ctx,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  stream.DefaultBufferSize,
			WriteBufferSize: stream.DefaultBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		probeLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.validToken(r.URL.Path) {
		if s.probeLog.Allow() {
			s.cfg.Log.WithFields(logrus.Fields{
				"remote":     r.RemoteAddr,
				"user_agent": r.UserAgent(),
			}).Warn("rejected request with bad token")
		}
		writeDecoy(w)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeDecoy(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		s.cfg.Log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	log := logging.Session(s.cfg.Log, "relay").WithField("remote", r.RemoteAddr)
	ws := stream.WithSubstitution(stream.NewWebSocket(conn, s.cfg.IdleTimeout), s.cfg.Codec)
	defer ws.Close()

	stop := context.AfterFunc(s.ctx, func() { _ = ws.Close() })
	defer stop()

	if err := s.dispatch(log, ws); err != nil {
		if proxy.IsBenign(err) {
			log.WithError(err).Debug("session ended")
		} else {
			log.WithError(err).Warn("session failed")
		}
	}
}

// validToken compares the first path segment with the configured token.
func (s *Server) validToken(path string) bool {
	if s.cfg.Token == "" {
		return false
	}
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return subtle.ConstantTimeCompare([]byte(seg), []byte(s.cfg.Token)) == 1
}

func (s *Server) dispatch(log *logrus.Entry, ws stream.Stream) error {
	frame, err := ws.Receive()
	if err != nil {
		return fmt.Errorf("read open frame: %w", err)
	}
	if len(frame) == 0 {
		return nil
	}

	typ, err := nmp.FrameType(frame)
	if err != nil {
		return err
	}
	switch typ {
	case nmp.UDPPipeIP:
		return s.serveDatagrams(log.WithField("mode", "udp"), ws)
	default:
		target, err := nmp.DecodeTCPOpen(frame)
		if err != nil {
			return err
		}
		return s.serveTCP(log.WithField("target", target.String()), ws, target)
	}
}

func (s *Server) serveTCP(log *logrus.Entry, ws stream.Stream, target nmp.Target) error {
	conn, err := s.cfg.Egress.DialContext(s.ctx, "tcp", target.Address())
	if err != nil {
		log.WithError(err).Info("connect failed")
		return ws.Send(nmp.EncodeReply(false))
	}
	up := stream.NewTCP(conn, s.cfg.IdleTimeout)

	if err := ws.Send(nmp.EncodeReply(true)); err != nil {
		_ = up.Close()
		return fmt.Errorf("send reply: %w", err)
	}

	log.Debug("relaying")
	return proxy.Pipe(s.ctx, ws, up)
}
