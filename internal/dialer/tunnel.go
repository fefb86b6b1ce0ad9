package dialer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/die-net/nmptunnel/internal/nmp"
	"github.com/die-net/nmptunnel/internal/stream"
)

// ErrConnectFailed is returned when the relay answers an open request with
// ConnectFailed.
var ErrConnectFailed = errors.New("dialer: relay could not reach target")

const maxPathSuffixLen = 16

// TunnelConfig configures the client side of relay tunnels.
type TunnelConfig struct {
	// Endpoint is the relay base URL, ws://host:port or wss://host:port.
	Endpoint string
	Token    string

	// InsecureSkipVerify disables relay certificate checks for wss.
	InsecureSkipVerify bool

	// HandshakeTimeout bounds the WebSocket handshake and the open reply.
	HandshakeTimeout time.Duration

	// IdleTimeout bounds every Receive on the tunnel stream.
	IdleTimeout time.Duration

	// Codec, when set, wraps every tunnel in the substitution codec.
	Codec *stream.SubstitutionTable
}

// Tunnel opens NMP tunnels to one relay.
type Tunnel struct {
	cfg    TunnelConfig
	base   *url.URL
	dialer *websocket.Dialer
}

// NewTunnel validates cfg and prepares a WebSocket dialer for it.
func NewTunnel(cfg TunnelConfig) (*Tunnel, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid endpoint scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("invalid endpoint: missing host")
	}
	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid endpoint: path should be empty")
	}
	if cfg.Token == "" || strings.Contains(cfg.Token, "/") {
		return nil, errors.New("invalid token")
	}
	u.Path = "/"

	d := &websocket.Dialer{
		ReadBufferSize:   stream.DefaultBufferSize,
		WriteBufferSize:  stream.DefaultBufferSize,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if u.Scheme == "wss" {
		d.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         u.Hostname(),
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed relays
		}
	}

	return &Tunnel{cfg: cfg, base: u, dialer: d}, nil
}

// Dial opens an authenticated WebSocket tunnel without sending an open
// frame.
func (t *Tunnel) Dial(ctx context.Context) (stream.Stream, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return nil, err
	}
	u := t.base.JoinPath(t.cfg.Token, suffix)

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("tunnel dial %s: %w (status %d)", t.base.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("tunnel dial %s: %w", t.base.Host, err)
	}

	return stream.WithSubstitution(stream.NewWebSocket(conn, t.cfg.IdleTimeout), t.cfg.Codec), nil
}

// OpenTCP opens a tunnel, asks the relay to connect to target, and returns
// the tunnel once the relay reports success.
func (t *Tunnel) OpenTCP(ctx context.Context, target nmp.Target) (stream.Stream, error) {
	frame, err := nmp.EncodeTCPOpen(target)
	if err != nil {
		return nil, err
	}

	s, err := t.Dial(ctx)
	if err != nil {
		return nil, err
	}

	// Abandon the open if ctx ends while waiting on the relay.
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if err := s.Send(frame); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("send open: %w", err)
	}

	reply, err := s.Receive()
	if err == nil && len(reply) == 0 {
		err = errors.New("tunnel closed before reply")
	}
	if err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("open %s: %w", target, ctx.Err())
		}
		return nil, fmt.Errorf("open %s: %w", target, err)
	}

	ok, _, err := nmp.DecodeReply(reply)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open %s: %w", target, err)
	}
	if !ok {
		_ = s.Close()
		return nil, fmt.Errorf("open %s: %w", target, ErrConnectFailed)
	}
	if !stop() {
		_ = s.Close()
		return nil, fmt.Errorf("open %s: %w", target, ctx.Err())
	}
	return s, nil
}

// OpenDatagram opens a tunnel and switches it into datagram mode. The result
// is meant for a pool.Pool.
func (t *Tunnel) OpenDatagram(ctx context.Context) (stream.Stream, error) {
	s, err := t.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Send(nmp.EncodeUDPOpen()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("send udp open: %w", err)
	}
	return s, nil
}

// Exchange sends one datagram request on a datagram-mode tunnel and returns
// the payload of the reply. A ConnectFailed reply yields ErrConnectFailed and
// leaves the tunnel usable.
func Exchange(s stream.Stream, d nmp.Datagram) ([]byte, error) {
	req, err := nmp.EncodeDatagram(d)
	if err != nil {
		return nil, err
	}
	if err := s.Send(req); err != nil {
		return nil, fmt.Errorf("send datagram: %w", err)
	}

	reply, err := s.Receive()
	if err != nil {
		return nil, fmt.Errorf("receive datagram reply: %w", err)
	}
	if len(reply) == 0 {
		return nil, errors.New("tunnel closed before datagram reply")
	}

	ok, payload, err := nmp.DecodeReply(reply)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConnectFailed
	}
	return payload, nil
}

func randomSuffix() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxPathSuffixLen))
	if err != nil {
		return "", fmt.Errorf("path suffix: %w", err)
	}
	b := make([]byte, n.Int64()+1)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("path suffix: %w", err)
	}
	return hex.EncodeToString(b), nil
}
