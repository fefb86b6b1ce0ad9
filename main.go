package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/nmptunnel/internal/dialer"
	"github.com/die-net/nmptunnel/internal/logging"
	"github.com/die-net/nmptunnel/internal/pool"
	"github.com/die-net/nmptunnel/internal/proxy"
	"github.com/die-net/nmptunnel/internal/relay"
	"github.com/die-net/nmptunnel/internal/socks5"
	"github.com/die-net/nmptunnel/internal/stream"
	"github.com/die-net/nmptunnel/internal/token"
	"github.com/die-net/nmptunnel/internal/tproxy"
)

var (
	// Reduce GC overhead by setting a minimum GC heap size;
	// GOGC+GOMEMLIMIT can't express this.  This only allocates virtual
	// memory, not RSS.  Ignore it in memory profiles.
	ballast = make([]byte, 0, 25_000_000)
	_       = ballast
)

const (
	modeRelay  = "relay"
	modeSOCKS5 = "socks5"
	modeTProxy = "tproxy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	mode            string
	listen          string
	tproxyUDPListen string

	endpoint           string
	token              string
	tokenFile          string
	tlsCert            string
	tlsKey             string
	insecureSkipVerify bool
	egress             string
	codecTable         string
	codecGenerate      string

	negotiationTimeout time.Duration
	dialTimeout        time.Duration
	idleTimeout        time.Duration
	udpTimeout         time.Duration
	tcpKeepAlive       string

	socks5User string
	socks5Pass string

	debugListen string
	logLevel    string
	logFormat   string
}

func run() error {
	var o options
	pflag.StringVar(&o.mode, "mode", "", "What to run: relay | socks5 | tproxy")
	pflag.StringVar(&o.listen, "listen", "", "Listen address. Defaults: relay 0.0.0.0:8888, socks5 127.0.0.1:1080, tproxy 0.0.0.0:1111")
	pflag.StringVar(&o.tproxyUDPListen, "tproxy-udp-listen", "", "Transparent UDP listen address (tproxy mode). Defaults to --listen; \"off\" disables.")

	pflag.StringVar(&o.endpoint, "endpoint", "", "Relay URL for socks5/tproxy modes: ws://host:port or wss://host:port")
	pflag.StringVar(&o.token, "token", "", "Shared token. Overrides --token-file.")
	pflag.StringVar(&o.tokenFile, "token-file", defaultTokenFile(), "Token file. The relay creates it if missing.")
	pflag.StringVar(&o.tlsCert, "tls-cert", "", "Relay TLS certificate (PEM). Serves wss when set with --tls-key.")
	pflag.StringVar(&o.tlsKey, "tls-key", "", "Relay TLS private key (PEM)")
	pflag.BoolVar(&o.insecureSkipVerify, "insecure-skip-verify", false, "Do not verify the relay certificate")
	pflag.StringVar(&o.egress, "egress", defaultEgress(), "Relay outbound target URL: direct:// | socks5://[user:pass@]host:port")
	pflag.StringVar(&o.codecTable, "codec-table", "", "Substitution table JSON applied to tunnel traffic on both ends. Not encryption.")
	pflag.StringVar(&o.codecGenerate, "codec-generate", "", "Write a new random substitution table to this file and exit")

	pflag.DurationVar(&o.negotiationTimeout, "negotiation-timeout", 10*time.Second, "Timeout for protocol negotiation to set up connection")
	pflag.DurationVar(&o.dialTimeout, "dial-timeout", 10*time.Second, "Timeout for the relay's outbound DNS lookup and TCP connect")
	pflag.DurationVar(&o.idleTimeout, "idle-timeout", 5*time.Minute, "Close a relayed session after this long without data in either direction")
	pflag.DurationVar(&o.udpTimeout, "udp-timeout", relay.DefaultUDPTimeout, "Relay wait for a UDP reply datagram")
	pflag.StringVar(&o.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

	pflag.StringVar(&o.socks5User, "socks5-user", "", "Require this SOCKS5 username")
	pflag.StringVar(&o.socks5Pass, "socks5-pass", "", "SOCKS5 password for --socks5-user")

	pflag.StringVar(&o.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")
	pflag.StringVar(&o.logLevel, "log-level", "info", "Log level: debug | info | warn | error")
	pflag.StringVar(&o.logFormat, "log-format", "text", "Log format: text | json")

	if !tproxy.IsSupported {
		_ = pflag.CommandLine.MarkHidden("tproxy-udp-listen")
	}

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if o.codecGenerate != "" {
		if err := generateCodecTable(o.codecGenerate); err != nil {
			return fmt.Errorf("--codec-generate: %w", err)
		}
		fmt.Fprintf(os.Stderr, "wrote substitution table to %s; copy it to both ends and pass --codec-table\n", o.codecGenerate)
		return nil
	}

	if err := o.validate(); err != nil {
		return err
	}

	log, err := logging.New(o.logLevel, o.logFormat)
	if err != nil {
		return fmt.Errorf("invalid --log-level/--log-format: %w", err)
	}

	ka, err := parseTCPKeepAlive(o.tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	var codec *stream.SubstitutionTable
	if o.codecTable != "" {
		if codec, err = stream.LoadSubstitutionTable(o.codecTable); err != nil {
			return fmt.Errorf("invalid --codec-table: %w", err)
		}
		log.Warn("substitution codec enabled; it only reshapes traffic and provides no confidentiality")
	}

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.debugListen != "" {
		if err := serveDebug(ctx, g, log, o.debugListen, ka); err != nil {
			return err
		}
	}

	switch o.mode {
	case modeRelay:
		err = runRelay(ctx, g, log, o, ka, codec)
	case modeSOCKS5, modeTProxy:
		err = runIngress(ctx, g, log, o, ka, codec)
	}
	if err != nil {
		return err
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

func (o *options) validate() error {
	switch o.mode {
	case modeRelay:
		if o.listen == "" {
			o.listen = "0.0.0.0:8888"
		}
		if (o.tlsCert == "") != (o.tlsKey == "") {
			return errors.New("--tls-cert and --tls-key must be set together")
		}
	case modeSOCKS5, modeTProxy:
		if o.endpoint == "" {
			return fmt.Errorf("--endpoint is required in %s mode", o.mode)
		}
		if o.listen == "" {
			if o.mode == modeSOCKS5 {
				o.listen = "127.0.0.1:1080"
			} else {
				o.listen = "0.0.0.0:1111"
			}
		}
		if o.mode == modeTProxy && o.tproxyUDPListen == "" {
			o.tproxyUDPListen = o.listen
		}
	case "":
		return errors.New("--mode is required (relay, socks5 or tproxy)")
	default:
		return fmt.Errorf("invalid --mode %q (want relay, socks5 or tproxy)", o.mode)
	}
	if o.socks5Pass != "" && o.socks5User == "" {
		return errors.New("--socks5-pass requires --socks5-user")
	}
	if o.token == "" && o.tokenFile == "" {
		return errors.New("set --token or --token-file")
	}
	return nil
}

func runRelay(ctx context.Context, g *errgroup.Group, log *logrus.Logger, o options, ka net.KeepAliveConfig, codec *stream.SubstitutionTable) error {
	tok := o.token
	if tok == "" {
		var (
			created bool
			err     error
		)
		tok, created, err = token.LoadOrCreate(o.tokenFile)
		if err != nil {
			return err
		}
		if created {
			log.WithField("file", o.tokenFile).Info("generated new token")
		}
	}
	log.WithField("token", tok).Info("relay token")

	egress, err := dialer.New(dialer.Config{DialTimeout: o.dialTimeout, KeepAlive: ka}, o.egress)
	if err != nil {
		return fmt.Errorf("invalid --egress: %w", err)
	}

	h := http.Handler(relay.NewServer(ctx, relay.Config{
		Token:       tok,
		Egress:      egress,
		UDPTimeout:  o.udpTimeout,
		IdleTimeout: o.idleTimeout,
		Codec:       codec,
		Log:         log,
	}))
	if log.IsLevelEnabled(logrus.DebugLevel) {
		h = requestlog.Wrap(h)
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: o.negotiationTimeout,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	ln, err := proxy.ListenTCP(ctx, "tcp", o.listen, ka)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = srv.Close()
		_ = ln.Close()
	})

	g.Go(func() error {
		var err error
		if o.tlsCert != "" {
			err = srv.ServeTLS(ln, o.tlsCert, o.tlsKey)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil {
			return fmt.Errorf("relay serve: %w", err)
		}
		return nil
	})

	scheme := "ws"
	if o.tlsCert != "" {
		scheme = "wss"
	}
	log.WithFields(logrus.Fields{"listen": o.listen, "scheme": scheme}).Info("relay listening")
	return nil
}

func runIngress(ctx context.Context, g *errgroup.Group, log *logrus.Logger, o options, ka net.KeepAliveConfig, codec *stream.SubstitutionTable) error {
	tok := o.token
	if tok == "" {
		var err error
		if tok, err = token.Load(o.tokenFile); err != nil {
			return fmt.Errorf("no --token and %w", err)
		}
	}

	tun, err := dialer.NewTunnel(dialer.TunnelConfig{
		Endpoint:           o.endpoint,
		Token:              tok,
		InsecureSkipVerify: o.insecureSkipVerify,
		HandshakeTimeout:   o.negotiationTimeout,
		IdleTimeout:        o.idleTimeout,
		Codec:              codec,
	})
	if err != nil {
		return fmt.Errorf("invalid --endpoint: %w", err)
	}

	cfg := proxy.Config{
		NegotiationTimeout: o.negotiationTimeout,
		IdleTimeout:        o.idleTimeout,
		KeepAlive:          ka,
		Auth:               socks5.Auth{Username: o.socks5User, Password: o.socks5Pass},
		Tunnel:             tun,
		Log:                log,
	}

	if o.mode == modeSOCKS5 {
		ln, err := proxy.ListenTCP(ctx, "tcp", o.listen, ka)
		if err != nil {
			return fmt.Errorf("socks5 listen: %w", err)
		}
		s5 := proxy.NewSOCKS5Server(ctx, cfg)
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})

		g.Go(func() error {
			if err := s5.Serve(ln); err != nil {
				return fmt.Errorf("socks5 serve: %w", err)
			}
			return nil
		})
		log.WithFields(logrus.Fields{"listen": o.listen, "endpoint": o.endpoint}).Info("socks5 proxy listening")
		return nil
	}

	// The relay closes datagram tunnels after its idle timeout, which
	// defaults to ours. Retire pooled tunnels well before that.
	p := pool.New(tun, pool.DefaultCapacity, o.idleTimeout/2)
	tsrv := tproxy.NewServer(ctx, cfg, p)

	ln, err := tproxy.ListenTransparentTCP(ctx, o.listen, ka)
	if err != nil {
		return fmt.Errorf("tproxy listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = ln.Close()
		p.Close()
	})

	g.Go(func() error {
		if err := tsrv.ServeTCP(ln); err != nil {
			return fmt.Errorf("tproxy serve: %w", err)
		}
		return nil
	})
	log.WithFields(logrus.Fields{"listen": o.listen, "endpoint": o.endpoint}).Info("tproxy tcp listening")

	if o.tproxyUDPListen == "off" {
		return nil
	}

	uc, err := tproxy.ListenTransparentUDP(ctx, o.tproxyUDPListen)
	if errors.Is(err, tproxy.ErrUnsupported) {
		log.WithError(err).Warn("tproxy udp disabled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("tproxy udp listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = uc.Close()
	})

	g.Go(func() error {
		if err := tsrv.ServeUDP(uc); err != nil {
			return fmt.Errorf("tproxy udp serve: %w", err)
		}
		return nil
	})
	log.WithField("listen", o.tproxyUDPListen).Info("tproxy udp listening")
	return nil
}

// generateCodecTable writes a fresh table to path, refusing to replace an
// existing file that a running relay or client may be using.
func generateCodecTable(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	t, err := stream.NewSubstitutionTable()
	if err != nil {
		return err
	}
	return t.Save(path)
}

func serveDebug(ctx context.Context, g *errgroup.Group, log *logrus.Logger, addr string, ka net.KeepAliveConfig) error {
	debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
	lc := net.ListenConfig{KeepAliveConfig: ka}
	debugLn, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("debug listen: %w", err)
	}
	context.AfterFunc(ctx, func() {
		_ = debugSrv.Close()
		_ = debugLn.Close()
	})

	g.Go(func() error {
		if err := debugSrv.Serve(debugLn); err != nil {
			return fmt.Errorf("debug serve: %w", err)
		}
		return nil
	})
	log.WithField("listen", addr).Info("debug listening")
	return nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveInt(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveInt(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultEgress() string {
	if p := os.Getenv("ALL_PROXY"); p != "" && strings.HasPrefix(strings.ToLower(p), "socks5://") {
		return p
	}
	return "direct://"
}

func defaultTokenFile() string {
	p, err := token.DefaultPath()
	if err != nil {
		return ""
	}
	return p
}
