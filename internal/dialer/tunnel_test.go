package dialer

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/die-net/nmptunnel/internal/nmp"
)

func TestNewTunnel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		token    string
		wantTLS  bool
		wantErr  bool
	}{
		{name: "ws", endpoint: "ws://relay.example:8080", token: "abcd"},
		{name: "wss", endpoint: "wss://relay.example", token: "abcd", wantTLS: true},
		{name: "trailing slash", endpoint: "ws://relay.example/", token: "abcd"},
		{name: "http scheme", endpoint: "http://relay.example", token: "abcd", wantErr: true},
		{name: "missing host", endpoint: "ws://", token: "abcd", wantErr: true},
		{name: "path", endpoint: "ws://relay.example/x", token: "abcd", wantErr: true},
		{name: "empty token", endpoint: "ws://relay.example", wantErr: true},
		{name: "token with slash", endpoint: "ws://relay.example", token: "a/b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tun, err := NewTunnel(TunnelConfig{Endpoint: tt.endpoint, Token: tt.token})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			cfg := tun.dialer.TLSClientConfig
			if !tt.wantTLS {
				if cfg != nil {
					t.Fatal("unexpected tls config for ws")
				}
				return
			}
			if cfg == nil {
				t.Fatal("missing tls config")
			}
			if cfg.MinVersion != tls.VersionTLS12 {
				t.Fatalf("min version %x", cfg.MinVersion)
			}
			if cfg.ServerName != "relay.example" {
				t.Fatalf("server name %q", cfg.ServerName)
			}
		})
	}
}

func TestRandomSuffix(t *testing.T) {
	for range 200 {
		s, err := randomSuffix()
		if err != nil {
			t.Fatal(err)
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			t.Fatal(err)
		}
		if len(b) < 1 || len(b) > maxPathSuffixLen {
			t.Fatalf("suffix %q decodes to %d bytes", s, len(b))
		}
	}
}

// fakeRelay records the first message and path of each tunnel and answers
// with reply.
type fakeRelay struct {
	reply []byte

	mu    sync.Mutex
	paths []string
	first [][]byte
}

func (f *fakeRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	_, msg, err := c.ReadMessage()
	if err != nil {
		return
	}
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.first = append(f.first, msg)
	f.mu.Unlock()

	if f.reply != nil {
		_ = c.WriteMessage(websocket.BinaryMessage, f.reply)
	}
	// Hold the tunnel until the client goes away.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestTunnel(t *testing.T, h http.Handler) *Tunnel {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tun, err := NewTunnel(TunnelConfig{
		Endpoint:         "ws://" + strings.TrimPrefix(srv.URL, "http://"),
		Token:            "secret",
		HandshakeTimeout: time.Second,
		IdleTimeout:      2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tun
}

func TestOpenTCP(t *testing.T) {
	target := nmp.Target{Kind: nmp.KindDomain, Host: "example.com", Port: 443}

	tests := []struct {
		name    string
		reply   []byte
		wantErr error
	}{
		{name: "ok", reply: nmp.EncodeReply(true)},
		{name: "failed", reply: nmp.EncodeReply(false), wantErr: ErrConnectFailed},
		{name: "garbage", reply: []byte{0x42}, wantErr: nmp.ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := &fakeRelay{reply: tt.reply}
			tun := newTestTunnel(t, relay)

			s, err := tun.OpenTCP(context.Background(), target)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v want %v", err, tt.wantErr)
			}
			if err == nil {
				defer s.Close()
			}

			relay.mu.Lock()
			defer relay.mu.Unlock()
			if len(relay.first) != 1 {
				t.Fatalf("relay saw %d tunnels", len(relay.first))
			}
			want, _ := nmp.EncodeTCPOpen(target)
			if string(relay.first[0]) != string(want) {
				t.Fatalf("open frame %v want %v", relay.first[0], want)
			}
			if !strings.HasPrefix(relay.paths[0], "/secret/") {
				t.Fatalf("path %q", relay.paths[0])
			}
		})
	}
}

func TestOpenTCPContextCanceled(t *testing.T) {
	relay := &fakeRelay{}
	tun := newTestTunnel(t, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := tun.OpenTCP(ctx, nmp.Target{Kind: nmp.KindIPv4, Host: "10.0.0.1", Port: 22})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v want deadline exceeded", err)
	}
}

func TestOpenDatagramSendsMarker(t *testing.T) {
	relay := &fakeRelay{}
	tun := newTestTunnel(t, relay)

	s, err := tun.OpenDatagram(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	deadline := time.Now().Add(time.Second)
	for {
		relay.mu.Lock()
		n := len(relay.first)
		relay.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	relay.mu.Lock()
	defer relay.mu.Unlock()
	if len(relay.first) != 1 || string(relay.first[0]) != string(nmp.EncodeUDPOpen()) {
		t.Fatalf("relay saw %v", relay.first)
	}
}
