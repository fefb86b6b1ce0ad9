package tproxy

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/patrickmn/go-cache"
)

// replySocketTTL is how long an unused reply socket stays open.
const replySocketTTL = 60 * time.Second

// replySockets caches transparent sockets bound to original destinations.
// Evicted sockets are closed.
type replySockets struct {
	cache  *cache.Cache
	listen func(from netip.AddrPort) (*net.UDPConn, error)
}

func newReplySockets(ttl time.Duration, listen func(netip.AddrPort) (*net.UDPConn, error)) *replySockets {
	c := cache.New(ttl, ttl/2)
	c.OnEvicted(func(_ string, v any) {
		_ = v.(*net.UDPConn).Close()
	})
	return &replySockets{cache: c, listen: listen}
}

// send writes payload to client from a socket bound to from.
func (r *replySockets) send(from, client netip.AddrPort, payload []byte) error {
	conn, err := r.get(from)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDPAddrPort(payload, client); err != nil {
		return fmt.Errorf("reply to %s: %w", client, err)
	}
	return nil
}

func (r *replySockets) get(from netip.AddrPort) (*net.UDPConn, error) {
	key := from.String()
	if v, ok := r.cache.Get(key); ok {
		conn := v.(*net.UDPConn)
		// Refresh the expiry; Set does not fire OnEvicted.
		r.cache.SetDefault(key, conn)
		return conn, nil
	}

	conn, err := r.listen(from)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Add(key, conn, cache.DefaultExpiration); err != nil {
		// Lost a race with another datagram for the same destination.
		_ = conn.Close()
		if v, ok := r.cache.Get(key); ok {
			return v.(*net.UDPConn), nil
		}
		return nil, err
	}
	return conn, nil
}

func (r *replySockets) len() int {
	return r.cache.ItemCount()
}

// flush closes every cached socket.
func (r *replySockets) flush() {
	for key := range r.cache.Items() {
		r.cache.Delete(key)
	}
}
