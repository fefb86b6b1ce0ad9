//go:build !linux

package tproxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

const oobSize = 0

func ListenTransparentUDP(_ context.Context, addr string) (*net.UDPConn, error) {
	return nil, fmt.Errorf("listen tproxy udp %s: %w", addr, ErrUnsupported)
}

func readDatagram(c *net.UDPConn, buf, _ []byte) (n int, src, dst netip.AddrPort, err error) {
	n, src, err = c.ReadFromUDPAddrPort(buf)
	if err != nil {
		return 0, src, dst, err
	}
	return n, src, dst, ErrNoOriginalDst
}

func listenReplyUDP(from netip.AddrPort) (*net.UDPConn, error) {
	return nil, fmt.Errorf("bind reply socket %s: %w", from, ErrUnsupported)
}
