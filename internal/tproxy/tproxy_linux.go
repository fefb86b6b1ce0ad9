//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/die-net/nmptunnel/internal/proxy"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// oobSize fits one IP_ORIGDSTADDR control message.
var oobSize = unix.CmsgSpace(unix.SizeofSockaddrInet6)

// ListenTransparentTCP listens on addr and enables IP_TRANSPARENT so the
// socket can accept redirected connections (typical TPROXY setup).
//
// This requires CAP_NET_ADMIN. Callers still need iptables/nft rules.
func ListenTransparentTCP(ctx context.Context, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{Control: transparentControl(false)}
	ln, err := lc.Listen(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &proxy.KeepAliveListener{Listener: ln, KeepAliveConfig: ka}, nil
}

// ListenTransparentUDP binds a transparent UDP socket on addr that reports
// each datagram's original destination.
func ListenTransparentUDP(ctx context.Context, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: transparentControl(true)}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy udp %s: %w", addr, err)
	}
	return pc.(*net.UDPConn), nil
}

// readDatagram reads one datagram and its original destination.
func readDatagram(c *net.UDPConn, buf, oob []byte) (n int, src, dst netip.AddrPort, err error) {
	n, oobn, _, src, err := c.ReadMsgUDPAddrPort(buf, oob)
	if err != nil {
		return 0, src, dst, err
	}
	dst, err = originalDstFromOOB(oob[:oobn])
	return n, src, dst, err
}

// originalDstFromOOB scans control messages for SOL_IP/IP_ORIGDSTADDR.
func originalDstFromOOB(oob []byte) (netip.AddrPort, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrNoOriginalDst, err)
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_IP || m.Header.Type != unix.IP_ORIGDSTADDR {
			continue
		}
		// struct sockaddr_in: family in host order, port in network order.
		if len(m.Data) < unix.SizeofSockaddrInet4 {
			return netip.AddrPort{}, fmt.Errorf("%w: short sockaddr", ErrNoOriginalDst)
		}
		if family := binary.NativeEndian.Uint16(m.Data[0:2]); family != unix.AF_INET {
			return netip.AddrPort{}, fmt.Errorf("%w: address family %d", ErrNoOriginalDst, family)
		}
		port := binary.BigEndian.Uint16(m.Data[2:4])
		ip := netip.AddrFrom4([4]byte(m.Data[4:8]))
		return netip.AddrPortFrom(ip, port), nil
	}
	return netip.AddrPort{}, ErrNoOriginalDst
}

// listenReplyUDP binds a transparent socket to from, a foreign address, so
// replies appear to come from the original destination.
func listenReplyUDP(from netip.AddrPort) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: transparentControl(false)}
	pc, err := lc.ListenPacket(context.Background(), "udp4", from.String())
	if err != nil {
		return nil, fmt.Errorf("bind reply socket %s: %w", from, err)
	}
	return pc.(*net.UDPConn), nil
}

func transparentControl(recvOrigDst bool) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); ctrlErr != nil {
				return
			}
			if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); ctrlErr != nil {
				return
			}
			if recvOrigDst {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1)
			}
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}
}
