package nmp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Datagram is one UDP request carried over a tunnel in datagram mode.
type Datagram struct {
	Dst     netip.AddrPort
	Payload []byte
}

// EncodeDatagram encodes a datagram request:
//
//	ip4(4) | port(2) | payload
func EncodeDatagram(d Datagram) ([]byte, error) {
	ip := d.Dst.Addr().Unmap()
	if !ip.Is4() {
		return nil, fmt.Errorf("%w: %s is not IPv4", ErrBadHost, ip)
	}

	b := make([]byte, datagramHdrLen, datagramHdrLen+len(d.Payload))
	a4 := ip.As4()
	copy(b, a4[:])
	binary.BigEndian.PutUint16(b[4:], d.Dst.Port())
	return append(b, d.Payload...), nil
}

// DecodeDatagram decodes a frame produced by EncodeDatagram. The returned
// payload aliases b.
func DecodeDatagram(b []byte) (Datagram, error) {
	if len(b) < datagramHdrLen {
		return Datagram{}, ErrShortFrame
	}
	ip := netip.AddrFrom4([4]byte(b[:4]))
	port := binary.BigEndian.Uint16(b[4:6])
	return Datagram{Dst: netip.AddrPortFrom(ip, port), Payload: b[datagramHdrLen:]}, nil
}

// EncodeDatagramReply prefixes payload with a connect status.
func EncodeDatagramReply(ok bool, payload []byte) []byte {
	if !ok {
		return []byte{ConnectFailed}
	}
	b := make([]byte, 1, 1+len(payload))
	b[0] = ConnectOK
	return append(b, payload...)
}
