package nmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Frame type codes. These values are shared by client and relay and must
// never be renumbered.
const (
	TCPPipeIP     byte = 0x01
	TCPPipeDomain byte = 0x03
	UDPPipeIP     byte = 0x04
	ConnectOK     byte = 0x10
	ConnectFailed byte = 0x11
)

const (
	portLen         = 2
	datagramHdrLen  = net.IPv4len + portLen
	maxHostLen      = 255
	openFrameMinLen = 1 + portLen + 1
)

var (
	ErrShortFrame  = errors.New("nmp: short frame")
	ErrUnknownType = errors.New("nmp: unknown frame type")
	ErrBadHost     = errors.New("nmp: invalid host")
)

// AddrKind is the kind of address carried by a Target.
type AddrKind byte

const (
	KindIPv4   AddrKind = AddrKind(TCPPipeIP)
	KindDomain AddrKind = AddrKind(TCPPipeDomain)
)

func (k AddrKind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindDomain:
		return "domain"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// Target describes where the relay must connect or forward to.
type Target struct {
	Kind AddrKind
	Host string
	Port uint16
}

// NewTarget builds a Target from a host string, picking KindIPv4 for dotted
// IPv4 literals and KindDomain otherwise.
func NewTarget(host string, port uint16) (Target, error) {
	if host == "" || len(host) > maxHostLen {
		return Target{}, fmt.Errorf("%w: %q", ErrBadHost, host)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		if !ip.Unmap().Is4() {
			return Target{}, fmt.Errorf("%w: %q is not IPv4", ErrBadHost, host)
		}
		return Target{Kind: KindIPv4, Host: ip.Unmap().String(), Port: port}, nil
	}
	return Target{Kind: KindDomain, Host: host, Port: port}, nil
}

// TargetFromAddrPort builds an IPv4 Target from a recovered socket address.
func TargetFromAddrPort(ap netip.AddrPort) (Target, error) {
	ip := ap.Addr().Unmap()
	if !ip.Is4() {
		return Target{}, fmt.Errorf("%w: %s is not IPv4", ErrBadHost, ip)
	}
	return Target{Kind: KindIPv4, Host: ip.String(), Port: ap.Port()}, nil
}

// Address returns host:port suitable for net.Dial.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

func (t Target) String() string {
	return t.Address()
}

// EncodeTCPOpen encodes a TCP open frame:
//
//	type(1) | port(2) | host(ASCII, rest of message)
func EncodeTCPOpen(t Target) ([]byte, error) {
	switch t.Kind {
	case KindIPv4, KindDomain:
	default:
		return nil, fmt.Errorf("%w: address kind %s", ErrUnknownType, t.Kind)
	}
	if t.Host == "" || len(t.Host) > maxHostLen {
		return nil, fmt.Errorf("%w: %q", ErrBadHost, t.Host)
	}

	b := make([]byte, 1+portLen, 1+portLen+len(t.Host))
	b[0] = byte(t.Kind)
	binary.BigEndian.PutUint16(b[1:], t.Port)
	return append(b, t.Host...), nil
}

// EncodeUDPOpen encodes the marker switching a tunnel into datagram mode.
func EncodeUDPOpen() []byte {
	return []byte{UDPPipeIP}
}

// FrameType returns the type code of an open frame.
func FrameType(b []byte) (byte, error) {
	if len(b) < 1 {
		return 0, ErrShortFrame
	}
	switch b[0] {
	case TCPPipeIP, TCPPipeDomain, UDPPipeIP:
		return b[0], nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, b[0])
	}
}

// DecodeTCPOpen decodes a frame produced by EncodeTCPOpen.
func DecodeTCPOpen(b []byte) (Target, error) {
	typ, err := FrameType(b)
	if err != nil {
		return Target{}, err
	}
	if typ == UDPPipeIP {
		return Target{}, fmt.Errorf("%w: expected tcp open, got 0x%02x", ErrUnknownType, typ)
	}
	if len(b) < openFrameMinLen {
		return Target{}, ErrShortFrame
	}

	host := string(b[1+portLen:])
	if len(host) > maxHostLen {
		return Target{}, fmt.Errorf("%w: host too long", ErrBadHost)
	}
	t := Target{
		Kind: AddrKind(typ),
		Host: host,
		Port: binary.BigEndian.Uint16(b[1:]),
	}
	if t.Kind == KindIPv4 {
		ip, err := netip.ParseAddr(host)
		if err != nil || !ip.Is4() {
			return Target{}, fmt.Errorf("%w: %q", ErrBadHost, host)
		}
	}
	return t, nil
}

// EncodeReply encodes a one-byte connect status.
func EncodeReply(ok bool) []byte {
	if ok {
		return []byte{ConnectOK}
	}
	return []byte{ConnectFailed}
}

// DecodeReply returns whether the status byte at the head of b is ConnectOK,
// along with any payload following it.
func DecodeReply(b []byte) (bool, []byte, error) {
	if len(b) < 1 {
		return false, nil, ErrShortFrame
	}
	switch b[0] {
	case ConnectOK:
		return true, b[1:], nil
	case ConnectFailed:
		return false, b[1:], nil
	default:
		return false, nil, fmt.Errorf("%w: status 0x%02x", ErrUnknownType, b[0])
	}
}
