package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/nmptunnel/internal/nmp"
)

var (
	ErrVersion            = errors.New("socks5: unsupported version")
	ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")
	ErrAuthFailed         = errors.New("socks5: authentication failed")
	ErrUnsupportedCommand = errors.New("socks5: unsupported command")
	ErrUnsupportedAddress = errors.New("socks5: unsupported address type")
)

// ServerNegotiate reads the client greeting and selects the first
// client-offered method the server supports. It returns the chosen method.
//
// If no method matches, a 0xFF reply is written and ErrNoAcceptableMethod is
// returned; the caller must close the connection. When username/password is
// chosen the RFC 1929 sub-negotiation runs before returning. Without
// configured credentials any username and password are accepted.
func ServerNegotiate(rw io.ReadWriter, auth Auth) (byte, error) {
	neg, err := txsocks5.NewNegotiationRequestFrom(rw)
	if err != nil {
		return 0, fmt.Errorf("negotiation request: %w", err)
	}
	if neg.Ver != txsocks5.Ver {
		return 0, fmt.Errorf("negotiation request: %w: 0x%02x", ErrVersion, neg.Ver)
	}

	method, ok := selectMethod(neg.Methods, auth.methods())
	if !ok {
		writeNoAcceptableMethods(rw)
		return 0, fmt.Errorf("%w: client offered %v", ErrNoAcceptableMethod, neg.Methods)
	}

	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(rw); err != nil {
		return 0, fmt.Errorf("negotiation reply: %w", err)
	}

	if method == txsocks5.MethodUsernamePassword {
		if err := serverUserPass(rw, auth); err != nil {
			return 0, err
		}
	}
	return method, nil
}

func serverUserPass(rw io.ReadWriter, auth Auth) error {
	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(rw)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if auth.Username != "" && (string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password) {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(rw)
		return ErrAuthFailed
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(rw); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// ServerReadRequest reads a CONNECT request and converts it to a tunnel
// target. Unsupported commands and address types get an error reply before
// the error is returned.
func ServerReadRequest(rw io.ReadWriter) (nmp.Target, error) {
	req, err := txsocks5.NewRequestFrom(rw)
	if err != nil {
		return nmp.Target{}, fmt.Errorf("request: %w", err)
	}
	if req.Ver != txsocks5.Ver {
		return nmp.Target{}, fmt.Errorf("request: %w: 0x%02x", ErrVersion, req.Ver)
	}

	if req.Cmd != txsocks5.CmdConnect {
		WriteCommandNotSupportedReply(rw)
		return nmp.Target{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedCommand, req.Cmd)
	}
	if len(req.DstPort) != 2 {
		return nmp.Target{}, fmt.Errorf("request: bad port length %d", len(req.DstPort))
	}
	port := binary.BigEndian.Uint16(req.DstPort)

	switch req.Atyp {
	case txsocks5.ATYPIPv4:
		if len(req.DstAddr) != net.IPv4len {
			return nmp.Target{}, fmt.Errorf("%w: bad ipv4 length %d", ErrUnsupportedAddress, len(req.DstAddr))
		}
		return nmp.Target{Kind: nmp.KindIPv4, Host: net.IP(req.DstAddr).String(), Port: port}, nil
	case txsocks5.ATYPDomain:
		// DstAddr keeps the length prefix for domain names.
		if len(req.DstAddr) < 2 {
			return nmp.Target{}, fmt.Errorf("%w: empty domain", ErrUnsupportedAddress)
		}
		return nmp.Target{Kind: nmp.KindDomain, Host: string(req.DstAddr[1:]), Port: port}, nil
	default:
		WriteAddressNotSupportedReply(rw)
		return nmp.Target{}, fmt.Errorf("%w: 0x%02x", ErrUnsupportedAddress, req.Atyp)
	}
}

func selectMethod(offered, supported []byte) (byte, bool) {
	for _, m := range offered {
		for _, s := range supported {
			if m == s {
				return m, true
			}
		}
	}
	return 0, false
}
