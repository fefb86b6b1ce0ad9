package socks5

import (
	"encoding/binary"
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect

	MethodNone             = txsocks5.MethodNone
	MethodUsernamePassword = txsocks5.MethodUsernamePassword

	RepSuccess             = txsocks5.RepSuccess
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepAddressNotSupported = txsocks5.RepAddressNotSupported
)

var placeholderBindAddr = []byte{127, 0, 0, 1}

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// methods returns the server's supported methods.
func (a Auth) methods() []byte {
	if a.Username != "" {
		return []byte{txsocks5.MethodUsernamePassword}
	}
	return []byte{txsocks5.MethodNone, txsocks5.MethodUsernamePassword}
}

// WriteSuccessReply writes a success reply with the placeholder bound
// address and the requested port.
func WriteSuccessReply(w io.Writer, port uint16) error {
	if _, err := newPlaceholderReply(txsocks5.RepSuccess, port).WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// WriteFailureReply writes a connection-refused reply with the same
// placeholder fields as WriteSuccessReply.
func WriteFailureReply(w io.Writer, port uint16) error {
	if _, err := newPlaceholderReply(txsocks5.RepConnectionRefused, port).WriteTo(w); err != nil {
		return fmt.Errorf("failure reply: %w", err)
	}
	return nil
}

// WriteCommandNotSupportedReply writes a SOCKS5 reply indicating that the
// requested command is not supported.
func WriteCommandNotSupportedReply(w io.Writer) {
	_, _ = newPlaceholderReply(txsocks5.RepCommandNotSupported, 0).WriteTo(w)
}

// WriteAddressNotSupportedReply writes a SOCKS5 reply indicating that the
// requested address type is not supported.
func WriteAddressNotSupportedReply(w io.Writer) {
	_, _ = newPlaceholderReply(txsocks5.RepAddressNotSupported, 0).WriteTo(w)
}

func newPlaceholderReply(rep byte, port uint16) *txsocks5.Reply {
	pb := make([]byte, 2)
	binary.BigEndian.PutUint16(pb, port)
	addr := make([]byte, len(placeholderBindAddr))
	copy(addr, placeholderBindAddr)
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, addr, pb)
}

func writeNoAcceptableMethods(w io.Writer) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(w)
}
