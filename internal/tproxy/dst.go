package tproxy

import (
	"errors"
	"fmt"
	"net"

	"github.com/die-net/nmptunnel/internal/nmp"
)

// ErrNoOriginalDst is returned when the original destination of a redirected
// connection or datagram cannot be recovered.
var ErrNoOriginalDst = errors.New("tproxy: original destination unavailable")

// ErrUnsupported is returned by listeners the running OS cannot provide.
var ErrUnsupported = errors.New("tproxy: unsupported on this platform")

// OriginalDst returns the original destination of a TCP connection accepted
// on a transparent listener: its local address.
func OriginalDst(c net.Conn) (nmp.Target, error) {
	ta, ok := c.LocalAddr().(*net.TCPAddr)
	if !ok {
		return nmp.Target{}, ErrNoOriginalDst
	}
	t, err := nmp.TargetFromAddrPort(ta.AddrPort())
	if err != nil {
		return nmp.Target{}, fmt.Errorf("%w: %w", ErrNoOriginalDst, err)
	}
	return t, nil
}
