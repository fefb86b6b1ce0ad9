package tproxy

import "golang.org/x/sys/unix"

// Needs root or PRIV_NETINET_BINDANY.
func setBindAny(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_BINDANY, 1)
}
