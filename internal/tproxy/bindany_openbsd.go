package tproxy

import "golang.org/x/sys/unix"

// Socket level, unlike FreeBSD. PF also needs divert-reply for return traffic.
func setBindAny(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BINDANY, 1)
}
