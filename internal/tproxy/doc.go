// Package tproxy implements transparent proxy ingress for Linux, FreeBSD,
// and OpenBSD.
//
// For TCP the original destination of a redirected connection is the local
// address of the accepted socket. On Linux the listener sets IP_TRANSPARENT
// for use with iptables/nftables TPROXY rules. On FreeBSD it sets IP_BINDANY
// (IPFW fwd, PF rdr-to) and on OpenBSD SO_BINDANY (PF rdr-to).
//
// For UDP (Linux only) the socket also sets IP_RECVORIGDSTADDR and reads the
// original destination from the IP_ORIGDSTADDR control message of each
// datagram. Replies are sent from a transparent socket bound to that
// original destination so the client sees the address it targeted.
//
// On other platforms the listeners return errors wrapping
// ErrUnsupported.
package tproxy
