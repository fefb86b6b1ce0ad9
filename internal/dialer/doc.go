// Package dialer provides the relay's outbound dialers and the client side
// of the relay tunnel.
//
// Egress dialers implement a small interface (DialContext) and connect either
// directly or through an upstream SOCKS5 proxy. Tunnel opens WebSocket
// tunnels to a relay and performs the NMP open handshake on them.
package dialer
