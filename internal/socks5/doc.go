// Package socks5 implements the SOCKS5 handshake used by the ingress adapter.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 and
// covers the subset the tunnel needs: version 5, the no-auth and
// username/password methods, the CONNECT command, and IPv4 or domain-name
// destinations. A parsed request becomes an nmp.Target for the tunnel.
//
// Replies carry a fixed loopback bound address (127.0.0.1 and the requested
// port) rather than a real bind address. Clients that ignore BND.ADDR, which
// is nearly all CONNECT clients, are unaffected.
package socks5
