// Package proxy implements the client-side ingress plumbing.
//
// It contains the duplex relay (Pipe) that joins two streams, the SOCKS5
// ingress server, and shared connection helpers such as keepalive listeners
// and the accept loop.
package proxy
