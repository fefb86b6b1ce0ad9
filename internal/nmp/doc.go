// Package nmp implements the framed protocol carried over the WebSocket
// tunnel between the ingress adapters and the relay.
//
// Every tunnel starts with one open frame from the client: a TCP open
// (IPv4 or domain target) or a UDP open marker. The relay answers a TCP open
// with a single status byte. In UDP mode each WebSocket message carries one
// datagram request (IPv4 address, port, payload) and the relay answers each
// with a status byte followed by the reply payload.
//
// All multi-byte integers are big-endian. Frames never span WebSocket
// messages; a short or malformed frame is fatal to the session.
package nmp
