// Package relay implements the server end of the tunnel.
//
// Server is an http.Handler. A request whose first path segment matches the
// configured token is upgraded to a WebSocket and reads one NMP open frame:
// a TCP open connects to the target through the egress dialer and relays
// bytes until either side closes; a UDP open turns the tunnel into a loop of
// one-shot datagram exchanges. Every other request gets a randomized decoy
// response.
package relay
