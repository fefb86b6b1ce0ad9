package socks5

import (
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/nmptunnel/internal/nmp"
)

// ClientDial negotiates with a SOCKS5 server and issues a CONNECT for
// target. It returns the server's reply, which the caller checks for
// RepSuccess.
func ClientDial(rw io.ReadWriter, auth Auth, target nmp.Target) (*txsocks5.Reply, error) {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = []byte{txsocks5.MethodUsernamePassword}
	}
	if err := ClientNegotiate(rw, methods, auth); err != nil {
		return nil, err
	}
	return ClientConnect(rw, target)
}

// ClientNegotiate offers methods in order and completes whichever the server
// selects.
func ClientNegotiate(rw io.ReadWriter, methods []byte, auth Auth) error {
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(rw); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return ErrAuthFailed
		}
		return nil
	default:
		return fmt.Errorf("%w: server chose 0x%02x", ErrNoAcceptableMethod, neg.Method)
	}
}

// ClientConnect sends a CONNECT request for target and reads the reply.
func ClientConnect(rw io.ReadWriter, target nmp.Target) (*txsocks5.Reply, error) {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(target.Address())
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(rw); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return rep, nil
}
