package nmp

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTCPOpenRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target Target
	}{
		{name: "ipv4", target: Target{Kind: KindIPv4, Host: "93.184.216.34", Port: 80}},
		{name: "ipv4 high port", target: Target{Kind: KindIPv4, Host: "10.0.0.1", Port: 65535}},
		{name: "domain", target: Target{Kind: KindDomain, Host: "example.com", Port: 443}},
		{name: "domain port zero", target: Target{Kind: KindDomain, Host: "a", Port: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeTCPOpen(tt.target)
			require.NoError(t, err)
			require.Equal(t, byte(tt.target.Kind), b[0])

			got, err := DecodeTCPOpen(b)
			require.NoError(t, err)
			require.Equal(t, tt.target, got)
		})
	}
}

func TestTCPOpenWireLayout(t *testing.T) {
	t.Parallel()

	b, err := EncodeTCPOpen(Target{Kind: KindDomain, Host: "ab", Port: 0x1234})
	require.NoError(t, err)
	require.Equal(t, []byte{TCPPipeDomain, 0x12, 0x34, 'a', 'b'}, b)
}

func TestDecodeTCPOpenErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{name: "empty", in: nil, want: ErrShortFrame},
		{name: "no host", in: []byte{TCPPipeIP, 0x00, 0x50}, want: ErrShortFrame},
		{name: "unknown type", in: []byte{0x7f, 0x00, 0x50, 'x'}, want: ErrUnknownType},
		{name: "udp marker", in: []byte{UDPPipeIP}, want: ErrUnknownType},
		{name: "bad ipv4", in: []byte{TCPPipeIP, 0x00, 0x50, 'x'}, want: ErrBadHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTCPOpen(tt.in)
			require.True(t, errors.Is(err, tt.want), "got %v want %v", err, tt.want)
		})
	}
}

func TestNewTarget(t *testing.T) {
	t.Parallel()

	got, err := NewTarget("::ffff:1.2.3.4", 53)
	require.NoError(t, err)
	require.Equal(t, Target{Kind: KindIPv4, Host: "1.2.3.4", Port: 53}, got)

	got, err = NewTarget("example.org", 80)
	require.NoError(t, err)
	require.Equal(t, KindDomain, got.Kind)
	require.Equal(t, "example.org:80", got.Address())

	_, err = NewTarget("2001:db8::1", 80)
	require.ErrorIs(t, err, ErrBadHost)

	_, err = NewTarget("", 80)
	require.ErrorIs(t, err, ErrBadHost)
}

func TestReply(t *testing.T) {
	t.Parallel()

	ok, rest, err := DecodeReply(EncodeReply(true))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, rest)

	ok, _, err = DecodeReply(EncodeReply(false))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = DecodeReply([]byte{0x42})
	require.ErrorIs(t, err, ErrUnknownType)

	_, _, err = DecodeReply(nil)
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestDatagram(t *testing.T) {
	t.Parallel()

	d := Datagram{Dst: netip.MustParseAddrPort("8.8.8.8:53"), Payload: []byte("query")}
	b, err := EncodeDatagram(d)
	require.NoError(t, err)
	require.Equal(t, []byte{8, 8, 8, 8, 0x00, 0x35}, b[:6])

	got, err := DecodeDatagram(b)
	require.NoError(t, err)
	require.Equal(t, d.Dst, got.Dst)
	require.Equal(t, d.Payload, got.Payload)

	_, err = DecodeDatagram(b[:5])
	require.ErrorIs(t, err, ErrShortFrame)

	_, err = EncodeDatagram(Datagram{Dst: netip.MustParseAddrPort("[2001:db8::1]:53")})
	require.ErrorIs(t, err, ErrBadHost)

	ok, payload, err := DecodeReply(EncodeDatagramReply(true, []byte("answer")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("answer"), payload)

	require.Equal(t, []byte{ConnectFailed}, EncodeDatagramReply(false, []byte("ignored")))
}
