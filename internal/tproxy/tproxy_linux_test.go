//go:build linux

package tproxy

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func cmsg(level, typ int32, data []byte) []byte {
	b := make([]byte, unix.CmsgSpace(len(data)))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(len(data)))
	copy(b[unix.CmsgLen(0):], data)
	return b
}

func sockaddrInet4(family uint16, ap netip.AddrPort) []byte {
	b := make([]byte, unix.SizeofSockaddrInet4)
	binary.NativeEndian.PutUint16(b[0:2], family)
	binary.BigEndian.PutUint16(b[2:4], ap.Port())
	a := ap.Addr().As4()
	copy(b[4:8], a[:])
	return b
}

func TestOriginalDstFromOOB(t *testing.T) {
	want := netip.MustParseAddrPort("8.8.8.8:53")
	other := cmsg(unix.SOL_SOCKET, unix.SCM_TIMESTAMP, make([]byte, 16))

	tests := []struct {
		name    string
		oob     []byte
		want    netip.AddrPort
		wantErr bool
	}{
		{name: "only record", oob: cmsg(unix.SOL_IP, unix.IP_ORIGDSTADDR, sockaddrInet4(unix.AF_INET, want)), want: want},
		{name: "after other record", oob: append(other, cmsg(unix.SOL_IP, unix.IP_ORIGDSTADDR, sockaddrInet4(unix.AF_INET, want))...), want: want},
		{name: "missing", oob: other, wantErr: true},
		{name: "empty", oob: nil, wantErr: true},
		{name: "wrong family", oob: cmsg(unix.SOL_IP, unix.IP_ORIGDSTADDR, sockaddrInet4(unix.AF_INET6, want)), wantErr: true},
		{name: "short", oob: cmsg(unix.SOL_IP, unix.IP_ORIGDSTADDR, make([]byte, 4)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := originalDstFromOOB(tt.oob)
			if tt.wantErr {
				if !errors.Is(err, ErrNoOriginalDst) {
					t.Fatalf("got %v want ErrNoOriginalDst", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}

func TestListenTransparentUDP(t *testing.T) {
	c, err := ListenTransparentUDP(t.Context(), "127.0.0.1:0")
	if errors.Is(err, unix.EPERM) {
		t.Skip("needs CAP_NET_ADMIN")
	}
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()
}
