//go:build !linux

package tproxy

import (
	"context"
	"errors"
	"testing"
)

func TestListenTransparentUDPUnsupported(t *testing.T) {
	_, err := ListenTransparentUDP(context.Background(), "127.0.0.1:0")
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("got %v", err)
	}
}
