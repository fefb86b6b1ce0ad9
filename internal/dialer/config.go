package dialer

import (
	"net"
	"time"
)

// Config is shared by the egress dialers.
type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig
}
