package proxy_test

import (
	"strconv"

	"github.com/die-net/nmptunnel/internal/nmp"
)

func targetFor(host, port string) (nmp.Target, error) {
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nmp.Target{}, err
	}
	return nmp.NewTarget(host, uint16(p))
}
