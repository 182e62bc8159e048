//go:build !linux && !darwin

package netinfo

import (
	"errors"
	"net/netip"
)

func lookupRoute(netip.Addr) (*Route, error) {
	return nil, errors.New("routing table lookup not supported on this platform")
}
