//go:build linux

package netinfo

import (
	"net/netip"
	"os"
)

// lookupRoute parses /proc/net/route for the route to target.
func lookupRoute(target netip.Addr) (*Route, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := parseProcRoute(f)
	if err != nil {
		return nil, err
	}
	return bestRoute(entries, target)
}
