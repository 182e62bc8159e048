//go:build darwin

package netinfo

import (
	"bytes"
	"fmt"
	"net/netip"
	"os/exec"
)

// lookupRoute parses `route -n get <target>`.
func lookupRoute(target netip.Addr) (*Route, error) {
	out, err := exec.Command("route", "-n", "get", target.String()).Output()
	if err != nil {
		return nil, fmt.Errorf("route -n get %s: %w", target, err)
	}
	return parseRouteGet(bytes.NewReader(out))
}
