// Package netinfo discovers the local source address and interface used to
// reach a target.
package netinfo

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Route is the local side of the path to one target.
type Route struct {
	Interface string
	Source    netip.Addr
	Gateway   netip.Addr // zero when the target is on-link
}

// Lookup finds the route to target. A non-empty iface pins the interface
// and only its address is used as the source. When the routing table cannot
// be read, the source falls back to the address the kernel picks for a UDP
// socket connected to the target.
func Lookup(target netip.Addr, iface string) (*Route, error) {
	if !target.Is4() {
		return nil, fmt.Errorf("netinfo: %s is not an IPv4 address", target)
	}
	if iface != "" {
		src, err := interfaceIPv4(iface)
		if err != nil {
			return nil, err
		}
		r := &Route{Interface: iface, Source: src}
		if rt, err := lookupRoute(target); err == nil && rt.Interface == iface {
			r.Gateway = rt.Gateway
		}
		return r, nil
	}

	r, err := lookupRoute(target)
	if err == nil && r.Interface != "" && !r.Source.IsValid() {
		r.Source, err = interfaceIPv4(r.Interface)
	}
	if err == nil {
		return r, nil
	}

	src, dialErr := dialSource(target)
	if dialErr != nil {
		return nil, fmt.Errorf("netinfo: no route to %s: %w", target, errors.Join(err, dialErr))
	}
	return &Route{Source: src, Interface: interfaceFor(src)}, nil
}

func interfaceIPv4(name string) (netip.Addr, error) {
	ifc, err := net.InterfaceByName(name)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("interface not found: %w", err)
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to get addrs: %w", err)
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok {
			if v4 := ipNet.IP.To4(); v4 != nil {
				return netip.AddrFrom4([4]byte(v4)), nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("no IPv4 address found on %s", name)
}

// interfaceFor names the interface holding src, or "" if none does.
func interfaceFor(src netip.Addr) string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, ifc := range ifaces {
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok {
				if v4 := ipNet.IP.To4(); v4 != nil && netip.AddrFrom4([4]byte(v4)) == src {
					return ifc.Name
				}
			}
		}
	}
	return ""
}

// dialSource asks the kernel which source it would use. Connecting a UDP
// socket sends nothing.
func dialSource(target netip.Addr) (netip.Addr, error) {
	conn, err := net.Dial("udp4", netip.AddrPortFrom(target, 9).String())
	if err != nil {
		return netip.Addr{}, err
	}
	defer conn.Close()
	ap, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return netip.Addr{}, err
	}
	return ap.Addr().Unmap(), nil
}

type routeEntry struct {
	iface   string
	prefix  netip.Prefix
	gateway netip.Addr
	metric  int
}

// parseProcRoute reads the /proc/net/route format: a header line, then
// Iface Destination Gateway Flags RefCnt Use Metric Mask ... with the
// addresses in little-endian hex. Routes that are not up are skipped.
func parseProcRoute(r io.Reader) ([]routeEntry, error) {
	const rtfUp = 0x1

	var out []routeEntry
	scanner := bufio.NewScanner(r)
	scanner.Scan() // Skip header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		flags, err := strconv.ParseUint(fields[3], 16, 16)
		if err != nil || flags&rtfUp == 0 {
			continue
		}
		dst, err1 := parseHexIP(fields[1])
		gw, err2 := parseHexIP(fields[2])
		mask, err3 := parseHexIP(fields[7])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}
		metric, _ := strconv.Atoi(fields[6])
		bits := maskBits(mask)
		if bits < 0 {
			continue
		}
		e := routeEntry{iface: fields[0], prefix: netip.PrefixFrom(dst, bits).Masked(), metric: metric}
		if !gw.IsUnspecified() {
			e.gateway = gw
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

// bestRoute picks the longest matching prefix, then the lowest metric.
func bestRoute(entries []routeEntry, target netip.Addr) (*Route, error) {
	var best *routeEntry
	for i := range entries {
		e := &entries[i]
		if !e.prefix.Contains(target) {
			continue
		}
		if best == nil || e.prefix.Bits() > best.prefix.Bits() ||
			(e.prefix.Bits() == best.prefix.Bits() && e.metric < best.metric) {
			best = e
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no route found for %s", target)
	}
	return &Route{Interface: best.iface, Gateway: best.gateway}, nil
}

// parseRouteGet reads the output of BSD `route -n get <addr>`.
func parseRouteGet(r io.Reader) (*Route, error) {
	rt := &Route{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "interface":
			rt.Interface = val
		case "gateway":
			if a, err := netip.ParseAddr(val); err == nil && a.Is4() {
				rt.Gateway = a
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if rt.Interface == "" {
		return nil, fmt.Errorf("no interface in route output")
	}
	return rt, nil
}

// parseHexIP decodes a little-endian hex IPv4 address.
func parseHexIP(s string) (netip.Addr, error) {
	d, err := hex.DecodeString(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(d) != 4 {
		return netip.Addr{}, fmt.Errorf("invalid IP length")
	}
	return netip.AddrFrom4([4]byte{d[3], d[2], d[1], d[0]}), nil
}

// maskBits returns the prefix length of a contiguous mask, or -1.
func maskBits(mask netip.Addr) int {
	b := mask.As4()
	ones, _ := net.IPv4Mask(b[0], b[1], b[2], b[3]).Size()
	if ones == 0 && mask != netip.IPv4Unspecified() {
		return -1
	}
	return ones
}
