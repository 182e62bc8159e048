// Package targets expands target specifications into a deduplicated set of
// IPv4 hosts. A spec is a single address, a CIDR block, a full range
// ("10.0.0.1-10.0.0.20") or an octet range ("192.168.1-2.10-20").
package targets

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"go4.org/netipx"
)

// MaxTargets bounds the expanded set; one session runs per address.
const MaxTargets = 1 << 16

// ErrTooMany is returned when the include list expands past MaxTargets.
var ErrTooMany = errors.New("targets: too many addresses")

// Set is an immutable set of IPv4 target addresses.
type Set struct {
	ips   *netipx.IPSet
	count uint64
}

// Parse builds the set of include minus exclude. Blank entries are skipped.
func Parse(include, exclude []string) (*Set, error) {
	var b netipx.IPSetBuilder
	var included int
	for _, raw := range include {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := addSpec(raw, b.AddRange); err != nil {
			return nil, fmt.Errorf("invalid target %s: %w", raw, err)
		}
		included++
	}
	if included == 0 {
		return nil, errors.New("targets: no targets specified")
	}
	for _, raw := range exclude {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := addSpec(raw, b.RemoveRange); err != nil {
			return nil, fmt.Errorf("invalid exclude %s: %w", raw, err)
		}
	}

	ips, err := b.IPSet()
	if err != nil {
		return nil, err
	}
	s := &Set{ips: ips}
	for _, r := range ips.Ranges() {
		s.count += rangeSize(r)
	}
	if s.count == 0 {
		return nil, errors.New("targets: no targets remain after applying excludes")
	}
	if s.count > MaxTargets {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrTooMany, s.count, MaxTargets)
	}
	return s, nil
}

func addSpec(spec string, apply func(netipx.IPRange)) error {
	switch {
	case strings.Contains(spec, "/"):
		p, err := netip.ParsePrefix(spec)
		if err != nil {
			return err
		}
		if !p.Addr().Is4() {
			return errors.New("only IPv4 is supported")
		}
		apply(netipx.RangeOfPrefix(p.Masked()))
		return nil

	case strings.Count(spec, "-") == 1 && strings.Count(spec, ".") == 6:
		r, err := netipx.ParseIPRange(spec)
		if err != nil {
			return err
		}
		if !r.From().Is4() {
			return errors.New("only IPv4 is supported")
		}
		apply(r)
		return nil

	case strings.Contains(spec, "-"):
		ranges, err := octetRanges(spec)
		if err != nil {
			return err
		}
		for _, r := range ranges {
			apply(r)
		}
		return nil
	}

	a, err := netip.ParseAddr(spec)
	if err != nil {
		return err
	}
	if !a.Is4() {
		return errors.New("only IPv4 is supported")
	}
	apply(netipx.IPRangeFrom(a, a))
	return nil
}

// octetRanges expands "A.B.C.D", where each part is "X" or "X-Y", into one
// contiguous range per combination of the first three octets.
func octetRanges(spec string) ([]netipx.IPRange, error) {
	parts := strings.Split(spec, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid IP range format: %s", spec)
	}
	var bounds [4][2]int
	for i, part := range parts {
		lo, hi, err := parseOctetRange(part)
		if err != nil {
			return nil, err
		}
		bounds[i] = [2]int{lo, hi}
	}

	var out []netipx.IPRange
	for a := bounds[0][0]; a <= bounds[0][1]; a++ {
		for b := bounds[1][0]; b <= bounds[1][1]; b++ {
			for c := bounds[2][0]; c <= bounds[2][1]; c++ {
				from := netip.AddrFrom4([4]byte{byte(a), byte(b), byte(c), byte(bounds[3][0])})
				to := netip.AddrFrom4([4]byte{byte(a), byte(b), byte(c), byte(bounds[3][1])})
				out = append(out, netipx.IPRangeFrom(from, to))
				if len(out) > MaxTargets {
					return nil, ErrTooMany
				}
			}
		}
	}
	return out, nil
}

// ReadLines reads one target per line, skipping blanks and # comments.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// Len is the number of addresses in the set.
func (s *Set) Len() int { return int(s.count) }

// Contains reports whether a is a target.
func (s *Set) Contains(a netip.Addr) bool { return s.ips.Contains(a) }

// Addrs lists every address, ascending, or in a random order when random
// is set.
func (s *Set) Addrs(random bool) []netip.Addr {
	out := make([]netip.Addr, 0, s.count)
	for _, r := range s.ips.Ranges() {
		for a := r.From(); ; a = a.Next() {
			out = append(out, a)
			if a == r.To() {
				break
			}
		}
	}
	if !random {
		return out
	}
	return shuffle(out, nil)
}

func rangeSize(r netipx.IPRange) uint64 {
	from, to := r.From().As4(), r.To().As4()
	lo := uint64(from[0])<<24 | uint64(from[1])<<16 | uint64(from[2])<<8 | uint64(from[3])
	hi := uint64(to[0])<<24 | uint64(to[1])<<16 | uint64(to[2])<<8 | uint64(to[3])
	return hi - lo + 1
}
