package targets

import (
	"bytes"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func addrStrings(addrs []netip.Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{
			name:    "cidr",
			include: []string{"192.168.1.0/30"},
			want:    []string{"192.168.1.0", "192.168.1.1", "192.168.1.2", "192.168.1.3"},
		},
		{
			name:    "unmasked cidr",
			include: []string{"192.168.1.3/31"},
			want:    []string{"192.168.1.2", "192.168.1.3"},
		},
		{
			name:    "octet range",
			include: []string{"10.0.1-2.1-2"},
			want:    []string{"10.0.1.1", "10.0.1.2", "10.0.2.1", "10.0.2.2"},
		},
		{
			name:    "full range",
			include: []string{"10.0.0.254-10.0.1.1"},
			want:    []string{"10.0.0.254", "10.0.0.255", "10.0.1.0", "10.0.1.1"},
		},
		{
			name:    "duplicates collapse",
			include: []string{"10.0.0.1", " 10.0.0.1 ", "10.0.0.0/31", ""},
			want:    []string{"10.0.0.0", "10.0.0.1"},
		},
		{
			name:    "exclusions",
			include: []string{"192.168.1.0/29"},
			exclude: []string{"192.168.1.0", "192.168.1.4/30", "192.168.1.2-192.168.1.2"},
			want:    []string{"192.168.1.1", "192.168.1.3"},
		},
	}
	for _, tc := range tests {
		s, err := Parse(tc.include, tc.exclude)
		if err != nil {
			t.Fatalf("%s: Parse: %v", tc.name, err)
		}
		got := addrStrings(s.Addrs(false))
		if strings.Join(got, ",") != strings.Join(tc.want, ",") {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
		if s.Len() != len(tc.want) {
			t.Errorf("%s: Len = %d, want %d", tc.name, s.Len(), len(tc.want))
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
	}{
		{"empty", nil, nil},
		{"blank only", []string{" "}, nil},
		{"ipv6", []string{"2001:db8::1"}, nil},
		{"ipv6 cidr", []string{"2001:db8::/64"}, nil},
		{"garbage", []string{"not-an-ip"}, nil},
		{"octet out of bounds", []string{"10.0.0.1-300"}, nil},
		{"reversed octets", []string{"10.0.0.9-3"}, nil},
		{"all excluded", []string{"10.0.0.0/30"}, []string{"10.0.0.0/24"}},
		{"bad exclude", []string{"10.0.0.1"}, []string{"x"}},
	}
	for _, tc := range tests {
		if _, err := Parse(tc.include, tc.exclude); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestParse_TooMany(t *testing.T) {
	_, err := Parse([]string{"10.0.0.0/8"}, nil)
	if !errors.Is(err, ErrTooMany) {
		t.Fatalf("err = %v, want ErrTooMany", err)
	}
	s, err := Parse([]string{"10.0.0.0/8"}, []string{"10.0.0.0/9", "10.128.0.0/10", "10.192.0.0/11", "10.224.0.0/12", "10.240.0.0/13", "10.248.0.0/14", "10.252.0.0/15", "10.254.0.0/16"})
	if err != nil {
		t.Fatalf("excluded down to a /16: %v", err)
	}
	if s.Len() != 1<<16 {
		t.Errorf("Len = %d, want 65536", s.Len())
	}
}

func TestContains(t *testing.T) {
	s, err := Parse([]string{"172.16.0.0/24"}, []string{"172.16.0.7"})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Contains(netip.MustParseAddr("172.16.0.8")) {
		t.Error("172.16.0.8 should be a target")
	}
	if s.Contains(netip.MustParseAddr("172.16.0.7")) {
		t.Error("172.16.0.7 was excluded")
	}
}

func TestAddrs_Random(t *testing.T) {
	s, err := Parse([]string{"192.168.0.0/24"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	random := s.Addrs(true)
	if len(random) != 256 {
		t.Fatalf("len = %d, want 256", len(random))
	}
	seen := make(map[netip.Addr]bool, len(random))
	for _, a := range random {
		if !s.Contains(a) || seen[a] {
			t.Fatalf("bad or repeated address %s", a)
		}
		seen[a] = true
	}
}

func TestShuffle_Deterministic(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	key := bytes.Repeat([]byte{0x5a}, feistelRounds*8)
	a := shuffle(items, bytes.NewReader(key))
	b := shuffle(items, bytes.NewReader(key))
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same key gave different orders: %v vs %v", a, b)
		}
	}
	seen := make(map[int]bool)
	for _, v := range a {
		seen[v] = true
	}
	if len(seen) != len(items) {
		t.Errorf("shuffle lost items: %v", a)
	}
}

func TestPermutation(t *testing.T) {
	size := uint64(100)
	perm := newPermutation(size, bytes.NewReader(make([]byte, feistelRounds*8)))

	seen := make(map[uint64]bool)
	for i := uint64(0); i < size; i++ {
		val := perm.permute(i)
		if val >= size {
			t.Errorf("Value %d out of bounds (size %d)", val, size)
		}
		if seen[val] {
			t.Errorf("Duplicate value %d at index %d", val, i)
		}
		seen[val] = true
	}
}

func TestReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.txt")
	content := "# lab hosts\n10.0.0.1\n\n  10.0.0.0/30  \n# end\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines: %v", err)
	}
	if strings.Join(lines, "|") != "10.0.0.1|10.0.0.0/30" {
		t.Errorf("lines = %q", lines)
	}
}
