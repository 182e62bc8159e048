package tcpip

import "strings"

// Flags is the set of TCP control bits, stored with their wire bit values.
type Flags uint8

const (
	FIN Flags = 0x01
	SYN Flags = 0x02
	RST Flags = 0x04
	PSH Flags = 0x08
	ACK Flags = 0x10
	URG Flags = 0x20
	ECE Flags = 0x40
	CWR Flags = 0x80
)

// canonicalOrder is the Nmap rendering order: A, S, R, F, P, U, E, C.
var canonicalOrder = [...]struct {
	flag Flags
	char byte
}{
	{ACK, 'A'},
	{SYN, 'S'},
	{RST, 'R'},
	{FIN, 'F'},
	{PSH, 'P'},
	{URG, 'U'},
	{ECE, 'E'},
	{CWR, 'C'},
}

// NewFlags builds a set from individual flags. Argument order does not matter.
func NewFlags(fs ...Flags) Flags {
	var out Flags
	for _, f := range fs {
		out |= f
	}
	return out
}

// Has reports whether every bit in f is set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// String renders the set in canonical order, one character per set flag.
// An empty set renders as "".
func (fl Flags) String() string {
	var b strings.Builder
	for _, c := range canonicalOrder {
		if fl&c.flag != 0 {
			b.WriteByte(c.char)
		}
	}
	return b.String()
}

// Names returns the long flag names in canonical order, e.g. ["SYN", "FIN"].
func (fl Flags) Names() []string {
	var names []string
	for _, c := range canonicalOrder {
		if fl&c.flag == 0 {
			continue
		}
		switch c.flag {
		case ACK:
			names = append(names, "ACK")
		case SYN:
			names = append(names, "SYN")
		case RST:
			names = append(names, "RST")
		case FIN:
			names = append(names, "FIN")
		case PSH:
			names = append(names, "PSH")
		case URG:
			names = append(names, "URG")
		case ECE:
			names = append(names, "ECE")
		case CWR:
			names = append(names, "CWR")
		}
	}
	return names
}
