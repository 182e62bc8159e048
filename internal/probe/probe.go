// Package probe builds the fixed TCP probe battery used for active OS
// fingerprinting: the Nmap T1-T7 and ECN tests, optionally followed by the
// six SEQ option probes P1-P6.
//
// Every probe in a battery carries its own source port (base + ordinal - 1).
// The target answers to that port, so the destination port of a reply maps
// back to exactly one ordinal regardless of which flags the reply carries.
package probe

import (
	"net"

	"rs_osprobe/internal/tcpip"
)

// Probe is a single crafted TCP segment. Probes are values and are never
// modified after generation.
type Probe struct {
	Ordinal    int // 1-based position in the generated battery
	Name       string
	Flags      tcpip.Flags
	Options    []tcpip.Option
	SourceIP   net.IP
	DestIP     net.IP
	SourcePort uint16
	DestPort   uint16
	Seq        uint32
	Ack        uint32
	Window     uint16
}

// BatterySize is the number of probes returned by Generate.
const BatterySize = 8

// SequenceSize is the number of SEQ probes appended by GenerateWithSequence.
const SequenceSize = 6

type template struct {
	name    string
	flags   tcpip.Flags
	window  uint16
	options func() []tcpip.Option
}

// fullOptions is the T1/ECN option set: MSS=1460, WSCALE=10, NOP,
// TIMESTAMP, SACK_PERMITTED, EOL. The codec pads it to a 4-byte boundary.
func fullOptions() []tcpip.Option {
	return []tcpip.Option{
		tcpip.MSS(1460),
		tcpip.WScale(10),
		tcpip.NOP(),
		tcpip.Timestamp(0xFFFFFFFF, 0),
		tcpip.SACKPermitted(),
		tcpip.EOL(),
	}
}

func noOptions() []tcpip.Option { return nil }

var battery = [BatterySize]template{
	{"T1", tcpip.SYN, 1024, fullOptions},
	{"T2", 0, 128, noOptions},
	{"T3", tcpip.NewFlags(tcpip.SYN, tcpip.FIN, tcpip.URG, tcpip.PSH), 256, noOptions},
	{"T4", tcpip.ACK, 1024, noOptions},
	{"T5", tcpip.SYN, 31337, noOptions},
	{"T6", tcpip.ACK, 32768, noOptions},
	{"T7", tcpip.NewFlags(tcpip.FIN, tcpip.PSH, tcpip.URG), 65535, noOptions},
	{"ECN", tcpip.NewFlags(tcpip.SYN, tcpip.ECE, tcpip.CWR), 3, fullOptions},
}

// Nmap SEQ probe option sets and windows.
var sequence = [SequenceSize]template{
	{"P1", tcpip.SYN, 1, func() []tcpip.Option {
		return []tcpip.Option{tcpip.WScale(10), tcpip.NOP(), tcpip.MSS(1460), tcpip.Timestamp(0xFFFFFFFF, 0), tcpip.SACKPermitted()}
	}},
	{"P2", tcpip.SYN, 63, func() []tcpip.Option {
		return []tcpip.Option{tcpip.MSS(1400), tcpip.WScale(0), tcpip.SACKPermitted(), tcpip.Timestamp(0xFFFFFFFF, 0), tcpip.EOL()}
	}},
	{"P3", tcpip.SYN, 4, func() []tcpip.Option {
		return []tcpip.Option{tcpip.Timestamp(0xFFFFFFFF, 0), tcpip.NOP(), tcpip.NOP(), tcpip.WScale(5), tcpip.NOP(), tcpip.MSS(640)}
	}},
	{"P4", tcpip.SYN, 4, func() []tcpip.Option {
		return []tcpip.Option{tcpip.SACKPermitted(), tcpip.Timestamp(0xFFFFFFFF, 0), tcpip.WScale(10), tcpip.EOL()}
	}},
	{"P5", tcpip.SYN, 16, func() []tcpip.Option {
		return []tcpip.Option{tcpip.MSS(536), tcpip.SACKPermitted(), tcpip.Timestamp(0xFFFFFFFF, 0), tcpip.WScale(10), tcpip.EOL()}
	}},
	{"P6", tcpip.SYN, 512, func() []tcpip.Option {
		return []tcpip.Option{tcpip.MSS(265), tcpip.SACKPermitted(), tcpip.Timestamp(0xFFFFFFFF, 0)}
	}},
}

// Generate returns the eight-probe battery T1..T7, ECN for the given tuple.
// Ordinals are positional (1..8). Identical inputs yield identical probes.
// Probe i uses srcPort+i-1; the caller keeps that block below 65536, as a
// wrapped block reaches port 0 and is rejected by session.New.
func Generate(src, dst net.IP, srcPort, dstPort uint16) []Probe {
	return build(src, dst, srcPort, dstPort, battery[:])
}

// GenerateWithSequence returns the Generate battery followed by P1..P6
// (ordinals 9..14). The SEQ replies feed the O1..O6 option observation.
func GenerateWithSequence(src, dst net.IP, srcPort, dstPort uint16) []Probe {
	all := make([]template, 0, BatterySize+SequenceSize)
	all = append(all, battery[:]...)
	all = append(all, sequence[:]...)
	return build(src, dst, srcPort, dstPort, all)
}

func build(src, dst net.IP, srcPort, dstPort uint16, tmpls []template) []Probe {
	h := tupleHash(src, dst, srcPort, dstPort)
	seqBase, ackBase := uint32(h), uint32(h>>32)

	out := make([]Probe, len(tmpls))
	for i, t := range tmpls {
		ord := i + 1
		p := Probe{
			Ordinal:    ord,
			Name:       t.name,
			Flags:      t.flags,
			Options:    t.options(),
			SourceIP:   copyIP(src),
			DestIP:     copyIP(dst),
			SourcePort: srcPort + uint16(i),
			DestPort:   dstPort,
			Seq:        seqBase + uint32(ord)<<8,
			Window:     t.window,
		}
		if t.flags.Has(tcpip.ACK) {
			p.Ack = ackBase + uint32(ord)<<8
		}
		out[i] = p
	}
	return out
}

// IndexByPort maps each probe's source port to its ordinal. A reply's
// destination port is looked up here to recover the probe it answers.
func IndexByPort(probes []Probe) map[uint16]int {
	idx := make(map[uint16]int, len(probes))
	for _, p := range probes {
		idx[p.SourcePort] = p.Ordinal
	}
	return idx
}

// tupleHash is FNV-1a over the IPv4 4-tuple. It seeds the sequence and
// acknowledgment numbers so generation stays deterministic.
func tupleHash(src, dst net.IP, srcPort, dstPort uint16) uint64 {
	const (
		offset = uint64(14695981039346656037)
		prime  = uint64(1099511628211)
	)
	h := offset
	for _, b := range ip4(src) {
		h ^= uint64(b)
		h *= prime
	}
	for _, b := range ip4(dst) {
		h ^= uint64(b)
		h *= prime
	}
	h ^= uint64(srcPort) | uint64(dstPort)<<16
	h *= prime
	return h
}

func ip4(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

func copyIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	out := make(net.IP, len(ip))
	copy(out, ip)
	return out
}
