// Package osfp renders probe/reply pairs into Nmap-style per-probe
// fingerprint lines ("T1(R=Y%DF=Y%T=40%...)") and extracts the inputs of
// the signature matchers from a finished session.
package osfp

import (
	"fmt"
	"strings"

	"rs_osprobe/internal/packet"
	"rs_osprobe/internal/probe"
	"rs_osprobe/internal/tcpip"
)

// Record is the fingerprint of one probe. A probe without a correlated
// reply has Responded == false and renders as "Name(R=N)".
type Record struct {
	Ordinal   int
	Probe     string
	Responded bool

	DF      bool
	TTL     uint8
	Window  uint16
	Seq     string // S field
	Ack     string // A field
	Flags   tcpip.Flags
	Options string // O field
	RD      int
	Quirks  string // Q field
}

// Assemble builds the record for probe p and its reply c (nil if none).
func Assemble(p probe.Probe, c *packet.Captured) Record {
	r := Record{Ordinal: p.Ordinal, Probe: p.Name}
	if c == nil {
		return r
	}
	r.Responded = true
	r.DF = c.DontFragment
	r.TTL = c.TTL
	r.Window = c.Window
	r.Seq = seqBehavior(c.Seq, p.Ack)
	r.Ack = ackBehavior(c.Ack, p.Seq)
	r.Flags = c.Flags
	r.Options = OptionString(c.Options)
	r.RD = c.PayloadLen
	r.Quirks = quirks(c)
	return r
}

// AssembleAll returns one record per probe, in probe order.
func AssembleAll(probes []probe.Probe, responses map[int]*packet.Captured) []Record {
	out := make([]Record, len(probes))
	for i, p := range probes {
		out[i] = Assemble(p, responses[p.Ordinal])
	}
	return out
}

// String renders the record. The field order R,DF,T,TG,W,S,A,F,O,RD,Q is
// fixed; downstream tooling splits on it.
func (r Record) String() string {
	if !r.Responded {
		return r.Probe + "(R=N)"
	}
	var b strings.Builder
	b.Grow(64)
	b.WriteString(r.Probe)
	b.WriteString("(R=Y%DF=")
	b.WriteString(yn(r.DF))
	fmt.Fprintf(&b, "%%T=%02X", r.TTL)
	b.WriteString("%TG=")
	b.WriteString(TTLGuess(r.TTL))
	fmt.Fprintf(&b, "%%W=%X", r.Window)
	b.WriteString("%S=")
	b.WriteString(r.Seq)
	b.WriteString("%A=")
	b.WriteString(r.Ack)
	b.WriteString("%F=")
	b.WriteString(r.Flags.String())
	b.WriteString("%O=")
	b.WriteString(r.Options)
	fmt.Fprintf(&b, "%%RD=%d", r.RD)
	b.WriteString("%Q=")
	b.WriteString(r.Quirks)
	b.WriteByte(')')
	return b.String()
}

func yn(v bool) string {
	if v {
		return "Y"
	}
	return "N"
}

// seqBehavior classifies the reply sequence number against the
// acknowledgment number the probe carried.
func seqBehavior(seq, probeAck uint32) string {
	switch {
	case seq == 0:
		return "Z"
	case seq == probeAck:
		return "A"
	case seq == probeAck+1:
		return "A+"
	default:
		return "O"
	}
}

// ackBehavior classifies the reply acknowledgment number against the
// sequence number the probe carried.
func ackBehavior(ack, probeSeq uint32) string {
	switch {
	case ack == 0:
		return "Z"
	case ack == probeSeq:
		return "S"
	case ack == probeSeq+1:
		return "S+"
	default:
		return "O"
	}
}

// quirks reports R for reserved header bits and U for a non-zero urgent
// pointer without URG.
func quirks(c *packet.Captured) string {
	var q string
	if c.Reserved {
		q += "R"
	}
	if c.Urgent != 0 && !c.Flags.Has(tcpip.URG) {
		q += "U"
	}
	return q
}
