package osfp

import (
	"strconv"
	"strings"

	"rs_osprobe/internal/packet"
	"rs_osprobe/internal/probe"
	"rs_osprobe/internal/tcpip"
)

// seqIndex returns k for a SEQ probe named "P<k>", or 0.
func seqIndex(name string) int {
	if len(name) < 2 || name[0] != 'P' {
		return 0
	}
	k, err := strconv.Atoi(name[1:])
	if err != nil || k < 1 || k > probe.SequenceSize {
		return 0
	}
	return k
}

// OPS renders the option strings of the SEQ replies as
// "OPS(O1=..%O2=..%...)". Probes without a reply leave their value empty.
// It returns "" when the records hold no SEQ probes.
func OPS(records []Record) string {
	return seqLine("OPS", "O", records, func(r Record) string { return r.Options })
}

// WIN renders the windows of the SEQ replies as "WIN(W1=..%W2=..%...)".
func WIN(records []Record) string {
	return seqLine("WIN", "W", records, func(r Record) string {
		return strings.ToUpper(strconv.FormatUint(uint64(r.Window), 16))
	})
}

func seqLine(name, prefix string, records []Record, value func(Record) string) string {
	var parts []string
	for _, r := range records {
		k := seqIndex(r.Probe)
		if k == 0 {
			continue
		}
		v := ""
		if r.Responded {
			v = value(r)
		}
		parts = append(parts, prefix+strconv.Itoa(k)+"="+v)
	}
	if len(parts) == 0 {
		return ""
	}
	return name + "(" + strings.Join(parts, "%") + ")"
}

// Observation is what the signature matchers consume from one session.
type Observation struct {
	// Options maps "O1".."O6" to the option names of the matching SEQ
	// reply. Without SEQ replies, O1 carries the primary reply.
	Options map[string][]string
	// Layout is the option name sequence of the primary reply.
	Layout []string
	TTL    uint8
	Window uint16
	// Primary names the probe whose reply fed Layout, TTL and Window.
	Primary   string
	Responded bool
}

// Observe picks the primary reply (P1, then the first other SEQ reply,
// then T1, then any SYN-bearing reply, then any reply at all) and collects
// matcher inputs. O1 is filled from the primary only when it carries SYN.
func Observe(probes []probe.Probe, responses map[int]*packet.Captured) Observation {
	obs := Observation{Options: make(map[string][]string)}

	var primary *packet.Captured
	var primaryName string
	pick := func(p probe.Probe, c *packet.Captured) {
		if primary == nil {
			primary, primaryName = c, p.Name
		}
	}

	hasSeq := false
	for _, p := range probes {
		k := seqIndex(p.Name)
		c := responses[p.Ordinal]
		if k == 0 || c == nil {
			continue
		}
		hasSeq = true
		obs.Options["O"+strconv.Itoa(k)] = tcpip.Names(c.Options)
		pick(p, c)
	}
	for _, p := range probes {
		if c := responses[p.Ordinal]; p.Name == "T1" && c != nil {
			pick(p, c)
		}
	}
	for _, p := range probes {
		if c := responses[p.Ordinal]; c != nil && c.Flags.Has(tcpip.SYN) {
			pick(p, c)
		}
	}
	// A closed port or a filtered SYN still leaves RST replies to T2-T7.
	for _, p := range probes {
		if c := responses[p.Ordinal]; c != nil {
			pick(p, c)
		}
	}
	if primary == nil {
		return obs
	}

	obs.Responded = true
	obs.Primary = primaryName
	obs.Layout = tcpip.Names(primary.Options)
	obs.TTL = primary.TTL
	obs.Window = primary.Window
	if !hasSeq && primary.Flags.Has(tcpip.SYN) {
		obs.Options["O1"] = obs.Layout
	}
	return obs
}
