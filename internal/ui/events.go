package ui

import (
	"time"

	"rs_osprobe/internal/output"
	"rs_osprobe/internal/session"
)

// EventType classifies probe events for the UI.
type EventType int

const (
	EvtProbing EventType = iota // first probe to a target went out
	EvtReply                    // a probe was answered
	EvtResult                   // target analyzed
	EvtInfo
	EvtDone
)

// ScanEvent is a single event emitted by the probe engine to the UI.
type ScanEvent struct {
	Type   EventType
	IP     string
	Probe  string // probe name for EvtReply
	Flags  string // reply flags for EvtReply
	TTL    uint8
	Result *output.Result // for EvtResult
	Msg    string         // for EvtInfo
}

// ScanStats contains periodic stats for the UI.
type ScanStats struct {
	Sent          uint64
	Recv          uint64
	Targets       uint64
	Finished      uint64
	Fingerprinted uint64
	Elapsed       time.Duration
	Progress      float64 // 0.0 - 1.0
	Rate          float64
}

// FromSession maps a session progress event. Only the first probe sent
// and accepted replies are of interest to the UI.
func FromSession(ev session.Event) (ScanEvent, bool) {
	ip := ""
	if ev.Target != nil {
		ip = ev.Target.String()
	}
	switch ev.Kind {
	case session.EventProbeSent:
		if ev.Ordinal != 1 {
			return ScanEvent{}, false
		}
		return ScanEvent{Type: EvtProbing, IP: ip, Probe: ev.Probe}, true
	case session.EventReply:
		return ScanEvent{Type: EvtReply, IP: ip, Probe: ev.Probe, Flags: ev.Flags.String(), TTL: ev.TTL}, true
	}
	return ScanEvent{}, false
}

// FromResult wraps an analyzed target.
func FromResult(res *output.Result) ScanEvent {
	return ScanEvent{Type: EvtResult, IP: res.Target, TTL: res.TTL, Result: res}
}

// Mode selects the UI output mode.
type Mode int

const (
	ModeTUI    Mode = iota // full bubbletea interactive
	ModeText               // simple \r status + \n results
	ModeSilent             // no terminal output
)
