package report

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"rs_osprobe/internal/match"
	"rs_osprobe/internal/osfp"
	"rs_osprobe/internal/output"
	"rs_osprobe/internal/packet"
	"rs_osprobe/internal/probe"
	"rs_osprobe/internal/session"
	"rs_osprobe/internal/sigdb"
	"rs_osprobe/internal/tcpip"
)

var (
	src = net.ParseIP("192.0.2.10").To4()
	dst = net.ParseIP("198.51.100.7").To4()
)

func analyzer(top int) *Analyzer {
	p, l := sigdb.Default()
	return &Analyzer{Patterns: p, Layouts: l, Top: top}
}

func linuxSession() *session.Result {
	probes := probe.GenerateWithSequence(src, dst, 40000, 80)
	synack := tcpip.NewFlags(tcpip.SYN, tcpip.ACK)
	return &session.Result{
		Target: dst,
		Probes: probes,
		Responses: map[int]*packet.Captured{
			1: {Ordinal: 1, TTL: 64, Window: 64240, Flags: synack, Ack: probes[0].Seq + 1,
				Options: []tcpip.Option{tcpip.MSS(1460), tcpip.SACKPermitted(), tcpip.Timestamp(1, 0), tcpip.NOP(), tcpip.WScale(7)}},
			9: {Ordinal: 9, TTL: 64, Window: 65160, Flags: synack,
				Options: []tcpip.Option{tcpip.MSS(1460), tcpip.NOP(), tcpip.NOP(), tcpip.Timestamp(1, 0), tcpip.SACKPermitted()}},
			10: {Ordinal: 10, TTL: 64, Window: 65160, Flags: synack,
				Options: []tcpip.Option{tcpip.MSS(1400), tcpip.WScale(0), tcpip.SACKPermitted(), tcpip.Timestamp(1, 0)}},
		},
		Stats:       session.Stats{Sent: 14, Received: 3, Accepted: 3, Elapsed: 2150 * time.Millisecond},
		CompletedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAnalyze_Fingerprint(t *testing.T) {
	out, err := analyzer(3).Analyze(linuxSession(), nil)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if out.Event != output.EventFingerprint || out.Target != "198.51.100.7" || out.Port != 80 {
		t.Errorf("header = %s %s:%d", out.Event, out.Target, out.Port)
	}
	if out.Probes != 14 || out.Responded != 3 || len(out.Fingerprint) != 14 {
		t.Fatalf("probes=%d responded=%d fingerprints=%d", out.Probes, out.Responded, len(out.Fingerprint))
	}
	if !strings.HasPrefix(out.Fingerprint[0], "T1(R=Y%DF=N%T=40%TG=40%W=FAF0%S=Z%A=S+%F=AS%O=M5B4ST10NW7") {
		t.Errorf("T1 = %s", out.Fingerprint[0])
	}
	if out.Fingerprint[1] != "T2(R=N)" {
		t.Errorf("T2 = %s", out.Fingerprint[1])
	}
	if !strings.HasPrefix(out.OPS, "OPS(O1=M5B4NNT10S%O2=M578W0ST10%") {
		t.Errorf("OPS = %s", out.OPS)
	}
	if out.Primary != "P1" || out.TTL != 64 || out.InitialTTL != 64 || out.Hops != 0 {
		t.Errorf("primary = %s ttl=%d initial=%d hops=%d", out.Primary, out.TTL, out.InitialTTL, out.Hops)
	}

	if len(out.PatternMatches) != 3 {
		t.Fatalf("pattern candidates = %d, want top 3", len(out.PatternMatches))
	}
	if top := out.PatternMatches[0]; top.Name != "Linux (Modern Kernel 4.x-6.x)" || top.Score != 100 {
		t.Errorf("top pattern = %+v", top)
	}
	if top := out.LayoutMatches[0]; top.Name != "sig-1" || top.Score != 100 || !top.Matched {
		t.Errorf("top layout = %+v", top)
	}
	if len(out.TTLHints) != 1 || out.TTLHints[0].Name != "ttl-1" {
		t.Errorf("ttl hints = %+v", out.TTLHints)
	}
	if out.Stats.ElapsedMS != 2150 || out.Timestamp != "2026-01-01T00:00:00Z" {
		t.Errorf("stats = %+v, timestamp %s", out.Stats, out.Timestamp)
	}
}

func TestAnalyze_NoResponse(t *testing.T) {
	res := linuxSession()
	res.Responses = map[int]*packet.Captured{}
	out, err := analyzer(0).Analyze(res, context.DeadlineExceeded)
	if err != nil {
		t.Fatal(err)
	}
	if out.Event != output.EventNoResponse || out.Responded != 0 {
		t.Errorf("event = %s responded = %d", out.Event, out.Responded)
	}
	if out.Error != context.DeadlineExceeded.Error() {
		t.Errorf("error = %q", out.Error)
	}
	if len(out.PatternMatches) != 0 || len(out.LayoutMatches) != 0 {
		t.Error("an unanswered target must not be scored")
	}
	for i, fp := range out.Fingerprint {
		if !strings.HasSuffix(fp, "(R=N)") {
			t.Errorf("record %d = %s", i, fp)
		}
	}
}

func TestAnalyze_ResetOnlyHost(t *testing.T) {
	res := linuxSession()
	rst := tcpip.NewFlags(tcpip.RST)
	rstAck := tcpip.NewFlags(tcpip.RST, tcpip.ACK)
	res.Responses = map[int]*packet.Captured{
		2: {Ordinal: 2, TTL: 128, Flags: rstAck},
		3: {Ordinal: 3, TTL: 128, Flags: rstAck},
		4: {Ordinal: 4, TTL: 128, Flags: rst},
		6: {Ordinal: 6, TTL: 128, Flags: rst},
	}
	out, err := analyzer(0).Analyze(res, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Event != output.EventFingerprint || out.Responded != 4 {
		t.Fatalf("event = %s responded = %d", out.Event, out.Responded)
	}
	if !strings.HasPrefix(out.Fingerprint[1], "T2(R=Y%DF=N%T=80%TG=80%") || !strings.Contains(out.Fingerprint[1], "F=AR") {
		t.Errorf("T2 = %s", out.Fingerprint[1])
	}
	if out.Primary != "T2" || out.TTL != 128 || out.InitialTTL != 128 || out.Hops != 0 {
		t.Errorf("primary = %s ttl=%d initial=%d hops=%d", out.Primary, out.TTL, out.InitialTTL, out.Hops)
	}
	if len(out.TTLHints) == 0 || out.TTLHints[0].Name != "ttl-2" {
		t.Errorf("ttl hints = %+v", out.TTLHints)
	}
	if len(out.PatternMatches) == 0 || len(out.LayoutMatches) == 0 {
		t.Errorf("patterns = %d layouts = %d, want both scored", len(out.PatternMatches), len(out.LayoutMatches))
	}
}

func TestAnalyze_TransportError(t *testing.T) {
	runErr := &session.TransportError{Ordinal: 4, Probe: "T4", Err: errors.New("sendto: no buffer space")}
	out, err := analyzer(0).Analyze(linuxSession(), fmt.Errorf("probe %s: %w", dst, runErr))
	if err != nil {
		t.Fatal(err)
	}
	if out.Event != output.EventError || !strings.Contains(out.Error, "T4") {
		t.Errorf("event = %s error = %q", out.Event, out.Error)
	}
	if len(out.PatternMatches) == 0 {
		t.Error("collected replies should still be scored")
	}
}

func TestScore_WithoutSequenceProbes(t *testing.T) {
	a := analyzer(0)
	probes := probe.Generate(src, dst, 40000, 80)
	res := &session.Result{
		Target: dst,
		Probes: probes,
		Responses: map[int]*packet.Captured{
			1: {Ordinal: 1, TTL: 120, Flags: tcpip.NewFlags(tcpip.SYN, tcpip.ACK),
				Options: []tcpip.Option{tcpip.MSS(1460), tcpip.NOP(), tcpip.WScale(8), tcpip.NOP(), tcpip.NOP(), tcpip.SACKPermitted()}},
		},
	}
	out, err := a.Analyze(res, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.OPS != "" || out.Primary != "T1" {
		t.Errorf("ops = %q primary = %s", out.OPS, out.Primary)
	}
	if out.LayoutMatches[0].Name != "nmap-windows-legacy" {
		t.Errorf("top layout = %+v", out.LayoutMatches[0])
	}
	if len(out.LayoutMatches) != len(a.Layouts.Signatures) {
		t.Errorf("Top 0 should keep every signature")
	}
}

func TestScoreWithPatterns_LettersMatchNames(t *testing.T) {
	a := analyzer(0)
	names := []string{"MSS", "NOP", "WSCALE", "NOP", "NOP", "Timestamps", "SACKOK"}
	byName, err := a.Score(osfp.Observation{Options: map[string][]string{"O1": names}, Layout: names})
	if err != nil {
		t.Fatal(err)
	}
	byLetter, err := a.ScoreWithPatterns(
		osfp.Observation{Options: map[string][]string{"O1": {"EOL"}}, Layout: names},
		map[string]string{"O1": match.ConvertToPattern(names)},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(byName.Pattern) == 0 || len(byName.Pattern) != len(byLetter.Pattern) {
		t.Fatalf("candidates = %d vs %d", len(byName.Pattern), len(byLetter.Pattern))
	}
	for i := range byName.Pattern {
		if byName.Pattern[i].OS != byLetter.Pattern[i].OS || byName.Pattern[i].Score != byLetter.Pattern[i].Score {
			t.Errorf("rank %d: %s %.2f vs %s %.2f", i, byName.Pattern[i].OS, byName.Pattern[i].Score,
				byLetter.Pattern[i].OS, byLetter.Pattern[i].Score)
		}
	}
	if len(byLetter.TTL) != 0 {
		t.Error("no TTL hints without a reply TTL")
	}
}
