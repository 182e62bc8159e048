package ui

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"rs_osprobe/internal/output"
	"rs_osprobe/internal/session"
	"rs_osprobe/internal/tcpip"
)

func newTestModel() Model {
	var running int32 = 1
	m := NewModel("192.168.1.0/24", 80, "eth0", "raw", &running)
	m.width = 120
	m.height = 40
	return m
}

func fingerprint(ip, osName string, score float64) *output.Result {
	return &output.Result{
		Event:       output.EventFingerprint,
		Target:      ip,
		Port:        80,
		Fingerprint: []string{"T1(R=Y%DF=Y%T=40%TG=40%W=FAF0%S=O%A=S+%F=AS%O=M5B4NNT11%RD=0%Q=)", "T2(R=N)"},
		Responded:   1,
		Probes:      2,
		TTL:         64,
		PatternMatches: []output.Candidate{
			{Name: osName, Score: score},
			{Name: "FreeBSD / OpenBSD", Score: 40},
		},
		LayoutMatches: []output.Candidate{{Name: "sig-1", Score: 100, Matched: true}},
	}
}

func silent(ip string) *output.Result {
	return &output.Result{Event: output.EventNoResponse, Target: ip, Port: 80, Probes: 8}
}

func TestModelUpdate_ProbingThenResult(t *testing.T) {
	m := newTestModel()

	newModel, _ := m.Update(ScanEvent{Type: EvtProbing, IP: "192.168.1.1", Probe: "T1"})
	m = newModel.(Model)
	row := m.rows["192.168.1.1"]
	if row == nil || row.State != stateProbing {
		t.Fatalf("expected probing row, got %+v", row)
	}

	newModel, _ = m.Update(ScanEvent{Type: EvtReply, IP: "192.168.1.1", Probe: "T1", Flags: "SA", TTL: 64})
	m = newModel.(Model)
	if row.Replies != 1 || row.TTL != 64 || row.LastInfo != "T1 SA" {
		t.Fatalf("reply not recorded: %+v", row)
	}

	newModel, _ = m.Update(FromResult(fingerprint("192.168.1.1", "Linux (Modern Kernel 4.x-6.x)", 95)))
	m = newModel.(Model)

	if len(m.rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(m.rows))
	}
	if row.State != stateMatched || row.OS != "Linux (Modern Kernel 4.x-6.x)" || row.Score != 95 || row.Layout != "sig-1" {
		t.Fatalf("result not applied: %+v", row)
	}
	if m.totalAll != 1 || m.totalMatched != 1 || m.totalSilent != 0 {
		t.Fatalf("counters = %d/%d/%d", m.totalAll, m.totalMatched, m.totalSilent)
	}
}

func TestModelUpdate_ResultWithoutProbing(t *testing.T) {
	m := newTestModel()
	m.handleEvent(FromResult(silent("10.0.0.9")))
	row := m.rows["10.0.0.9"]
	if row == nil || row.State != stateSilent {
		t.Fatalf("expected silent row, got %+v", row)
	}
	// A second result for a finished target is ignored.
	m.handleEvent(FromResult(fingerprint("10.0.0.9", "Linux (Modern Kernel 4.x-6.x)", 95)))
	if row.State != stateSilent || m.totalMatched != 0 {
		t.Fatalf("finished row changed: %+v", row)
	}
}

func TestModelUpdate_Error(t *testing.T) {
	m := newTestModel()
	res := silent("10.0.0.3")
	res.Event = output.EventError
	res.Error = "probe T4: sendto: no buffer space"
	m.handleEvent(FromResult(res))
	m.rebuildFiltered()

	if m.rows["10.0.0.3"].State != stateError {
		t.Fatalf("state = %s", m.rows["10.0.0.3"].State)
	}
	if !strings.Contains(m.View(), "no buffer space") {
		t.Fatal("error text should be shown in the OS column")
	}
}

func TestModelUpdate_StatsEvent(t *testing.T) {
	m := newTestModel()

	newModel, _ := m.Update(ScanStats{Sent: 1000, Recv: 50, Targets: 256, Finished: 128, Progress: 0.5, Rate: 5000})
	model := newModel.(Model)

	if model.stats.Sent != 1000 {
		t.Fatalf("expected sent=1000, got %d", model.stats.Sent)
	}
	if model.stats.Progress != 0.5 {
		t.Fatalf("expected progress=0.5, got %f", model.stats.Progress)
	}
}

func TestModelUpdate_DoneEvent(t *testing.T) {
	m := newTestModel()

	_, cmd := m.Update(ScanEvent{Type: EvtDone})
	if cmd == nil {
		t.Fatal("expected quit command on EvtDone")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg, got %T", cmd())
	}
}

func TestModelUpdate_WindowSize(t *testing.T) {
	m := newTestModel()

	newModel, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	model := newModel.(Model)
	if model.width != 100 || model.height != 30 {
		t.Fatalf("size = %dx%d", model.width, model.height)
	}
}

func TestModelView_Renders(t *testing.T) {
	m := newTestModel()
	m.handleEvent(FromResult(fingerprint("192.168.1.1", "Linux (Modern Kernel 4.x-6.x)", 95)))
	m.rebuildFiltered()

	v := m.View()
	for _, want := range []string{"os-probe", "STATE", "192.168.1.1", "Linux (Modern Kernel 4.x-6.x)", "T2(R=N)", "Pattern matches"} {
		if !strings.Contains(v, want) {
			t.Errorf("view should contain %q", want)
		}
	}
}

func TestModelFilter(t *testing.T) {
	m := newTestModel()
	m.handleEvent(ScanEvent{Type: EvtProbing, IP: "10.0.0.1"})
	m.handleEvent(FromResult(fingerprint("10.0.0.2", "Linux (Modern Kernel 4.x-6.x)", 95)))
	m.handleEvent(FromResult(silent("10.0.0.3")))

	for _, tt := range []struct {
		mode int
		want []string
	}{
		{FilterAll, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}},
		{FilterMatched, []string{"10.0.0.2"}},
		{FilterSilent, []string{"10.0.0.3"}},
	} {
		m.filterMode = tt.mode
		m.rebuildFiltered()
		var got []string
		for _, r := range m.filtered {
			got = append(got, r.IP)
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("filter %d: got %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestModelFilterKeys(t *testing.T) {
	m := newTestModel()
	newModel, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	if newModel.(Model).filterMode != FilterMatched {
		t.Fatalf("key 2: filter = %d", newModel.(Model).filterMode)
	}
	newModel, _ = newModel.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("3")})
	if newModel.(Model).filterMode != FilterSilent {
		t.Fatalf("key 3: filter = %d", newModel.(Model).filterMode)
	}
}

func TestModelSearchFilter(t *testing.T) {
	m := newTestModel()
	m.handleEvent(FromResult(fingerprint("10.0.0.1", "Linux (Modern Kernel 4.x-6.x)", 95)))
	m.handleEvent(FromResult(fingerprint("10.0.0.2", "Windows (10/11/Server 2016-2025)", 90)))
	m.handleEvent(FromResult(silent("10.0.0.3")))

	m.searchText = "windows"
	m.rebuildFiltered()
	if len(m.filtered) != 1 || m.filtered[0].IP != "10.0.0.2" {
		t.Fatalf("search 'windows': got %d rows", len(m.filtered))
	}

	m.searchText = "10.0.0.3"
	m.rebuildFiltered()
	if len(m.filtered) != 1 {
		t.Fatalf("search '10.0.0.3': expected 1, got %d", len(m.filtered))
	}
}

func TestModelScrolling(t *testing.T) {
	m := newTestModel()
	m.height = 20

	for i := 0; i < 50; i++ {
		newModel, _ := m.Update(ScanEvent{Type: EvtProbing, IP: fmt.Sprintf("10.0.0.%d", i+1)})
		m = newModel.(Model)
	}

	if m.cursor != 49 {
		t.Fatalf("expected cursor at 49 (follow), got %d", m.cursor)
	}

	m.follow = false
	m.cursor = 0
	m.ensureVisible()
	if m.offset != 0 {
		t.Fatalf("expected offset=0, got %d", m.offset)
	}
}

func TestModelEviction(t *testing.T) {
	m := newTestModel()
	for i := 0; i < maxRows+100; i++ {
		m.handleEvent(ScanEvent{Type: EvtProbing, IP: fmt.Sprintf("10.%d.%d.%d", i>>16&0xFF, i>>8&0xFF, i&0xFF)})
	}

	if len(m.order) > maxRows || len(m.rows) > maxRows {
		t.Fatalf("expected <= %d rows, got %d", maxRows, len(m.order))
	}
	if m.totalAll != maxRows+100 {
		t.Fatalf("totalAll should survive eviction, got %d", m.totalAll)
	}
}

func TestCleanOneLine(t *testing.T) {
	tests := []struct {
		raw  string
		maxW int
		want string
	}{
		{"", 80, ""},
		{"Linux (Modern Kernel 4.x-6.x)", 80, "Linux (Modern Kernel 4.x-6.x)"},
		{"sendto: no buffer space\nretry", 80, "sendto: no buffer space"},
		{"binary\x00data\x01here", 80, `binary\x00data\x01here`},
		{"long " + strings.Repeat("x", 100), 20, "long " + strings.Repeat("x", 14) + "…"},
	}
	for _, tt := range tests {
		if got := cleanOneLine(tt.raw, tt.maxW); got != tt.want {
			t.Errorf("cleanOneLine(%q, %d) = %q, want %q", tt.raw, tt.maxW, got, tt.want)
		}
	}
}

func TestFmtNum(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{65536, "65,536"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		if got := fmtNum(tt.n); got != tt.want {
			t.Errorf("fmtNum(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFmtCompact(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1500, "1.5k"},
		{15000, "15k"},
		{1500000, "1.5M"},
		{15000000, "15M"},
	}
	for _, tt := range tests {
		if got := fmtCompact(tt.n); got != tt.want {
			t.Errorf("fmtCompact(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestTreeView_StructureAndCounts(t *testing.T) {
	m := newTestModel()
	m.handleEvent(FromResult(fingerprint("192.168.1.5", "Linux (Modern Kernel 4.x-6.x)", 95)))
	m.handleEvent(FromResult(fingerprint("192.168.1.1", "Windows (10/11/Server 2016-2025)", 90)))
	m.handleEvent(FromResult(silent("192.168.1.9")))
	m.handleEvent(ScanEvent{Type: EvtProbing, IP: "192.168.2.1"})

	if len(m.subnets) != 2 {
		t.Fatalf("expected 2 subnets, got %d", len(m.subnets))
	}
	sn := m.subnets[0]
	if sn.Prefix.String() != "192.168.1.0/24" {
		t.Fatalf("expected 192.168.1.0/24, got %s", sn.Prefix)
	}
	if len(sn.Hosts) != 3 || sn.Matched != 2 {
		t.Fatalf("hosts=%d matched=%d", len(sn.Hosts), sn.Matched)
	}
	if sn.Hosts[0].Addr.String() != "192.168.1.1" || sn.Hosts[1].Addr.String() != "192.168.1.5" {
		t.Fatal("hosts not sorted")
	}
	if got := subnetOSSummary(sn); got != "  (Linux:1, Windows:1)" {
		t.Fatalf("summary = %q", got)
	}
}

func TestTreeView_ExpandCollapse(t *testing.T) {
	m := newTestModel()
	m.treeMode = true
	m.handleEvent(FromResult(fingerprint("10.0.0.1", "Linux (Modern Kernel 4.x-6.x)", 95)))
	m.handleEvent(ScanEvent{Type: EvtProbing, IP: "10.0.0.2"})

	if m.treeLineCount() != 1 {
		t.Fatalf("expected 1 line (collapsed), got %d", m.treeLineCount())
	}

	m.treeCursor = 0
	m.toggleTreeNode()
	if m.treeLineCount() != 3 {
		t.Fatalf("expected 3 lines (subnet expanded), got %d", m.treeLineCount())
	}

	// Expanded host lists 2 pattern and 1 layout candidate.
	m.treeCursor = 1
	m.toggleTreeNode()
	if m.treeLineCount() != 6 {
		t.Fatalf("expected 6 lines (host expanded), got %d", m.treeLineCount())
	}

	// A host still probing has nothing to expand.
	m.treeCursor = 5
	m.toggleTreeNode()
	if m.treeLineCount() != 6 {
		t.Fatalf("expected 6 lines, got %d", m.treeLineCount())
	}

	m.treeCursor = 0
	m.toggleTreeNode()
	if m.treeLineCount() != 1 {
		t.Fatalf("expected 1 line (collapsed again), got %d", m.treeLineCount())
	}
}

func TestTreeView_Render(t *testing.T) {
	m := newTestModel()
	m.treeMode = true
	m.handleEvent(FromResult(fingerprint("10.0.0.1", "Linux (Modern Kernel 4.x-6.x)", 95)))
	m.subnets[0].Expanded = true

	v := m.View()
	for _, want := range []string{"10.0.0.0/24", "expand", "[Linux (Modern Kernel 4.x-6.x) high]"} {
		if !strings.Contains(v, want) {
			t.Errorf("tree view should contain %q", want)
		}
	}
}

func TestSparkline_Basic(t *testing.T) {
	m := newTestModel()

	m.totalMatched = 10
	m.tickSparkline()
	m.totalMatched = 25
	m.tickSparkline()
	m.totalMatched = 50
	m.tickSparkline()

	if len(m.spark) != 3 {
		t.Fatalf("expected 3 sparkline samples, got %d", len(m.spark))
	}
	if runes := []rune(m.renderSparkline()); len(runes) != 3 {
		t.Fatalf("expected 3 sparkline runes, got %d", len(runes))
	}
}

func TestOSHistogram(t *testing.T) {
	m := newTestModel()
	m.handleEvent(FromResult(fingerprint("10.0.0.1", "Linux (Modern Kernel 4.x-6.x)", 95)))
	m.handleEvent(FromResult(fingerprint("10.0.0.2", "Linux (Modern Kernel 4.x-6.x)", 90)))
	m.handleEvent(FromResult(fingerprint("10.0.0.3", "Windows (10/11/Server 2016-2025)", 90)))

	m.rebuildTopOS()
	if len(m.topOS) != 2 {
		t.Fatalf("expected 2 OS entries, got %d", len(m.topOS))
	}
	if m.topOS[0].Name != "Linux (Modern Kernel 4.x-6.x)" || m.topOS[0].Count != 2 {
		t.Fatalf("top = %+v", m.topOS[0])
	}
}

func TestConfidence(t *testing.T) {
	for score, want := range map[float64]string{100: "high", 80: "high", 79.99: "medium", 50: "medium", 10: "low", 0: ""} {
		if got := confidence(score); got != want {
			t.Errorf("confidence(%v) = %q, want %q", score, got, want)
		}
	}
}

func TestFromSession(t *testing.T) {
	target := net.ParseIP("10.0.0.1").To4()

	ev, ok := FromSession(session.Event{Kind: session.EventProbeSent, Target: target, Ordinal: 1, Probe: "T1"})
	if !ok || ev.Type != EvtProbing || ev.IP != "10.0.0.1" {
		t.Errorf("first probe: %+v %v", ev, ok)
	}
	if _, ok := FromSession(session.Event{Kind: session.EventProbeSent, Target: target, Ordinal: 2}); ok {
		t.Error("later probes should be skipped")
	}

	ev, ok = FromSession(session.Event{Kind: session.EventReply, Target: target, Ordinal: 3, Probe: "T3",
		Flags: tcpip.NewFlags(tcpip.SYN, tcpip.ACK), TTL: 57})
	if !ok || ev.Type != EvtReply || ev.Probe != "T3" || ev.TTL != 57 || ev.Flags == "" {
		t.Errorf("reply: %+v %v", ev, ok)
	}

	if _, ok := FromSession(session.Event{Kind: session.EventDecodeError, Target: target}); ok {
		t.Error("decode errors are not shown")
	}
}

func TestTextPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &TextPrinter{Out: &buf}

	p.PrintEvent(ScanEvent{Type: EvtReply, IP: "10.0.0.1", Probe: "T1"})
	if buf.Len() != 0 {
		t.Fatalf("replies are verbose only, got %q", buf.String())
	}

	p.PrintEvent(FromResult(fingerprint("10.0.0.1", "Linux (Modern Kernel 4.x-6.x)", 95)))
	p.PrintEvent(FromResult(silent("10.0.0.2")))
	out := buf.String()
	if !strings.Contains(out, "[+] 10.0.0.1: Linux (Modern Kernel 4.x-6.x) (95.00, high) 1/2 replies") {
		t.Errorf("missing fingerprint line:\n%s", out)
	}
	if !strings.Contains(out, "[-] SILENT: 10.0.0.2") {
		t.Errorf("missing silent line:\n%s", out)
	}

	buf.Reset()
	p.PrintStats(ScanStats{Sent: 28, Recv: 5, Targets: 2, Finished: 1, Fingerprinted: 1})
	if !strings.HasPrefix(buf.String(), "\rPPS: 0 | Sent: 28") {
		t.Errorf("stats = %q", buf.String())
	}
}

func TestRemaining(t *testing.T) {
	tests := []struct {
		st   ScanStats
		want string
	}{
		{ScanStats{}, ""},
		{ScanStats{Progress: 1, Elapsed: time.Minute}, " done"},
		{ScanStats{Progress: 0.25, Elapsed: 10 * time.Second}, " ETA 30s"},
		{ScanStats{Progress: 0.5, Elapsed: 3 * time.Minute}, " ETA 3m0s"},
	}
	for _, tt := range tests {
		if got := remaining(tt.st); got != tt.want {
			t.Errorf("remaining(%+v) = %q, want %q", tt.st, got, tt.want)
		}
	}
}

func TestNavStep(t *testing.T) {
	m := newTestModel()
	for i := 1; i <= 5; i++ {
		m.handleEvent(ScanEvent{Type: EvtProbing, IP: fmt.Sprintf("10.0.0.%d", i)})
	}
	m.rebuildFiltered()
	m.cursor = 2

	keys := []struct {
		key    string
		cursor int
		follow bool
	}{
		{"k", 1, false},
		{"g", 0, false},
		{"k", 0, false},
		{"G", 4, true},
		{"j", 4, false},
	}
	var model tea.Model = m
	for _, k := range keys {
		model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k.key)})
		got := model.(Model)
		if got.cursor != k.cursor || got.follow != k.follow {
			t.Fatalf("after %q: cursor=%d follow=%v, want %d %v", k.key, got.cursor, got.follow, k.cursor, k.follow)
		}
	}
}
