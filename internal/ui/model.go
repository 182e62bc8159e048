package ui

import (
	"fmt"
	"io"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"rs_osprobe/internal/output"
)

const maxRows = 10000

// Filter presets
const (
	FilterAll     = 0
	FilterMatched = 1
	FilterSilent  = 2
)

// Row states
const (
	stateProbing = "probing"
	stateMatched = "matched"
	stateSilent  = "silent"
	stateError   = "error"
)

// resultRow is a single probed target keyed by IP.
type resultRow struct {
	IP       string
	State    string
	Replies  int
	Probes   int
	TTL      uint8
	OS       string  // top pattern candidate
	Score    float64 // its score
	Layout   string  // top layout signature
	Result   *output.Result
	LastInfo string // last reply seen while probing
	Time     time.Time
	seq      int // insertion order
}

// Model is the bubbletea TUI model.
type Model struct {
	// Config
	Target   string
	DestPort uint16
	Iface    string
	Capture  string

	// Data
	rows    map[string]*resultRow // keyed by ip
	order   []string              // keys in insertion order
	nextSeq int

	// Stats
	stats ScanStats

	// Cumulative counters (survive eviction)
	totalAll     uint64
	totalMatched uint64
	totalSilent  uint64

	// OS histogram
	osCounts   map[string]uint64
	topOS      []osCount
	topOSDirty bool

	// Fingerprint sparkline
	spark     []uint64 // fingerprints per stats tick, newest last
	sparkPrev uint64

	// Tree view
	treeMode   bool
	subnets    []*subnetNode
	subnetMap  map[netip.Prefix]*subnetNode
	treeCursor int
	treeOffset int

	// View state
	cursor     int  // index into filtered view
	offset     int  // scroll offset
	follow     bool // auto-follow new results
	filterMode int  // FilterAll, FilterMatched, FilterSilent
	searching  bool
	searchText string
	filtered   []*resultRow // cached filtered view

	// Terminal
	width, height int
	done          bool
	quitting      bool

	Running *int32
}

// osCount tracks an OS name and how many targets it topped.
type osCount struct {
	Name  string
	Count uint64
}

// ── Tree view types ──────────────────────────────────────────────────

type hostNode struct {
	Addr     netip.Addr
	Row      *resultRow
	Expanded bool
}

type subnetNode struct {
	Prefix   netip.Prefix // enclosing /24
	Hosts    []*hostNode  // ascending
	Expanded bool
	Matched  int
	hosts    map[netip.Addr]*hostNode
}

func NewModel(target string, destPort uint16, iface, capture string, running *int32) Model {
	return Model{
		Target:     target,
		DestPort:   destPort,
		Iface:      iface,
		Capture:    capture,
		Running:    running,
		rows:       make(map[string]*resultRow, 1024),
		order:      make([]string, 0, 1024),
		osCounts:   make(map[string]uint64, 16),
		subnetMap:  make(map[netip.Prefix]*subnetNode, 64),
		follow:     true,
		filterMode: FilterAll,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.searching {
			return m.updateSearch(msg)
		}
		return m.updateNormal(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.rebuildFiltered()

	case ScanEvent:
		m.handleEvent(msg)
		if m.done {
			return m, tea.Quit
		}
		m.rebuildFiltered()
		if m.follow {
			m.cursorToEnd()
		}

	case ScanStats:
		m.stats = msg
		m.tickSparkline()
	}

	return m, nil
}

func (m Model) updateNormal(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "ctrl+c", "q":
		m.quitting = true
		return m, tea.Quit
	case "t":
		m.treeMode = !m.treeMode
		m.treeCursor, m.treeOffset = 0, 0
		return m, nil
	case "/":
		m.searching = true
		return m, nil
	case "1", "2", "3":
		m.filterMode = int(key[0] - '1')
		m.rebuildFiltered()
		m.clampCursor()
		return m, nil
	case "f":
		m.follow = !m.follow
		if m.follow {
			m.cursorToEnd()
		}
		return m, nil
	}

	if m.treeMode {
		if key == "enter" || key == " " {
			m.toggleTreeNode()
			return m, nil
		}
		vis := m.treeRows()
		if d, ok := navStep(key, vis); ok {
			m.treeCursor = clampIndex(m.treeCursor+d, m.treeLineCount())
			scrollTo(m.treeCursor, &m.treeOffset, vis)
		}
		return m, nil
	}

	if d, ok := navStep(key, m.visibleRows()); ok {
		// Only jumping to the end resumes following new targets.
		m.follow = key == "G" || key == "end"
		m.cursor = clampIndex(m.cursor+d, len(m.filtered))
		m.ensureVisible()
		return m, nil
	}
	if key == "esc" && m.searchText != "" {
		m.searchText = ""
		m.rebuildFiltered()
		m.clampCursor()
	}
	return m, nil
}

// navJump moves a cursor past either end of any list.
const navJump = 1 << 30

// navStep maps a navigation key to a cursor delta.
func navStep(key string, page int) (int, bool) {
	switch key {
	case "j", "down":
		return 1, true
	case "k", "up":
		return -1, true
	case "pgdown", "ctrl+d":
		return page, true
	case "pgup", "ctrl+u":
		return -page, true
	case "g", "home":
		return -navJump, true
	case "G", "end":
		return navJump, true
	}
	return 0, false
}

func clampIndex(i, n int) int {
	if i > n-1 {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

// scrollTo moves offset the least needed to keep cursor in a window of vis
// lines.
func scrollTo(cursor int, offset *int, vis int) {
	if vis < 1 {
		vis = 1
	}
	switch {
	case cursor < *offset:
		*offset = cursor
	case cursor >= *offset+vis:
		*offset = cursor - vis + 1
	}
}

func (m Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "enter":
		m.searching = false
	case "backspace":
		if len(m.searchText) > 0 {
			m.searchText = m.searchText[:len(m.searchText)-1]
			m.rebuildFiltered()
			m.clampCursor()
		}
	case "ctrl+u":
		m.searchText = ""
		m.rebuildFiltered()
		m.clampCursor()
	default:
		if len(msg.String()) == 1 {
			m.searchText += msg.String()
			m.rebuildFiltered()
			m.clampCursor()
		}
	}
	return m, nil
}

func (m *Model) handleEvent(ev ScanEvent) {
	switch ev.Type {
	case EvtProbing:
		m.row(ev.IP)

	case EvtReply:
		row := m.row(ev.IP)
		if row.State == stateProbing {
			row.Replies++
			row.TTL = ev.TTL
			row.LastInfo = fmt.Sprintf("%s %s", ev.Probe, ev.Flags)
		}

	case EvtResult:
		if ev.Result == nil {
			return
		}
		row := m.row(ev.IP)
		if row.State != stateProbing {
			return
		}
		m.finish(row, ev.Result)

	case EvtDone:
		m.done = true
	}
}

// row returns the row for ip, creating it in the probing state.
func (m *Model) row(ip string) *resultRow {
	if row, ok := m.rows[ip]; ok {
		return row
	}
	m.totalAll++
	row := &resultRow{IP: ip, State: stateProbing, Time: time.Now(), seq: m.nextSeq}
	m.nextSeq++
	m.rows[ip] = row
	m.order = append(m.order, ip)
	m.updateTreeData(row)
	m.evictOld()
	return row
}

func (m *Model) finish(row *resultRow, res *output.Result) {
	row.Result = res
	row.Replies = res.Responded
	row.Probes = res.Probes
	row.TTL = res.TTL
	switch {
	case res.Event == output.EventError:
		row.State = stateError
		m.totalSilent++
	case res.Event == output.EventFingerprint:
		row.State = stateMatched
		m.totalMatched++
	default:
		row.State = stateSilent
		m.totalSilent++
	}
	if len(res.PatternMatches) > 0 {
		row.OS = res.PatternMatches[0].Name
		row.Score = res.PatternMatches[0].Score
		m.osCounts[row.OS]++
		m.topOSDirty = true
	}
	if len(res.LayoutMatches) > 0 {
		row.Layout = res.LayoutMatches[0].Name
	}
	m.updateTreeData(row)
}

func (m *Model) evictOld() {
	for len(m.order) > maxRows {
		old := m.order[0]
		m.order = m.order[1:]
		delete(m.rows, old)
	}
}

// ── Tree update ──────────────────────────────────────────────────────

// confidence buckets a pattern score.
func confidence(score float64) string {
	switch {
	case score >= 80:
		return "high"
	case score >= 50:
		return "medium"
	case score > 0:
		return "low"
	}
	return ""
}

// subnetOSSummary returns a compact OS distribution string for a subnet.
func subnetOSSummary(sn *subnetNode) string {
	counts := make(map[string]int)
	for _, hn := range sn.Hosts {
		if hn.Row.OS != "" {
			counts[osFamily(hn.Row.OS)]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	sorted := make([]osCount, 0, len(counts))
	for f, c := range counts {
		sorted = append(sorted, osCount{f, uint64(c)})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Count != sorted[j].Count {
			return sorted[i].Count > sorted[j].Count
		}
		return sorted[i].Name < sorted[j].Name
	})
	var parts []string
	for _, oc := range sorted {
		parts = append(parts, fmt.Sprintf("%s:%d", oc.Name, oc.Count))
	}
	return "  (" + strings.Join(parts, ", ") + ")"
}

// osFamily is the first word of a signature name.
func osFamily(name string) string {
	if i := strings.IndexAny(name, " /("); i > 0 {
		return name[:i]
	}
	return name
}

// updateTreeData files row under its /24. Matched counts a host once, when
// its row reaches the matched state.
func (m *Model) updateTreeData(row *resultRow) {
	addr, err := netip.ParseAddr(row.IP)
	if err != nil || !addr.Is4() {
		return
	}
	prefix := netip.PrefixFrom(addr, 24).Masked()

	sn, ok := m.subnetMap[prefix]
	if !ok {
		sn = &subnetNode{Prefix: prefix, hosts: make(map[netip.Addr]*hostNode, 16)}
		m.subnetMap[prefix] = sn
		i, _ := slices.BinarySearchFunc(m.subnets, prefix, func(n *subnetNode, p netip.Prefix) int {
			return n.Prefix.Addr().Compare(p.Addr())
		})
		m.subnets = slices.Insert(m.subnets, i, sn)
	}

	hn, ok := sn.hosts[addr]
	if !ok {
		hn = &hostNode{Addr: addr, Row: row}
		sn.hosts[addr] = hn
		i, _ := slices.BinarySearchFunc(sn.Hosts, addr, func(h *hostNode, a netip.Addr) int {
			return h.Addr.Compare(a)
		})
		sn.Hosts = slices.Insert(sn.Hosts, i, hn)
		return
	}
	hn.Row = row
	if row.State == stateMatched {
		sn.Matched++
	}
}

// ── Top OS ───────────────────────────────────────────────────────────

func (m *Model) rebuildTopOS() {
	if !m.topOSDirty {
		return
	}
	m.topOSDirty = false

	ocs := make([]osCount, 0, len(m.osCounts))
	for name, c := range m.osCounts {
		ocs = append(ocs, osCount{name, c})
	}
	sort.Slice(ocs, func(i, j int) bool {
		if ocs[i].Count != ocs[j].Count {
			return ocs[i].Count > ocs[j].Count
		}
		return ocs[i].Name < ocs[j].Name
	})
	if len(ocs) > 5 {
		ocs = ocs[:5]
	}
	m.topOS = ocs
}

// ── Sparkline ────────────────────────────────────────────────────────

const sparkWidth = 60

func (m *Model) tickSparkline() {
	m.spark = append(m.spark, m.totalMatched-m.sparkPrev)
	m.sparkPrev = m.totalMatched
	if len(m.spark) > sparkWidth {
		m.spark = m.spark[len(m.spark)-sparkWidth:]
	}
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// renderSparkline scales the window to its own peak.
func (m Model) renderSparkline() string {
	peak := uint64(1)
	for _, v := range m.spark {
		peak = max(peak, v)
	}
	top := uint64(len(sparkLevels) - 1)
	out := make([]rune, len(m.spark))
	for i, v := range m.spark {
		out[i] = sparkLevels[min(v*top/peak, top)]
	}
	return string(out)
}

func (m *Model) rebuildFiltered() {
	m.filtered = m.filtered[:0]
	needle := strings.ToLower(m.searchText)

	for _, key := range m.order {
		row, ok := m.rows[key]
		if !ok {
			continue
		}
		switch m.filterMode {
		case FilterMatched:
			if row.State != stateMatched {
				continue
			}
		case FilterSilent:
			if row.State != stateSilent && row.State != stateError {
				continue
			}
		}
		if needle != "" {
			hay := strings.ToLower(row.IP + " " + row.State + " " + row.OS + " " + row.Layout)
			if !strings.Contains(hay, needle) {
				continue
			}
		}
		m.filtered = append(m.filtered, row)
	}
}

func (m *Model) clampCursor() {
	m.cursor = clampIndex(m.cursor, len(m.filtered))
	if len(m.filtered) == 0 {
		m.offset = 0
	}
	m.ensureVisible()
}

func (m *Model) cursorToEnd() {
	m.cursor = clampIndex(len(m.filtered)-1, len(m.filtered))
	m.ensureVisible()
}

func (m *Model) ensureVisible() {
	scrollTo(m.cursor, &m.offset, m.visibleRows())
}

// visibleRows returns how many table rows fit on screen.
// Layout: 4 header lines + 1 col header + 1 separator + table + 1 separator + detailHeight + 1 help
func (m Model) visibleRows() int {
	detail := m.detailHeight()
	chrome := 4 + 1 + 1 + 1 + detail + 1
	rows := m.height - chrome
	if rows < 1 {
		rows = 1
	}
	return rows
}

// treeRows is visibleRows plus the space the detail pane would take.
func (m Model) treeRows() int {
	return m.visibleRows() + m.detailHeight() + 1
}

func (m Model) detailHeight() int {
	h := m.height / 3
	if h < 4 {
		h = 4
	}
	if h > 18 {
		h = 18
	}
	return h
}

// ── View ──────────────────────────────────────────────────────────────

func (m Model) View() string {
	if m.quitting || m.done {
		return ""
	}

	w := m.width
	if w < 40 {
		w = 80
	}

	var b strings.Builder
	m.renderHeader(&b, w)
	m.renderProgress(&b, w)
	m.renderOSHistogram(&b, w)
	m.renderFilterBar(&b, w)

	if m.treeMode {
		m.renderTreeView(&b, w)
	} else {
		m.renderColHeader(&b, w)
		m.renderTable(&b, w)
		m.renderDetail(&b, w)
	}
	m.renderHelp(&b, w)

	return b.String()
}

func (m Model) renderHeader(b *strings.Builder, w int) {
	title := styleAccent.Render("os-probe")
	meta := styleDim.Render(fmt.Sprintf(" %s · %s · port %d · %s", m.Capture, truncStr(m.Target, 30), m.DestPort, m.Iface))
	b.WriteString(" " + title + meta + "\n")
}

func (m Model) renderProgress(b *strings.Builder, w int) {
	st := m.stats
	barW := 20
	if w > 120 {
		barW = 30
	}

	stats := fmt.Sprintf("  %s/s  Sent %s  Recv %s  Hosts %s/%s  FP %s",
		fmtCompact(uint64(st.Rate)),
		fmtCompact(st.Sent),
		fmtCompact(st.Recv),
		fmtCompact(st.Finished),
		fmtCompact(st.Targets),
		fmtCompact(st.Fingerprinted))
	if spark := m.renderSparkline(); spark != "" {
		stats += " " + styleBar.Render(spark)
	}

	fmt.Fprintf(b, " %s %3.0f%%%s%s  %s\n",
		progressBar(st.Progress, barW), st.Progress*100, remaining(st),
		styleDim.Render(stats), styleDim.Render(st.Elapsed.Truncate(time.Second).String()))
}

func progressBar(frac float64, width int) string {
	filled := min(max(int(frac*float64(width)), 0), width)
	return styleBar.Render(strings.Repeat("█", filled)) +
		styleBarTrail.Render(strings.Repeat("░", width-filled))
}

// remaining extrapolates the time left from the share of finished targets.
func remaining(st ScanStats) string {
	switch {
	case st.Progress >= 1:
		return " done"
	case st.Progress < 0.001:
		return ""
	}
	left := time.Duration(float64(st.Elapsed) * (1 - st.Progress) / st.Progress).Round(time.Second)
	return " ETA " + left.String()
}

func (m *Model) renderOSHistogram(b *strings.Builder, w int) {
	m.rebuildTopOS()
	if len(m.topOS) == 0 {
		b.WriteString("\n")
		return
	}
	maxCount := m.topOS[0].Count

	var sb strings.Builder
	sb.WriteString(" ")
	for i, oc := range m.topOS {
		if i > 0 {
			sb.WriteString("  ")
		}
		barLen := int(oc.Count * 8 / maxCount)
		if barLen < 1 {
			barLen = 1
		}
		sb.WriteString(fmt.Sprintf("%s %s %s", osFamily(oc.Name), styleBar.Render(strings.Repeat("█", barLen)), fmtCompact(oc.Count)))
		if sb.Len() > w-4 {
			break
		}
	}
	b.WriteString(styleDim.Render(" Top:") + sb.String() + "\n")
}

func (m Model) renderFilterBar(b *strings.Builder, w int) {
	tabs := " " + m.renderTab("1:All", int(m.totalAll), FilterAll) +
		" " + m.renderTab("2:Matched", int(m.totalMatched), FilterMatched) +
		" " + m.renderTab("3:Silent", int(m.totalSilent), FilterSilent)

	search := ""
	if m.searching {
		search = styleFilterBox.Render("  /" + m.searchText + "▌")
	} else if m.searchText != "" {
		search = styleDim.Render("  /") + styleFilterBox.Render(m.searchText)
	}

	followInd := ""
	if m.follow {
		followInd = styleDim.Render("  [follow]")
	}

	b.WriteString(tabs + search + followInd + "\n")
}

func (m Model) renderTab(label string, count int, mode int) string {
	text := fmt.Sprintf(" %s:%s ", label, fmtNum(uint64(count)))
	if m.filterMode == mode {
		return styleTabActive.Render(text)
	}
	return styleTabInactive.Render(text)
}

// Column widths
const (
	colIP      = 16
	colState   = 8
	colReplies = 7
	colTTL     = 4
	colScore   = 7
	// OS takes the rest
)

func (m Model) renderColHeader(b *strings.Builder, w int) {
	line := fmt.Sprintf(" %-*s %-*s %-*s %-*s %-*s %s",
		colIP, "IP",
		colState, "STATE",
		colReplies, "REPLIES",
		colTTL, "TTL",
		colScore, "SCORE",
		"OS")
	b.WriteString(styleColHeader.Render(line))
	b.WriteString("\n")
	b.WriteString(styleSep.Render(" "+strings.Repeat("─", w-2)) + "\n")
}

func (m Model) renderTable(b *strings.Builder, w int) {
	vis := m.visibleRows()
	osW := w - colIP - colState - colReplies - colTTL - colScore - 7
	if osW < 10 {
		osW = 10
	}

	end := m.offset + vis
	if end > len(m.filtered) {
		end = len(m.filtered)
	}

	for i := m.offset; i < end; i++ {
		row := m.filtered[i]
		cells := m.rowCells(row, osW)
		if i == m.cursor {
			marker := styleAccent.Render("▸")
			b.WriteString(marker + styleCursor.Render(truncStr(strings.Join(cells, " "), w-2)) + "\n")
			continue
		}
		b.WriteString(m.renderRow(row, cells))
	}

	for i := end - m.offset; i < vis; i++ {
		b.WriteString(styleDim.Render(" ~") + "\n")
	}
}

func (m Model) rowCells(row *resultRow, osW int) []string {
	replies := ""
	if row.Probes > 0 {
		replies = fmt.Sprintf("%d/%d", row.Replies, row.Probes)
	} else if row.Replies > 0 {
		replies = fmt.Sprintf("%d", row.Replies)
	}
	ttl, score := "", ""
	if row.TTL > 0 {
		ttl = fmt.Sprintf("%d", row.TTL)
	}
	if row.OS != "" {
		score = fmt.Sprintf("%.2f", row.Score)
	}
	osText := row.OS
	if row.State == stateProbing {
		osText = row.LastInfo
	}
	if row.State == stateError && row.Result != nil {
		osText = row.Result.Error
	}
	return []string{
		padRight(row.IP, colIP),
		padRight(row.State, colState),
		padRight(replies, colReplies),
		padRight(ttl, colTTL),
		padRight(score, colScore),
		cleanOneLine(osText, osW),
	}
}

func (m Model) renderRow(row *resultRow, cells []string) string {
	var stateStyle, osStyle func(string) string

	switch row.State {
	case stateMatched:
		stateStyle = func(s string) string { return styleMatched.Render(s) }
		osStyle = func(s string) string { return styleOS.Render(s) }
	case stateProbing:
		stateStyle = func(s string) string { return styleProbing.Render(s) }
		osStyle = func(s string) string { return styleDim.Render(s) }
	case stateError:
		stateStyle = func(s string) string { return styleError.Render(s) }
		osStyle = stateStyle
	default:
		stateStyle = func(s string) string { return styleSilent.Render(s) }
		osStyle = stateStyle
	}

	return fmt.Sprintf(" %s %s %s %s %s %s\n",
		stateStyle(cells[0]),
		stateStyle(cells[1]),
		stateStyle(cells[2]),
		stateStyle(cells[3]),
		osStyle(cells[4]),
		osStyle(cells[5]))
}

func (m Model) renderDetail(b *strings.Builder, w int) {
	detailH := m.detailHeight()

	b.WriteString(styleSep.Render(" "+strings.Repeat("─", w-2)) + "\n")

	if m.cursor < 0 || m.cursor >= len(m.filtered) {
		for i := 0; i < detailH-1; i++ {
			b.WriteString("\n")
		}
		return
	}

	row := m.filtered[m.cursor]
	header := fmt.Sprintf(" %s  %s", row.IP, row.State)
	if row.TTL > 0 {
		header += fmt.Sprintf("  ttl=%d", row.TTL)
	}
	if row.Layout != "" {
		header += "  layout=" + row.Layout
	}
	b.WriteString(styleDim.Render(header) + "\n")

	lines := detailLines(row.Result, w-2)
	shown := 0
	for _, line := range lines {
		if shown >= detailH-2 {
			break
		}
		b.WriteString(" " + styleDetailText.Render(line) + "\n")
		shown++
	}
	for i := shown; i < detailH-2; i++ {
		b.WriteString("\n")
	}
}

// detailLines renders a result as the text report, one display line each.
func detailLines(res *output.Result, maxW int) []string {
	if res == nil {
		return []string{styleDim.Render("(collecting replies)")}
	}
	var sb strings.Builder
	output.NewTextFormatter(&sb).Write(res)
	parts := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts[1:] {
		line := sanitize(p)
		if len(line) > maxW {
			line = line[:maxW]
		}
		out = append(out, line)
	}
	return out
}

func (m Model) renderHelp(b *strings.Builder, w int) {
	var help string
	if m.treeMode {
		help = " q:quit  ↑↓/jk:scroll  enter:expand  t:flat  1-3:filter  /:search"
	} else {
		help = " q:quit  ↑↓/jk:scroll  g/G:top/end  1-3:filter  /:search  f:follow  t:tree"
	}
	b.WriteString(styleHelp.Render(truncStr(help, w)))
}

// ── Tree View ────────────────────────────────────────────────────────

// treeLineCount returns the total number of visible lines in the tree.
func (m Model) treeLineCount() int {
	return len(m.flattenTree())
}

type treeLineType int

const (
	treeLineSubnet treeLineType = iota
	treeLineHost
	treeLineCandidate
)

type treeLine struct {
	Type      treeLineType
	Subnet    *subnetNode
	Host      *hostNode
	Candidate output.Candidate
	Section   string
}

// flattenTree returns the visible tree lines.
func (m Model) flattenTree() []treeLine {
	var lines []treeLine
	for _, sn := range m.subnets {
		lines = append(lines, treeLine{Type: treeLineSubnet, Subnet: sn})
		if !sn.Expanded {
			continue
		}
		for _, hn := range sn.Hosts {
			lines = append(lines, treeLine{Type: treeLineHost, Subnet: sn, Host: hn})
			if !hn.Expanded || hn.Row.Result == nil {
				continue
			}
			for _, c := range hn.Row.Result.PatternMatches {
				lines = append(lines, treeLine{Type: treeLineCandidate, Subnet: sn, Host: hn, Candidate: c, Section: "pattern"})
			}
			for _, c := range hn.Row.Result.LayoutMatches {
				lines = append(lines, treeLine{Type: treeLineCandidate, Subnet: sn, Host: hn, Candidate: c, Section: "layout"})
			}
		}
	}
	return lines
}

func (m *Model) toggleTreeNode() {
	lines := m.flattenTree()
	if m.treeCursor < 0 || m.treeCursor >= len(lines) {
		return
	}
	line := lines[m.treeCursor]
	switch line.Type {
	case treeLineSubnet:
		line.Subnet.Expanded = !line.Subnet.Expanded
	case treeLineHost:
		line.Host.Expanded = !line.Host.Expanded
	}
}

func (m Model) renderTreeView(b *strings.Builder, w int) {
	vis := m.treeRows()
	lines := m.flattenTree()

	end := m.treeOffset + vis
	if end > len(lines) {
		end = len(lines)
	}

	for i := m.treeOffset; i < end; i++ {
		line := lines[i]
		var text string
		style := styleDim

		switch line.Type {
		case treeLineSubnet:
			sn := line.Subnet
			arrow := "▶"
			if sn.Expanded {
				arrow = "▼"
			}
			text = fmt.Sprintf(" %s %s  %d hosts  %d matched%s",
				arrow, padRight(sn.Prefix.String(), 20), len(sn.Hosts), sn.Matched, subnetOSSummary(sn))
			style = styleMatched

		case treeLineHost:
			hn := line.Host
			arrow := "▶"
			if hn.Expanded {
				arrow = "▼"
			}
			osTag := ""
			if hn.Row.OS != "" {
				osTag = fmt.Sprintf("  [%s %s]", hn.Row.OS, confidence(hn.Row.Score))
			}
			text = fmt.Sprintf("   %s %s  %s%s", arrow, padRight(hn.Addr.String(), 16), hn.Row.State, osTag)
			if hn.Row.State == stateMatched {
				style = styleOS
			}

		case treeLineCandidate:
			c := line.Candidate
			mark := ""
			if c.Matched {
				mark = " *"
			}
			text = fmt.Sprintf("       %-8s %-36s %6.2f%s", line.Section, c.Name, c.Score, mark)
		}

		if i == m.treeCursor {
			b.WriteString(styleAccent.Render("▸") + styleCursor.Render(truncStr(text, w-2)) + "\n")
		} else {
			b.WriteString(style.Render(truncStr(text, w)) + "\n")
		}
	}

	for i := end - m.treeOffset; i < vis; i++ {
		b.WriteString(styleDim.Render(" ~") + "\n")
	}

	b.WriteString(styleSep.Render(" "+strings.Repeat("─", w-2)) + "\n")
}

// ── Text helpers ──────────────────────────────────────────────────────

// isASCIIPrint returns true for bytes 0x20-0x7E (space through tilde).
func isASCIIPrint(b byte) bool {
	return b >= 0x20 && b <= 0x7E
}

// sanitize replaces every non-ASCII-printable byte with \xHH.
// Tabs become spaces.
func sanitize(raw string) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b == '\t' {
			sb.WriteByte(' ')
		} else if isASCIIPrint(b) {
			sb.WriteByte(b)
		} else {
			fmt.Fprintf(&sb, "\\x%02x", b)
		}
	}
	return sb.String()
}

// cleanOneLine extracts a single-line, hex-escaped summary.
func cleanOneLine(raw string, maxW int) string {
	if raw == "" {
		return ""
	}
	line := raw
	for i := 0; i < len(line); i++ {
		if line[i] == '\r' || line[i] == '\n' {
			line = line[:i]
			break
		}
	}

	line = strings.TrimSpace(sanitize(line))

	if len(line) > maxW {
		if maxW > 1 {
			line = line[:maxW-1] + "…"
		} else {
			line = line[:maxW]
		}
	}
	return line
}

// ── Formatting helpers ────────────────────────────────────────────────

func fmtNum(n uint64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1_000_000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1_000_000, (n/1000)%1000, n%1000)
}

func fmtCompact(n uint64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 10_000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	if n < 1_000_000 {
		return fmt.Sprintf("%.0fk", float64(n)/1000)
	}
	if n < 10_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	return fmt.Sprintf("%.0fM", float64(n)/1_000_000)
}

func padRight(s string, w int) string {
	if len(s) >= w {
		return s[:w]
	}
	return s + strings.Repeat(" ", w-len(s))
}

func truncStr(s string, w int) string {
	if len(s) <= w {
		return s
	}
	if w < 2 {
		return s[:w]
	}
	return s[:w-1] + "…"
}

// ── TextPrinter (non-TUI mode) ───────────────────────────────────────

// TextPrinter writes progress lines for terminals without the TUI.
type TextPrinter struct {
	Out     io.Writer
	Verbose bool
}

func (p *TextPrinter) PrintEvent(ev ScanEvent) {
	switch ev.Type {
	case EvtProbing:
		if p.Verbose {
			fmt.Fprintf(p.Out, "\n[>] PROBING: %s\n", ev.IP)
		}
	case EvtReply:
		if p.Verbose {
			fmt.Fprintf(p.Out, "\n[<] REPLY: %s %s [%s] ttl=%d\n", ev.IP, ev.Probe, ev.Flags, ev.TTL)
		}
	case EvtResult:
		res := ev.Result
		switch {
		case res == nil:
		case res.Event == output.EventError:
			fmt.Fprintf(p.Out, "\n[!] ERROR: %s %s\n", res.Target, cleanOneLine(res.Error, 120))
		case len(res.PatternMatches) > 0:
			top := res.PatternMatches[0]
			fmt.Fprintf(p.Out, "\n[+] %s: %s (%.2f, %s) %d/%d replies\n",
				res.Target, top.Name, top.Score, confidence(top.Score), res.Responded, res.Probes)
		default:
			fmt.Fprintf(p.Out, "\n[-] SILENT: %s\n", res.Target)
		}
	case EvtInfo:
		fmt.Fprintf(p.Out, "%s\n", ev.Msg)
	}
}

func (p *TextPrinter) PrintStats(s ScanStats) {
	fmt.Fprintf(p.Out, "\rPPS: %.0f | Sent: %d | Recv: %d | Hosts: %d/%d | Fingerprinted: %d",
		s.Rate, s.Sent, s.Recv, s.Finished, s.Targets, s.Fingerprinted)
}
