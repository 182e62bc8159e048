package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"rs_osprobe/internal/config"
	"rs_osprobe/internal/limiter"
	"rs_osprobe/internal/netinfo"
	"rs_osprobe/internal/output"
	"rs_osprobe/internal/probe"
	"rs_osprobe/internal/report"
	"rs_osprobe/internal/session"
	"rs_osprobe/internal/sigdb"
	"rs_osprobe/internal/store"
	"rs_osprobe/internal/sweep"
	"rs_osprobe/internal/targets"
	"rs_osprobe/internal/transport"
	"rs_osprobe/internal/ui"
	"rs_osprobe/internal/version"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

var running int32 = 1

type cliFlags struct {
	configFile  *string
	target      *string
	inputList   *string
	exclude     *string
	excludeFile *string
	sequential  *bool

	destPort   *int
	sourcePort *int
	sourceIP   *string
	iface      *string
	capture    *string
	idle       *time.Duration
	poll       *time.Duration
	deadline   *time.Duration
	rate       *int
	sequence   *bool
	workers    *int

	threshold *float64
	top       *int
	patternDB *string
	layoutDB  *string

	outputFile *string
	format     *string
	storePath  *string
	pcapFile   *string
	quiet      *bool
	quietAlias *bool
	noTUI      *bool
	verbose    *bool
	logJSON    *bool
}

func main() {
	def := config.Default()
	f := cliFlags{
		configFile:  flag.String("c", "", "Config file (YAML)"),
		target:      flag.String("t", "", "Target IP, CIDR or range (comma-separated)"),
		inputList:   flag.String("iL", "", "Target list from file (one per line)"),
		exclude:     flag.String("exclude", "", "Exclusion list (comma-separated)"),
		excludeFile: flag.String("excludefile", "", "Exclusion list from file"),
		sequential:  flag.Bool("sequential", false, "Probe targets in order (no randomization)"),

		destPort:   flag.Int("p", def.Scan.DestPort, "Destination port of every probe"),
		sourcePort: flag.Int("sport", def.Scan.SourcePort, "Source port of the first probe"),
		sourceIP:   flag.String("S", "", "Source IP override"),
		iface:      flag.String("i", "", "Interface (required for afpacket/pcap capture unless routed)"),
		capture:    flag.String("capture", def.Scan.Capture, "Receive path: raw, afpacket, pcap (empty = platform default)"),
		idle:       flag.Duration("idle", def.Scan.IdleTimeout.Duration, "Quiet period that ends a session"),
		poll:       flag.Duration("poll", def.Scan.PollInterval.Duration, "Idle check interval"),
		deadline:   flag.Duration("deadline", 0, "Absolute per-target time limit (0 = none)"),
		rate:       flag.Int("rate", 0, "Probes per second across all sessions (0 = unpaced)"),
		sequence:   flag.Bool("seq", false, "Also send the six sequence probes (OPS/WIN lines)"),
		workers:    flag.Int("workers", def.Scan.Workers, "Concurrent target sessions"),

		threshold: flag.Float64("threshold", def.Match.Threshold, "Layout match threshold (0-100)"),
		top:       flag.Int("top", def.Match.Top, "Candidates kept per matcher (0 = all)"),
		patternDB: flag.String("pattern-db", "", "Pattern signature DB (YAML), default embedded"),
		layoutDB:  flag.String("layout-db", "", "Layout signature DB (YAML), default embedded"),

		outputFile: flag.String("o", def.Output.File, "Output file (- for stdout)"),
		format:     flag.String("of", def.Output.Format, "Output format: text, jsonl, csv, grep"),
		storePath:  flag.String("store", "", "SQLite run history database"),
		pcapFile:   flag.String("pcap", "", "Write sent and received datagrams to a pcap file"),
		quiet:      flag.Bool("q", false, "Silent mode (no terminal output)"),
		quietAlias: flag.Bool("quiet", false, "Silent mode (alias for -q)"),
		noTUI:      flag.Bool("no-tui", false, "Disable TUI (text mode)"),
		verbose:    flag.Bool("v", false, "Debug logging"),
		logJSON:    flag.Bool("log-json", false, "JSON log lines"),
	}
	versionFlag := flag.Bool("version", false, "Print version and exit")
	historyTarget := flag.String("history", "", "Print stored runs for a target (\"all\" for every target) from -store and exit")
	historyLimit := flag.Int("history-limit", 20, "Runs printed by -history")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("os-probe version %s\n", version.Version)
		return
	}

	// ── Config file, CLI flags override ──────────────────────────────
	setFlags := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { setFlags[fl.Name] = true })

	cfg := def
	if *f.configFile != "" {
		var err error
		cfg, err = config.LoadConfig(*f.configFile)
		if err != nil {
			usageExit("failed to load config %s: %v", *f.configFile, err)
		}
	}
	applyFlags(cfg, setFlags, f)
	if err := cfg.Validate(); err != nil {
		usageExit("invalid configuration: %v", err)
	}

	if *historyTarget != "" {
		if cfg.Output.Store == "" {
			usageExit("-history needs a run database (-store or output.store)")
		}
		st, err := store.Open(cfg.Output.Store)
		if err != nil {
			usageExit("failed to open store: %v", err)
		}
		err = printHistory(context.Background(), st, *historyTarget, *historyLimit, os.Stdout)
		st.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "os-probe: %v\n", err)
			os.Exit(exitFailure)
		}
		return
	}

	// ── UI mode ────────────────────────────────────────────────────────
	stdoutOutput := cfg.Output.File == "-"
	var uiMode ui.Mode
	if cfg.Output.Quiet {
		uiMode = ui.ModeSilent
	} else if cfg.Output.NoTUI || !isatty.IsTerminal(os.Stdout.Fd()) {
		uiMode = ui.ModeText
	} else {
		uiMode = ui.ModeTUI
	}

	logger := newLogger(cfg.Output, uiMode)
	log := logrus.NewEntry(logger)

	// ── Targets ────────────────────────────────────────────────────────
	include := append([]string(nil), cfg.Scan.Targets.Include...)
	include = append(include, splitList(*f.target)...)
	include = append(include, flag.Args()...)
	if *f.inputList != "" {
		lines, err := targets.ReadLines(*f.inputList)
		if err != nil {
			usageExit("failed to read target list: %v", err)
		}
		include = append(include, lines...)
	}
	exclude := append([]string(nil), cfg.Scan.Targets.Exclude...)
	exclude = append(exclude, splitList(*f.exclude)...)
	if *f.excludeFile != "" {
		lines, err := targets.ReadLines(*f.excludeFile)
		if err != nil {
			usageExit("failed to read exclude file: %v", err)
		}
		exclude = append(exclude, lines...)
	}
	set, err := targets.Parse(include, exclude)
	if err != nil {
		usageExit("%v", err)
	}
	addrs := set.Addrs(!*f.sequential)

	// ── Signature databases ────────────────────────────────────────────
	patterns, err := sigdb.LoadPatternDB(cfg.Match.PatternDB)
	if err != nil {
		usageExit("pattern db: %v", err)
	}
	layouts, err := sigdb.LoadLayoutDB(cfg.Match.LayoutDB)
	if err != nil {
		usageExit("layout db: %v", err)
	}
	analyzer := &report.Analyzer{
		Patterns:  patterns,
		Layouts:   layouts,
		Threshold: cfg.Match.Threshold,
		Top:       cfg.Match.Top,
	}

	// ── Routing ────────────────────────────────────────────────────────
	var route sweep.Router
	if cfg.Scan.SourceIP != "" {
		src := net.ParseIP(cfg.Scan.SourceIP).To4()
		if src == nil {
			usageExit("invalid source IP: %s", cfg.Scan.SourceIP)
		}
		route = func(netip.Addr) (net.IP, error) { return src, nil }
	} else {
		route = func(a netip.Addr) (net.IP, error) {
			r, err := netinfo.Lookup(a, cfg.Scan.Interface)
			if err != nil {
				return nil, err
			}
			return net.IP(r.Source.AsSlice()), nil
		}
	}

	// ── Output ─────────────────────────────────────────────────────────
	sink := output.NewOutputSink()
	var held *heldWriter
	if stdoutOutput && uiMode == ui.ModeTUI {
		// Results go to stdout once the TUI has released the terminal.
		held = &heldWriter{}
		sink.Add(held)
	} else {
		w, err := output.Open(cfg.Output.File, cfg.Output.Format)
		if err != nil {
			usageExit("failed to open output file: %v", err)
		}
		sink.Add(w)
	}
	if cfg.Output.Store != "" {
		st, err := store.Open(cfg.Output.Store)
		if err != nil {
			usageExit("failed to open store: %v", err)
		}
		sink.Add(st)
	}

	var pcapOut *os.File
	var recorder *transport.PcapWriter
	if cfg.Output.Pcap != "" {
		pcapOut, err = os.Create(cfg.Output.Pcap)
		if err != nil {
			usageExit("failed to create pcap file: %v", err)
		}
		if recorder, err = transport.NewPcapWriter(pcapOut); err != nil {
			usageExit("pcap header: %v", err)
		}
	}

	open := func(dst net.IP) (session.Transport, error) {
		opts := transport.Options{
			Target:    dst,
			Interface: cfg.Scan.Interface,
			Capture:   transport.CaptureMode(cfg.Scan.Capture),
			Log:       log.WithField("target", dst.String()),
		}
		// afpacket and pcap capture on the interface that routes to dst.
		if opts.Interface == "" && opts.Capture != transport.CaptureRaw {
			if a, ok := netip.AddrFromSlice(dst.To4()); ok {
				if r, err := netinfo.Lookup(a, ""); err == nil {
					opts.Interface = r.Interface
				}
			}
		}
		conn, err := transport.Open(opts)
		if err != nil {
			return nil, err
		}
		if recorder != nil {
			return transport.NewRecorder(conn, recorder), nil
		}
		return conn, nil
	}

	var pacer session.Pacer
	if cfg.Scan.SendRate > 0 {
		pacer = limiter.NewTokenBucket(float64(cfg.Scan.SendRate), 1)
	}

	probeCount := probe.BatterySize
	if cfg.Scan.SequenceProbes {
		probeCount += probe.SequenceSize
	}
	lo, hi := cfg.Scan.SourcePort, cfg.Scan.SourcePort+probeCount-1
	if !rstSuppressed(lo, hi) {
		log.Infof("the kernel will reset SYN/ACK replies to probe ports; to keep targets' connection tables clean: %s",
			rstSuppressionHint(lo, hi))
	}

	events := make(chan ui.ScanEvent, 4096)
	runner, err := sweep.New(sweep.Config{
		Targets:      addrs,
		SourcePort:   uint16(cfg.Scan.SourcePort),
		DestPort:     uint16(cfg.Scan.DestPort),
		Sequence:     cfg.Scan.SequenceProbes,
		IdleTimeout:  cfg.Scan.IdleTimeout.Duration,
		PollInterval: cfg.Scan.PollInterval.Duration,
		Deadline:     cfg.Scan.Deadline.Duration,
		Workers:      cfg.Scan.Workers,
		Pacer:        pacer,
		Route:        route,
		Open:         open,
		Analyzer:     analyzer,
		Sink:         sink,
		Events:       events,
		Log:          log,
	})
	if err != nil {
		usageExit("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Run ────────────────────────────────────────────────────────────
	sweepErr := make(chan error, 1)
	go func() {
		err := runner.Run(ctx)
		close(events)
		sweepErr <- err
	}()

	consumerDone := make(chan struct{})
	switch uiMode {
	case ui.ModeTUI:
		model := ui.NewModel(
			strings.Join(include, ","),
			uint16(cfg.Scan.DestPort),
			cfg.Scan.Interface,
			captureLabel(cfg.Scan.Capture),
			&running,
		)
		program := tea.NewProgram(model, tea.WithAltScreen())

		// Feed events to bubbletea
		go func() {
			defer close(consumerDone)
			for ev := range events {
				program.Send(ev)
			}
			program.Send(ui.ScanEvent{Type: ui.EvtDone})
		}()

		// Stats ticker → bubbletea
		go func() {
			statsTicker := time.NewTicker(250 * time.Millisecond)
			defer statsTicker.Stop()
			for range statsTicker.C {
				if atomic.LoadInt32(&running) != 1 {
					return
				}
				program.Send(runner.Stats())
			}
		}()

		if _, err := program.Run(); err != nil {
			log.WithError(err).Error("tui")
		}
		// Leaving the TUI early stops the sweep.
		atomic.StoreInt32(&running, 0)
		stop()

	case ui.ModeText:
		textOut := io.Writer(os.Stdout)
		if stdoutOutput {
			textOut = os.Stderr
		}
		printer := &ui.TextPrinter{Verbose: cfg.Output.Verbose, Out: textOut}
		go func() {
			defer close(consumerDone)
			for ev := range events {
				printer.PrintEvent(ev)
			}
		}()
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-consumerDone:
					return
				case <-ticker.C:
					printer.PrintStats(runner.Stats())
				}
			}
		}()

	case ui.ModeSilent:
		go func() {
			defer close(consumerDone)
			for range events {
			}
		}()
	}

	err = <-sweepErr
	<-consumerDone
	atomic.StoreInt32(&running, 0)

	// ── Cleanup ────────────────────────────────────────────────────────
	if held != nil {
		if w, openErr := output.Open("-", cfg.Output.Format); openErr == nil {
			held.flushTo(w)
			if c, ok := w.(io.Closer); ok {
				c.Close()
			}
		}
	}
	if closeErr := sink.Close(); closeErr != nil {
		log.WithError(closeErr).Error("closing output")
	}
	if pcapOut != nil {
		if werr := recorder.Err(); werr != nil {
			log.WithError(werr).Error("pcap write")
		}
		pcapOut.Close()
	}

	if uiMode == ui.ModeText {
		fmt.Fprintln(os.Stderr)
	}
	st := runner.Stats()
	log.WithFields(logrus.Fields{
		"targets":       st.Targets,
		"finished":      st.Finished,
		"fingerprinted": st.Fingerprinted,
		"sent":          st.Sent,
		"recv":          st.Recv,
		"elapsed":       st.Elapsed.Round(time.Millisecond).String(),
	}).Info("sweep complete")

	switch {
	case err == nil:
	case errors.Is(err, sweep.ErrTransportInit):
		fmt.Fprintf(os.Stderr, "os-probe: %v (raw sockets need root or CAP_NET_RAW)\n", err)
		os.Exit(exitFailure)
	case errors.Is(err, context.Canceled):
		log.Warn("aborted")
	default:
		fmt.Fprintf(os.Stderr, "os-probe: %v\n", err)
		os.Exit(exitFailure)
	}
}

// applyFlags copies every flag given on the command line over cfg.
func applyFlags(cfg *config.Config, set map[string]bool, f cliFlags) {
	s := &cfg.Scan
	m := &cfg.Match
	o := &cfg.Output

	if set["p"] {
		s.DestPort = *f.destPort
	}
	if set["sport"] {
		s.SourcePort = *f.sourcePort
	}
	if set["S"] {
		s.SourceIP = *f.sourceIP
	}
	if set["i"] {
		s.Interface = *f.iface
	}
	if set["capture"] {
		s.Capture = *f.capture
	}
	if set["idle"] {
		s.IdleTimeout.Duration = *f.idle
	}
	if set["poll"] {
		s.PollInterval.Duration = *f.poll
	}
	if set["deadline"] {
		s.Deadline.Duration = *f.deadline
	}
	if set["rate"] {
		s.SendRate = *f.rate
	}
	if set["seq"] {
		s.SequenceProbes = *f.sequence
	}
	if set["workers"] {
		s.Workers = *f.workers
	}

	if set["threshold"] {
		m.Threshold = *f.threshold
	}
	if set["top"] {
		m.Top = *f.top
	}
	if set["pattern-db"] {
		m.PatternDB = *f.patternDB
	}
	if set["layout-db"] {
		m.LayoutDB = *f.layoutDB
	}

	if set["o"] {
		o.File = *f.outputFile
	}
	if set["of"] {
		o.Format = *f.format
	}
	if set["store"] {
		o.Store = *f.storePath
	}
	if set["pcap"] {
		o.Pcap = *f.pcapFile
	}
	if set["q"] || set["quiet"] {
		o.Quiet = *f.quiet || *f.quietAlias
	}
	if set["no-tui"] {
		o.NoTUI = *f.noTUI
	}
	if set["v"] {
		o.Verbose = *f.verbose
	}
	if set["log-json"] {
		o.LogJSON = *f.logJSON
	}
}

func newLogger(o config.OutputConfig, mode ui.Mode) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if o.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	}
	switch {
	case o.Verbose:
		logger.SetLevel(logrus.DebugLevel)
	case mode == ui.ModeSilent:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	if mode == ui.ModeTUI {
		// Lines on stderr would tear the alternate screen.
		logger.SetOutput(io.Discard)
	}
	return logger
}

func usageExit(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "os-probe: "+format+"\n", args...)
	os.Exit(exitUsage)
}

func captureLabel(mode string) string {
	if mode == "" {
		return "auto"
	}
	return mode
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// heldWriter keeps results in memory until the terminal is free.
type heldWriter struct {
	mu      sync.Mutex
	results []*output.Result
}

func (h *heldWriter) Write(res *output.Result) error {
	h.mu.Lock()
	h.results = append(h.results, res)
	h.mu.Unlock()
	return nil
}

func (h *heldWriter) flushTo(w output.ResultWriter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, res := range h.results {
		w.Write(res)
	}
	h.results = nil
}
