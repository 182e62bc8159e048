package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"rs_osprobe/internal/config"
	"rs_osprobe/internal/osfp"
	"rs_osprobe/internal/output"
	"rs_osprobe/internal/report"
	"rs_osprobe/internal/sigdb"
	"rs_osprobe/internal/version"
)

const seqKeys = 6

func main() {
	def := config.Default()
	configFile := flag.String("c", "", "Config file (YAML), only the match section is used")
	layoutFlag := flag.String("layout", "", "Observed option layout, e.g. MSS,NOP,WSCALE,NOP,NOP,SACKOK")
	ttlFlag := flag.Int("ttl", 0, "Observed TTL")
	windowFlag := flag.Int("window", 0, "Observed window (scored together with -ttl)")
	threshold := flag.Float64("threshold", def.Match.Threshold, "Layout match threshold (0-100)")
	top := flag.Int("top", def.Match.Top, "Candidates kept per matcher (0 = all)")
	format := flag.String("of", "text", "Output format: text, jsonl, csv, grep")
	patternDB := flag.String("pattern-db", "", "Pattern signature DB (YAML), default embedded")
	layoutDB := flag.String("layout-db", "", "Layout signature DB (YAML), default embedded")
	verbose := flag.Bool("v", false, "Debug logging")
	versionFlag := flag.Bool("version", false, "Print version and exit")

	seqFlags := make([]*string, seqKeys)
	for i := range seqFlags {
		key := fmt.Sprintf("O%d", i+1)
		seqFlags[i] = flag.String(key, "", "Options of the "+key+" reply: a letter pattern (MNWNNTS) or comma-separated names")
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("os-match version %s\n", version.Version)
		return
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	setFlags := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	mc := def.Match
	if *configFile != "" {
		cfg, err := config.LoadConfig(*configFile)
		if err != nil {
			usageExit("failed to load config %s: %v", *configFile, err)
		}
		mc = cfg.Match
	}
	if setFlags["threshold"] {
		mc.Threshold = *threshold
	}
	if setFlags["top"] {
		mc.Top = *top
	}
	if setFlags["pattern-db"] {
		mc.PatternDB = *patternDB
	}
	if setFlags["layout-db"] {
		mc.LayoutDB = *layoutDB
	}
	if mc.Threshold < 0 || mc.Threshold > 100 {
		usageExit("threshold %v out of range (0-100)", mc.Threshold)
	}
	if *ttlFlag < 0 || *ttlFlag > 255 || *windowFlag < 0 || *windowFlag > 65535 {
		usageExit("ttl must be 0-255 and window 0-65535")
	}

	obs := osfp.Observation{Options: make(map[string][]string)}
	patterns := make(map[string]string)
	for i, v := range seqFlags {
		if *v == "" {
			continue
		}
		key := fmt.Sprintf("O%d", i+1)
		if strings.Contains(*v, ",") {
			obs.Options[key] = splitNames(*v)
		} else {
			patterns[key] = strings.ToUpper(*v)
		}
	}
	obs.Layout = splitNames(*layoutFlag)
	if len(obs.Layout) == 0 && len(obs.Options) == 0 && len(patterns) == 0 {
		flag.Usage()
		usageExit("nothing to score: give -layout and/or -O1..-O%d", seqKeys)
	}
	if setFlags["ttl"] {
		obs.Responded = true
		obs.TTL = uint8(*ttlFlag)
		obs.Window = uint16(*windowFlag)
	}

	pdb, err := sigdb.LoadPatternDB(mc.PatternDB)
	if err != nil {
		usageExit("pattern db: %v", err)
	}
	ldb, err := sigdb.LoadLayoutDB(mc.LayoutDB)
	if err != nil {
		usageExit("layout db: %v", err)
	}
	analyzer := &report.Analyzer{Patterns: pdb, Layouts: ldb, Threshold: mc.Threshold, Top: mc.Top}

	logger.WithFields(logrus.Fields{
		"layout":   obs.Layout,
		"options":  obs.Options,
		"patterns": patterns,
		"ttl":      obs.TTL,
	}).Debug("scoring observation")

	scores, err := analyzer.ScoreWithPatterns(obs, patterns)
	if err != nil {
		logger.WithError(err).Error("scoring failed")
		os.Exit(1)
	}

	res := analyzer.Candidates(scores)
	res.Event = output.EventFingerprint
	res.Target = "offline"
	res.Timestamp = time.Now().UTC().Format(time.RFC3339)
	res.Layout = obs.Layout
	if obs.Responded {
		res.TTL = obs.TTL
		res.InitialTTL = osfp.InitialTTL(obs.TTL)
		res.Hops = osfp.Hops(obs.TTL)
		res.Window = obs.Window
	}

	f, err := output.NewFormatter(*format, os.Stdout)
	if err != nil {
		usageExit("%v", err)
	}
	if err := f.Write(res); err != nil {
		logger.WithError(err).Error("write result")
		os.Exit(1)
	}
	if err := f.Flush(); err != nil {
		logger.WithError(err).Error("flush result")
		os.Exit(1)
	}
}

func splitNames(s string) []string {
	var out []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func usageExit(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "os-match: "+format+"\n", args...)
	os.Exit(2)
}
