package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level configuration structure.
type Config struct {
	Scan   ScanConfig   `yaml:"scan"`
	Match  MatchConfig  `yaml:"match"`
	Output OutputConfig `yaml:"output"`
}

// ScanConfig holds all settings related to probing.
type ScanConfig struct {
	Targets        TargetsConfig `yaml:"targets"`
	SourceIP       string        `yaml:"source_ip"`       // Source IP override
	SourcePort     int           `yaml:"source_port"`     // First probe source port
	DestPort       int           `yaml:"dest_port"`       // Port probed on the target
	Interface      string        `yaml:"interface"`       // Capture interface
	Capture        string        `yaml:"capture"`         // "raw", "afpacket", "pcap"; empty picks the platform default
	IdleTimeout    Duration      `yaml:"idle_timeout"`    // Quiet period that ends a session
	PollInterval   Duration      `yaml:"poll_interval"`   // Idle check period
	Deadline       Duration      `yaml:"deadline"`        // Absolute per-target limit, 0 = none
	SendRate       int           `yaml:"send_rate"`       // Probes per second, 0 = unpaced
	SequenceProbes bool          `yaml:"sequence_probes"` // Also send P1-P6
	Workers        int           `yaml:"workers"`         // Concurrent sessions
}

// TargetsConfig defines included and excluded target sources.
type TargetsConfig struct {
	Include []string `yaml:"include"` // CIDR, IP, or range
	Exclude []string `yaml:"exclude"` // CIDR, IP, or range
}

// MatchConfig controls scoring.
type MatchConfig struct {
	Threshold float64 `yaml:"threshold"`  // Layout match threshold
	Top       int     `yaml:"top"`        // Candidates printed per matcher
	PatternDB string  `yaml:"pattern_db"` // Override for the embedded pattern DB
	LayoutDB  string  `yaml:"layout_db"`  // Override for the embedded layout DB
}

// OutputConfig controls how results are reported.
type OutputConfig struct {
	File    string `yaml:"file"`     // Result file, "-" for stdout
	Format  string `yaml:"format"`   // "jsonl", "text", "csv", "grep"
	Store   string `yaml:"store"`    // SQLite run history
	Pcap    string `yaml:"pcap"`     // Packet capture of sent and received datagrams
	Quiet   bool   `yaml:"quiet"`    // Silent mode
	NoTUI   bool   `yaml:"no_tui"`   // Disable TUI
	Verbose bool   `yaml:"verbose"`  // Debug logging
	LogJSON bool   `yaml:"log_json"` // JSON log lines
}

// Duration wraps time.Duration for YAML unmarshalling from strings like "5s", "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration the way UnmarshalYAML reads it.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			SourcePort:   40000,
			DestPort:     80,
			IdleTimeout:  Duration{2 * time.Second},
			PollInterval: Duration{100 * time.Millisecond},
			Workers:      4,
		},
		Match: MatchConfig{
			Threshold: 45,
			Top:       5,
		},
		Output: OutputConfig{
			File:   "-",
			Format: "text",
		},
	}
}

// LoadConfig reads a YAML configuration file from the specified path.
// Keys missing from the file keep their Default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values no session could run with.
func (c *Config) Validate() error {
	s := c.Scan
	if s.SourcePort < 1 || s.SourcePort > 65535-13 {
		return fmt.Errorf("scan.source_port %d out of range (1-65522)", s.SourcePort)
	}
	if s.DestPort < 1 || s.DestPort > 65535 {
		return fmt.Errorf("scan.dest_port %d out of range", s.DestPort)
	}
	switch s.Capture {
	case "", "raw", "afpacket", "pcap":
	default:
		return fmt.Errorf("scan.capture %q: want raw, afpacket or pcap", s.Capture)
	}
	if s.IdleTimeout.Duration <= 0 {
		return fmt.Errorf("scan.idle_timeout must be positive")
	}
	if s.PollInterval.Duration <= 0 || s.PollInterval.Duration > s.IdleTimeout.Duration {
		return fmt.Errorf("scan.poll_interval must be positive and not exceed idle_timeout")
	}
	if s.Deadline.Duration < 0 || s.SendRate < 0 {
		return fmt.Errorf("scan.deadline and scan.send_rate must not be negative")
	}
	if s.Workers < 1 {
		return fmt.Errorf("scan.workers must be at least 1")
	}
	if c.Match.Threshold < 0 || c.Match.Threshold > 100 {
		return fmt.Errorf("match.threshold %v out of range (0-100)", c.Match.Threshold)
	}
	switch c.Output.Format {
	case "jsonl", "text", "csv", "grep":
	default:
		return fmt.Errorf("output.format %q: want jsonl, text, csv or grep", c.Output.Format)
	}
	return nil
}
