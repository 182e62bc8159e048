// Package sigdb loads the read-only signature databases used by the
// matchers: OS option-pattern entries keyed by SEQ probe, and option-layout
// signatures with their TTL range hints. Defaults are embedded; a path
// replaces them at startup. Loaded databases are never mutated.
package sigdb

import (
	"embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var embedded embed.FS

const (
	patternFile = "data/os_patterns.yaml"
	layoutFile  = "data/option_layouts.yaml"
)

var probeKeyRe = regexp.MustCompile(`^O[1-9][0-9]*$`)

// ValidProbeKey reports whether key names a SEQ probe ("O1".."On").
func ValidProbeKey(key string) bool { return probeKeyRe.MatchString(key) }

// OSPattern is one OS entry of the pattern database.
type OSPattern struct {
	Name        string
	Description string
	LikelyOS    []string
	Confidence  int
	// ExpectedTTL is the initial TTL the OS uses; 0 if unknown.
	ExpectedTTL int
	WindowHint  string
	// Patterns maps probe key to the accepted option-letter patterns.
	Patterns map[string][]string
	Notes    string
}

// PatternDB is an ordered, immutable list of OS entries.
type PatternDB struct {
	Version string
	Entries []OSPattern
}

// Layout is one option-layout signature.
type Layout struct {
	ID          string
	Layout      []string
	Description string
	LikelyOS    []string
	Confidence  int
	ExpectedTTL int
	Notes       string
}

// TTLRange is a TTL-range hint.
type TTLRange struct {
	ID          string
	Min, Max    int
	Description string
	LikelyOS    []string
	Confidence  int
}

// LayoutDB holds the layout signatures and TTL hints, in file order.
type LayoutDB struct {
	Version    string
	Signatures []Layout
	TTLRanges  []TTLRange
}

// YAML structures.
type yamlPatternFile struct {
	Version string             `yaml:"version"`
	Entries []yamlPatternEntry `yaml:"entries"`
}

type yamlPatternEntry struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	LikelyOS    []string            `yaml:"likely_os"`
	Confidence  int                 `yaml:"confidence"`
	Auxiliary   yamlAuxiliary       `yaml:"auxiliary"`
	Patterns    map[string][]string `yaml:"patterns"`
	Notes       string              `yaml:"notes"`
}

type yamlAuxiliary struct {
	TTL        int    `yaml:"ttl"`
	WindowSize string `yaml:"window_size"`
}

type yamlLayoutFile struct {
	Version    string          `yaml:"version"`
	Signatures []yamlSignature `yaml:"signatures"`
	TTL        []yamlTTLRange  `yaml:"ttl_signatures"`
}

type yamlSignature struct {
	ID          string   `yaml:"id"`
	Layout      []string `yaml:"layout"`
	Description string   `yaml:"description"`
	LikelyOS    []string `yaml:"likely_os"`
	Confidence  int      `yaml:"confidence"`
	TTL         int      `yaml:"ttl"`
	Notes       string   `yaml:"notes"`
}

type yamlTTLRange struct {
	ID          string   `yaml:"id"`
	Range       []int    `yaml:"range"`
	Description string   `yaml:"description"`
	LikelyOS    []string `yaml:"likely_os"`
	Confidence  int      `yaml:"confidence"`
}

// ParsePatternDB decodes and validates a pattern database.
func ParsePatternDB(data []byte) (*PatternDB, error) {
	var f yamlPatternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pattern db: %w", err)
	}
	if len(f.Entries) == 0 {
		return nil, fmt.Errorf("pattern db has no entries")
	}
	db := &PatternDB{Version: f.Version, Entries: make([]OSPattern, 0, len(f.Entries))}
	seen := make(map[string]bool, len(f.Entries))
	for i, e := range f.Entries {
		if e.Name == "" {
			return nil, fmt.Errorf("pattern entry %d: missing name", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("pattern entry %q: duplicate name", e.Name)
		}
		seen[e.Name] = true
		for key := range e.Patterns {
			if !ValidProbeKey(key) {
				return nil, fmt.Errorf("pattern entry %q: invalid probe key %q", e.Name, key)
			}
		}
		db.Entries = append(db.Entries, OSPattern{
			Name:        e.Name,
			Description: e.Description,
			LikelyOS:    e.LikelyOS,
			Confidence:  e.Confidence,
			ExpectedTTL: e.Auxiliary.TTL,
			WindowHint:  e.Auxiliary.WindowSize,
			Patterns:    e.Patterns,
			Notes:       e.Notes,
		})
	}
	return db, nil
}

// ParseLayoutDB decodes and validates a layout database.
func ParseLayoutDB(data []byte) (*LayoutDB, error) {
	var f yamlLayoutFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse layout db: %w", err)
	}
	if len(f.Signatures) == 0 {
		return nil, fmt.Errorf("layout db has no signatures")
	}
	db := &LayoutDB{Version: f.Version}
	seen := make(map[string]bool, len(f.Signatures))
	for i, s := range f.Signatures {
		if s.ID == "" {
			return nil, fmt.Errorf("layout signature %d: missing id", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("layout signature %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if len(s.Layout) == 0 {
			return nil, fmt.Errorf("layout signature %q: empty layout", s.ID)
		}
		db.Signatures = append(db.Signatures, Layout{
			ID:          s.ID,
			Layout:      s.Layout,
			Description: s.Description,
			LikelyOS:    s.LikelyOS,
			Confidence:  s.Confidence,
			ExpectedTTL: s.TTL,
			Notes:       strings.TrimSpace(s.Notes),
		})
	}
	for _, r := range f.TTL {
		if len(r.Range) != 2 || r.Range[0] > r.Range[1] {
			return nil, fmt.Errorf("ttl signature %q: range must be [min, max]", r.ID)
		}
		db.TTLRanges = append(db.TTLRanges, TTLRange{
			ID:          r.ID,
			Min:         r.Range[0],
			Max:         r.Range[1],
			Description: r.Description,
			LikelyOS:    r.LikelyOS,
			Confidence:  r.Confidence,
		})
	}
	return db, nil
}

// LoadPatternDB reads path, or the embedded default when path is empty.
func LoadPatternDB(path string) (*PatternDB, error) {
	data, err := read(path, patternFile)
	if err != nil {
		return nil, err
	}
	return ParsePatternDB(data)
}

// LoadLayoutDB reads path, or the embedded default when path is empty.
func LoadLayoutDB(path string) (*LayoutDB, error) {
	data, err := read(path, layoutFile)
	if err != nil {
		return nil, err
	}
	return ParseLayoutDB(data)
}

func read(path, fallback string) ([]byte, error) {
	if path == "" {
		return embedded.ReadFile(fallback)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signature db: %w", err)
	}
	return data, nil
}

// Default returns the embedded databases. It panics if they are invalid,
// which the package tests rule out.
func Default() (*PatternDB, *LayoutDB) {
	p, err := LoadPatternDB("")
	if err != nil {
		panic(err)
	}
	l, err := LoadLayoutDB("")
	if err != nil {
		panic(err)
	}
	return p, l
}
