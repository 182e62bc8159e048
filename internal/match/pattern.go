// Package match scores observations against the signature databases.
// Two independent matchers are exposed and never merged: a pattern
// similarity matcher over the per-probe option letters (O1..O6), and a
// layout matcher over the option order of one reply. Both are pure
// functions of their inputs.
package match

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"rs_osprobe/internal/sigdb"
)

var patternLetters = map[string]byte{
	"MSS":    'M',
	"NOP":    'N',
	"WSCALE": 'W',
	"SACK":   'S',
	"SACKOK": 'S',
	"TS":     'T',
	"EOL":    'E',
}

// ConvertToPattern maps option names to single letters, in order.
// Names without a letter (unknown kinds) are dropped.
func ConvertToPattern(names []string) string {
	out := make([]byte, 0, len(names))
	for _, n := range names {
		if c, ok := patternLetters[NormalizeToken(n)]; ok {
			out = append(out, c)
		}
	}
	return string(out)
}

// Similarity scores captured against reference on 0..100: 100 when equal,
// 90*shorter/longer when one contains the other, otherwise the share of
// equal characters at equal positions over the longer length.
func Similarity(captured, reference string) float64 {
	if captured == reference {
		return 100
	}
	longer, shorter := len(captured), len(reference)
	if shorter > longer {
		longer, shorter = shorter, longer
	}
	if strings.Contains(captured, reference) || strings.Contains(reference, captured) {
		return float64(shorter) / float64(longer) * 90
	}
	var same int
	for i := 0; i < shorter; i++ {
		if captured[i] == reference[i] {
			same++
		}
	}
	return float64(same) / float64(longer) * 100
}

// PatternObservation is the input of MatchOSFingerprint. Options holds
// option names per probe key and is converted with ConvertToPattern;
// Patterns holds ready-made letter patterns and wins on a shared key.
type PatternObservation struct {
	Options  map[string][]string
	Patterns map[string]string

	TTL       int
	HasTTL    bool
	Window    int
	HasWindow bool
}

// KeyMatch is the best variant found for one probe key.
type KeyMatch struct {
	Captured string
	Matched  string
	Score    float64
}

// PatternScore is the result for one OS entry.
type PatternScore struct {
	OS          string
	Score       float64 // min(Base+Bonus, 100)
	Base        float64
	Bonus       float64
	Confidence  int
	LikelyOS    []string
	Keys        map[string]KeyMatch
	TTLNote     string
	WindowNote  string
	Description string
	Notes       string
}

// MatchOSFingerprint scores obs against every entry of db and returns the
// entries sorted by descending score; ties keep database order. Only a
// probe key that is not of the form O<n> is rejected.
func MatchOSFingerprint(db *sigdb.PatternDB, obs PatternObservation) ([]PatternScore, error) {
	if db == nil {
		return nil, errors.New("match: nil pattern database")
	}
	patterns := make(map[string]string, len(obs.Options)+len(obs.Patterns))
	for key, names := range obs.Options {
		patterns[key] = ConvertToPattern(names)
	}
	for key, p := range obs.Patterns {
		patterns[key] = p
	}
	for key := range patterns {
		if !sigdb.ValidProbeKey(key) {
			return nil, fmt.Errorf("match: invalid probe key %q", key)
		}
	}

	out := make([]PatternScore, 0, len(db.Entries))
	for _, e := range db.Entries {
		out = append(out, scoreEntry(e, patterns, obs))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func scoreEntry(e sigdb.OSPattern, patterns map[string]string, obs PatternObservation) PatternScore {
	s := PatternScore{
		OS:          e.Name,
		Confidence:  e.Confidence,
		LikelyOS:    e.LikelyOS,
		Keys:        make(map[string]KeyMatch, len(patterns)),
		Description: e.Description,
		Notes:       e.Notes,
	}

	keys := make([]string, 0, len(patterns))
	for key := range patterns {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var total float64
	var scored int
	for _, key := range keys {
		captured := patterns[key]
		variants, ok := e.Patterns[key]
		if !ok {
			continue
		}
		best := KeyMatch{Captured: captured}
		for _, v := range variants {
			if sc := Similarity(captured, v); sc > best.Score {
				best.Score, best.Matched = sc, v
			}
		}
		s.Keys[key] = best
		total += best.Score
		scored++
	}
	if scored > 0 {
		s.Base = total / float64(scored)
	}

	if obs.HasTTL && e.ExpectedTTL > 0 {
		switch d := obs.TTL - e.ExpectedTTL; {
		case d == 0:
			s.Bonus += 10
			s.TTLNote = fmt.Sprintf("match (%d)", obs.TTL)
		case d >= -10 && d <= 10:
			s.Bonus += 5
			s.TTLNote = fmt.Sprintf("close (%d vs %d)", obs.TTL, e.ExpectedTTL)
		default:
			s.TTLNote = fmt.Sprintf("mismatch (%d vs %d)", obs.TTL, e.ExpectedTTL)
		}
	}
	if obs.HasWindow {
		s.WindowNote = fmt.Sprintf("captured %d, typical %s", obs.Window, e.WindowHint)
	}

	s.Base = round2(s.Base)
	s.Score = round2(math.Min(s.Base+s.Bonus, 100))
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
