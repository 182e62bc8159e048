package match

import (
	"math"
	"reflect"
	"testing"

	"rs_osprobe/internal/sigdb"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 0.01 }

func TestConvertToPattern(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{[]string{"MSS", "NOP", "NOP", "Timestamps", "SACKOK"}, "MNNTS"},
		{[]string{"MSS", "WSCALE", "SACK", "EOL"}, "MWSE"},
		{[]string{"MSS", "UNKNOWN(30)", "NOP"}, "MN"},
		{[]string{"mss", "ts"}, "MT"},
		{nil, ""},
	}
	for _, tc := range tests {
		if got := ConvertToPattern(tc.in); got != tc.want {
			t.Errorf("ConvertToPattern(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"MNNTS", "MNNTS", 100},
		{"MNNT", "MNNTS", 72}, // contained: 90 * 4/5
		{"MNNTSW", "NNT", 45}, // contained: 90 * 3/6
		{"MSTW", "MWST", 25},  // positional: 1/4
		{"MST", "TNNWM", 0},   // nothing lines up
		{"", "MST", 0},        // empty is contained, 0/3
		{"", "", 100},
	}
	for _, tc := range tests {
		if got := Similarity(tc.a, tc.b); !approx(got, tc.want) {
			t.Errorf("Similarity(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func testPatternDB() *sigdb.PatternDB {
	return &sigdb.PatternDB{Entries: []sigdb.OSPattern{
		{Name: "Windows", ExpectedTTL: 128, Patterns: map[string][]string{"O1": {"MNWNNS"}, "O2": {"MST"}}},
		{Name: "Linux", ExpectedTTL: 64, Patterns: map[string][]string{"O1": {"MTS", "MNNTS"}, "O2": {"MWST"}}},
		{Name: "Tie", ExpectedTTL: 128, Patterns: map[string][]string{"O1": {"MNWNNS"}, "O2": {"MST"}}},
		{Name: "NoO1", ExpectedTTL: 64, Patterns: map[string][]string{"O3": {"M"}}},
	}}
}

func TestMatchOSFingerprint_ExactPatternWithTTL(t *testing.T) {
	res, err := MatchOSFingerprint(testPatternDB(), PatternObservation{
		Patterns: map[string]string{"O1": "MNNTS"},
		TTL:      64,
		HasTTL:   true,
	})
	if err != nil {
		t.Fatalf("MatchOSFingerprint: %v", err)
	}
	top := res[0]
	if top.OS != "Linux" || top.Base != 100 || top.Bonus != 10 || top.Score != 100 {
		t.Errorf("top = %+v, want Linux base 100 bonus 10 capped at 100", top)
	}
	if km := top.Keys["O1"]; km.Matched != "MNNTS" || km.Score != 100 {
		t.Errorf("O1 detail = %+v", km)
	}
	last := res[len(res)-1]
	if last.OS != "NoO1" || last.Base != 0 || last.Score != 10 {
		t.Errorf("entry without O1 = %+v, want base 0 with TTL bonus", last)
	}
}

func TestMatchOSFingerprint_AveragesKeysAndBonus(t *testing.T) {
	res, err := MatchOSFingerprint(testPatternDB(), PatternObservation{
		Options: map[string][]string{
			"O1": {"MSS", "NOP", "WSCALE", "NOP", "NOP", "SACKOK"},
			"O2": {"MSS", "SACKOK", "Timestamps"},
		},
		TTL:    120,
		HasTTL: true,
	})
	if err != nil {
		t.Fatalf("MatchOSFingerprint: %v", err)
	}
	if res[0].OS != "Windows" || res[1].OS != "Tie" {
		t.Fatalf("order = %s, %s; equal scores must keep database order", res[0].OS, res[1].OS)
	}
	if res[0].Base != 100 || res[0].Bonus != 5 || res[0].Score != 100 {
		t.Errorf("windows = %+v", res[0])
	}
}

func TestMatchOSFingerprint_EmptyAndInvalid(t *testing.T) {
	res, err := MatchOSFingerprint(testPatternDB(), PatternObservation{})
	if err != nil {
		t.Fatalf("empty observation: %v", err)
	}
	for _, r := range res {
		if r.Score != 0 {
			t.Errorf("%s scored %v on an empty observation", r.OS, r.Score)
		}
	}
	if _, err := MatchOSFingerprint(testPatternDB(), PatternObservation{Patterns: map[string]string{"T1": "M"}}); err == nil {
		t.Error("invalid probe key should be rejected")
	}
	if _, err := MatchOSFingerprint(nil, PatternObservation{}); err == nil {
		t.Error("nil database should be rejected")
	}
}

func TestMatchOSFingerprint_DefaultDB(t *testing.T) {
	pdb, _ := sigdb.Default()
	res, err := MatchOSFingerprint(pdb, PatternObservation{
		Patterns: map[string]string{"O1": "MNNTS", "O2": "MST"},
		TTL:      128,
		HasTTL:   true,
	})
	if err != nil {
		t.Fatalf("MatchOSFingerprint: %v", err)
	}
	if res[0].OS != "Windows (10/11/Server 2016-2025)" {
		t.Errorf("top = %s, want Windows", res[0].OS)
	}
}

func TestNormalizeToken(t *testing.T) {
	for in, want := range map[string]string{
		"Timestamps": "TS", "ts": "TS", "SackOK": "SACKOK", "sack-permitted": "SACKOK",
		"window-scale": "WSCALE", "wscale": "WSCALE", "Mss": "MSS", "nop": "NOP",
		"eol": "EOL", "UNKNOWN(30)": "UNKNOWN(30)",
	} {
		if got := NormalizeToken(in); got != want {
			t.Errorf("NormalizeToken(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMatchSignature_Exact(t *testing.T) {
	sig := sigdb.Layout{ID: "sig-1", Layout: []string{"MSS", "NOP", "NOP", "TS"}}
	s, err := MatchSignature([]string{"MSS", "NOP", "NOP", "Timestamps"}, sig, LayoutOptions{})
	if err != nil {
		t.Fatalf("MatchSignature: %v", err)
	}
	if s.Score != 100 || s.Exact != 1 || s.LCS != 1 || s.NOPPenalty != 0 || !s.Matched {
		t.Errorf("score = %+v, want 100 with full ratios", s)
	}
}

func TestMatchSignature_Components(t *testing.T) {
	sig := sigdb.Layout{ID: "sig-5", Layout: []string{"MSS", "TS"}}
	tests := []struct {
		name     string
		observed []string
		exact    float64
		lcs      float64
		penalty  float64
		score    float64
	}{
		// exact 1/2, lcs 2/2, 2 surplus NOPs -> 0.04
		{"padded", []string{"MSS", "NOP", "NOP", "TS"}, 0.5, 1, 0.04, 76},
		// 4 surplus NOPs cap at 0.05
		{"nop flood", []string{"NOP", "NOP", "NOP", "NOP", "MSS", "TS"}, 0, 1, 0.05, 55},
		{"reversed", []string{"TS", "MSS"}, 0, 0.5, 0, 30},
		{"empty", nil, 0, 0, 0, 0},
	}
	for _, tc := range tests {
		s, err := MatchSignature(tc.observed, sig, LayoutOptions{})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !approx(s.Exact, tc.exact) || !approx(s.LCS, tc.lcs) || !approx(s.NOPPenalty, tc.penalty) || !approx(s.Score, tc.score) {
			t.Errorf("%s: got exact=%v lcs=%v penalty=%v score=%v", tc.name, s.Exact, s.LCS, s.NOPPenalty, s.Score)
		}
	}
}

func TestMatchSignature_ThresholdAndErrors(t *testing.T) {
	sig := sigdb.Layout{ID: "x", Layout: []string{"MSS", "TS"}}
	s, _ := MatchSignature([]string{"TS", "MSS"}, sig, LayoutOptions{})
	if s.Matched {
		t.Error("score 30 should not match at the default threshold")
	}
	s, _ = MatchSignature([]string{"TS", "MSS"}, sig, LayoutOptions{Threshold: 25})
	if !s.Matched {
		t.Error("score 30 should match at threshold 25")
	}
	if _, err := MatchSignature([]string{"MSS"}, sigdb.Layout{ID: "empty"}, LayoutOptions{}); err == nil {
		t.Error("empty signature layout should be rejected")
	}
}

func TestMatchSignature_Idempotent(t *testing.T) {
	sig := sigdb.Layout{ID: "sig-7", Layout: []string{"MSS", "NOP", "SACKOK", "TS", "NOP"}}
	obs := []string{"MSS", "SACKOK", "Timestamps", "NOP", "WSCALE"}
	a, _ := MatchSignature(obs, sig, LayoutOptions{})
	b, _ := MatchSignature(obs, sig, LayoutOptions{})
	if !reflect.DeepEqual(a, b) {
		t.Errorf("scores differ: %+v vs %+v", a, b)
	}
	if obs[2] != "Timestamps" {
		t.Error("input slice was modified")
	}
}

func TestMatchAllSignatures_DefaultDB(t *testing.T) {
	_, ldb := sigdb.Default()
	res, err := MatchAllSignatures([]string{"MSS", "NOP", "NOP", "TS"}, ldb, LayoutOptions{})
	if err != nil {
		t.Fatalf("MatchAllSignatures: %v", err)
	}
	if len(res) != len(ldb.Signatures) {
		t.Fatalf("results = %d, want %d", len(res), len(ldb.Signatures))
	}
	if res[0].ID != "sig-1" || res[0].Score != 100 {
		t.Errorf("top = %s %v, want sig-1 100", res[0].ID, res[0].Score)
	}
	for i := 1; i < len(res); i++ {
		if res[i].Score > res[i-1].Score {
			t.Fatalf("results not sorted at %d", i)
		}
	}
}

func TestMatchTTL(t *testing.T) {
	_, ldb := sigdb.Default()
	hints := MatchTTL(ldb, 125)
	if len(hints) != 1 || hints[0].ID != "ttl-2" {
		t.Errorf("hints for 125 = %+v", hints)
	}
	if hints := MatchTTL(ldb, 7); len(hints) != 0 {
		t.Errorf("hints for 7 = %+v", hints)
	}
}
