package match

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"rs_osprobe/internal/sigdb"
)

// DefaultThreshold is the layout score at which a signature counts as matched.
const DefaultThreshold = 45

// LayoutOptions tunes the layout matcher. A zero Threshold means
// DefaultThreshold.
type LayoutOptions struct {
	Threshold float64
}

func (o LayoutOptions) threshold() float64 {
	if o.Threshold <= 0 {
		return DefaultThreshold
	}
	return o.Threshold
}

// LayoutScore is the result for one signature.
type LayoutScore struct {
	ID         string
	Score      float64 // 0..100
	Matched    bool
	Exact      float64 // exact position ratio
	LCS        float64 // LCS ratio
	NOPPenalty float64

	Observed    []string // normalized
	Target      []string // normalized
	Confidence  int
	LikelyOS    []string
	Description string
}

// NormalizeToken maps an option name to its canonical layout token,
// case-insensitively. Unrecognized names are uppercased.
func NormalizeToken(tok string) string {
	t := strings.ToLower(strings.TrimSpace(tok))
	switch t {
	case "timestamps", "timestamp", "ts":
		return "TS"
	case "sackok", "sack-permitted", "sack_permitted":
		return "SACKOK"
	case "wscale", "window-scale", "ws":
		return "WSCALE"
	case "mss":
		return "MSS"
	case "nop":
		return "NOP"
	}
	return strings.ToUpper(t)
}

func normalize(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = NormalizeToken(t)
	}
	return out
}

// MatchSignature scores observed against one signature:
// clamp(0.6*lcs + 0.4*exact - nopPenalty) * 100, where exact and lcs are
// relative to the signature length and every surplus NOP costs 0.02, up to
// 0.05. Only a signature with an empty layout is an error.
func MatchSignature(observed []string, sig sigdb.Layout, opts LayoutOptions) (LayoutScore, error) {
	if len(sig.Layout) == 0 {
		return LayoutScore{}, fmt.Errorf("match: signature %q has an empty layout", sig.ID)
	}
	obs := normalize(observed)
	target := normalize(sig.Layout)
	n := float64(len(target))

	var exact int
	for i := 0; i < len(obs) && i < len(target); i++ {
		if obs[i] == target[i] {
			exact++
		}
	}
	exactRatio := float64(exact) / n
	lcsRatio := float64(lcs(obs, target)) / n

	surplus := count(obs, "NOP") - count(target, "NOP")
	if surplus < 0 {
		surplus = 0
	}
	penalty := math.Min(0.05, 0.02*float64(surplus))

	combined := 0.6*lcsRatio + 0.4*exactRatio - penalty
	combined = math.Max(0, math.Min(1, combined))
	score := round2(combined * 100)

	return LayoutScore{
		ID:          sig.ID,
		Score:       score,
		Matched:     score >= opts.threshold(),
		Exact:       exactRatio,
		LCS:         lcsRatio,
		NOPPenalty:  penalty,
		Observed:    obs,
		Target:      target,
		Confidence:  sig.Confidence,
		LikelyOS:    sig.LikelyOS,
		Description: sig.Description,
	}, nil
}

// MatchAllSignatures scores observed against every signature in db, sorted
// by descending score; ties keep database order.
func MatchAllSignatures(observed []string, db *sigdb.LayoutDB, opts LayoutOptions) ([]LayoutScore, error) {
	if db == nil {
		return nil, errors.New("match: nil layout database")
	}
	out := make([]LayoutScore, 0, len(db.Signatures))
	for _, sig := range db.Signatures {
		s, err := MatchSignature(observed, sig, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// lcs is the length of the longest common subsequence of a and b.
func lcs(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func count(tokens []string, tok string) int {
	var n int
	for _, t := range tokens {
		if t == tok {
			n++
		}
	}
	return n
}

// TTLHint is a TTL range that contains the observed TTL.
type TTLHint struct {
	ID          string
	Min, Max    int
	LikelyOS    []string
	Confidence  int
	Description string
}

// MatchTTL returns the TTL ranges of db containing ttl, strongest first.
func MatchTTL(db *sigdb.LayoutDB, ttl int) []TTLHint {
	if db == nil {
		return nil
	}
	var out []TTLHint
	for _, r := range db.TTLRanges {
		if ttl < r.Min || ttl > r.Max {
			continue
		}
		out = append(out, TTLHint{
			ID:          r.ID,
			Min:         r.Min,
			Max:         r.Max,
			LikelyOS:    r.LikelyOS,
			Confidence:  r.Confidence,
			Description: r.Description,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
