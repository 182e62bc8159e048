// Package report turns a completed collection session into an output
// record: per-probe fingerprints, the OPS/WIN lines, and both ranked
// candidate lists side by side.
package report

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"rs_osprobe/internal/match"
	"rs_osprobe/internal/osfp"
	"rs_osprobe/internal/output"
	"rs_osprobe/internal/session"
	"rs_osprobe/internal/sigdb"
)

// Analyzer scores observations against loaded signature databases. It
// holds no state besides its read-only inputs and is safe for concurrent
// use.
type Analyzer struct {
	Patterns  *sigdb.PatternDB
	Layouts   *sigdb.LayoutDB
	Threshold float64 // layout threshold, 0 = match.DefaultThreshold
	Top       int     // candidates kept per matcher, 0 = all
}

// Scores are the matcher outputs for one observation.
type Scores struct {
	Pattern []match.PatternScore
	Layout  []match.LayoutScore
	TTL     []match.TTLHint
}

// Score runs both matchers and the TTL range lookup over obs.
func (a *Analyzer) Score(obs osfp.Observation) (Scores, error) {
	return a.ScoreWithPatterns(obs, nil)
}

// ScoreWithPatterns is Score with letter patterns ("MNWNNTS") supplied
// directly for some probe keys. A key present in both uses the pattern.
func (a *Analyzer) ScoreWithPatterns(obs osfp.Observation, patterns map[string]string) (Scores, error) {
	po := match.PatternObservation{Options: obs.Options, Patterns: patterns}
	if obs.Responded {
		po.TTL, po.HasTTL = int(obs.TTL), true
		po.Window, po.HasWindow = int(obs.Window), true
	}

	var s Scores
	var err error
	if s.Pattern, err = match.MatchOSFingerprint(a.Patterns, po); err != nil {
		return Scores{}, err
	}
	if s.Layout, err = match.MatchAllSignatures(obs.Layout, a.Layouts, match.LayoutOptions{Threshold: a.Threshold}); err != nil {
		return Scores{}, err
	}
	if obs.Responded {
		s.TTL = match.MatchTTL(a.Layouts, int(obs.TTL))
	}
	return s, nil
}

// Analyze builds the record for res. runErr is the error Run returned with
// res; a transport failure marks the record as an error but keeps what was
// collected.
func (a *Analyzer) Analyze(res *session.Result, runErr error) (*output.Result, error) {
	out := &output.Result{
		Event:     output.EventNoResponse,
		Target:    res.Target.String(),
		Timestamp: res.CompletedAt.UTC().Format(time.RFC3339),
		Probes:    len(res.Probes),
		Stats:     convertStats(res.Stats),
	}
	if len(res.Probes) > 0 {
		out.Port = res.Probes[0].DestPort
	}

	records := osfp.AssembleAll(res.Probes, res.Responses)
	out.Fingerprint = make([]string, len(records))
	for i, r := range records {
		out.Fingerprint[i] = r.String()
		if r.Responded {
			out.Responded++
		}
	}
	out.OPS = osfp.OPS(records)
	out.WIN = osfp.WIN(records)

	if runErr != nil {
		out.Error = runErr.Error()
	}
	if errors.Is(runErr, session.ErrTransport) {
		out.Event = output.EventError
	}

	if out.Responded > 0 && out.Event != output.EventError {
		out.Event = output.EventFingerprint
	}
	obs := osfp.Observe(res.Probes, res.Responses)
	if !obs.Responded {
		return out, nil
	}
	out.Primary = obs.Primary
	out.TTL = obs.TTL
	out.InitialTTL = osfp.InitialTTL(obs.TTL)
	out.Hops = osfp.Hops(obs.TTL)
	out.Window = obs.Window
	out.Layout = obs.Layout

	scores, err := a.Score(obs)
	if err != nil {
		return out, fmt.Errorf("score %s: %w", out.Target, err)
	}
	a.fill(out, scores)
	return out, nil
}

func (a *Analyzer) fill(out *output.Result, s Scores) {
	for i, p := range s.Pattern {
		if a.Top > 0 && i >= a.Top {
			break
		}
		out.PatternMatches = append(out.PatternMatches, output.Candidate{
			Name:       p.OS,
			Score:      p.Score,
			Confidence: p.Confidence,
			LikelyOS:   p.LikelyOS,
			Detail:     patternDetail(p),
		})
	}
	for i, l := range s.Layout {
		if a.Top > 0 && i >= a.Top {
			break
		}
		out.LayoutMatches = append(out.LayoutMatches, output.Candidate{
			Name:       l.ID,
			Score:      l.Score,
			Matched:    l.Matched,
			Confidence: l.Confidence,
			LikelyOS:   l.LikelyOS,
			Detail:     fmt.Sprintf("exact %.2f, lcs %.2f, nop -%.2f", l.Exact, l.LCS, l.NOPPenalty),
		})
	}
	for _, h := range s.TTL {
		out.TTLHints = append(out.TTLHints, output.Candidate{
			Name:       h.ID,
			Score:      float64(h.Confidence),
			Confidence: h.Confidence,
			LikelyOS:   h.LikelyOS,
			Detail:     fmt.Sprintf("ttl %d-%d", h.Min, h.Max),
		})
	}
}

// Candidates converts scores without a session, for offline scoring.
func (a *Analyzer) Candidates(s Scores) *output.Result {
	out := &output.Result{}
	a.fill(out, s)
	return out
}

func patternDetail(p match.PatternScore) string {
	var parts []string
	if p.TTLNote != "" {
		parts = append(parts, "ttl "+p.TTLNote)
	}
	if p.WindowNote != "" {
		parts = append(parts, "window "+p.WindowNote)
	}
	return strings.Join(parts, "; ")
}

func convertStats(s session.Stats) output.Stats {
	return output.Stats{
		Sent:              s.Sent,
		Received:          s.Received,
		Accepted:          s.Accepted,
		DecodeErrors:      s.DecodeErrors,
		Foreign:           s.Foreign,
		CorrelationMisses: s.CorrelationMisses,
		Duplicates:        s.Duplicates,
		ElapsedMS:         s.Elapsed.Milliseconds(),
	}
}
