package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Event values of Result.
const (
	EventFingerprint = "FINGERPRINT" // at least one probe answered
	EventNoResponse  = "NO_RESPONSE" // session completed, nothing answered
	EventError       = "ERROR"       // session ended on a transport error
)

// Result is the report for one probed target.
type Result struct {
	Event     string `json:"event"`
	Target    string `json:"target"`
	Port      uint16 `json:"port"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`

	// Fingerprint holds one Tn string per probe, in send order.
	Fingerprint []string `json:"fingerprint"`
	OPS         string   `json:"ops,omitempty"`
	WIN         string   `json:"win,omitempty"`
	Responded   int      `json:"responded"`
	Probes      int      `json:"probes"`

	// Raw signals of the primary reply.
	Primary    string   `json:"primary_probe,omitempty"`
	TTL        uint8    `json:"ttl,omitempty"`
	InitialTTL int      `json:"initial_ttl,omitempty"`
	Hops       int      `json:"hops,omitempty"`
	Window     uint16   `json:"window,omitempty"`
	Layout     []string `json:"layout,omitempty"`

	PatternMatches []Candidate `json:"pattern_matches,omitempty"`
	LayoutMatches  []Candidate `json:"layout_matches,omitempty"`
	TTLHints       []Candidate `json:"ttl_hints,omitempty"`

	Stats Stats `json:"stats"`
}

// Candidate is one ranked signature.
type Candidate struct {
	Name       string   `json:"name"`
	Score      float64  `json:"score"`
	Matched    bool     `json:"matched,omitempty"`
	Confidence int      `json:"confidence,omitempty"`
	LikelyOS   []string `json:"likely_os,omitempty"`
	Detail     string   `json:"detail,omitempty"`
}

// Stats mirrors the session counters.
type Stats struct {
	Sent              int   `json:"sent"`
	Received          int   `json:"received"`
	Accepted          int   `json:"accepted"`
	DecodeErrors      int   `json:"decode_errors,omitempty"`
	Foreign           int   `json:"foreign,omitempty"`
	CorrelationMisses int   `json:"correlation_misses,omitempty"`
	Duplicates        int   `json:"duplicates,omitempty"`
	ElapsedMS         int64 `json:"elapsed_ms"`
}

type Formatter interface {
	Write(res *Result) error
	Flush() error
}

// NewFormatter returns the formatter for format: "jsonl", "text", "csv"
// or "grep".
func NewFormatter(format string, w io.Writer) (Formatter, error) {
	switch format {
	case "jsonl", "json":
		return NewJSONFormatter(w), nil
	case "text":
		return NewTextFormatter(w), nil
	case "csv":
		return NewCSVFormatter(w), nil
	case "grep":
		return NewGrepFormatter(w), nil
	}
	return nil, fmt.Errorf("unknown output format %q", format)
}

// JSONFormatter writes JSONL.
type JSONFormatter struct {
	enc *json.Encoder
}

func NewJSONFormatter(w io.Writer) *JSONFormatter {
	return &JSONFormatter{enc: json.NewEncoder(w)}
}

func (f *JSONFormatter) Write(res *Result) error {
	return f.enc.Encode(res)
}

func (f *JSONFormatter) Flush() error { return nil }

// CSVFormatter writes one row per target.
type CSVFormatter struct {
	writer *csv.Writer
}

func NewCSVFormatter(w io.Writer) *CSVFormatter {
	cw := csv.NewWriter(w)
	cw.Write([]string{"timestamp", "target", "port", "event", "responded", "probes", "ttl", "initial_ttl", "window",
		"layout", "top_pattern", "top_pattern_score", "top_layout", "top_layout_score", "fingerprint"})
	return &CSVFormatter{writer: cw}
}

func (f *CSVFormatter) Write(res *Result) error {
	pName, pScore := top(res.PatternMatches)
	lName, lScore := top(res.LayoutMatches)
	return f.writer.Write([]string{
		res.Timestamp,
		res.Target,
		strconv.Itoa(int(res.Port)),
		res.Event,
		strconv.Itoa(res.Responded),
		strconv.Itoa(res.Probes),
		strconv.Itoa(int(res.TTL)),
		strconv.Itoa(res.InitialTTL),
		strconv.Itoa(int(res.Window)),
		strings.Join(res.Layout, ","),
		pName,
		pScore,
		lName,
		lScore,
		strings.Join(res.Fingerprint, " "),
	})
}

func (f *CSVFormatter) Flush() error {
	f.writer.Flush()
	return f.writer.Error()
}

func top(cs []Candidate) (name, score string) {
	if len(cs) == 0 {
		return "", ""
	}
	return cs[0].Name, strconv.FormatFloat(cs[0].Score, 'f', 2, 64)
}

// TextFormatter writes a readable report block per target.
type TextFormatter struct {
	w io.Writer
}

func NewTextFormatter(w io.Writer) *TextFormatter {
	return &TextFormatter{w: w}
}

func (f *TextFormatter) Write(res *Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s port %d: %d/%d probes answered", res.Target, res.Port, res.Responded, res.Probes)
	if res.TTL > 0 {
		fmt.Fprintf(&b, ", ttl %d (initial %d, %d hops)", res.TTL, res.InitialTTL, res.Hops)
	}
	if res.Error != "" {
		fmt.Fprintf(&b, " [error: %s]", res.Error)
	}
	b.WriteByte('\n')
	for _, fp := range res.Fingerprint {
		fmt.Fprintf(&b, "  %s\n", fp)
	}
	if res.OPS != "" {
		fmt.Fprintf(&b, "  %s\n  %s\n", res.OPS, res.WIN)
	}
	writeCandidates(&b, "Pattern matches", res.PatternMatches)
	writeCandidates(&b, "Layout matches", res.LayoutMatches)
	writeCandidates(&b, "TTL hints", res.TTLHints)
	_, err := io.WriteString(f.w, b.String())
	return err
}

func writeCandidates(b *strings.Builder, title string, cs []Candidate) {
	if len(cs) == 0 {
		return
	}
	fmt.Fprintf(b, "  %s:\n", title)
	for i, c := range cs {
		mark := ""
		if c.Matched {
			mark = " *"
		}
		fmt.Fprintf(b, "    %d. %-36s %6.2f%s", i+1, c.Name, c.Score, mark)
		if c.Detail != "" {
			fmt.Fprintf(b, "  (%s)", c.Detail)
		}
		b.WriteByte('\n')
	}
}

func (f *TextFormatter) Flush() error { return nil }

// GrepFormatter writes one nmap-style grepable line per target.
type GrepFormatter struct {
	w io.Writer
}

func NewGrepFormatter(w io.Writer) *GrepFormatter {
	return &GrepFormatter{w: w}
}

func (f *GrepFormatter) Write(res *Result) error {
	status := "up"
	if res.Event != EventFingerprint {
		status = "unknown"
	}
	osName := ""
	if len(res.PatternMatches) > 0 {
		osName = res.PatternMatches[0].Name
	}
	_, err := fmt.Fprintf(f.w, "Host: %s ()\tStatus: %s\tPort: %d\tOS: %s\tResponded: %d/%d\n",
		res.Target, status, res.Port, osName, res.Responded, res.Probes)
	return err
}

func (f *GrepFormatter) Flush() error { return nil }
