package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"rs_osprobe/internal/output"
	"rs_osprobe/internal/store"
)

func TestPrintHistory(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	for _, target := range []string{"10.0.0.1", "10.0.0.2"} {
		err := st.Write(&output.Result{
			Event:          output.EventFingerprint,
			Target:         target,
			Port:           80,
			Timestamp:      "2026-01-01T00:00:00Z",
			Probes:         8,
			Responded:      1,
			Fingerprint:    []string{"T1(R=Y%DF=Y%T=40%TG=40%W=FAF0%S=Z%A=S+%F=AS%O=M5B4%RD=0%Q=)", "T2(R=N)"},
			PatternMatches: []output.Candidate{{Name: "Linux (Modern Kernel 4.x-6.x)", Score: 88.5}},
			LayoutMatches:  []output.Candidate{{Name: "sig-1", Score: 100, Matched: true}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		target string
		lines  int
	}{
		{"10.0.0.1", 1},
		{"all", 2},
		{"10.0.0.9", 0},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		if err := printHistory(context.Background(), st, tt.target, 0, &buf); err != nil {
			t.Fatalf("%s: %v", tt.target, err)
		}
		out := buf.String()
		got := 0
		for _, line := range strings.Split(out, "\n") {
			if strings.HasPrefix(line, "#") {
				got++
			}
		}
		if got != tt.lines {
			t.Errorf("%s: %d runs listed:\n%s", tt.target, got, out)
		}
		if tt.lines == 0 {
			if !strings.Contains(out, "no stored runs") {
				t.Errorf("%s: output = %q", tt.target, out)
			}
			continue
		}
		if !strings.Contains(out, `pattern="Linux (Modern Kernel 4.x-6.x)" (88.50) layout=sig-1`) {
			t.Errorf("%s: output = %q", tt.target, out)
		}
		if !strings.Contains(out, "\n    T2(R=N)\n") {
			t.Errorf("%s: fingerprint lines missing: %q", tt.target, out)
		}
	}
}
