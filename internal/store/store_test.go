package store

import (
	"context"
	"path/filepath"
	"testing"

	"rs_osprobe/internal/output"
)

func result(target string, top string) *output.Result {
	return &output.Result{
		Event:       output.EventFingerprint,
		Target:      target,
		Port:        80,
		Timestamp:   "2026-01-01T00:00:00Z",
		Fingerprint: []string{"T1(R=Y%DF=Y%T=40%TG=40%W=FAF0%S=O%A=S+%F=AS%O=M5B4NNT11%RD=0%Q=)", "T2(R=N)"},
		Responded:   1,
		Probes:      2,
		TTL:         64,
		InitialTTL:  64,
		Layout:      []string{"MSS", "NOP", "NOP", "Timestamps"},
		PatternMatches: []output.Candidate{
			{Name: top, Score: 95},
			{Name: "FreeBSD / OpenBSD", Score: 40},
		},
		LayoutMatches: []output.Candidate{{Name: "sig-1", Score: 100, Matched: true}},
		Stats:         output.Stats{Sent: 2, Received: 1, Accepted: 1, ElapsedMS: 2100},
	}
}

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndHistory(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	if err := s.Write(result("10.0.0.1", "Linux (Modern Kernel 4.x-6.x)")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(result("10.0.0.2", "Windows (10/11/Server 2016-2025)")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write(result("10.0.0.1", "macOS / iOS")); err != nil {
		t.Fatal(err)
	}

	runs, err := s.History(ctx, "10.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].TopPattern != "macOS / iOS" || runs[1].TopPattern != "Linux (Modern Kernel 4.x-6.x)" {
		t.Errorf("order = %s, %s", runs[0].TopPattern, runs[1].TopPattern)
	}
	r := runs[1]
	if r.TopScore != 95 || r.TopLayout != "sig-1" || r.Responded != 1 || r.Probes != 2 {
		t.Errorf("run = %+v", r)
	}
	if len(r.Fingerprint) != 2 || r.Fingerprint[1] != "T2(R=N)" {
		t.Errorf("fingerprint = %q", r.Fingerprint)
	}

	all, err := s.History(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all runs = %d, want 3", len(all))
	}

	limited, _ := s.History(ctx, "", 1)
	if len(limited) != 1 || limited[0].Target != "10.0.0.1" {
		t.Errorf("limit 1 = %+v", limited)
	}
}

func TestSave_NoResponse(t *testing.T) {
	s := openMemory(t)
	res := &output.Result{Event: output.EventNoResponse, Target: "10.0.0.9", Port: 80, Probes: 8}
	id, err := s.Save(context.Background(), res)
	if err != nil || id == 0 {
		t.Fatalf("Save: id=%d err=%v", id, err)
	}
	runs, err := s.History(context.Background(), "10.0.0.9", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].TopPattern != "" || runs[0].Event != output.EventNoResponse {
		t.Errorf("runs = %+v", runs)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Write(result("10.0.0.1", "Linux (Modern Kernel 4.x-6.x)"))
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	runs, err := s.History(context.Background(), "", 0)
	if err != nil || len(runs) != 1 {
		t.Errorf("reopened runs = %d, err %v", len(runs), err)
	}
}
