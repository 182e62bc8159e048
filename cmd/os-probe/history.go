package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"rs_osprobe/internal/store"
)

// printHistory lists stored runs for target, newest first. "all" or ""
// lists every target.
func printHistory(ctx context.Context, st *store.Store, target string, limit int, w io.Writer) error {
	if target == "all" {
		target = ""
	}
	runs, err := st.History(ctx, target, limit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "no stored runs")
		return nil
	}
	for _, r := range runs {
		pattern := r.TopPattern
		if pattern == "" {
			pattern = "-"
		}
		layout := r.TopLayout
		if layout == "" {
			layout = "-"
		}
		fmt.Fprintf(w, "#%d %s %s %s %d/%d pattern=%q (%.2f) layout=%s\n",
			r.ID, r.CompletedAt, r.Target, r.Event, r.Responded, r.Probes, pattern, r.TopScore, layout)
		if len(r.Fingerprint) > 0 {
			fmt.Fprintf(w, "    %s\n", strings.Join(r.Fingerprint, "\n    "))
		}
	}
	return nil
}
