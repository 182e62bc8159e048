//go:build darwin

package main

import (
	"fmt"
	"os/exec"
	"strings"
)

func rstSuppressed(lo, hi int) bool {
	out, err := exec.Command("pfctl", "-sr").Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "flags R/R")
}

func rstSuppressionHint(lo, hi int) string {
	return fmt.Sprintf(`echo "block drop out proto tcp from any port %d:%d to any flags R/R" | sudo pfctl -ef -`, lo, hi)
}
