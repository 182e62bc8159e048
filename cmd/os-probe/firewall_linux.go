//go:build linux

package main

import (
	"fmt"
	"os/exec"
)

// rstSuppressed reports whether outgoing RSTs from the probe ports are
// already dropped. Without that the kernel resets every SYN/ACK a target
// sends back.
func rstSuppressed(lo, hi int) bool {
	return exec.Command("iptables", "-C", "OUTPUT",
		"-p", "tcp", "--sport", fmt.Sprintf("%d:%d", lo, hi),
		"--tcp-flags", "RST", "RST", "-j", "DROP").Run() == nil
}

func rstSuppressionHint(lo, hi int) string {
	return fmt.Sprintf("iptables -I OUTPUT 1 -p tcp --sport %d:%d --tcp-flags RST RST -j DROP", lo, hi)
}
