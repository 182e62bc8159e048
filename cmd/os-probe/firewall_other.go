//go:build !linux && !darwin

package main

func rstSuppressed(lo, hi int) bool { return true }

func rstSuppressionHint(lo, hi int) string { return "" }
