//go:build windows

package tui

func restoreTTY() {}
