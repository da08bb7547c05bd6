//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// restoreTTY puts the terminal back into cooked mode after the program
// exits, in case bubbletea was interrupted mid-render.
func restoreTTY() {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
