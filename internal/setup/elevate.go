package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNoEscalation is returned when none of the escalation tools exist.
var ErrNoEscalation = errors.New("no privilege escalation tool found (sudo/doas/su)")

// escalators lists the tools tried, in order of preference.
var escalators = []string{"sudo", "doas", "su"}

// IsRoot reports whether the process runs with an effective UID of 0.
func IsRoot() bool {
	return unix.Geteuid() == 0
}

// EnsureElevated re-executes the current binary with the given arguments
// under the first available escalation tool. It returns (true, nil) when the
// process already runs as root and nothing was re-executed; otherwise it
// returns after the elevated child exits.
func EnsureElevated(args []string) (bool, error) {
	if IsRoot() {
		return true, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("locate executable: %w", err)
	}
	return false, Reexec(exe, args)
}

// Reexec runs exe with args under sudo, doas or su, forwarding the standard
// streams. A tool that cannot be found is skipped; one that runs and fails
// ends the search.
func Reexec(exe string, args []string) error {
	for _, tool := range escalators {
		path, err := exec.LookPath(tool)
		if err != nil {
			continue
		}
		getLogger().Info("re-executing with elevated privileges", "tool", tool)

		cmd := exec.Command(path, escalationArgs(tool, exe, args)...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w", tool, err)
		}
		return nil
	}
	return ErrNoEscalation
}

func escalationArgs(tool, exe string, args []string) []string {
	if tool != "su" {
		return append([]string{exe}, args...)
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, ShellQuote(exe))
	for _, arg := range args {
		parts = append(parts, ShellQuote(arg))
	}
	return []string{"-c", strings.Join(parts, " ")}
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
