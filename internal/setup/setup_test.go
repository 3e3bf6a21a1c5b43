package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestShellQuote(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "''", ShellQuote(""))
	assert.Equal(t, "'plain'", ShellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
	assert.Equal(t, "'a b'", ShellQuote("a b"))
}

func TestEscalationArgs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"/bin/kiln", "clean", "--cache-dir", "x"},
		escalationArgs("sudo", "/bin/kiln", []string{"clean", "--cache-dir", "x"}))
	assert.Equal(t, []string{"/bin/kiln", "clean"},
		escalationArgs("doas", "/bin/kiln", []string{"clean"}))
	assert.Equal(t, []string{"-c", `'/bin/kiln' 'clean' 'it'\''s'`},
		escalationArgs("su", "/bin/kiln", []string{"clean", "it's"}))
}

func TestIsRootMatchesEffectiveUID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, unix.Geteuid() == 0, IsRoot())
}

func TestEnsureElevatedAsRootIsNoop(t *testing.T) {
	if !IsRoot() {
		t.Skip("requires root")
	}
	already, err := EnsureElevated([]string{"clean"})
	assert.NoError(t, err)
	assert.True(t, already)
}

func TestReexecWithoutTools(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	err := Reexec(filepath.Join(os.TempDir(), "kiln"), nil)
	assert.ErrorIs(t, err, ErrNoEscalation)
}

func TestSettingsPath(t *testing.T) {
	old := ConfigDir
	t.Cleanup(func() { ConfigDir = old })

	ConfigDir = "/etc/kiln"
	assert.Equal(t, "/etc/kiln/config.yaml", SettingsPath())
	ConfigDir = ""
	assert.Equal(t, "", SettingsPath())
}
