package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/logging"
)

func newTestApp() *app {
	var levelVar slog.LevelVar
	return &app{logger: logging.NewCLI(&bytes.Buffer{}, &levelVar), levelVar: &levelVar}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCommand(newTestApp())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"err":     slog.LevelError,
	}
	for input, want := range cases {
		got, err := parseLogLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := parseLogLevel("loud")
	assert.Error(t, err)
}

func TestHashCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	out, err := execute(t, "hash", path)
	require.NoError(t, err)
	assert.Equal(t, "2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824\n", out)
}

func TestRejectsUnknownLogFormat(t *testing.T) {
	_, err := execute(t, "--log-format", "xml", "hash", "x")
	assert.ErrorContains(t, err, "unknown log format")
}

func TestExplicitConfigMustExist(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "--config", filepath.Join(dir, "missing.yaml"), "--cache-dir", filepath.Join(dir, "build"), "clean")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCleanAndStatus(t *testing.T) {
	dir := t.TempDir()
	recipe := filepath.Join(dir, "hello")
	require.NoError(t, os.MkdirAll(recipe, 0o755))
	manifestPath := filepath.Join(dir, "manifest.toml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`version = "1.0"

[[package]]
name = "hello"
version = "2.12-1"
source = { mode = "local", path = "hello" }
`), 0o644))
	cacheDir := filepath.Join(dir, "build")
	settings := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("fetch_concurrency: 2\n"), 0o644))

	out, err := execute(t, "-m", manifestPath, "--config", settings, "--cache-dir", cacheDir, "status")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "hello@2.12-1")
	assert.Contains(t, lines[1], "never")
	assert.Contains(t, lines[1], "stale (never built)")

	out, err = execute(t, "--config", settings, "--cache-dir", cacheDir, "clean")
	require.NoError(t, err)
	assert.Contains(t, out, "cleaned successfully")
	assert.NoDirExists(t, cacheDir)

	out, err = execute(t, "--config", settings, "--cache-dir", cacheDir, "clean")
	require.NoError(t, err)
	assert.Contains(t, out, "already clean")
}
