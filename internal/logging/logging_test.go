package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIHandlerFormatsRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, slog.LevelInfo).With("component", "build")
	logger.Debug("hidden")
	logger.Info("package built", "package", "hello-2.12-1", slog.Group("archives", "count", 2))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "INFO "), out)
	assert.Contains(t, out, " | package built component=build package=hello-2.12-1 archives.count=2\n")
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseMode("JSON")
	require.NoError(t, err)
	assert.Equal(t, ModeJSON, mode)

	mode, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCLI, mode)

	_, err = ParseMode("xml")
	assert.Error(t, err)
}

func TestTagWriterPrefixesLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewPlainTagWriter(&buf, "[hello@2.12-1 | makepkg] ")

	_, err := w.Write([]byte("==> Making package\n==> Chec"))
	require.NoError(t, err)
	_, err = w.Write([]byte("king deps\r\npartial"))
	require.NoError(t, err)
	assert.Equal(t,
		"[hello@2.12-1 | makepkg] ==> Making package\n"+
			"[hello@2.12-1 | makepkg] ==> Checking deps\n",
		buf.String())

	require.NoError(t, w.Flush())
	assert.True(t, strings.HasSuffix(buf.String(), "[hello@2.12-1 | makepkg] partial\n"))
	require.NoError(t, w.Flush())
}
