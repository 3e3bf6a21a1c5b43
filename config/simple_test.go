package simple

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/manifest"
)

func packageArchive(t *testing.T, name string) []byte {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	body := []byte(name + "\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "usr/share/" + name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	zw, err := zstd.NewWriter(&out)
	require.NoError(t, err)
	_, err = zw.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return out.Bytes()
}

type recordingExecutor struct {
	t     *testing.T
	mu    sync.Mutex
	built []string
}

func (e *recordingExecutor) Run(req build.Request) error {
	e.mu.Lock()
	e.built = append(e.built, req.Package.Name)
	e.mu.Unlock()
	name := req.Package.ID() + "-x86_64.pkg.tar.zst"
	return os.WriteFile(filepath.Join(req.OutputDir, name), packageArchive(e.t, req.Package.Name), 0o644)
}

type staticSandboxes struct{}

func (staticSandboxes) Resolve(_ context.Context, sandbox manifest.Sandbox) (string, error) {
	return sandbox.Kind(), nil
}

type workspace struct {
	dir      string
	manifest string
	opts     Options
	executor *recordingExecutor
	requests *atomic.Int64
}

// newWorkspace serves one binary package and writes a manifest with that
// package, a local recipe depending on it, and optionally a broken binary.
func newWorkspace(t *testing.T, withBroken bool) *workspace {
	t.Helper()

	payload := packageArchive(t, "zlib")
	digest, err := hash.HashBytes(bytes.NewReader(payload))
	require.NoError(t, err)

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/zlib-1.3-1-x86_64.pkg.tar.zst" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "recipes", "hello"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "recipes", "hello", "PKGBUILD"), []byte("pkgname=hello\n"), 0o644))

	text := fmt.Sprintf(`version = "1.0"

[[package]]
name = "zlib"
version = "1.3-1"
source = { mode = "binary", url = "%s/zlib-1.3-1-x86_64.pkg.tar.zst", sha256 = "%s" }

[[package]]
name = "hello"
version = "2.12-1"
build_deps = ["zlib"]
source = { mode = "local", path = "recipes/hello" }
`, server.URL, digest)
	if withBroken {
		text += fmt.Sprintf(`
[[package]]
name = "broken"
version = "1-1"
source = { mode = "binary", url = "%s/missing.pkg.tar.zst", sha256 = "%s" }
`, server.URL, digest)
	}
	manifestPath := filepath.Join(dir, "manifest.toml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(text), 0o644))

	settings := Defaults()
	settings.CacheDir = filepath.Join(dir, "build")
	executor := &recordingExecutor{t: t}
	return &workspace{
		dir:      dir,
		manifest: manifestPath,
		executor: executor,
		requests: &requests,
		opts: Options{
			Settings:  settings,
			Executor:  executor,
			Sandboxes: staticSandboxes{},
			Client:    server.Client(),
		},
	}
}

func TestLoadSettings(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache_dir: /var/cache/kiln\nfetch_concurrency: 8\nhttp_timeout: 30s\n"), 0o644))

	settings, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/kiln", settings.CacheDir)
	assert.Equal(t, 8, settings.FetchConcurrency)
	assert.Equal(t, 30*time.Second, settings.HTTPTimeout)
	assert.Equal(t, manifest.DefaultImage, settings.DefaultImage)
	assert.Equal(t, "docker", settings.DockerBinary)

	_, err = LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("fetch_concurrency: 0\n"), 0o644))
	_, err = LoadSettings(path)
	assert.Error(t, err)
}

func TestLoadManifestAppliesDefaultImage(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, false)
	settings := ws.opts.Settings
	settings.DefaultImage = "registry.test/builder:latest"

	m, err := LoadManifest(ws.manifest, settings)
	require.NoError(t, err)
	for _, pkg := range m.Packages {
		assert.Equal(t, manifest.ImageSandbox{Name: "registry.test/builder:latest"}, pkg.Sandbox)
	}
}

func TestLoadManifestKeepsExplicitImage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.toml")
	require.NoError(t, os.WriteFile(path, []byte(`version = "1.0"

[[package]]
name = "pinned"
version = "1.0-1"

[package.source]
mode = "local"
path = "recipes/pinned"

[package.docker]
image_name = "archlinux:multilib-devel"

[[package]]
name = "loose"
version = "1.0-1"

[package.source]
mode = "local"
path = "recipes/loose"
`), 0o644))

	settings := Defaults()
	settings.DefaultImage = "registry.test/builder:latest"
	m, err := LoadManifest(path, settings)
	require.NoError(t, err)

	pinned, ok := m.Package("pinned")
	require.True(t, ok)
	assert.Equal(t, manifest.ImageSandbox{Name: manifest.DefaultImage}, pinned.Sandbox)

	loose, ok := m.Package("loose")
	require.True(t, ok)
	assert.Equal(t, manifest.ImageSandbox{Name: "registry.test/builder:latest"}, loose.Sandbox)
}

func TestBuildIsIncremental(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, false)
	ctx := context.Background()

	summary, err := Build(ctx, ws.manifest, ws.opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fetch.Downloaded)
	assert.Equal(t, 2, summary.Build.Built)
	assert.Equal(t, []string{"hello"}, ws.executor.built)
	assert.EqualValues(t, 1, ws.requests.Load())

	summary, err = Build(ctx, ws.manifest, ws.opts)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Fetch.Downloaded)
	assert.Equal(t, 0, summary.Build.Built)
	assert.Equal(t, 0, summary.GC.Removed())
	assert.EqualValues(t, 1, ws.requests.Load())

	statuses, err := Status(ws.manifest, ws.opts)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, "zlib", statuses[0].Name)
	assert.Equal(t, "hello", statuses[1].Name)
	for _, status := range statuses {
		assert.False(t, status.Stale, status.Name)
		assert.False(t, status.BuiltAt.IsZero(), status.Name)
		require.NotNil(t, status.Record, status.Name)
		assert.Equal(t, build.BuildStatusSucceeded, status.Record.Status)
	}
}

func TestBuildCarriesFetchFailures(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, true)

	summary, err := Build(context.Background(), ws.manifest, ws.opts)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Fetch.Errors)
	assert.Equal(t, 3, summary.Build.Total)
	assert.Equal(t, 2, summary.Build.Built)
	assert.Equal(t, 1, summary.Build.Errors)
	assert.Contains(t, summary.Build.Failures, "broken")
}

func TestGarbageCollectRemovesDroppedPackages(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, false)
	_, err := Build(context.Background(), ws.manifest, ws.opts)
	require.NoError(t, err)

	text, err := os.ReadFile(ws.manifest)
	require.NoError(t, err)
	trimmed := bytes.SplitN(text, []byte("\n[[package]]\nname = \"hello\""), 2)[0]
	require.NoError(t, os.WriteFile(ws.manifest, trimmed, 0o644))

	stats, err := GarbageCollect(ws.manifest, ws.opts)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RemovedOutputs)
	assert.Equal(t, 0, stats.RemovedSources)

	stats, err = GarbageCollect(ws.manifest, ws.opts)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Removed())
}

func TestFetchReportsMissingManifest(t *testing.T) {
	t.Parallel()

	_, err := Fetch(context.Background(), filepath.Join(t.TempDir(), "manifest.toml"), Options{Settings: Defaults()})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestClean(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "build")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out", "x"), 0o755))

	require.NoError(t, Clean(dir, nil, nil))
	assert.NoDirExists(t, dir)

	err := Clean(dir, nil, nil)
	assert.True(t, errors.Is(err, ErrAlreadyClean))
}
