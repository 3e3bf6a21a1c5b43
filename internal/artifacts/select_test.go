package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/manifest"
)

func names(found []Artifact) []string {
	out := make([]string, 0, len(found))
	for _, a := range found {
		out = append(out, a.Name)
	}
	return out
}

func populate(t *testing.T, files ...string) string {
	t.Helper()

	dir := t.TempDir()
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte(f), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "makepkg", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "makepkg", "nested-1-1-x86_64.pkg.tar.zst"), nil, 0o644))
	return dir
}

func TestScanFindsTopLevelArchivesOnly(t *testing.T) {
	t.Parallel()

	dir := populate(t,
		"hello-2.12-1-x86_64.pkg.tar.zst",
		"hello-debug-2.12-1-x86_64.pkg.tar.zst",
		"last_successful_build_time",
		"hello-2.12.tar.gz",
	)

	found, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"hello-2.12-1-x86_64.pkg.tar.zst",
		"hello-debug-2.12-1-x86_64.pkg.tar.zst",
	}, names(found))
	assert.Equal(t, PackageArtifact, found[0].Kind)
	assert.Equal(t, DebugArtifact, found[1].Kind)

	_, err = Scan(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestSelectDropsDebugArchive(t *testing.T) {
	t.Parallel()

	dir := populate(t,
		"hello-2.12-1-x86_64.pkg.tar.zst",
		"hello-debug-2.12-1-x86_64.pkg.tar.zst",
		"hello-docs-2.12-1-any.pkg.tar.zst",
	)
	found, err := Scan(dir)
	require.NoError(t, err)

	pkg := manifest.Package{
		Name:    "hello",
		Version: "2.12-1",
		Source:  manifest.LocalTreeSource{Path: "/recipes/hello"},
	}
	assert.Equal(t, []string{
		"hello-2.12-1-x86_64.pkg.tar.zst",
		"hello-docs-2.12-1-any.pkg.tar.zst",
	}, names(Select(found, pkg)))
}

func TestSelectHonoursPicks(t *testing.T) {
	t.Parallel()

	dir := populate(t,
		"gcc-14.2-1-x86_64.pkg.tar.zst",
		"gcc-libs-14.2-1-x86_64.pkg.tar.zst",
		"gcc-fortran-14.2-1-x86_64.pkg.tar.zst",
		"gcc-libs-14.1-1-x86_64.pkg.tar.zst",
	)
	found, err := Scan(dir)
	require.NoError(t, err)

	pkg := manifest.Package{
		Name:    "gcc",
		Version: "14.2-1",
		Source:  manifest.LocalTreeSource{Path: "/recipes/gcc", PickSubpackages: []string{"gcc-libs"}},
	}
	assert.Equal(t, []string{"gcc-libs-14.2-1-x86_64.pkg.tar.zst"}, names(Select(found, pkg)))

	pkg.Source = manifest.LocalTreeSource{Path: "/recipes/gcc", PickSubpackages: []string{"rust"}}
	assert.Empty(t, Select(found, pkg))
}

func TestChecksum(t *testing.T) {
	t.Parallel()

	dir := populate(t, "a-1-1-any.pkg.tar.zst")
	found, err := Scan(dir)
	require.NoError(t, err)
	require.NoError(t, Checksum(found))
	assert.Len(t, found[0].Checksum, 64)
}
