package archive

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

type entry struct {
	name     string
	body     string
	typeflag byte
	linkname string
}

func tarball(t *testing.T, entries []entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Typeflag: e.typeflag, Linkname: e.linkname}
		switch e.typeflag {
		case tar.TypeDir:
			hdr.Mode = 0o755
		case tar.TypeReg:
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func compress(t *testing.T, c Compression, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch c {
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Zstd:
		w, err = zstd.NewWriter(&buf)
	case Xz:
		w, err = xz.NewWriter(&buf)
	default:
		return data
	}
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

var recipe = []entry{
	{name: "hello-v2.12/", typeflag: tar.TypeDir},
	{name: "hello-v2.12/PKGBUILD", body: "pkgname=hello\n", typeflag: tar.TypeReg},
	{name: "hello-v2.12/patches/fix.patch", body: "--- a\n+++ b\n", typeflag: tar.TypeReg},
	{name: "hello-v2.12/build.sh", typeflag: tar.TypeSymlink, linkname: "PKGBUILD"},
}

func TestExtractAllCodecs(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		compression Compression
	}{
		{"src.tar.gz", Gzip},
		{"src.pkg.tar.zst", Zstd},
		{"src.tar.xz", Xz},
		{"src.tar", None},
		{"src.download", Gzip},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			archivePath := filepath.Join(dir, tc.name)
			require.NoError(t, os.WriteFile(archivePath, compress(t, tc.compression, tarball(t, recipe)), 0o644))

			dest := filepath.Join(dir, "out")
			require.NoError(t, Extract(archivePath, dest, ExtractOptions{StripComponents: 1}))

			data, err := os.ReadFile(filepath.Join(dest, "PKGBUILD"))
			require.NoError(t, err)
			assert.Equal(t, "pkgname=hello\n", string(data))

			_, err = os.Stat(filepath.Join(dest, "patches", "fix.patch"))
			assert.NoError(t, err)

			link, err := os.Readlink(filepath.Join(dest, "build.sh"))
			require.NoError(t, err)
			assert.Equal(t, "PKGBUILD", link)
		})
	}
}

func TestExtractRejectsEscapes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.tar")
	require.NoError(t, os.WriteFile(archivePath, tarball(t, []entry{
		{name: "../../etc/passwd", body: "root", typeflag: tar.TypeReg},
	}), 0o644))

	err := Extract(archivePath, filepath.Join(dir, "out"), ExtractOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
	_, statErr := os.Stat(filepath.Join(dir, "etc", "passwd"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractRejectsWritesThroughSymlinks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))

	cases := map[string][]entry{
		"file": {
			{name: "link", typeflag: tar.TypeSymlink, linkname: outside},
			{name: "link/evil", body: "pwned", typeflag: tar.TypeReg},
		},
		"nested file": {
			{name: "link", typeflag: tar.TypeSymlink, linkname: outside},
			{name: "link/sub/evil", body: "pwned", typeflag: tar.TypeReg},
		},
		"relative link": {
			{name: "a/", typeflag: tar.TypeDir},
			{name: "a/up", typeflag: tar.TypeSymlink, linkname: "../../outside"},
			{name: "a/up/evil", body: "pwned", typeflag: tar.TypeReg},
		},
		"directory": {
			{name: "link", typeflag: tar.TypeSymlink, linkname: outside},
			{name: "link/sub/", typeflag: tar.TypeDir},
		},
		"hardlink": {
			{name: "link", typeflag: tar.TypeSymlink, linkname: outside},
			{name: "copy", typeflag: tar.TypeLink, linkname: "link/secret"},
		},
	}
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("secret"), 0o600))

	for name, entries := range cases {
		archivePath := filepath.Join(dir, name+".tar")
		require.NoError(t, os.WriteFile(archivePath, tarball(t, entries), 0o644))

		err := Extract(archivePath, filepath.Join(dir, "out-"+name), ExtractOptions{})
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), "escapes destination", name)
	}

	leftovers, err := os.ReadDir(outside)
	require.NoError(t, err)
	require.Len(t, leftovers, 1)
	assert.Equal(t, "secret", leftovers[0].Name())
}

func TestExtractKeepsInternalSymlinks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	archivePath := filepath.Join(dir, "pkg.tar")
	require.NoError(t, os.WriteFile(archivePath, tarball(t, []entry{
		{name: "usr/lib/", typeflag: tar.TypeDir},
		{name: "lib", typeflag: tar.TypeSymlink, linkname: "usr/lib"},
		{name: "lib/libz.so", body: "elf", typeflag: tar.TypeReg},
	}), 0o644))

	out := filepath.Join(dir, "out")
	require.NoError(t, Extract(archivePath, out, ExtractOptions{}))
	data, err := os.ReadFile(filepath.Join(out, "usr", "lib", "libz.so"))
	require.NoError(t, err)
	assert.Equal(t, "elf", string(data))
}

func TestDetect(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ".pkg.tar.zst", Detect("https://mirror.example/zlib-1.3-1-x86_64.pkg.tar.zst"))
	assert.Equal(t, ".tar.xz", Detect("https://example.com/a.tar.xz?download=1"))
	assert.Equal(t, ".tar.gz", Detect("https://github.com/example/hello/archive/v2.12.tar.gz"))
	assert.Equal(t, DefaultExt, Detect("https://example.com/download"))
}

func TestIsPackageArchive(t *testing.T) {
	t.Parallel()

	assert.True(t, IsPackageArchive("hello-2.12-1-x86_64.pkg.tar.zst"))
	assert.False(t, IsPackageArchive("hello-2.12.tar.zst"))
	assert.False(t, IsPackageArchive("PKGBUILD"))
}
