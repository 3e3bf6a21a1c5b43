// Package cache maps packages onto the on-disk cache layout and derives
// their content-addressed keys:
//
//	sources/<key>.tar.*                       fetched tarballs
//	sources/prepared/<name>-<version>/        unpacked recipes
//	out/<name>-<version>-<key>/unpacked/      build artifacts
//	out/<name>-<version>-<key>/last_successful_build_time
//
// A cache root assumes a single writer. Running two orchestrators against the
// same root concurrently is not supported.
package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/archive"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/manifest"
)

// Directory and file names inside the cache root.
const (
	SourcesDirName  = "sources"
	PreparedDirName = "prepared"
	OutDirName      = "out"
	UnpackedDirName = "unpacked"
	MarkerFileName  = "last_successful_build_time"
	RecordFileName  = "build.json"

	// TempPrefix marks in-flight downloads; they are never referenced.
	TempPrefix = ".tmp-"
)

// Layout resolves cache paths under Root.
type Layout struct {
	Root string
}

// NewLayout returns a layout rooted at the absolute form of root.
func NewLayout(root string) (Layout, error) {
	if root == "" {
		return Layout{}, fmt.Errorf("cache root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve cache root: %w", err)
	}
	return Layout{Root: abs}, nil
}

// Ensure creates the top-level cache directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.SourcesDir(), l.PreparedDir(), l.OutDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache directory %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) SourcesDir() string  { return filepath.Join(l.Root, SourcesDirName) }
func (l Layout) PreparedDir() string { return filepath.Join(l.SourcesDir(), PreparedDirName) }
func (l Layout) OutDir() string      { return filepath.Join(l.Root, OutDirName) }

// SourceFileName returns the file name of a fetched source, or an error for
// sources that are never fetched.
func SourceFileName(src manifest.Source) (string, error) {
	if !NeedsFetch(src) {
		return "", fmt.Errorf("%s sources are not fetched", src.Mode())
	}
	key, err := SourceKey(src)
	if err != nil {
		return "", err
	}
	return key.Short() + sourceExt(src), nil
}

// SourcePath returns the canonical path of a fetched source.
func (l Layout) SourcePath(src manifest.Source) (string, error) {
	name, err := SourceFileName(src)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.SourcesDir(), name), nil
}

func sourceExt(src manifest.Source) string {
	if s, ok := src.(manifest.BinarySource); ok {
		return archive.Detect(s.URL)
	}
	return archive.DefaultExt
}

// PreparedPath returns the unpacked recipe directory of pkg.
func (l Layout) PreparedPath(pkg manifest.Package) string {
	return filepath.Join(l.PreparedDir(), PreparedName(pkg))
}

// OutPath returns the build-output directory of pkg.
func (l Layout) OutPath(pkg manifest.Package) (string, error) {
	key, err := BuildKey(pkg)
	if err != nil {
		return "", err
	}
	return l.OutPathFor(pkg, key), nil
}

// OutPathFor returns the build-output directory of pkg for an already
// computed build key.
func (l Layout) OutPathFor(pkg manifest.Package, key hash.Digest) string {
	return filepath.Join(l.OutDir(), outName(pkg, key))
}

// UnpackedPath returns the directory holding pkg's unpacked artifacts.
func (l Layout) UnpackedPath(pkg manifest.Package) (string, error) {
	out, err := l.OutPath(pkg)
	if err != nil {
		return "", err
	}
	return filepath.Join(out, UnpackedDirName), nil
}

// MarkerPath returns pkg's build-completion marker.
func (l Layout) MarkerPath(pkg manifest.Package) (string, error) {
	out, err := l.OutPath(pkg)
	if err != nil {
		return "", err
	}
	return filepath.Join(out, MarkerFileName), nil
}

// PreparedName is the prepared-recipe key of pkg.
func PreparedName(pkg manifest.Package) string {
	return pkg.ID()
}

// OutName is the build-output key of pkg: name-version-cachekey.
func OutName(pkg manifest.Package) (string, error) {
	key, err := BuildKey(pkg)
	if err != nil {
		return "", err
	}
	return outName(pkg, key), nil
}

func outName(pkg manifest.Package, key hash.Digest) string {
	return fmt.Sprintf("%s-%s", pkg.ID(), key.Short())
}

// NeedsFetch reports whether src is realized by downloading a tarball.
func NeedsFetch(src manifest.Source) bool {
	switch src.(type) {
	case manifest.BinarySource, manifest.RemoteRecipeSource:
		return true
	default:
		return false
	}
}
