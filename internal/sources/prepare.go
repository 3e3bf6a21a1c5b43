package sources

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/archive"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/manifest"
)

// StampFileName records, inside a prepared tree, the source key it was
// unpacked from.
const StampFileName = ".kiln-source"

// ensurePrepared unpacks the recipe tarball unless the prepared tree already
// holds this exact source. Re-unpacking an unchanged tree would refresh its
// mtimes and force a rebuild.
func (f *Fetcher) ensurePrepared(pkg manifest.Package, tarball string, force bool) (string, error) {
	key, err := cache.SourceKey(pkg.Source)
	if err != nil {
		return "", err
	}
	dir := f.Layout.PreparedPath(pkg)
	if !force && preparedFrom(dir, key) {
		return dir, nil
	}
	return Prepare(f.Layout, pkg, tarball)
}

func preparedFrom(dir string, key hash.Digest) bool {
	data, err := os.ReadFile(filepath.Join(dir, StampFileName))
	if err != nil {
		return false
	}
	stamped, err := hash.ParseDigest(strings.TrimSpace(string(data)))
	return err == nil && stamped.Equal(key)
}

// Prepare unpacks a verified recipe tarball into
// sources/prepared/<name>-<version>, replacing whatever was there. A single
// top-level directory in the tarball is flattened away.
func Prepare(layout cache.Layout, pkg manifest.Package, tarball string) (string, error) {
	key, err := cache.SourceKey(pkg.Source)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(layout.PreparedDir(), 0o755); err != nil {
		return "", fmt.Errorf("create prepared directory: %w", err)
	}

	staging := filepath.Join(layout.PreparedDir(), cache.TempPrefix+uuid.NewString())
	defer os.RemoveAll(staging)

	if err := archive.Extract(tarball, staging, archive.ExtractOptions{}); err != nil {
		return "", err
	}
	root, err := singleTopLevel(staging)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(root, StampFileName), []byte(key.String()), 0o644); err != nil {
		return "", fmt.Errorf("stamp prepared tree: %w", err)
	}

	dest := layout.PreparedPath(pkg)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("remove stale prepared tree: %w", err)
	}
	if err := os.Rename(root, dest); err != nil {
		return "", fmt.Errorf("install prepared tree: %w", err)
	}
	return dest, nil
}

func singleTopLevel(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

// SourceRoot returns the path whose mtimes decide staleness for pkg: the
// local tree, the prepared recipe, or the verified binary tarball.
func SourceRoot(layout cache.Layout, pkg manifest.Package) (string, error) {
	switch s := pkg.Source.(type) {
	case manifest.LocalTreeSource:
		return s.Path, nil
	case manifest.RemoteRecipeSource:
		return layout.PreparedPath(pkg), nil
	case manifest.BinarySource:
		return layout.SourcePath(s)
	default:
		return "", &InvalidSourceError{Package: pkg.Name, Reason: "no source"}
	}
}

// Available reports whether the source root of pkg exists on disk.
func Available(layout cache.Layout, pkg manifest.Package) (bool, error) {
	root, err := SourceRoot(layout, pkg)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
