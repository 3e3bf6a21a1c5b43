// Package artifacts finds and selects package archives in build outputs.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/kiln/internal/archive"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/manifest"
)

// Scan lists the package archives directly inside dir, sorted by name.
// Subdirectories such as the makepkg build tree are not searched.
func Scan(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}

	found := []Artifact{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !archive.IsPackageArchive(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		kind := PackageArtifact
		if strings.Contains(entry.Name(), "-debug-") {
			kind = DebugArtifact
		}
		found = append(found, Artifact{
			Name: entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
			Kind: kind,
			Size: info.Size(),
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// Select keeps the archives pkg should install. With picked subpackages only
// archives named <pick>-<version>- survive; otherwise everything except the
// package's own debug archive does.
func Select(found []Artifact, pkg manifest.Package) []Artifact {
	picks := manifest.Picks(pkg.Source)
	selected := []Artifact{}
	for _, a := range found {
		if keep(a.Name, pkg, picks) {
			selected = append(selected, a)
		}
	}
	return selected
}

func keep(name string, pkg manifest.Package, picks []string) bool {
	if picks != nil {
		for _, pick := range picks {
			if strings.HasPrefix(name, fmt.Sprintf("%s-%s-", pick, pkg.Version)) {
				return true
			}
		}
		return false
	}
	return !strings.HasPrefix(name, fmt.Sprintf("%s-debug-%s-", pkg.Name, pkg.Version))
}

// Checksum fills in the digest of each artifact.
func Checksum(found []Artifact) error {
	for i := range found {
		digest, err := hash.HashFile(found[i].Path)
		if err != nil {
			return err
		}
		found[i].Checksum = digest.String()
	}
	return nil
}
