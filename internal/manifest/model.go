// Package manifest models the declarative package list an image is built
// from: packages, their sources, their sandbox settings and the build
// dependency edges between them.
package manifest

import (
	"sort"

	"github.com/cochaviz/kiln/internal/hash"
)

// DefaultImage is the container image used when a package declares no
// docker block.
const DefaultImage = "archlinux:multilib-devel"

// Manifest is the parsed manifest. It is treated as immutable for the
// duration of a run.
type Manifest struct {
	Version  string
	Kernel   Kernel
	Initrd   Initrd
	Packages []Package

	// Path is the file the manifest was loaded from, if any.
	Path string
}

// Kernel describes the kernel to boot. It is consumed by the kernel
// downloader, not by the package pipeline.
type Kernel struct {
	URL     string
	Options map[string]string
}

// Initrd describes how the initial ramdisk is produced.
type Initrd struct {
	BuildScript string
}

// Package is a single buildable unit.
type Package struct {
	Name      string
	Version   string
	Author    string
	Source    Source
	Sandbox   Sandbox
	BuildDeps []string
	// ImplicitSandbox is set when the manifest declared no image or
	// Dockerfile and Sandbox holds the default.
	ImplicitSandbox bool
}

// ID returns the human readable name-version pair.
func (p Package) ID() string {
	return p.Name + "-" + p.Version
}

// Package returns the package with the given name.
func (m *Manifest) Package(name string) (Package, bool) {
	for _, pkg := range m.Packages {
		if pkg.Name == name {
			return pkg, true
		}
	}
	return Package{}, false
}

// Source is one of BinarySource, LocalTreeSource or RemoteRecipeSource.
type Source interface {
	// Mode returns the manifest tag for the variant.
	Mode() string
	// Descriptor returns the identity of the source as a plain value
	// suitable for hash.HashDescriptor.
	Descriptor() map[string]any

	isSource()
}

// Source modes as written in the manifest.
const (
	ModeBinary = "binary"
	ModeLocal  = "local"
	ModeGit    = "git"
)

// BinarySource is a prebuilt package archive fetched directly.
type BinarySource struct {
	URL    string
	SHA256 hash.Digest
}

// LocalTreeSource is an on-disk recipe tree. It is never fetched or
// hash-verified; staleness is purely mtime based.
type LocalTreeSource struct {
	Path            string
	PickSubpackages []string
}

// RemoteRecipeSource is a recipe repository fetched as a tarball snapshot of
// a single revision.
type RemoteRecipeSource struct {
	RepoURL         string
	Rev             string
	SHA256          hash.Digest
	PickSubpackages []string
}

func (BinarySource) isSource()       {}
func (LocalTreeSource) isSource()    {}
func (RemoteRecipeSource) isSource() {}

func (BinarySource) Mode() string       { return ModeBinary }
func (LocalTreeSource) Mode() string    { return ModeLocal }
func (RemoteRecipeSource) Mode() string { return ModeGit }

func (s BinarySource) Descriptor() map[string]any {
	return map[string]any{
		"mode":   ModeBinary,
		"url":    s.URL,
		"sha256": s.SHA256.String(),
	}
}

func (s LocalTreeSource) Descriptor() map[string]any {
	d := map[string]any{
		"mode": ModeLocal,
		"path": s.Path,
	}
	if s.PickSubpackages != nil {
		d["pick"] = sortedCopy(s.PickSubpackages)
	}
	return d
}

func (s RemoteRecipeSource) Descriptor() map[string]any {
	d := map[string]any{
		"mode":     ModeGit,
		"repo_url": s.RepoURL,
		"rev":      s.Rev,
		"sha256":   s.SHA256.String(),
	}
	if s.PickSubpackages != nil {
		d["pick"] = sortedCopy(s.PickSubpackages)
	}
	return d
}

// Picks returns the subpackages selected from a recipe, or nil when the
// source builds every subpackage.
func Picks(src Source) []string {
	switch s := src.(type) {
	case LocalTreeSource:
		return s.PickSubpackages
	case RemoteRecipeSource:
		return s.PickSubpackages
	default:
		return nil
	}
}

// IsRecipe reports whether the source must be built by the executor.
func IsRecipe(src Source) bool {
	switch src.(type) {
	case LocalTreeSource, RemoteRecipeSource:
		return true
	default:
		return false
	}
}

// Sandbox is one of DockerfileSandbox or ImageSandbox.
type Sandbox interface {
	Kind() string

	isSandbox()
}

// DockerfileSandbox builds the build image from a Dockerfile.
type DockerfileSandbox struct {
	Path string
}

// ImageSandbox uses an existing image.
type ImageSandbox struct {
	Name string
}

func (DockerfileSandbox) isSandbox() {}
func (ImageSandbox) isSandbox()      {}

func (DockerfileSandbox) Kind() string { return "dockerfile" }
func (ImageSandbox) Kind() string      { return "image" }

// DefaultSandbox returns the sandbox used when none is declared.
func DefaultSandbox() Sandbox {
	return ImageSandbox{Name: DefaultImage}
}

func sortedCopy(values []string) []string {
	out := append([]string{}, values...)
	sort.Strings(out)
	return out
}
