package cache

import (
	"fmt"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/manifest"
)

// SourceKey is the content-addressed key of a source descriptor. Packages
// declaring identical sources share it.
func SourceKey(src manifest.Source) (hash.Digest, error) {
	if src == nil {
		return "", fmt.Errorf("source is required")
	}
	return hash.HashDescriptor(src.Descriptor())
}

// BuildKey is the key of pkg's build output: the hash of its source and
// sandbox identity. Packages with identical (source, sandbox) share it.
func BuildKey(pkg manifest.Package) (hash.Digest, error) {
	if pkg.Source == nil {
		return "", fmt.Errorf("package %s has no source", pkg.Name)
	}
	return hash.HashDescriptor(map[string]any{
		"source":  pkg.Source.Descriptor(),
		"sandbox": SandboxIdentity(pkg.Sandbox),
	})
}

// SandboxIdentity returns the identity of a sandbox. A Dockerfile sandbox is
// identified by the digest of the Dockerfile's content so edits force a
// rebuild. An unreadable Dockerfile falls back to its cleaned path; the image
// build reports the read error later.
func SandboxIdentity(sandbox manifest.Sandbox) map[string]any {
	if sandbox == nil {
		sandbox = manifest.DefaultSandbox()
	}
	switch s := sandbox.(type) {
	case manifest.DockerfileSandbox:
		if digest, err := hash.HashFile(s.Path); err == nil {
			return map[string]any{"kind": s.Kind(), "dockerfile_sha256": digest.String()}
		}
		return map[string]any{"kind": s.Kind(), "path": filepath.Clean(s.Path)}
	case manifest.ImageSandbox:
		return map[string]any{"kind": s.Kind(), "image": s.Name}
	default:
		return map[string]any{"kind": sandbox.Kind()}
	}
}
