package manifest

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// SupportedMajor is the newest manifest format major version understood.
const SupportedMajor = "v1"

// ValidationError lists every problem found in a manifest.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid manifest: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid manifest (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// Validate checks structural invariants: a supported format version, unique
// non-empty package names, versions, and build_deps that name packages in
// the manifest. Cycles are reported by DepGraph.TopoOrder.
func (m *Manifest) Validate() error {
	var problems []string

	if err := checkFormatVersion(m.Version); err != nil {
		problems = append(problems, err.Error())
	}

	seen := make(map[string]bool, len(m.Packages))
	for i, pkg := range m.Packages {
		switch {
		case pkg.Name == "":
			problems = append(problems, fmt.Sprintf("package #%d has no name", i+1))
			continue
		case strings.ContainsAny(pkg.Name, `/\`):
			problems = append(problems, fmt.Sprintf("package %q: name must not contain path separators", pkg.Name))
		case seen[pkg.Name]:
			problems = append(problems, fmt.Sprintf("package %q is declared more than once", pkg.Name))
		}
		seen[pkg.Name] = true

		if pkg.Version == "" {
			problems = append(problems, fmt.Sprintf("package %q has no version", pkg.Name))
		}
		if pkg.Source == nil {
			problems = append(problems, fmt.Sprintf("package %q has no source", pkg.Name))
		}
	}

	for _, pkg := range m.Packages {
		for _, dep := range pkg.BuildDeps {
			if dep == pkg.Name {
				problems = append(problems, fmt.Sprintf("package %q lists itself in build_deps", pkg.Name))
				continue
			}
			if !seen[dep] {
				problems = append(problems, fmt.Sprintf("package %q depends on unknown package %q", pkg.Name, dep))
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func checkFormatVersion(version string) error {
	if version == "" {
		return fmt.Errorf("manifest version is required")
	}
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return fmt.Errorf("manifest version %q is not a valid version", version)
	}
	if semver.Compare(semver.Major(v), SupportedMajor) > 0 {
		return fmt.Errorf("manifest version %q is newer than the supported %s.x", version, SupportedMajor)
	}
	return nil
}
