package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/kiln/internal/hash"
)

// Format identifies a manifest encoding.
type Format string

// Supported manifest encodings.
const (
	FormatTOML Format = "toml"
	FormatHCL  Format = "hcl"
	FormatYAML Format = "yaml"
)

// FormatFromPath infers the manifest encoding from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".hcl":
		return FormatHCL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q (want .toml, .hcl, .yaml)", filepath.Ext(path))
	}
}

// Load reads, decodes and validates the manifest at path. Relative paths in
// the manifest resolve against the manifest's directory.
func Load(path string) (*Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", absPath, err)
	}

	m, err := Decode(format, data, filepath.Dir(absPath))
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", absPath, err)
	}
	m.Path = absPath

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Decode parses data in the given format. baseDir anchors relative paths.
// The result is not validated.
func Decode(format Format, data []byte, baseDir string) (*Manifest, error) {
	var (
		raw *rawManifest
		err error
	)
	switch format {
	case FormatTOML:
		raw, err = decodeTOML(data)
	case FormatHCL:
		raw, err = decodeHCL(data)
	case FormatYAML:
		raw, err = decodeYAML(data)
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return raw.build(baseDir)
}

// rawManifest is the encoding-neutral shape every decoder produces.
type rawManifest struct {
	Version  string       `toml:"version" yaml:"version"`
	Kernel   rawKernel    `toml:"kernel" yaml:"kernel"`
	Initrd   rawInitrd    `toml:"initrd" yaml:"initrd"`
	Packages []rawPackage `toml:"package" yaml:"package"`
}

type rawKernel struct {
	URL     string         `toml:"url" yaml:"url"`
	Options map[string]any `toml:"options" yaml:"options"`
}

type rawInitrd struct {
	BuildScript string `toml:"build_script" yaml:"build_script"`
}

type rawPackage struct {
	Name      string     `toml:"name" yaml:"name"`
	Version   string     `toml:"version" yaml:"version"`
	Author    string     `toml:"author" yaml:"author"`
	Source    *rawSource `toml:"source" yaml:"source"`
	Docker    *rawDocker `toml:"docker" yaml:"docker"`
	BuildDeps []string   `toml:"build_deps" yaml:"build_deps"`
}

type rawSource struct {
	Mode                  string   `toml:"mode" yaml:"mode"`
	URL                   string   `toml:"url" yaml:"url"`
	SHA256                string   `toml:"sha256" yaml:"sha256"`
	Path                  string   `toml:"path" yaml:"path"`
	RepoURL               string   `toml:"repo_url" yaml:"repo_url"`
	Rev                   string   `toml:"rev" yaml:"rev"`
	PickPackagesFromGroup []string `toml:"pick_packages_from_group" yaml:"pick_packages_from_group"`
}

type rawDocker struct {
	DockerfilePath string `toml:"dockerfile_path" yaml:"dockerfile_path"`
	ImageName      string `toml:"image_name" yaml:"image_name"`
}

func (r *rawManifest) build(baseDir string) (*Manifest, error) {
	m := &Manifest{
		Version: strings.TrimSpace(r.Version),
		Kernel: Kernel{
			URL:     r.Kernel.URL,
			Options: stringifyOptions(r.Kernel.Options),
		},
		Initrd: Initrd{
			BuildScript: resolvePath(baseDir, r.Initrd.BuildScript),
		},
		Packages: make([]Package, 0, len(r.Packages)),
	}

	for i, rp := range r.Packages {
		pkg, err := rp.build(baseDir)
		if err != nil {
			name := rp.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i+1)
			}
			return nil, fmt.Errorf("package %s: %w", name, err)
		}
		m.Packages = append(m.Packages, pkg)
	}
	return m, nil
}

func (rp rawPackage) build(baseDir string) (Package, error) {
	if rp.Source == nil {
		return Package{}, fmt.Errorf("missing source block")
	}
	src, err := rp.Source.build(baseDir)
	if err != nil {
		return Package{}, err
	}
	sandbox, err := rp.Docker.build(baseDir)
	if err != nil {
		return Package{}, err
	}
	return Package{
		Name:            strings.TrimSpace(rp.Name),
		Version:         strings.TrimSpace(rp.Version),
		Author:          strings.TrimSpace(rp.Author),
		Source:          src,
		Sandbox:         sandbox,
		BuildDeps:       dedupe(rp.BuildDeps),
		ImplicitSandbox: rp.Docker.empty(),
	}, nil
}

func (rs rawSource) build(baseDir string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(rs.Mode)) {
	case ModeBinary:
		if rs.URL == "" {
			return nil, fmt.Errorf("binary source requires url")
		}
		digest, err := parseOptionalDigest(rs.SHA256)
		if err != nil {
			return nil, err
		}
		return BinarySource{URL: rs.URL, SHA256: digest}, nil
	case ModeLocal:
		if rs.Path == "" {
			return nil, fmt.Errorf("local source requires path")
		}
		return LocalTreeSource{
			Path:            resolvePath(baseDir, rs.Path),
			PickSubpackages: rs.PickPackagesFromGroup,
		}, nil
	case ModeGit:
		if rs.RepoURL == "" || rs.Rev == "" {
			return nil, fmt.Errorf("git source requires repo_url and rev")
		}
		digest, err := parseOptionalDigest(rs.SHA256)
		if err != nil {
			return nil, err
		}
		return RemoteRecipeSource{
			RepoURL:         rs.RepoURL,
			Rev:             rs.Rev,
			SHA256:          digest,
			PickSubpackages: rs.PickPackagesFromGroup,
		}, nil
	case "":
		return nil, fmt.Errorf("source block requires mode")
	default:
		return nil, fmt.Errorf("unknown source mode %q (want binary, local or git)", rs.Mode)
	}
}

func (rd *rawDocker) empty() bool {
	return rd == nil || (rd.DockerfilePath == "" && rd.ImageName == "")
}

func (rd *rawDocker) build(baseDir string) (Sandbox, error) {
	if rd == nil {
		return DefaultSandbox(), nil
	}
	switch {
	case rd.DockerfilePath != "" && rd.ImageName != "":
		return nil, fmt.Errorf("docker block sets both dockerfile_path and image_name")
	case rd.DockerfilePath != "":
		return DockerfileSandbox{Path: resolvePath(baseDir, rd.DockerfilePath)}, nil
	case rd.ImageName != "":
		return ImageSandbox{Name: rd.ImageName}, nil
	default:
		return DefaultSandbox(), nil
	}
}

func parseOptionalDigest(value string) (hash.Digest, error) {
	if strings.TrimSpace(value) == "" {
		return hash.Placeholder, nil
	}
	return hash.ParseDigest(value)
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

func stringifyOptions(options map[string]any) map[string]string {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]string, len(options))
	for key, value := range options {
		out[key] = fmt.Sprint(value)
	}
	return out
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
