package manifest

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclManifest mirrors the TOML layout using labelled package blocks:
//
//	package "zlib" {
//	  version = "1.3"
//	  source {
//	    mode = "binary"
//	    url  = "https://..."
//	  }
//	}
type hclManifest struct {
	Version  string        `hcl:"version"`
	Kernel   *hclKernel    `hcl:"kernel,block"`
	Initrd   *hclInitrd    `hcl:"initrd,block"`
	Packages []*hclPackage `hcl:"package,block"`
}

type hclKernel struct {
	URL     string         `hcl:"url"`
	Options hcl.Expression `hcl:"options,optional"`
}

type hclInitrd struct {
	BuildScript string `hcl:"build_script"`
}

type hclPackage struct {
	Name      string     `hcl:"name,label"`
	Version   string     `hcl:"version"`
	Author    string     `hcl:"author,optional"`
	BuildDeps []string   `hcl:"build_deps,optional"`
	Source    *hclSource `hcl:"source,block"`
	Docker    *hclDocker `hcl:"docker,block"`
}

type hclSource struct {
	Mode                  string   `hcl:"mode"`
	URL                   string   `hcl:"url,optional"`
	SHA256                string   `hcl:"sha256,optional"`
	Path                  string   `hcl:"path,optional"`
	RepoURL               string   `hcl:"repo_url,optional"`
	Rev                   string   `hcl:"rev,optional"`
	PickPackagesFromGroup []string `hcl:"pick_packages_from_group,optional"`
}

type hclDocker struct {
	DockerfilePath string `hcl:"dockerfile_path,optional"`
	ImageName      string `hcl:"image_name,optional"`
}

func decodeHCL(data []byte) (*rawManifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, "manifest.hcl")
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse hcl: %w", diags)
	}

	var parsed hclManifest
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decode hcl: %w", diags)
	}

	raw := &rawManifest{Version: parsed.Version}
	if parsed.Kernel != nil {
		options, err := decodeHCLOptions(parsed.Kernel.Options)
		if err != nil {
			return nil, err
		}
		raw.Kernel = rawKernel{URL: parsed.Kernel.URL, Options: options}
	}
	if parsed.Initrd != nil {
		raw.Initrd = rawInitrd{BuildScript: parsed.Initrd.BuildScript}
	}

	for _, p := range parsed.Packages {
		rp := rawPackage{
			Name:      p.Name,
			Version:   p.Version,
			Author:    p.Author,
			BuildDeps: p.BuildDeps,
		}
		if p.Source != nil {
			rp.Source = &rawSource{
				Mode:                  p.Source.Mode,
				URL:                   p.Source.URL,
				SHA256:                p.Source.SHA256,
				Path:                  p.Source.Path,
				RepoURL:               p.Source.RepoURL,
				Rev:                   p.Source.Rev,
				PickPackagesFromGroup: p.Source.PickPackagesFromGroup,
			}
		}
		if p.Docker != nil {
			rp.Docker = &rawDocker{
				DockerfilePath: p.Docker.DockerfilePath,
				ImageName:      p.Docker.ImageName,
			}
		}
		raw.Packages = append(raw.Packages, rp)
	}
	return raw, nil
}

// decodeHCLOptions evaluates the kernel options object. Values may be
// strings, numbers or bools.
func decodeHCLOptions(expr hcl.Expression) (map[string]any, error) {
	if expr == nil {
		return nil, nil
	}
	value, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("evaluate kernel options: %w", diags)
	}
	if value.IsNull() {
		return nil, nil
	}
	if !value.Type().IsObjectType() && !value.Type().IsMapType() {
		return nil, fmt.Errorf("kernel options must be an object, got %s", value.Type().FriendlyName())
	}

	options := make(map[string]any)
	for key, v := range value.AsValueMap() {
		switch {
		case v.IsNull():
			continue
		case v.Type() == cty.String:
			options[key] = v.AsString()
		case v.Type() == cty.Number:
			options[key] = v.AsBigFloat().Text('f', -1)
		case v.Type() == cty.Bool:
			options[key] = v.True()
		default:
			return nil, fmt.Errorf("kernel option %q has unsupported type %s", key, v.Type().FriendlyName())
		}
	}
	return options, nil
}
