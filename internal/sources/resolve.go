// Package sources turns manifest sources into verified files in the cache.
package sources

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/cochaviz/kiln/internal/archive"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/manifest"
)

// InvalidSourceError reports a source that cannot be mapped to a location.
type InvalidSourceError struct {
	Package string
	Reason  string
}

func (e *InvalidSourceError) Error() string {
	if e.Package == "" {
		return "invalid source: " + e.Reason
	}
	return fmt.Sprintf("invalid source for %s: %s", e.Package, e.Reason)
}

// Location is where a source comes from.
type Location struct {
	// URL is set for fetched sources.
	URL string
	// Digest is the expected SHA-256 of the fetched file.
	Digest hash.Digest
	// LocalPath is set for local recipe trees.
	LocalPath string
	// Ext is the archive extension used for the cached file.
	Ext string
}

// NeedsFetch reports whether the location is downloaded.
func (l Location) NeedsFetch() bool {
	return l.URL != ""
}

// Resolve maps src to its Location.
func Resolve(src manifest.Source) (Location, error) {
	switch s := src.(type) {
	case manifest.BinarySource:
		if s.URL == "" {
			return Location{}, &InvalidSourceError{Reason: "binary source has no url"}
		}
		return Location{URL: s.URL, Digest: s.SHA256, Ext: archive.Detect(s.URL)}, nil
	case manifest.RemoteRecipeSource:
		tarball, err := TarballURL(s.RepoURL, s.Rev)
		if err != nil {
			return Location{}, err
		}
		return Location{URL: tarball, Digest: s.SHA256, Ext: archive.DefaultExt}, nil
	case manifest.LocalTreeSource:
		if s.Path == "" {
			return Location{}, &InvalidSourceError{Reason: "local source has no path"}
		}
		return Location{LocalPath: s.Path}, nil
	case nil:
		return Location{}, &InvalidSourceError{Reason: "no source"}
	default:
		return Location{}, &InvalidSourceError{Reason: fmt.Sprintf("unsupported source mode %q", src.Mode())}
	}
}

// TarballURL derives the snapshot tarball URL of a recipe repository at rev.
// GitHub repositories use /archive/<rev>.tar.gz and GitLab instances use
// /-/archive/<rev>/<name>-<rev>.tar.gz. Any other host is rejected.
func TarballURL(repoURL, rev string) (string, error) {
	if rev == "" {
		return "", &InvalidSourceError{Reason: "git source has no rev"}
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", &InvalidSourceError{Reason: fmt.Sprintf("repo_url %q is not an http(s) url", repoURL)}
	}

	repo := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	name := path.Base(strings.TrimSuffix(strings.TrimRight(u.Path, "/"), ".git"))
	if name == "" || name == "." || name == "/" {
		return "", &InvalidSourceError{Reason: fmt.Sprintf("repo_url %q names no repository", repoURL)}
	}

	switch forgeOf(u.Hostname()) {
	case forgeGitHub:
		return fmt.Sprintf("%s/archive/%s.tar.gz", repo, rev), nil
	case forgeGitLab:
		return fmt.Sprintf("%s/-/archive/%s/%s-%s.tar.gz", repo, rev, name, rev), nil
	default:
		return "", &InvalidSourceError{Reason: fmt.Sprintf("cannot derive a tarball url for host %q", u.Hostname())}
	}
}

type forge int

const (
	forgeUnknown forge = iota
	forgeGitHub
	forgeGitLab
)

// forgeOf recognizes github.com and GitLab instances, which by convention
// carry a "gitlab" label in their host name (gitlab.com,
// gitlab.archlinux.org, ...).
func forgeOf(host string) forge {
	host = strings.ToLower(host)
	if host == "github.com" || strings.HasSuffix(host, ".github.com") {
		return forgeGitHub
	}
	for _, label := range strings.Split(host, ".") {
		if label == "gitlab" {
			return forgeGitLab
		}
	}
	return forgeUnknown
}
