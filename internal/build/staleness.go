package build

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/manifest"
	"github.com/cochaviz/kiln/internal/sources"
)

type verdict struct {
	stale  bool
	reason string
	built  time.Time
}

// staleness memoizes rebuild decisions over an acyclic dependency graph.
type staleness struct {
	layout cache.Layout
	graph  *manifest.DepGraph
	memo   map[string]verdict
}

func newStaleness(layout cache.Layout, graph *manifest.DepGraph) *staleness {
	return &staleness{layout: layout, graph: graph, memo: make(map[string]verdict)}
}

// check must only be called after the graph has been proven acyclic.
func (s *staleness) check(name string) verdict {
	if v, ok := s.memo[name]; ok {
		return v
	}
	pkg, _ := s.graph.Lookup(name)
	v := s.own(pkg)

	for _, dep := range s.graph.Deps(name) {
		d := s.check(dep)
		if v.stale {
			continue
		}
		switch {
		case d.stale:
			v = verdict{stale: true, reason: fmt.Sprintf("dependency %s needs rebuilding", dep)}
		case d.built.After(v.built):
			v = verdict{stale: true, reason: fmt.Sprintf("dependency %s was rebuilt", dep)}
		}
	}

	s.memo[name] = v
	return v
}

func (s *staleness) own(pkg manifest.Package) verdict {
	markerPath, err := s.layout.MarkerPath(pkg)
	if err != nil {
		return verdict{stale: true, reason: err.Error()}
	}
	built, err := cache.ReadMarker(markerPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return verdict{stale: true, reason: "never built"}
		}
		return verdict{stale: true, reason: "unreadable build marker"}
	}

	available, err := sources.Available(s.layout, pkg)
	if err != nil {
		return verdict{stale: true, reason: err.Error()}
	}
	if !available {
		return verdict{stale: true, reason: "source missing"}
	}
	root, err := sources.SourceRoot(s.layout, pkg)
	if err != nil {
		return verdict{stale: true, reason: err.Error()}
	}
	newer, err := cache.HasNewerFile(root, built)
	if err != nil {
		return verdict{stale: true, reason: "cannot scan sources: " + err.Error()}
	}
	if newer {
		return verdict{stale: true, reason: "sources changed since last build"}
	}
	return verdict{built: built}
}
