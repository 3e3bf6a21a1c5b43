// Package gc removes cache entries no package of the current manifest maps
// to.
package gc

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/manifest"
)

// Refs are the cache entry names the manifest still needs, per directory.
type Refs struct {
	Sources  map[string]bool
	Prepared map[string]bool
	Outputs  map[string]bool
}

// References computes every referenced entry of m.
func References(m *manifest.Manifest) (Refs, error) {
	refs := Refs{
		Sources:  make(map[string]bool),
		Prepared: make(map[string]bool),
		Outputs:  make(map[string]bool),
	}
	for _, pkg := range m.Packages {
		if cache.NeedsFetch(pkg.Source) {
			name, err := cache.SourceFileName(pkg.Source)
			if err != nil {
				return Refs{}, fmt.Errorf("reference source of %s: %w", pkg.Name, err)
			}
			refs.Sources[name] = true
		}
		if _, ok := pkg.Source.(manifest.RemoteRecipeSource); ok {
			refs.Prepared[cache.PreparedName(pkg)] = true
		}
		out, err := cache.OutName(pkg)
		if err != nil {
			return Refs{}, fmt.Errorf("reference output of %s: %w", pkg.Name, err)
		}
		refs.Outputs[out] = true
	}
	return refs, nil
}

// Stats summarizes one collection.
type Stats struct {
	FreedBytes      int64
	RemovedSources  int
	RemovedPrepared int
	RemovedOutputs  int
	Failures        []error
}

// Removed is the total number of removed entries.
func (s Stats) Removed() int {
	return s.RemovedSources + s.RemovedPrepared + s.RemovedOutputs
}

// Err joins every deletion failure, or returns nil.
func (s Stats) Err() error {
	return errors.Join(s.Failures...)
}

// Collector sweeps a cache layout.
type Collector struct {
	Layout cache.Layout
	Logger *slog.Logger
}

// Collect removes every unreferenced entry of sources/, sources/prepared/
// and out/. All references are computed before anything is deleted.
// Deletion failures are logged and recorded in Stats; they never stop the
// sweep. The returned error is non-nil only when references could not be
// computed, in which case nothing was deleted.
func (c *Collector) Collect(m *manifest.Manifest) (Stats, error) {
	refs, err := References(m)
	if err != nil {
		return Stats{}, err
	}
	logger := logging.Ensure(c.Logger)

	var stats Stats
	c.sweep(logger, c.Layout.SourcesDir(), func(name string) bool {
		return name == cache.PreparedDirName || refs.Sources[name]
	}, &stats.RemovedSources, &stats)
	c.sweep(logger, c.Layout.PreparedDir(), func(name string) bool {
		return refs.Prepared[name]
	}, &stats.RemovedPrepared, &stats)
	c.sweep(logger, c.Layout.OutDir(), func(name string) bool {
		return refs.Outputs[name]
	}, &stats.RemovedOutputs, &stats)

	if stats.Removed() > 0 {
		logger.Info("garbage collected cache",
			"freed", humanize.IBytes(uint64(stats.FreedBytes)),
			"sources", stats.RemovedSources,
			"prepared", stats.RemovedPrepared,
			"outputs", stats.RemovedOutputs,
		)
	}
	return stats, nil
}

func (c *Collector) sweep(logger *slog.Logger, dir string, keep func(string) bool, counter *int, stats *Stats) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			stats.Failures = append(stats.Failures, fmt.Errorf("list %s: %w", dir, err))
			logger.Error("failed to list cache directory", "path", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, cache.TempPrefix) && keep(name) {
			continue
		}
		path := filepath.Join(dir, name)
		size, _ := cache.DirSize(path)
		if err := os.RemoveAll(path); err != nil {
			stats.Failures = append(stats.Failures, fmt.Errorf("remove %s: %w", path, err))
			logger.Error("failed to remove cache entry", "path", path, "error", err)
			continue
		}
		logger.Debug("removed cache entry", "path", path, "size", humanize.IBytes(uint64(size)))
		stats.FreedBytes += size
		*counter++
	}
}
