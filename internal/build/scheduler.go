package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/archive"
	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/manifest"
	"github.com/cochaviz/kiln/internal/sources"
)

// Scheduler rebuilds stale packages in dependency order.
type Scheduler struct {
	Layout    cache.Layout
	Executor  Executor
	Sandboxes SandboxResolver
	Records   RecordRepository
	Logger    *slog.Logger
	Now       func() time.Time
}

func (s *Scheduler) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Plan orders the manifest dependencies first and marks the packages that
// need rebuilding. A cyclic manifest yields *manifest.CycleError.
func (s *Scheduler) Plan(m *manifest.Manifest) (Plan, error) {
	graph := manifest.Graph(m)
	order, err := graph.TopoOrder()
	if err != nil {
		return Plan{}, err
	}
	return s.plan(graph, order), nil
}

func (s *Scheduler) plan(graph *manifest.DepGraph, order []string) Plan {
	check := newStaleness(s.Layout, graph)
	p := Plan{
		Order:   order,
		Stale:   make(map[string]bool, len(order)),
		Reasons: make(map[string]string),
	}
	for _, name := range order {
		v := check.check(name)
		p.Stale[name] = v.stale
		if v.stale {
			p.Reasons[name] = v.reason
		}
	}
	return p
}

// NeedsRebuild reports whether the named package is stale: a dependency is
// stale or was rebuilt after it, its build marker is missing or unreadable,
// or a file under its source root changed after the marker was written.
func (s *Scheduler) NeedsRebuild(m *manifest.Manifest, name string) (bool, error) {
	graph := manifest.Graph(m)
	if _, ok := graph.Lookup(name); !ok {
		return false, fmt.Errorf("unknown package %q", name)
	}
	if _, err := graph.TopoOrder(); err != nil {
		return false, err
	}
	return newStaleness(s.Layout, graph).check(name).stale, nil
}

// Run rebuilds every stale package of m, one at a time, dependencies first.
// Packages listed in unavailable (typically failed fetches) count as errors.
// A failing package never stops its siblings, but every package depending on
// it is skipped. Only configuration errors and cancellation are returned as
// an error; per-package failures are tallied in the Result.
func (s *Scheduler) Run(ctx context.Context, m *manifest.Manifest, unavailable map[string]error) (Result, error) {
	graph := manifest.Graph(m)
	order, err := graph.TopoOrder()
	if err != nil {
		return Result{}, err
	}
	plan := s.plan(graph, order)

	result := Result{
		Total:     len(m.Packages),
		Failures:  make(map[string]error),
		SkippedBy: make(map[string]*SkippedError),
	}
	logger := s.logger()
	if stale := plan.StaleCount(); stale > 0 {
		logger.Info("compiling packages", "stale", stale, "total", result.Total)
	}

	// failed maps every failed or skipped package to the package that failed.
	failed := make(map[string]string)
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		pkg, _ := graph.Lookup(name)
		pkgLogger := logger.With("package", pkg.ID())

		if err, ok := unavailable[name]; ok {
			result.Errors++
			result.Failures[name] = err
			failed[name] = name
			pkgLogger.Error("source unavailable", "error", err, "blocks", graph.Dependents(name))
			continue
		}
		if cause := failedDependency(graph, name, failed); cause != "" {
			skip := &SkippedError{Dependency: cause}
			result.Skipped++
			result.SkippedBy[name] = skip
			failed[name] = cause
			pkgLogger.Warn("skipping package", "kind", Classify(skip), "failed_dependency", cause)
			continue
		}
		if !plan.Stale[name] {
			pkgLogger.Debug("package up to date")
			continue
		}

		deps, err := s.dependencies(graph, name)
		if err == nil {
			pkgLogger.Info("building package", "reason", plan.Reasons[name])
			err = s.BuildOne(ctx, pkg, deps)
		}
		if err != nil {
			result.Errors++
			result.Failures[name] = err
			failed[name] = name
			pkgLogger.Error("package build failed", "kind", Classify(err), "error", err, "blocks", graph.Dependents(name))
			continue
		}
		result.Built++
		result.BuiltNames = append(result.BuiltNames, name)
		pkgLogger.Info("package built")
	}
	return result, nil
}

func failedDependency(graph *manifest.DepGraph, name string, failed map[string]string) string {
	for _, dep := range graph.Deps(name) {
		if cause, ok := failed[dep]; ok {
			return cause
		}
	}
	return ""
}

func (s *Scheduler) dependencies(graph *manifest.DepGraph, name string) ([]manifest.Package, error) {
	names, err := graph.Closure(name)
	if err != nil {
		return nil, err
	}
	deps := make([]manifest.Package, 0, len(names))
	for _, dep := range names {
		pkg, _ := graph.Lookup(dep)
		deps = append(deps, pkg)
	}
	return deps, nil
}

// BuildOne rebuilds a single package whose dependencies are already built.
// The build marker is removed first and written last, so an interrupted or
// failed build always leaves the package stale.
func (s *Scheduler) BuildOne(ctx context.Context, pkg manifest.Package, deps []manifest.Package) (err error) {
	key, err := cache.BuildKey(pkg)
	if err != nil {
		return &BuildError{Package: pkg.Name, Step: "resolve output", Err: err}
	}
	outDir := s.Layout.OutPathFor(pkg, key)
	markerPath := filepath.Join(outDir, cache.MarkerFileName)
	unpacked := filepath.Join(outDir, cache.UnpackedDirName)

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return &BuildError{Package: pkg.Name, Step: "create output", Err: err}
	}
	if err := cache.RemoveMarker(markerPath); err != nil {
		return &BuildError{Package: pkg.Name, Step: "invalidate marker", Err: err}
	}
	if err := os.RemoveAll(unpacked); err != nil {
		return &BuildError{Package: pkg.Name, Step: "clear unpacked", Err: err}
	}
	if err := os.MkdirAll(unpacked, 0o755); err != nil {
		return &BuildError{Package: pkg.Name, Step: "create unpacked", Err: err}
	}

	record := Record{
		RunID:     uuid.NewString(),
		Package:   pkg.Name,
		Version:   pkg.Version,
		CacheKey:  key.String(),
		Status:    BuildStatusRunning,
		StartedAt: s.now(),
	}
	defer func() {
		record.FinishedAt = s.now()
		if err != nil {
			record.Status = BuildStatusFailed
			record.Error = err.Error()
		} else {
			record.Status = BuildStatusSucceeded
		}
		s.saveRecord(outDir, record)
	}()

	var archives []artifacts.Artifact
	if manifest.IsRecipe(pkg.Source) {
		archives, record.Image, err = s.buildRecipe(ctx, pkg, deps, outDir)
	} else {
		archives, err = s.binaryArchive(pkg)
	}
	if err != nil {
		return err
	}

	for _, a := range archives {
		s.logger().Debug("unpacking archive", "package", pkg.ID(), "archive", a.Name)
		if err := archive.Extract(a.Path, unpacked, archive.ExtractOptions{}); err != nil {
			return &BuildError{Package: pkg.Name, Step: "unpack", Err: err}
		}
	}
	if err := artifacts.Checksum(archives); err != nil {
		return &BuildError{Package: pkg.Name, Step: "checksum", Err: err}
	}
	record.Archives = archives

	if err := cache.WriteMarker(markerPath, s.now()); err != nil {
		return &BuildError{Package: pkg.Name, Step: "write marker", Err: err}
	}
	return nil
}

func (s *Scheduler) binaryArchive(pkg manifest.Package) ([]artifacts.Artifact, error) {
	tarball, err := s.Layout.SourcePath(pkg.Source)
	if err != nil {
		return nil, &BuildError{Package: pkg.Name, Step: "resolve source", Err: err}
	}
	info, err := os.Stat(tarball)
	if err != nil {
		return nil, &BuildError{Package: pkg.Name, Step: "locate source", Err: err}
	}
	return []artifacts.Artifact{{
		Name: filepath.Base(tarball),
		Path: tarball,
		Kind: artifacts.PackageArtifact,
		Size: info.Size(),
	}}, nil
}

func (s *Scheduler) buildRecipe(ctx context.Context, pkg manifest.Package, deps []manifest.Package, outDir string) ([]artifacts.Artifact, string, error) {
	if s.Executor == nil {
		return nil, "", errors.New("build executor is not configured")
	}

	root, err := sources.SourceRoot(s.Layout, pkg)
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(root); err != nil {
		return nil, "", &BuildError{Package: pkg.Name, Step: "locate source", Err: err}
	}

	image, err := s.resolveSandbox(ctx, pkg)
	if err != nil {
		return nil, "", &BuildError{Package: pkg.Name, Step: "prepare sandbox", Err: err}
	}

	depArchives, err := s.DepArchives(deps)
	if err != nil {
		return nil, image, &BuildError{Package: pkg.Name, Step: "collect dependencies", Err: err}
	}

	if err := s.Executor.Run(Request{
		Package:     pkg,
		SourceRoot:  root,
		OutputDir:   outDir,
		DepArchives: depArchives,
		Image:       image,
	}); err != nil {
		return nil, image, err
	}

	found, err := artifacts.Scan(outDir)
	if err != nil {
		return nil, image, &BuildError{Package: pkg.Name, Step: "scan output", Err: err}
	}
	selected := artifacts.Select(found, pkg)
	if len(selected) == 0 {
		return nil, image, &NoArtifactError{Dir: outDir, Picks: manifest.Picks(pkg.Source)}
	}
	return selected, image, nil
}

func (s *Scheduler) resolveSandbox(ctx context.Context, pkg manifest.Package) (string, error) {
	sandbox := pkg.Sandbox
	if sandbox == nil {
		sandbox = manifest.DefaultSandbox()
	}
	if s.Sandboxes != nil {
		return s.Sandboxes.Resolve(ctx, sandbox)
	}
	if img, ok := sandbox.(manifest.ImageSandbox); ok {
		return img.Name, nil
	}
	return "", fmt.Errorf("no sandbox resolver for %s sandboxes", sandbox.Kind())
}

// DepArchives returns the selected archives of deps: the verified tarball for
// binary packages, the selected build outputs otherwise.
func (s *Scheduler) DepArchives(deps []manifest.Package) ([]string, error) {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, dep := range deps {
		if !manifest.IsRecipe(dep.Source) {
			tarball, err := s.Layout.SourcePath(dep.Source)
			if err != nil {
				return nil, err
			}
			add(tarball)
			continue
		}
		outDir, err := s.Layout.OutPath(dep)
		if err != nil {
			return nil, err
		}
		found, err := artifacts.Scan(outDir)
		if err != nil {
			return nil, err
		}
		for _, a := range artifacts.Select(found, dep) {
			add(a.Path)
		}
	}
	return paths, nil
}

func (s *Scheduler) saveRecord(outDir string, record Record) {
	if s.Records == nil {
		return
	}
	if err := s.Records.Save(outDir, record); err != nil {
		s.logger().Warn("failed to save build record", "package", record.Package, "error", err)
	}
}
