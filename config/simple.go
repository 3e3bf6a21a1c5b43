// Package simple wires the manifest, cache, fetcher, scheduler, docker
// adapters and garbage collector into the flows the CLI exposes.
package simple

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/build/adapters/docker"
	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/command"
	"github.com/cochaviz/kiln/internal/gc"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/manifest"
	localrepositories "github.com/cochaviz/kiln/internal/repositories/local"
	"github.com/cochaviz/kiln/internal/setup"
	"github.com/cochaviz/kiln/internal/sources"
)

// Settings are the user-level defaults read from the settings file.
type Settings struct {
	CacheDir         string        `yaml:"cache_dir"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
	DefaultImage     string        `yaml:"default_image"`
	DockerBinary     string        `yaml:"docker_binary"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	timeout, _ := time.ParseDuration(setup.DefaultHTTPTimeout)
	return Settings{
		CacheDir:         setup.DefaultCacheDir,
		FetchConcurrency: setup.DefaultFetchJobs,
		DefaultImage:     manifest.DefaultImage,
		DockerBinary:     docker.DefaultBinary,
		HTTPTimeout:      timeout,
	}
}

// LoadSettings reads the YAML settings file at path on top of Defaults.
// A missing file yields an error wrapping fs.ErrNotExist.
func LoadSettings(path string) (Settings, error) {
	settings := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("parse settings %s: %w", path, err)
	}
	if settings.FetchConcurrency < 1 {
		return settings, fmt.Errorf("parse settings %s: fetch_concurrency must be positive", path)
	}
	return settings, nil
}

// Options carries everything the flows need besides the manifest.
type Options struct {
	Settings Settings
	Logger   *slog.Logger
	// Stdout and Stderr receive tagged subprocess output.
	Stdout io.Writer
	Stderr io.Writer

	// Executor and Sandboxes replace the docker adapters when set.
	Executor  build.Executor
	Sandboxes build.SandboxResolver
	// Client replaces the HTTP client used for downloads.
	Client *http.Client
}

func (o Options) logger() *slog.Logger {
	return logging.Ensure(o.Logger).With("component", "config.simple")
}

func (o Options) layout() (cache.Layout, error) {
	dir := o.Settings.CacheDir
	if dir == "" {
		dir = setup.DefaultCacheDir
	}
	layout, err := cache.NewLayout(dir)
	if err != nil {
		return cache.Layout{}, err
	}
	if err := layout.Ensure(); err != nil {
		return cache.Layout{}, err
	}
	return layout, nil
}

func (o Options) runner() command.Runner {
	return command.Runner{Stdout: o.Stdout, Stderr: o.Stderr}
}

func (o Options) httpClient() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return &http.Client{Timeout: o.Settings.HTTPTimeout}
}

// LoadManifest loads and validates the manifest, substituting the configured
// default image for packages whose manifest entry names no image or
// Dockerfile.
func LoadManifest(path string, settings Settings) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	if settings.DefaultImage == "" || settings.DefaultImage == manifest.DefaultImage {
		return m, nil
	}
	for i, pkg := range m.Packages {
		if pkg.Sandbox == nil || pkg.ImplicitSandbox {
			m.Packages[i].Sandbox = manifest.ImageSandbox{Name: settings.DefaultImage}
		}
	}
	return m, nil
}

// GarbageCollect removes every cache entry the manifest no longer
// references.
func GarbageCollect(manifestPath string, opts Options) (gc.Stats, error) {
	m, err := LoadManifest(manifestPath, opts.Settings)
	if err != nil {
		return gc.Stats{}, err
	}
	layout, err := opts.layout()
	if err != nil {
		return gc.Stats{}, err
	}
	return collect(m, layout, opts)
}

func collect(m *manifest.Manifest, layout cache.Layout, opts Options) (gc.Stats, error) {
	collector := gc.Collector{
		Layout: layout,
		Logger: opts.logger().With("service", "gc"),
	}
	return collector.Collect(m)
}

// FetchSummary is the outcome of a fetch flow.
type FetchSummary struct {
	GC    gc.Stats
	Fetch sources.Result
}

// Fetch garbage collects the cache and downloads every missing source.
func Fetch(ctx context.Context, manifestPath string, opts Options) (FetchSummary, error) {
	m, err := LoadManifest(manifestPath, opts.Settings)
	if err != nil {
		return FetchSummary{}, err
	}
	layout, err := opts.layout()
	if err != nil {
		return FetchSummary{}, err
	}
	return fetch(ctx, m, layout, opts)
}

func fetch(ctx context.Context, m *manifest.Manifest, layout cache.Layout, opts Options) (FetchSummary, error) {
	var summary FetchSummary
	stats, err := collect(m, layout, opts)
	if err != nil {
		return summary, err
	}
	summary.GC = stats

	logger := opts.logger()
	pool := sources.Pool{
		Fetcher: &sources.Fetcher{
			Layout: layout,
			Client: opts.httpClient(),
			Logger: logger.With("service", "fetch"),
		},
		Workers: opts.Settings.FetchConcurrency,
		Logger:  logger.With("service", "fetch"),
	}
	summary.Fetch = pool.Run(ctx, m.Packages)
	return summary, ctx.Err()
}

// BuildSummary is the outcome of a build flow.
type BuildSummary struct {
	FetchSummary
	Build build.Result
}

// Build garbage collects, fetches and rebuilds every stale package.
// Packages whose sources could not be fetched are reported as build errors
// and their dependents are skipped; the rest of the graph still builds.
func Build(ctx context.Context, manifestPath string, opts Options) (BuildSummary, error) {
	var summary BuildSummary

	m, err := LoadManifest(manifestPath, opts.Settings)
	if err != nil {
		return summary, err
	}
	layout, err := opts.layout()
	if err != nil {
		return summary, err
	}

	summary.FetchSummary, err = fetch(ctx, m, layout, opts)
	if err != nil {
		return summary, err
	}

	scheduler, closeFn, err := newScheduler(layout, opts)
	if err != nil {
		return summary, err
	}
	defer closeFn()

	summary.Build, err = scheduler.Run(ctx, m, summary.Fetch.Failures)
	return summary, err
}

func newScheduler(layout cache.Layout, opts Options) (*build.Scheduler, func(), error) {
	logger := opts.logger()
	closeFn := func() {}

	executor := opts.Executor
	if executor == nil {
		executor = &docker.Executor{
			Binary: opts.Settings.DockerBinary,
			Runner: opts.runner(),
			Logger: logger.With("driver", "docker"),
		}
	}

	sandboxes := opts.Sandboxes
	if sandboxes == nil {
		client, err := docker.NewClient()
		if err != nil {
			return nil, closeFn, fmt.Errorf("connect to docker: %w", err)
		}
		closeFn = func() {
			if err := client.Close(); err != nil {
				logger.Debug("closing docker client failed", "error", err)
			}
		}
		sandboxes = &docker.SandboxResolver{
			Client: client,
			Binary: opts.Settings.DockerBinary,
			Runner: opts.runner(),
			Logger: logger.With("driver", "docker"),
		}
	}

	return &build.Scheduler{
		Layout:    layout,
		Executor:  executor,
		Sandboxes: sandboxes,
		Records:   &localrepositories.LocalRecordRepository{},
		Logger:    logger.With("service", "build"),
	}, closeFn, nil
}

// PackageStatus describes the cache state of one package.
type PackageStatus struct {
	Name     string
	Version  string
	Source   string
	CacheKey string
	// BuiltAt is zero when the package has never been built.
	BuiltAt time.Time
	Stale   bool
	Reason  string
	// Record is the last build record, if any.
	Record *build.Record
}

// Status reports every package of the manifest in build order.
func Status(manifestPath string, opts Options) ([]PackageStatus, error) {
	m, err := LoadManifest(manifestPath, opts.Settings)
	if err != nil {
		return nil, err
	}
	layout, err := opts.layout()
	if err != nil {
		return nil, err
	}

	scheduler := build.Scheduler{Layout: layout, Logger: opts.logger()}
	plan, err := scheduler.Plan(m)
	if err != nil {
		return nil, err
	}

	records := &localrepositories.LocalRecordRepository{}
	graph := manifest.Graph(m)
	statuses := make([]PackageStatus, 0, len(plan.Order))
	for _, name := range plan.Order {
		pkg, _ := graph.Lookup(name)
		key, err := cache.BuildKey(pkg)
		if err != nil {
			return nil, err
		}
		status := PackageStatus{
			Name:     pkg.Name,
			Version:  pkg.Version,
			Source:   pkg.Source.Mode(),
			CacheKey: key.Short(),
			Stale:    plan.Stale[name],
			Reason:   plan.Reasons[name],
		}

		markerPath, err := layout.MarkerPath(pkg)
		if err != nil {
			return nil, err
		}
		if builtAt, err := cache.ReadMarker(markerPath); err == nil {
			status.BuiltAt = builtAt
		}

		outDir, err := layout.OutPath(pkg)
		if err != nil {
			return nil, err
		}
		if status.Record, err = records.Get(outDir); err != nil {
			opts.logger().Warn("unreadable build record", "package", pkg.ID(), "error", err)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// ErrAlreadyClean is returned by Clean when the cache root does not exist.
var ErrAlreadyClean = errors.New("cache directory already clean")

// Clean removes the whole cache root. Container builds can leave root-owned
// files behind; when removal is denied, Clean re-executes the binary with
// args under an escalation tool.
func Clean(cacheDir string, args []string, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")
	if cacheDir == "" {
		cacheDir = setup.DefaultCacheDir
	}

	if _, err := os.Stat(cacheDir); errors.Is(err, fs.ErrNotExist) {
		return ErrAlreadyClean
	}

	err := os.RemoveAll(cacheDir)
	if err == nil {
		logger.Info("cache directory removed", "path", cacheDir)
		return nil
	}
	if !errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("clean cache directory: %w", err)
	}

	logger.Warn("permission denied while cleaning, escalating", "path", cacheDir)
	alreadyRoot, escalateErr := setup.EnsureElevated(args)
	if alreadyRoot {
		return fmt.Errorf("clean cache directory: %w", err)
	}
	if escalateErr != nil {
		return fmt.Errorf("failed to obtain root privileges: %w", escalateErr)
	}
	return nil
}
