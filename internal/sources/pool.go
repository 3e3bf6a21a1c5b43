package sources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/manifest"
)

// DefaultWorkers is the fetch pool width used when none is configured.
const DefaultWorkers = 4

// PackageFetcher fetches one package's source.
type PackageFetcher interface {
	Fetch(ctx context.Context, pkg manifest.Package) (Outcome, error)
}

var _ PackageFetcher = (*Fetcher)(nil)

// Completion is the result of one fetch job.
type Completion struct {
	Name       string
	Path       string
	Downloaded bool
	Err        error
}

// Result tallies a fetch batch. Local sources are not counted.
type Result struct {
	Total      int
	Downloaded int
	Errors     int
	Failures   map[string]error
	Paths      map[string]string
}

// Failed reports whether any fetch in the batch failed.
func (r Result) Failed() bool {
	return r.Errors > 0
}

// Pool fetches sources with a bounded number of workers.
type Pool struct {
	Fetcher PackageFetcher
	Workers int
	Logger  *slog.Logger
}

// Run fetches every package whose source is downloaded. Failures are
// recorded per package and never stop the remaining jobs. Run returns once
// every dispatched job has reported back.
func (p *Pool) Run(ctx context.Context, pkgs []manifest.Package) Result {
	logger := logging.Ensure(p.Logger)

	jobs := make([]manifest.Package, 0, len(pkgs))
	for _, pkg := range pkgs {
		if _, local := pkg.Source.(manifest.LocalTreeSource); local {
			continue
		}
		jobs = append(jobs, pkg)
	}

	result := Result{
		Total:    len(jobs),
		Failures: make(map[string]error),
		Paths:    make(map[string]string),
	}
	if len(jobs) == 0 {
		return result
	}

	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	queue := make(chan manifest.Package)
	completions := make(chan Completion, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pkg := range queue {
				completions <- p.fetch(ctx, pkg)
			}
		}()
	}

	go func() {
		defer close(queue)
		for _, pkg := range jobs {
			queue <- pkg
		}
	}()

	for range jobs {
		c := <-completions
		if c.Err != nil {
			result.Errors++
			result.Failures[c.Name] = c.Err
			logger.Error("fetch failed", "package", c.Name, "error", c.Err)
			continue
		}
		result.Paths[c.Name] = c.Path
		if c.Downloaded {
			result.Downloaded++
		}
	}
	wg.Wait()

	return result
}

func (p *Pool) fetch(ctx context.Context, pkg manifest.Package) (c Completion) {
	c.Name = pkg.Name
	defer func() {
		if r := recover(); r != nil {
			c.Err = &panicError{value: r}
		}
	}()

	outcome, err := p.Fetcher.Fetch(ctx, pkg)
	if err != nil {
		c.Err = err
		return c
	}
	c.Path = outcome.Path
	c.Downloaded = outcome.Downloaded
	return c
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("fetch worker panicked: %v", e.value)
}
