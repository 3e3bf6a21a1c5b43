package build

import (
	"time"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/manifest"
)

// BuildStatus captures the lifecycle of one package build.
type BuildStatus string

// Supported build statuses.
const (
	BuildStatusRunning   BuildStatus = "running"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
)

// Request is everything the executor needs to build one recipe.
type Request struct {
	Package manifest.Package
	// SourceRoot is the recipe tree mounted at /src.
	SourceRoot string
	// OutputDir receives the produced archives and is mounted at /out.
	OutputDir string
	// DepArchives are the selected archives of every transitive dependency.
	DepArchives []string
	// Image is the resolved sandbox image.
	Image string
}

// Record describes the last build of one output directory.
type Record struct {
	RunID      string               `json:"run_id"`
	Package    string               `json:"package"`
	Version    string               `json:"version"`
	CacheKey   string               `json:"cache_key"`
	Image      string               `json:"image,omitempty"`
	Status     BuildStatus          `json:"status"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Archives   []artifacts.Artifact `json:"archives"`
	Error      string               `json:"error,omitempty"`
}

// Result tallies a build batch. Packages that were already fresh count
// towards Total only.
type Result struct {
	Total    int
	Built    int
	Skipped  int
	Errors   int
	Failures map[string]error
	// SkippedBy maps a skipped package to the failed dependency that caused it.
	SkippedBy map[string]*SkippedError
	// BuiltNames lists the rebuilt packages in build order.
	BuiltNames []string
}

// Failed reports whether any package failed or was skipped.
func (r Result) Failed() bool {
	return r.Errors > 0 || r.Skipped > 0
}

// Plan is the ordered build schedule of a manifest.
type Plan struct {
	Order []string
	Stale map[string]bool
	// Reasons explains why each stale package needs rebuilding.
	Reasons map[string]string
}

// StaleCount returns the number of packages that will be rebuilt.
func (p Plan) StaleCount() int {
	n := 0
	for _, stale := range p.Stale {
		if stale {
			n++
		}
	}
	return n
}
