package build

import (
	"context"

	"github.com/cochaviz/kiln/internal/manifest"
)

// Executor builds a recipe inside a sandbox. It must leave the produced
// archives in req.OutputDir and report a non-zero exit as *ExitError.
// Executors are not cancellable; a hung executor blocks the batch.
type Executor interface {
	Run(req Request) error
}

// SandboxResolver makes the sandbox of a package available and returns the
// image to run it with.
type SandboxResolver interface {
	Resolve(ctx context.Context, sandbox manifest.Sandbox) (string, error)
}
