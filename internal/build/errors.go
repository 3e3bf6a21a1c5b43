package build

import (
	"errors"
	"fmt"

	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/manifest"
	"github.com/cochaviz/kiln/internal/sources"
)

// BuildError wraps a failed build step of a single package.
type BuildError struct {
	Package string
	Step    string
	Err     error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s: %s: %v", e.Package, e.Step, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// ExitError reports a build executor that exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("build executor exited with code %d", e.Code)
}

// NoArtifactError reports a successful executor run that left no archive
// matching the selection rules.
type NoArtifactError struct {
	Dir   string
	Picks []string
}

func (e *NoArtifactError) Error() string {
	if len(e.Picks) > 0 {
		return fmt.Sprintf("no package archive matching %v found in %s", e.Picks, e.Dir)
	}
	return fmt.Sprintf("no package archive found in %s", e.Dir)
}

// SkippedError marks a package that was not attempted because a dependency
// failed.
type SkippedError struct {
	Dependency string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("dependency %s failed", e.Dependency)
}

// ErrorKind is the coarse classification of a package failure.
type ErrorKind string

const (
	KindIO            ErrorKind = "io"
	KindHashMismatch  ErrorKind = "hash_mismatch"
	KindInvalidSource ErrorKind = "invalid_source"
	KindNonZeroExit   ErrorKind = "non_zero_exit"
	KindNoArtifact    ErrorKind = "no_artifact"
	KindSkipped       ErrorKind = "skipped"
)

// Classify maps err onto its ErrorKind. Anything unrecognized is an I/O
// failure.
func Classify(err error) ErrorKind {
	var (
		mismatch   *hash.MismatchError
		invalid    *sources.InvalidSourceError
		validation *manifest.ValidationError
		cycle      *manifest.CycleError
		exit       *ExitError
		none       *NoArtifactError
		skipped    *SkippedError
	)
	switch {
	case errors.As(err, &skipped):
		return KindSkipped
	case errors.As(err, &mismatch):
		return KindHashMismatch
	case errors.As(err, &invalid), errors.As(err, &validation), errors.As(err, &cycle):
		return KindInvalidSource
	case errors.As(err, &exit):
		return KindNonZeroExit
	case errors.As(err, &none):
		return KindNoArtifact
	default:
		return KindIO
	}
}
