// Package command runs subprocesses with tagged, line-oriented output.
package command

import (
	"errors"
	"fmt"
	"io"
	"os/exec"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/kiln/internal/logging"
)

// Writers builds the tagged writers used for a subprocess's streams.
type Writers func(out io.Writer, tag string) *logging.TagWriter

// Runner runs commands, tagging every line they print.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	// NewWriter defaults to logging.NewTagWriter.
	NewWriter Writers
}

// Run starts cmd, copies both of its output streams line by line through
// tagged writers, and waits for the process. Both streams are fully drained
// before the exit status is collected. A process that ran to completion
// yields its exit code with a nil error; a non-nil error means the process
// could not be started or its output could not be copied.
func (r Runner) Run(cmd *exec.Cmd, tag string) (int, error) {
	newWriter := r.NewWriter
	if newWriter == nil {
		newWriter = logging.NewTagWriter
	}
	stdout := newWriter(orDiscard(r.Stdout), tag)
	stderr := newWriter(orDiscard(r.Stderr), tag)

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("attach stdout: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	var g errgroup.Group
	g.Go(func() error { return drain(stdout, outPipe) })
	g.Go(func() error { return drain(stderr, errPipe) })
	copyErr := g.Wait()

	waitErr := cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		return exitErr.ExitCode(), copyErr
	default:
		return -1, fmt.Errorf("wait for %s: %w", cmd.Path, waitErr)
	}
	return 0, copyErr
}

func drain(w *logging.TagWriter, r io.Reader) error {
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copy output: %w", err)
	}
	return w.Flush()
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
