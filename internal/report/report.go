// Package report renders batch summaries for the terminal.
package report

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/gc"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/sources"
)

// Outcome classifies a finished batch.
type Outcome int

const (
	UpToDate Outcome = iota
	AllSucceeded
	Incremental
	SomeFailed
	AllFailed
)

func (o Outcome) String() string {
	switch o {
	case UpToDate:
		return "up-to-date"
	case AllSucceeded:
		return "all-succeeded"
	case Incremental:
		return "incremental"
	case SomeFailed:
		return "some-failed"
	case AllFailed:
		return "all-failed"
	default:
		return "unknown"
	}
}

// Failed reports whether the outcome should fail the process.
func (o Outcome) Failed() bool {
	return o == SomeFailed || o == AllFailed
}

// Classify derives the outcome of a batch of total items of which done
// completed work and failed errored.
func Classify(total, done, failed int) Outcome {
	switch {
	case failed > 0 && failed == total:
		return AllFailed
	case failed > 0:
		return SomeFailed
	case done == 0:
		return UpToDate
	case done < total:
		return Incremental
	default:
		return AllSucceeded
	}
}

// ExitCode returns 1 when any outcome failed, 0 otherwise.
func ExitCode(outcomes ...Outcome) int {
	for _, o := range outcomes {
		if o.Failed() {
			return 1
		}
	}
	return 0
}

var (
	errorLabel = color.New(color.FgRed, color.Bold)
	success    = color.New(color.FgGreen)
	count      = color.New(color.FgCyan)
	dim        = color.New(color.Faint)
	warn       = color.New(color.FgYellow, color.Bold)
	hint       = color.New(color.FgCyan, color.Bold)
)

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// Fetch prints the summary of a fetch batch and returns its outcome.
func Fetch(w io.Writer, r sources.Result) Outcome {
	names := make([]string, 0, len(r.Failures))
	for name := range r.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printFetchFailure(w, name, r.Failures[name])
	}

	outcome := Classify(r.Total, r.Downloaded, r.Errors)
	summarize(w, outcome, r.Total, r.Downloaded, r.Errors, "fetch", "fetched", "download")
	return outcome
}

func printFetchFailure(w io.Writer, name string, err error) {
	var mismatch *hash.MismatchError
	if errors.As(err, &mismatch) {
		fmt.Fprintf(w, "%s for package '%s':\n\n", errorLabel.Sprint("Hash mismatch"), warn.Sprint(name))
		fmt.Fprintf(w, "    Expected: %s\n", mismatch.Expected)
		fmt.Fprintf(w, "    Actual:   %s\n\n", mismatch.Actual)
		fmt.Fprintf(w, "    %s the file on the remote server may be corrupted or tampered with, or the URL may be wrong.\n", hint.Sprint("help:"))
		fmt.Fprintf(w, "          If you recently updated the manifest, make sure the 'sha256' field matches the actual file.\n\n")
		return
	}
	fmt.Fprintf(w, "%s '%s': %v\n", errorLabel.Sprint("Error fetching package"), warn.Sprint(name), err)
}

// Build prints the summary of a build batch and returns its outcome.
func Build(w io.Writer, r build.Result) Outcome {
	names := make([]string, 0, len(r.Failures))
	for name := range r.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s %s (%s): %v\n", errorLabel.Sprint("Error building package"), warn.Sprint(name), build.Classify(r.Failures[name]), r.Failures[name])
	}

	skipped := make([]string, 0, len(r.SkippedBy))
	for name := range r.SkippedBy {
		skipped = append(skipped, name)
	}
	sort.Strings(skipped)
	for _, name := range skipped {
		fmt.Fprintf(w, "%s %s: %v\n", warn.Sprint("Skipped"), name, r.SkippedBy[name])
	}

	outcome := Classify(r.Total, r.Built, r.Errors+r.Skipped)
	summarize(w, outcome, r.Total, r.Built, r.Errors+r.Skipped, "build", "built", "build")
	return outcome
}

func summarize(w io.Writer, outcome Outcome, total, done, failed int, verb, past, noun string) {
	switch outcome {
	case AllFailed:
		prefix := ""
		if failed != 1 {
			prefix = "All of the "
		}
		fmt.Fprintf(w, "%s: %s%d %s failed to %s\n", errorLabel.Sprint("ERROR"), prefix, failed, plural(failed, "package"), verb)
	case SomeFailed:
		fmt.Fprintf(w, "%s: %s of the %s %s failed to %s\n", errorLabel.Sprint("ERROR"),
			count.Sprint(failed), count.Sprint(total), plural(total, "package"), verb)
	case UpToDate:
		fmt.Fprintln(w, dim.Sprintf("No packages to %s: already up-to-date", verb))
	default:
		note := ""
		if outcome == Incremental {
			note = dim.Sprintf(" (incremental %s)", noun)
		}
		fmt.Fprintf(w, "%s %s %s%s\n", success.Sprint("All"), count.Sprint(done),
			success.Sprintf("%s %s successfully!", plural(done, "package"), wereOrWas(done, past)), note)
	}
}

func wereOrWas(n int, past string) string {
	if n == 1 {
		return "was " + past
	}
	return "were " + past
}

// GC prints the summary of a garbage collection.
func GC(w io.Writer, s gc.Stats) {
	for _, err := range s.Failures {
		fmt.Fprintf(w, "%s: %v\n", errorLabel.Sprint("ERROR"), err)
	}
	if s.Removed() == 0 {
		fmt.Fprintln(w, dim.Sprint("No packages removed during garbage collection."))
		return
	}
	fmt.Fprintf(w, "Garbage collector: %s %s\n\n", success.Sprint("freed"), count.Sprint(humanize.IBytes(uint64(s.FreedBytes))))
	fmt.Fprintf(w, "    %d %s\n", s.RemovedOutputs, success.Sprint(plural(s.RemovedOutputs, "output folder")+" removed"))
	fmt.Fprintf(w, "    %d %s\n", s.RemovedPrepared, success.Sprint(plural(s.RemovedPrepared, "prepared package")+" removed"))
	fmt.Fprintf(w, "    %d %s\n\n", s.RemovedSources, success.Sprint(plural(s.RemovedSources, "source package")+" removed"))
}
