package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/gc"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/sources"
)

func init() {
	color.NoColor = true
}

func TestClassify(t *testing.T) {
	t.Parallel()

	assert.Equal(t, AllFailed, Classify(3, 0, 3))
	assert.Equal(t, SomeFailed, Classify(3, 2, 1))
	assert.Equal(t, UpToDate, Classify(3, 0, 0))
	assert.Equal(t, UpToDate, Classify(0, 0, 0))
	assert.Equal(t, Incremental, Classify(3, 1, 0))
	assert.Equal(t, AllSucceeded, Classify(3, 3, 0))

	assert.Equal(t, 0, ExitCode(UpToDate, Incremental))
	assert.Equal(t, 1, ExitCode(AllSucceeded, SomeFailed))
}

func TestBuildSummaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		result build.Result
		want   string
	}{
		{build.Result{Total: 2}, "No packages to build: already up-to-date\n"},
		{build.Result{Total: 2, Built: 2}, "All 2 packages were built successfully!\n"},
		{build.Result{Total: 3, Built: 1}, "All 1 package was built successfully! (incremental build)\n"},
		{build.Result{Total: 3, Built: 2, Errors: 1, Failures: map[string]error{"z": &build.ExitError{Code: 2}}},
			"Error building package z (non_zero_exit): build executor exited with code 2\nERROR: 1 of the 3 packages failed to build\n"},
		{build.Result{Total: 1, Errors: 1, Failures: map[string]error{"a": errors.New("boom")}},
			"Error building package a (io): boom\nERROR: 1 package failed to build\n"},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		Build(&buf, tc.result)
		assert.Equal(t, tc.want, buf.String())
	}
}

func TestBuildSummaryCountsSkipped(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	outcome := Build(&buf, build.Result{
		Total:     2,
		Errors:    1,
		Skipped:   1,
		Failures:  map[string]error{"a": errors.New("boom")},
		SkippedBy: map[string]*build.SkippedError{"b": {Dependency: "a"}},
	})
	assert.Equal(t, AllFailed, outcome)
	assert.Contains(t, buf.String(), "Skipped b: dependency a failed\n")
	assert.Contains(t, buf.String(), "All of the 2 packages failed to build")
}

func TestFetchSummaryShowsMismatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	outcome := Fetch(&buf, sources.Result{
		Total:      2,
		Downloaded: 1,
		Errors:     1,
		Failures: map[string]error{"zlib": &hash.MismatchError{
			Expected: hash.Placeholder,
			Actual:   hash.MustParseDigest("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"),
		}},
	})
	assert.Equal(t, SomeFailed, outcome)
	out := buf.String()
	assert.Contains(t, out, "Hash mismatch for package 'zlib'")
	assert.Contains(t, out, "Expected: "+string(hash.Placeholder))
	assert.Contains(t, out, "Actual:   2CF24DBA5FB0A30E26E83B2AC5B9E29E1B161E5C1FA7425E73043362938B9824")
	assert.Contains(t, out, "ERROR: 1 of the 2 packages failed to fetch")
}

func TestGCSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	GC(&buf, gc.Stats{})
	assert.Equal(t, "No packages removed during garbage collection.\n", buf.String())

	buf.Reset()
	GC(&buf, gc.Stats{FreedBytes: 3 * 1024 * 1024, RemovedOutputs: 1, RemovedSources: 2})
	assert.Contains(t, buf.String(), "freed 3.0 MiB")
	assert.Contains(t, buf.String(), "1 output folder removed")
	assert.Contains(t, buf.String(), "0 prepared packages removed")
	assert.Contains(t, buf.String(), "2 source packages removed")
}
