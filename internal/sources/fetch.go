package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/cache"
	"github.com/cochaviz/kiln/internal/hash"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/manifest"
)

// DefaultTimeout bounds a single download when the Fetcher has no client.
const DefaultTimeout = 10 * time.Minute

// DownloadError reports an unsuccessful HTTP response.
type DownloadError struct {
	URL        string
	StatusCode int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Outcome describes a fetched package source.
type Outcome struct {
	// Path is the verified tarball, or the tree of a local source.
	Path string
	// Prepared is the unpacked recipe directory of a remote recipe.
	Prepared string
	// Downloaded is false when the cached copy was reused.
	Downloaded bool
}

// Fetcher downloads sources into a cache layout.
type Fetcher struct {
	Layout cache.Layout
	Client *http.Client
	Logger *slog.Logger
}

// Fetch makes pkg's source available in the cache. A cached tarball whose
// digest matches is reused without touching the network. Downloads land in a
// temporary file and are moved into place only after they verify.
func (f *Fetcher) Fetch(ctx context.Context, pkg manifest.Package) (Outcome, error) {
	logger := logging.Ensure(f.Logger).With("package", pkg.ID())

	loc, err := Resolve(pkg.Source)
	if err != nil {
		var invalid *InvalidSourceError
		if errors.As(err, &invalid) && invalid.Package == "" {
			invalid.Package = pkg.Name
		}
		return Outcome{}, err
	}
	if !loc.NeedsFetch() {
		return Outcome{Path: loc.LocalPath}, nil
	}

	dest, err := f.Layout.SourcePath(pkg.Source)
	if err != nil {
		return Outcome{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create sources directory: %w", err)
	}

	outcome := Outcome{Path: dest}
	if err := hash.Verify(dest, loc.Digest); err != nil {
		if !errors.Is(err, fs.ErrNotExist) && !hash.IsMismatch(err) {
			return Outcome{}, err
		}
		logger.Info("fetching source", "url", loc.URL)
		if err := f.download(ctx, loc, dest); err != nil {
			return Outcome{}, err
		}
		outcome.Downloaded = true
	} else {
		logger.Debug("source already cached", "path", dest)
	}

	if manifest.IsRecipe(pkg.Source) {
		prepared, err := f.ensurePrepared(pkg, dest, outcome.Downloaded)
		if err != nil {
			return Outcome{}, err
		}
		outcome.Prepared = prepared
	}
	return outcome, nil
}

func (f *Fetcher) download(ctx context.Context, loc Location, dest string) error {
	tmp := filepath.Join(filepath.Dir(dest), cache.TempPrefix+uuid.NewString())
	defer os.Remove(tmp)

	if err := f.get(ctx, loc.URL, tmp); err != nil {
		return err
	}
	if err := hash.Verify(tmp, loc.Digest); err != nil {
		var mismatch *hash.MismatchError
		if errors.As(err, &mismatch) {
			mismatch.Path = loc.URL
		}
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("install source %s: %w", dest, err)
	}
	return nil
}

func (f *Fetcher) get(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &DownloadError{URL: url, StatusCode: resp.StatusCode}
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", url, err)
	}
	return out.Close()
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: DefaultTimeout}
}
