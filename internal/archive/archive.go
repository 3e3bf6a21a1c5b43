// Package archive opens compressed tarballs and unpacks them onto disk.
package archive

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// DefaultExt is assumed for URLs whose extension is not recognized.
const DefaultExt = ".tar.gz"

// Compression identifies a tarball codec.
type Compression string

const (
	None  Compression = "none"
	Gzip  Compression = "gzip"
	Zstd  Compression = "zstd"
	Xz    Compression = "xz"
	Guess Compression = ""
)

var extensions = []struct {
	suffix      string
	compression Compression
}{
	{".pkg.tar.zst", Zstd},
	{".pkg.tar.xz", Xz},
	{".pkg.tar.gz", Gzip},
	{".tar.zst", Zstd},
	{".tar.xz", Xz},
	{".tar.gz", Gzip},
	{".tgz", Gzip},
	{".tar", None},
}

// Detect returns the tarball extension at the end of rawURL, ignoring any
// query or fragment. Unknown extensions yield DefaultExt.
func Detect(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	base := strings.ToLower(path.Base(p))
	for _, ext := range extensions {
		if strings.HasSuffix(base, ext.suffix) {
			return ext.suffix
		}
	}
	return DefaultExt
}

// CompressionFor returns the codec implied by a file name.
func CompressionFor(name string) (Compression, bool) {
	base := strings.ToLower(filepath.Base(name))
	for _, ext := range extensions {
		if strings.HasSuffix(base, ext.suffix) {
			return ext.compression, true
		}
	}
	return Guess, false
}

// IsPackageArchive reports whether name looks like a built package archive.
func IsPackageArchive(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	return strings.HasSuffix(base, ".pkg.tar.zst") ||
		strings.HasSuffix(base, ".pkg.tar.xz") ||
		strings.HasSuffix(base, ".pkg.tar.gz")
}

// Open returns the decompressed tar stream of the archive at p. Files with
// unrecognized names are sniffed by magic number.
func Open(p string) (io.ReadCloser, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	compression, ok := CompressionFor(p)
	if !ok {
		compression = Guess
	}
	rc, err := newReader(f, compression)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open archive %s: %w", p, err)
	}
	return rc, nil
}

func newReader(f *os.File, compression Compression) (io.ReadCloser, error) {
	br := bufio.NewReader(f)
	if compression == Guess {
		compression = sniff(br)
	}

	switch compression {
	case Gzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &stream{Reader: zr, closers: []func() error{zr.Close, f.Close}}, nil
	case Zstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &stream{Reader: zr, closers: []func() error{closeZstd(zr), f.Close}}, nil
	case Xz:
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &stream{Reader: xr, closers: []func() error{f.Close}}, nil
	default:
		return &stream{Reader: br, closers: []func() error{f.Close}}, nil
	}
}

func sniff(br *bufio.Reader) Compression {
	head, _ := br.Peek(6)
	switch {
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return Gzip
	case len(head) >= 4 && head[0] == 0x28 && head[1] == 0xb5 && head[2] == 0x2f && head[3] == 0xfd:
		return Zstd
	case len(head) >= 6 && string(head) == "\xfd7zXZ\x00":
		return Xz
	default:
		return None
	}
}

func closeZstd(d *zstd.Decoder) func() error {
	return func() error {
		d.Close()
		return nil
	}
}

type stream struct {
	io.Reader
	closers []func() error
}

func (s *stream) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
