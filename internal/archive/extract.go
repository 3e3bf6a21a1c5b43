package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ExtractOptions tunes Extract.
type ExtractOptions struct {
	// StripComponents drops this many leading path elements from every entry.
	// Entries with fewer elements are skipped.
	StripComponents int
}

// Extract unpacks the archive at src into dest, creating dest when needed.
func Extract(src, dest string, opts ExtractOptions) error {
	rc, err := Open(src)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := ExtractTar(rc, dest, opts); err != nil {
		return fmt.Errorf("extract %s: %w", src, err)
	}
	return nil
}

// ExtractTar unpacks an uncompressed tar stream into dest. Entries that would
// land outside dest are rejected, including writes through a symlink that an
// earlier entry created.
func ExtractTar(r io.Reader, dest string, opts ExtractOptions) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	// Symlinks are resolved against the real root, so a dest reached through a
	// symlinked parent still compares equal.
	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		name, ok := stripComponents(hdr.Name, opts.StripComponents)
		if !ok {
			continue
		}
		target, err := within(dest, name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := confined(root, target, name); err != nil {
				return err
			}
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := makeParent(root, target, name); err != nil {
				return err
			}
			if err := writeFile(target, tr, hdr); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := makeParent(root, target, name); err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s -> %s: %w", name, hdr.Linkname, err)
			}
		case tar.TypeLink:
			linkName, ok := stripComponents(hdr.Linkname, opts.StripComponents)
			if !ok {
				continue
			}
			source, err := within(dest, linkName)
			if err != nil {
				return err
			}
			if err := confined(root, filepath.Dir(source), hdr.Linkname); err != nil {
				return err
			}
			if err := makeParent(root, target, name); err != nil {
				return err
			}
			if err := os.RemoveAll(target); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("hardlink %s -> %s: %w", name, hdr.Linkname, err)
			}
		default:
			// Devices, fifos and pax metadata carry nothing a build needs.
		}
	}
}

func writeFile(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(hdr))
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if !hdr.ModTime.IsZero() {
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

func stripComponents(name string, n int) (string, bool) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	if n <= 0 {
		return name, name != "" && name != "."
	}
	parts := strings.Split(strings.Trim(name, "/"), "/")
	if len(parts) <= n {
		return "", false
	}
	return strings.Join(parts[n:], "/"), true
}

func within(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !inside(dest, target) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

// confined resolves the deepest existing ancestor of p and fails when a
// symlink on the way leads outside root. Components that do not exist yet are
// created as plain directories, so they cannot redirect a later write.
func confined(root, p, name string) error {
	existing := p
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return fmt.Errorf("archive entry %q: %w", name, err)
	}
	if !inside(root, resolved) {
		return fmt.Errorf("archive entry %q escapes destination through a symlink", name)
	}
	return nil
}

// makeParent creates the parent directory of target after checking it stays
// under root.
func makeParent(root, target, name string) error {
	parent := filepath.Dir(target)
	if err := confined(root, parent, name); err != nil {
		return err
	}
	return os.MkdirAll(parent, 0o755)
}

func inside(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func fileMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o644
	}
	return mode | 0o200
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		return 0o755
	}
	return mode | 0o700
}
