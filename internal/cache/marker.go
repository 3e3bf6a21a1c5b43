package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ReadMarker returns the time recorded in a build-completion marker.
// Callers treat any error as "stale".
func ReadMarker(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	millis, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse marker %s: %w", path, err)
	}
	if millis < 0 {
		return time.Time{}, fmt.Errorf("parse marker %s: negative timestamp", path)
	}
	return time.UnixMilli(millis), nil
}

// WriteMarker records t as decimal milliseconds since the epoch, rounded up
// so files written before t never compare as newer. The file is written to a
// temporary name and renamed so a crash never leaves a truncated marker
// behind.
func WriteMarker(path string, t time.Time) error {
	millis := t.UnixMilli()
	if t.After(time.UnixMilli(millis)) {
		millis++
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), TempPrefix+"marker-*")
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	if _, err := tmp.WriteString(strconv.FormatInt(millis, 10)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install marker: %w", err)
	}
	return nil
}

// RemoveMarker deletes a marker, ignoring a missing file.
func RemoveMarker(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// HasNewerFile reports whether any file under root was modified strictly
// after t. root may be a single file. A missing root counts as newer.
func HasNewerFile(root string, t time.Time) (bool, error) {
	info, err := os.Lstat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return info.ModTime().After(t), nil
	}

	errFound := errors.New("found")
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(t) {
			return errFound
		}
		return nil
	})
	if errors.Is(err, errFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// DirSize returns the total size of regular files under path.
func DirSize(path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
