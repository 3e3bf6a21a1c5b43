package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/cache"
)

var _ build.RecordRepository = (*LocalRecordRepository)(nil)

// LocalRecordRepository persists build records as JSON inside each build
// output directory.
type LocalRecordRepository struct{}

// Save writes the record to <outDir>/build.json.
func (rep *LocalRecordRepository) Save(outDir string, record build.Record) error {
	if outDir == "" {
		return errors.New("output directory is required")
	}
	if record.Package == "" {
		return errors.New("record package is required")
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	tmp := filepath.Join(outDir, cache.TempPrefix+cache.RecordFileName)
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(outDir, cache.RecordFileName))
}

// Get returns the record stored in outDir, or nil when there is none.
func (rep *LocalRecordRepository) Get(outDir string) (*build.Record, error) {
	if outDir == "" {
		return nil, errors.New("output directory is required")
	}
	data, err := os.ReadFile(filepath.Join(outDir, cache.RecordFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var record build.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode build record in %s: %w", outDir, err)
	}
	return &record, nil
}
