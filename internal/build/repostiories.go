package build

// RecordRepository persists build records next to their outputs.
type RecordRepository interface {
	Save(outDir string, record Record) error
	Get(outDir string) (*Record, error)
}
