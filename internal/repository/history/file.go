package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/netbox-upgrade/internal/domain/release"
)

// Filename is the journal name inside the backup directory.
const Filename = "upgrade-history.yaml"

// fileMode matches the mode of the backups the journal points to.
const fileMode os.FileMode = 0o640

// Record describes one completed upgrade.
type Record struct {
	// From is the version that was live before the cutover.
	From release.Version `yaml:"from"`
	// To is the version live after the cutover.
	To release.Version `yaml:"to"`
	// Backup is the database dump taken before the cutover.
	Backup string `yaml:"backup"`
	// StartedAt is when the run began.
	StartedAt time.Time `yaml:"started_at"`
	// FinishedAt is when the cutover happened.
	FinishedAt time.Time `yaml:"finished_at"`
	// Operator ran the upgrade; empty when it could not be detected.
	Operator Operator `yaml:"operator,omitempty"`
}

// Repository defines persistence operations for the upgrade journal.
type Repository interface {
	List(ctx context.Context) ([]Record, error)
	Append(ctx context.Context, record Record) error
}

// FileRepository stores the journal as a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the journal.
	path string
	// mu serializes read-modify-write cycles.
	mu sync.Mutex
}

var _ Repository = (*FileRepository)(nil)

// NewFileRepository creates a repository reading and writing the journal at path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// List returns every record, oldest first. A missing journal is empty.
func (r *FileRepository) List(_ context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.load()
}

// Append adds a record to the end of the journal.
func (r *FileRepository) Append(_ context.Context, record Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.load()
	if err != nil {
		return err
	}

	records = append(records, record)

	data, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}

	// Write a sibling and rename so a crash never leaves half a journal.
	staging := r.path + ".tmp"
	if err = os.WriteFile(staging, data, fileMode); err != nil {
		return fmt.Errorf("write history: %w", err)
	}

	if err = os.Rename(staging, r.path); err != nil {
		_ = os.Remove(staging)
		return fmt.Errorf("replace history: %w", err)
	}

	return nil
}

func (r *FileRepository) load() ([]Record, error) {
	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read history: %w", err)
	}

	var records []Record
	if err = yaml.Unmarshal(contents, &records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	return records, nil
}
