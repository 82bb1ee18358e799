package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/roach88/diamondcut/internal/ir"
)

// FileStore keeps one JSON record per deployment key under a root directory.
type FileStore struct {
	root string
}

var _ RecordStore = (*FileStore)(nil)

// NewFileStore returns a FileStore rooted at dir. The directory is created
// on first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Path returns the file a key is stored in:
// <root>/<Diamond>/deployments/<diamond>-<network>-<chainid>.json.
func (f *FileStore) Path(key ir.DeploymentKey) string {
	return filepath.Join(f.root, key.Diamond, "deployments", key.String()+".json")
}

// Load reads the record for key.
// Returns an empty record (not an error) if the file does not exist.
func (f *FileStore) Load(ctx context.Context, key ir.DeploymentKey) (*ir.DeploymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ir.NewDeploymentRecord(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", key, err)
	}
	record, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path(key), err)
	}
	return record, nil
}

// Save writes the record for key atomically: the JSON is written to a
// temporary file in the same directory and renamed over the target.
func (f *FileStore) Save(ctx context.Context, key ir.DeploymentKey, record *ir.DeploymentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := ir.MarshalRecord(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	path := f.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
