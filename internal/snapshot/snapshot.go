package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"alertlake/internal/ledger"
)

const fileName = "ledger.json"

// ErrNotFound is returned when a snapshot id has no file on disk.
var ErrNotFound = errors.New("snapshot not found")

type Snapshotter interface {
	WriteSnapshot(snapshotID string, st ledger.Store) error
}

type Loader interface {
	LoadSnapshot(snapshotID string) (map[string]ledger.Commit, error)
}

type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

// WriteSnapshot dumps every commit to <base>/<id>/ledger.json, replacing it atomically.
func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, st ledger.Store) error {
	dir := filepath.Join(f.baseDir, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	dump := make(map[string]ledger.Commit)
	if err := st.Range(func(batchID string, c ledger.Commit) error {
		dump[batchID] = c
		return nil
	}); err != nil {
		return err
	}
	b, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp := filepath.Join(dir, "."+fileName+".tmp")
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, fileName)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemSnapshotter) LoadSnapshot(snapshotID string) (map[string]ledger.Commit, error) {
	path := filepath.Join(f.baseDir, snapshotID, fileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var dump map[string]ledger.Commit
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return dump, nil
}
