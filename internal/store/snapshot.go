package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kilupskalvis/catmirror/internal/models"
)

// SnapshotDir is the directory inside the mirror that holds snapshot files.
const SnapshotDir = ".updater"

// SnapshotStore persists the last observed listing of each logical type as
// a JSON array under <root>/.updater/<key>.json.
type SnapshotStore struct {
	dir    string
	logger *slog.Logger
}

// NewSnapshotStore creates a snapshot store for the mirror rooted at root.
// The snapshot directory is created lazily on first write.
func NewSnapshotStore(root string, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{dir: filepath.Join(root, SnapshotDir), logger: logger}
}

// Dir returns the snapshot directory.
func (s *SnapshotStore) Dir() string {
	return s.dir
}

func (s *SnapshotStore) path(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(key)
	return filepath.Join(s.dir, name+".json")
}

// Read returns the snapshot for key. A missing, empty or malformed file
// yields an empty snapshot so the next pass treats everything as added.
func (s *SnapshotStore) Read(key string) []models.SnapshotEntry {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("no snapshot", "key", key)
		} else {
			s.logger.Warn("read snapshot", "key", key, "error", err)
		}
		return []models.SnapshotEntry{}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		s.logger.Debug("empty snapshot", "key", key)
		return []models.SnapshotEntry{}
	}

	var entries []models.SnapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("malformed snapshot, starting over", "key", key, "error", err)
		return []models.SnapshotEntry{}
	}
	if entries == nil {
		entries = []models.SnapshotEntry{}
	}
	return entries
}

// Write replaces the snapshot for key. The previous file stays intact until
// the new one is fully on disk.
func (s *SnapshotStore) Write(key string, entries []models.SnapshotEntry) error {
	if entries == nil {
		entries = []models.SnapshotEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", key, err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := WriteFileAtomic(s.path(key), data); err != nil {
		return fmt.Errorf("write snapshot %s: %w", key, err)
	}
	return nil
}

// Delete removes the snapshot for key. Deleting a missing snapshot is not an error.
func (s *SnapshotStore) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot %s: %w", key, err)
	}
	return nil
}

// Keys lists the keys that have a snapshot, sorted.
func (s *SnapshotStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
