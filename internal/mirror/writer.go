// Package mirror writes catalog objects to the on-disk mirror layout:
// <root>/[group/][folder/]<name-><id>.json, one pretty-printed file per object.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilupskalvis/catmirror/internal/models"
	"github.com/kilupskalvis/catmirror/internal/store"
)

var (
	// ErrNoID is returned when an object without an id is written.
	ErrNoID = errors.New("object has no id")
	// ErrOutsideMirror is returned for a path that leaves the mirror root or
	// lands in a reserved directory.
	ErrOutsideMirror = errors.New("path escapes mirror root")
)

var hostile = strings.NewReplacer(
	"/", "", "\\", "", "?", "", "%", "", "*", "", ":", "",
	"|", "", "\"", "", "<", "", ">", "", "\r", "", "\n", "", "\t", "",
)

// Sanitize strips characters that are unsafe in a path segment.
func Sanitize(s string) string {
	return hostile.Replace(s)
}

// Writer writes objects below a mirror root.
type Writer struct {
	root   string
	logger *slog.Logger
}

// NewWriter creates a writer for the mirror rooted at root.
func NewWriter(root string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{root: filepath.Clean(root), logger: logger}
}

// Root returns the mirror root.
func (w *Writer) Root() string {
	return w.root
}

// PathFor returns the mirror-relative path obj is written to, using forward slashes.
func (w *Writer) PathFor(obj models.CatalogObject, lt models.LogicalType) string {
	var parts []string
	if g := Sanitize(lt.Config.Group); g != "" {
		parts = append(parts, g)
	}
	if f := Sanitize(lt.FolderName()); f != "" {
		parts = append(parts, f)
	}

	filename := obj.ID() + ".json"
	if name, ok := obj.Name(); ok {
		filename = Sanitize(name) + "-" + filename
	}
	parts = append(parts, filename)

	return strings.Join(parts, "/")
}

// Write writes obj as 4-space indented JSON and returns its relative path.
// The file is complete on disk when Write returns.
func (w *Writer) Write(obj models.CatalogObject, lt models.LogicalType) (string, error) {
	if obj.ID() == "" {
		return "", ErrNoID
	}

	rel := w.PathFor(obj, lt)
	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	if !w.inside(abs) || w.reserved(abs) {
		return "", fmt.Errorf("write %q: %w", rel, ErrOutsideMirror)
	}

	data, err := json.MarshalIndent(obj, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", obj.ID(), err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := store.WriteFileAtomic(abs, data); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}

	w.logger.Debug("wrote object", "path", rel)
	return rel, nil
}

// Remove deletes the file at the relative path and prunes empty parent
// directories up to the root. It reports whether a file was removed.
func (w *Writer) Remove(rel string) (bool, error) {
	abs := filepath.Join(w.root, filepath.FromSlash(rel))
	if !w.inside(abs) {
		return false, fmt.Errorf("remove %q: %w", rel, ErrOutsideMirror)
	}

	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("remove %s: %w", rel, err)
	}

	w.logger.Debug("removed object", "path", rel)
	w.prune(filepath.Dir(abs))
	return true, nil
}

// RemoveByID scans the mirror for files named <id>.json or *-<id>.json and
// removes them. It is the fallback for snapshot entries without a path.
func (w *Writer) RemoveByID(id string) (int, error) {
	n, err := w.RemoveStale(map[string]string{id: ""})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		w.logger.Warn("no file found for removed object", "id", id)
	}
	return n, nil
}

// RemoveStale removes every file named <id>.json or *-<id>.json for the ids
// in keep, except the relative path keep maps the id to. One scan serves all
// ids, so renamed objects without an indexed path are cleaned up in bulk.
func (w *Writer) RemoveStale(keep map[string]string) (int, error) {
	if len(keep) == 0 {
		return 0, nil
	}

	var matches []string
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && (d.Name() == ".git" || d.Name() == store.SnapshotDir) {
				return filepath.SkipDir
			}
			return nil
		}
		id, ok := matchID(d.Name(), keep)
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return err
		}
		if filepath.ToSlash(rel) != keep[id] {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan mirror: %w", err)
	}

	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return 0, fmt.Errorf("remove %s: %w", path, err)
		}
		w.logger.Debug("removed stale object", "path", path)
		w.prune(filepath.Dir(path))
	}
	return len(matches), nil
}

// matchID returns the id in ids that the file name belongs to: the whole stem,
// or the part after any hyphen.
func matchID(name string, ids map[string]string) (string, bool) {
	stem, ok := strings.CutSuffix(name, ".json")
	if !ok || stem == "" {
		return "", false
	}
	if _, ok := ids[stem]; ok {
		return stem, true
	}
	for i := 0; i < len(stem); i++ {
		if stem[i] != '-' {
			continue
		}
		if _, ok := ids[stem[i+1:]]; ok {
			return stem[i+1:], true
		}
	}
	return "", false
}

// prune removes empty directories from dir up to, but not including, the root.
func (w *Writer) prune(dir string) {
	for dir != w.root && w.inside(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// reserved reports whether path lies in the git or snapshot directory at the root.
func (w *Writer) reserved(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first == ".git" || first == store.SnapshotDir
}

func (w *Writer) inside(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
