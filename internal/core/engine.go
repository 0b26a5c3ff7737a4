package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kilupskalvis/catmirror/internal/catalog"
	"github.com/kilupskalvis/catmirror/internal/config"
	"github.com/kilupskalvis/catmirror/internal/mirror"
	"github.com/kilupskalvis/catmirror/internal/models"
	"github.com/kilupskalvis/catmirror/internal/store"
	"github.com/kilupskalvis/catmirror/internal/vcs"
)

// CommitMessagePrefix starts every mirror commit message.
const CommitMessagePrefix = "Updates from remote on "

var (
	// ErrListing wraps a failed remote listing. The affected type fails, the run continues.
	ErrListing = errors.New("remote listing failed")
	// ErrPublish wraps a failed stage, commit or push. The run fails.
	ErrPublish = errors.New("publish failed")
)

// ProgressFunc is called once per resolved metadata type.
type ProgressFunc func(name string, current, total int)

// Options configures an Engine.
type Options struct {
	Logger   *slog.Logger
	Progress ProgressFunc
	// DryRun classifies only. Nothing is fetched, written or published.
	DryRun bool
	// StrictFetch fails a pass on any failed chunk instead of retrying the
	// affected ids on the next run.
	StrictFetch bool
	// Now is the clock used for the commit message and run timestamps.
	Now func() time.Time
}

// Engine reconciles the configured metadata types of a rule with the mirror.
type Engine struct {
	client    catalog.Client
	fetcher   *catalog.BatchFetcher
	snapshots *store.SnapshotStore
	writer    *mirror.Writer
	backend   vcs.Backend
	opts      Options
	logger    *slog.Logger
}

// NewEngine creates an engine. The mirror working tree behind snapshots,
// writer and backend must be the same directory.
func NewEngine(client catalog.Client, fetcher *catalog.BatchFetcher, snapshots *store.SnapshotStore, writer *mirror.Writer, backend vcs.Backend, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Progress == nil {
		opts.Progress = func(string, int, int) {}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		client:    client,
		fetcher:   fetcher,
		snapshots: snapshots,
		writer:    writer,
		backend:   backend,
		opts:      opts,
		logger:    opts.Logger,
	}
}

type resolvedType struct {
	cfg         models.MetadataTypeConfig
	displayName string
}

// Run reconciles every metadata type of rule and publishes the result in a
// single commit. Per-type failures are recorded in the result and do not stop
// the run. A cancelled context or a publish failure does.
func (e *Engine) Run(ctx context.Context, rule *config.Rule) (*models.RunResult, error) {
	result := &models.RunResult{
		Rule:      rule.Name,
		DryRun:    e.opts.DryRun,
		StartedAt: e.opts.Now(),
	}
	defer func() { result.FinishedAt = e.opts.Now() }()

	schemas, err := e.client.Schemas(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: schemas: %w", ErrListing, err)
	}

	var resolved []resolvedType
	for _, cfg := range rule.Metadata {
		schema, ok := schemas[cfg.Name]
		if !ok {
			e.logger.Warn("unknown metadata type, skipping", "type", cfg.Name)
			result.Skipped = append(result.Skipped, cfg.Name)
			continue
		}
		resolved = append(resolved, resolvedType{cfg: cfg, displayName: schema.DisplayName})
	}

	strict := e.opts.StrictFetch || rule.StrictFetch
	for i, rt := range resolved {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("run cancelled: %w", err)
		}
		e.opts.Progress(rt.cfg.Name, i+1, len(resolved))

		if rt.cfg.Hierarchical {
			passes, err := e.walkHierarchy(ctx, rt.cfg, rt.displayName, strict)
			result.Passes = append(result.Passes, passes...)
			if err != nil {
				e.logger.Error("hierarchy walk failed", "type", rt.cfg.Name, "error", err)
				result.Passes = append(result.Passes, &models.PassResult{Key: rt.cfg.Name, Err: err})
			}
		} else {
			lt := models.NewFlatType(rt.cfg, rt.displayName)
			result.Passes = append(result.Passes, e.runPass(ctx, lt, strict))
		}

		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("run cancelled: %w", err)
		}
	}

	if e.opts.DryRun {
		e.logger.Info("dry run, not publishing")
		return result, nil
	}

	message := CommitMessagePrefix + e.opts.Now().UTC().Format(time.RFC1123)
	commitID, err := e.backend.Publish(ctx, message)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrPublish, err)
	}
	result.CommitID = commitID

	return result, nil
}

// walkHierarchy runs one pass per level of a hierarchical type, in level order.
func (e *Engine) walkHierarchy(ctx context.Context, cfg models.MetadataTypeConfig, displayName string, strict bool) ([]*models.PassResult, error) {
	levels, err := e.client.ListHierarchyLevels(ctx, cfg.LevelTypeOrDefault())
	if err != nil {
		return nil, fmt.Errorf("%w: %s levels: %w", ErrListing, cfg.Name, err)
	}
	if len(levels) == 0 {
		e.logger.Info("no hierarchy levels", "type", cfg.Name)
		return nil, nil
	}

	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })

	passes := make([]*models.PassResult, 0, len(levels))
	for _, level := range levels {
		if err := ctx.Err(); err != nil {
			return passes, nil
		}
		lt := models.NewLevelType(cfg, displayName, level)
		passes = append(passes, e.runPass(ctx, lt, strict))
	}
	return passes, nil
}

// runPass reconciles one logical type: list, classify, fetch and write
// added, remove deleted, fetch and write changed, then replace the snapshot.
func (e *Engine) runPass(ctx context.Context, lt models.LogicalType, strict bool) *models.PassResult {
	pass := &models.PassResult{Key: lt.Key()}
	logger := e.logger.With("key", lt.Key())

	server, err := e.client.ListRefs(ctx, lt.TypeName(), lt.Filter)
	if err != nil {
		pass.Err = fmt.Errorf("%w: %s: %w", ErrListing, lt.Key(), err)
		logger.Error("listing failed", "error", err)
		return pass
	}

	previous := e.snapshots.Read(lt.Key())
	diff := Classify(server, models.Refs(previous))
	pass.Added = len(diff.Added)
	pass.Removed = len(diff.Removed)
	pass.Changed = len(diff.Changed)

	logger.Info("classified", "type", lt.TypeName(),
		"added", pass.Added, "removed", pass.Removed, "changed", pass.Changed)

	if e.opts.DryRun {
		return pass
	}

	oldPaths := make(map[string]string, len(previous))
	for _, entry := range previous {
		oldPaths[entry.ID] = entry.Path
	}
	written := make(map[string]string, len(diff.Added)+len(diff.Changed))

	if err := e.fetchAndWrite(ctx, lt, diff.Added, oldPaths, written, pass, strict); err != nil {
		pass.Err = err
		return pass
	}

	for _, id := range diff.Removed {
		if err := e.remove(id, oldPaths[id], pass); err != nil {
			pass.Err = err
			return pass
		}
	}

	if err := e.fetchAndWrite(ctx, lt, diff.Changed, oldPaths, written, pass, strict); err != nil {
		pass.Err = err
		return pass
	}

	entries := nextSnapshot(server, previous, diff, written)
	if err := e.snapshots.Write(lt.Key(), entries); err != nil {
		pass.Err = err
		logger.Error("snapshot write failed", "error", err)
		return pass
	}

	logger.Info("pass complete", "written", pass.Written, "deleted", pass.Deleted, "failed_chunks", pass.FailedChunks)
	return pass
}

// fetchAndWrite fetches ids in batches and writes each object. A changed
// object whose path moved has its previous file removed. Previous entries
// without a path are resolved with one scan after the fetch.
func (e *Engine) fetchAndWrite(ctx context.Context, lt models.LogicalType, ids []string, oldPaths, written map[string]string, pass *models.PassResult, strict bool) error {
	if len(ids) == 0 {
		return nil
	}

	unindexed := make(map[string]string)
	res, err := e.fetcher.Fetch(ctx, lt.TypeName(), ids, func(batch []models.CatalogObject) error {
		for _, obj := range batch {
			rel, err := e.writer.Write(obj, lt)
			if err != nil {
				return err
			}
			written[obj.ID()] = rel
			pass.Written++

			old, known := oldPaths[obj.ID()]
			switch {
			case !known || old == rel:
			case old == "":
				unindexed[obj.ID()] = rel
			default:
				if _, err := e.writer.Remove(old); err != nil {
					return err
				}
				e.logger.Debug("removed renamed object", "id", obj.ID(), "old", old, "new", rel)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", lt.Key(), err)
	}

	if n, err := e.writer.RemoveStale(unindexed); err != nil {
		return fmt.Errorf("remove stale %s: %w", lt.Key(), err)
	} else if n > 0 {
		e.logger.Debug("removed renamed objects without indexed path", "key", lt.Key(), "count", n)
	}

	pass.FailedChunks += res.FailedChunks
	if res.Partial() && strict {
		return res.Err()
	}

	if missing := res.Requested - len(res.FailedIDs) - countWritten(ids, written); missing > 0 {
		e.logger.Warn("objects listed but not returned", "key", lt.Key(), "count", missing)
	}
	return nil
}

func countWritten(ids []string, written map[string]string) int {
	n := 0
	for _, id := range ids {
		if _, ok := written[id]; ok {
			n++
		}
	}
	return n
}

// remove deletes the file of a removed object, falling back to a tree scan
// when the indexed path is unknown or already gone.
func (e *Engine) remove(id, path string, pass *models.PassResult) error {
	if path != "" {
		ok, err := e.writer.Remove(path)
		if err != nil {
			return err
		}
		if ok {
			pass.Deleted++
			return nil
		}
	}

	n, err := e.writer.RemoveByID(id)
	if err != nil {
		return err
	}
	if n == 0 {
		pass.Missing++
	}
	pass.Deleted += n
	return nil
}

// nextSnapshot builds the snapshot that replaces previous, sorted by id so an
// unchanged listing rewrites an identical file. Added ids that
// were not written are left out and changed ids that were not written keep
// their previous entry, so both are picked up again by the next run.
func nextSnapshot(server []models.CatalogItemRef, previous []models.SnapshotEntry, diff models.ReconciliationResult, written map[string]string) []models.SnapshotEntry {
	prev := make(map[string]models.SnapshotEntry, len(previous))
	for _, entry := range previous {
		prev[entry.ID] = entry
	}
	added := make(map[string]bool, len(diff.Added))
	for _, id := range diff.Added {
		added[id] = true
	}

	ids, updated := index(server)
	entries := make([]models.SnapshotEntry, 0, len(ids))
	for _, id := range ids {
		path, ok := written[id]
		switch {
		case ok:
			entries = append(entries, models.SnapshotEntry{ID: id, LastUpdated: updated[id], Path: path})
		case added[id]:
			continue
		default:
			// unchanged, or changed but not fetched
			entries = append(entries, prev[id])
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}
