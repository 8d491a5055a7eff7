package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatchConfig struct {
	Roots       []string      // directories to watch (recursive)
	SkipHidden  bool          // ignore dot files and dot directories
	InitialScan bool          // ingest files already present before watching
	Debounce    time.Duration // coalesce rapid create/write bursts per file
}

// Watch ingests every new or rewritten file under the roots until ctx ends.
// Content that was already ingested is deduplicated by hash.
func (i *Ingestor) Watch(ctx context.Context, cfg WatchConfig) error {
	if len(cfg.Roots) == 0 {
		return errors.New("no roots provided")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		i.logger.Error("failed to create fsnotify watcher", "error", err)
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			i.logger.Warn("watcher close failed", "error", err)
		}
	}()

	for _, root := range cfg.Roots {
		if err := i.watchTree(w, root, cfg.SkipHidden); err != nil {
			i.logger.Error("failed to add root directory", "root", root, "error", err)
			return err
		}
	}
	i.logger.Info("watcher.started", "roots", cfg.Roots, "debounce", cfg.Debounce)

	if cfg.InitialScan {
		for _, root := range cfg.Roots {
			if _, _, err := i.IngestDirectory(ctx, root, cfg.SkipHidden); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				i.logger.Warn("initial scan failed", "root", root, "error", err)
			}
		}
	}

	pending := map[string]struct{}{}
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func() {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		clear(pending)
		slices.Sort(paths)
		for _, p := range paths {
			if ctx.Err() != nil {
				return
			}
			i.ingestWatched(ctx, p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			i.logger.Info("watcher.stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if cfg.SkipHidden && IsHidden(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := i.watchTree(w, ev.Name, cfg.SkipHidden); err != nil {
						i.logger.Warn("failed to add new directory to watcher", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if !AllowedExt(filepath.Ext(ev.Name)) {
				continue
			}
			pending[ev.Name] = struct{}{}
			if cfg.Debounce <= 0 {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(cfg.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(cfg.Debounce)
			}

		case <-timerC:
			flush()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			i.logger.Error("watcher error", "error", err)
		}
	}
}

func (i *Ingestor) ingestWatched(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		// removed or renamed before the quiet period ended
		return
	}
	r, err := i.IngestPath(ctx, path)
	if err != nil {
		i.logger.Warn("watcher.ingest.failed", "path", path, "error", err)
		return
	}
	i.logger.Info("watcher.ingested", "path", path, "document_id", r.DocumentID, "deduplicated", r.Deduplicated)
}

// watchTree adds root and every directory below it.
func (i *Ingestor) watchTree(w *fsnotify.Watcher, root string, skipHidden bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
