package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/docpipeline/internal/common"
)

// IngestPath ingests a single local file.
func (i *Ingestor) IngestPath(ctx context.Context, path string) (Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, fmt.Errorf("abs path: %w", err)
	}
	ext := filepath.Ext(abs)
	if ext == "" || !AllowedExt(ext) {
		return Result{}, common.NewAppError("UNSUPPORTED_EXTENSION",
			fmt.Sprintf("unsupported or missing extension: %q", ext), common.ErrInvalidInput)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Result{}, fmt.Errorf("stat: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, common.NewAppError("NOT_A_FILE", abs+" is not a regular file", common.ErrInvalidInput)
	}
	if i.maxBytes > 0 && info.Size() > i.maxBytes {
		return Result{}, common.NewAppError("TOO_LARGE",
			fmt.Sprintf("%s is %d bytes, limit is %d", abs, info.Size(), i.maxBytes), common.ErrInvalidInput)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Result{}, fmt.Errorf("read: %w", err)
	}
	res, err := i.Ingest(ctx, Upload{Filename: filepath.Base(abs), Data: data})
	res.SourcePath = abs
	return res, err
}

// IngestDirectory walks root, skips hidden entries if requested, and calls IngestPath for
// each file with a known extension. Per-file failures are reported in the results.
func (i *Ingestor) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]Result, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, common.NewAppError("VALIDATION", "root path is required", common.ErrValidation)
	}

	var results []Result
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, Result{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, path)
		if err != nil {
			i.logger.Warn("ingest.file.failed", "path", path, "error", err)
			results = append(results, Result{SourcePath: path, Err: err.Error()})
			stats.Failed++
			return nil
		}
		results = append(results, r)
		stats.Succeeded++
		if r.Deduplicated {
			stats.Deduplicated++
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	i.logger.Info("ingest.directory.done", "root", root, "scanned", stats.Scanned, "matched", stats.Matched,
		"succeeded", stats.Succeeded, "deduplicated", stats.Deduplicated, "failed", stats.Failed)
	return results, stats, err
}
