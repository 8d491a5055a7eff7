// Package storage is the object store holding original uploads.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/joseph-ayodele/docpipeline/internal/common"
)

// Store is a byte-addressable object store. Put is create-only: writing an existing
// key leaves the stored object untouched and returns its reference.
type Store interface {
	Get(ctx context.Context, ref string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// New returns the store selected by cfg.Backend.
func New(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.LocalRoot, logger)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCSBucket, logger)
	default:
		return nil, common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown storage backend %q", cfg.Backend), common.ErrInvalidInput)
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey is the content-addressed key of an upload: uploads/<hh>/<hash>/<filename>.
func ObjectKey(contentHash, filename string) string {
	name := unsafeName.ReplaceAllString(path.Base(strings.ReplaceAll(filename, "\\", "/")), "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "upload"
	}
	prefix := contentHash
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return path.Join("uploads", prefix, contentHash, name)
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	k := strings.ReplaceAll(key, "\\", "/")
	bad := k == "" || strings.HasPrefix(k, "/")
	for _, seg := range strings.Split(k, "/") {
		if seg == ".." {
			bad = true
		}
	}
	if !bad {
		k = path.Clean(k)
		bad = k == "."
	}
	if bad {
		return "", common.NewAppError("INVALID_KEY", fmt.Sprintf("invalid object key %q", key), common.ErrInvalidInput)
	}
	return k, nil
}

func notFound(ref string, cause error) error {
	if cause == nil {
		cause = common.ErrNotFound
	} else {
		cause = fmt.Errorf("%w: %w", common.ErrNotFound, cause)
	}
	return common.NewAppError("NOT_FOUND", "object "+ref+" not found", cause)
}
