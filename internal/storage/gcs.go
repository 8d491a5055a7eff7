package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore keeps objects in one bucket. References have the form gs://bucket/key.
type GCSStore struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

func NewGCSStore(ctx context.Context, bucket string, logger *slog.Logger) (*GCSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is empty")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, logger: logger}, nil
}

func (s *GCSStore) Close() error { return s.client.Close() }

// objectName accepts a full gs:// reference into this bucket or a bare key.
func (s *GCSStore) objectName(ref string) (string, error) {
	if rest, ok := strings.CutPrefix(ref, "gs://"); ok {
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket != s.bucket {
			return "", fmt.Errorf("reference %s is outside bucket %s", ref, s.bucket)
		}
		ref = key
	}
	return cleanKey(ref)
}

func (s *GCSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	name, err := s.objectName(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(ref, err)
	}
	if err != nil {
		return nil, fmt.Errorf("open gcs object %s: %w", ref, err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gcs object %s: %w", ref, err)
	}
	return b, nil
}

// Put writes the object only if it does not exist yet; an existing object is not an error.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	name, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	ref := "gs://" + s.bucket + "/" + name
	w := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			s.logger.Debug("storage.put.exists", "ref", ref)
			return ref, nil
		}
		return "", fmt.Errorf("write gcs object %s: %w", ref, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			s.logger.Debug("storage.put.exists", "ref", ref)
			return ref, nil
		}
		return "", fmt.Errorf("finalize gcs object %s: %w", ref, err)
	}
	s.logger.Info("storage.put.ok", "ref", ref, "bytes", len(data))
	return ref, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
