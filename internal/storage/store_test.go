package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docpipeline/internal/common"
)

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestLocalPutGet(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	ref, err := s.Put(ctx, "uploads/ab/abcdef/invoice.pdf", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, "uploads/ab/abcdef/invoice.pdf", ref)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)
}

func TestLocalPutIsCreateOnly(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	ref, err := s.Put(ctx, "k/file.txt", []byte("first"))
	require.NoError(t, err)
	ref2, err := s.Put(ctx, "k/file.txt", []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	entries, err := os.ReadDir(filepath.Join(s.root, "k"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestLocalGetMissing(t *testing.T) {
	s := newLocal(t)
	_, err := s.Get(context.Background(), "nope/missing.bin")
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	s := newLocal(t)
	for _, key := range []string{"", "/etc/passwd", "../x", "a/../../x", `..\x`} {
		_, err := s.Put(context.Background(), key, []byte("x"))
		assert.ErrorIs(t, err, common.ErrInvalidInput, key)
	}
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		hash, filename, want string
	}{
		{"abcdef", "Invoice 2024.pdf", "uploads/ab/abcdef/Invoice_2024.pdf"},
		{"abcdef", `C:\Users\me\scan.png`, "uploads/ab/abcdef/scan.png"},
		{"abcdef", "../../etc/passwd", "uploads/ab/abcdef/passwd"},
		{"abcdef", "..", "uploads/ab/abcdef/upload"},
		{"a", "x.csv", "uploads/a/a/x.csv"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ObjectKey(tt.hash, tt.filename), tt.filename)
	}
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), common.StorageConfig{Backend: "s3"}, nil)
	assert.Equal(t, common.CodeConfig, common.CodeOf(err))
}
