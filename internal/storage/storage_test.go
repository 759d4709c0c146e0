package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKey(t *testing.T) {
	assert.Equal(t, "repo-1/abc.pdf", FileKey("repo-1", "abc", ".pdf"))
	assert.Equal(t, "repo-1/abc.txt", FileKey("repo-1", "abc", "txt"))
	assert.Equal(t, "repo-1/abc", FileKey("repo-1", "abc", ""))
	assert.Equal(t, "repo-1/doc-9/img_0.jpg", ReferenceImageKey("repo-1", "doc-9", "img_0"))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a/b.txt", []byte("hello"), "text/plain"))
	data, err := store.Get(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, store.Delete(ctx, "a/b.txt"))
	_, err = store.Get(ctx, "a/b.txt")
	assert.True(t, errors.Is(err, ErrObjectNotFound))
}

func TestMinIOStore_PresignedURL(t *testing.T) {
	store, err := NewMinIOStore(config.StorageConfig{
		Endpoint:  "http://127.0.0.1:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "knowledge",
	}, "us-east-1")
	require.NoError(t, err)

	u, err := store.PresignedURL(context.Background(), "repo-1/abc.pdf", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://127.0.0.1:9000/knowledge/repo-1/abc.pdf?"))
	assert.Contains(t, u, "X-Amz-Signature=")
}

func TestNewMinIOStore_RequiresEndpoint(t *testing.T) {
	_, err := NewMinIOStore(config.StorageConfig{Bucket: "knowledge"}, "")
	assert.Error(t, err)
}

func TestTranslateError(t *testing.T) {
	err := translateError("k", minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404})
	assert.True(t, errors.Is(err, ErrObjectNotFound))

	other := minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}
	assert.False(t, errors.Is(translateError("k", other), ErrObjectNotFound))
}
