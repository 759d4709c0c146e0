package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrObjectNotFound 对象不存在
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore 按key存取原始文件字节
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// URLSigner 生成给知识引擎拉取文件用的临时地址
type URLSigner interface {
	PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// FileKey 上传文件的对象key：<coreRepoID>/<uuid>.<ext>
func FileKey(coreRepoID, uuid, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return path.Join(coreRepoID, uuid)
	}
	return path.Join(coreRepoID, fmt.Sprintf("%s.%s", uuid, ext))
}

// ReferenceImageKey 知识点引用图片的对象key：<coreRepoID>/<docID>/<refKey>.jpg
func ReferenceImageKey(coreRepoID, docID, refKey string) string {
	return path.Join(coreRepoID, docID, refKey+".jpg")
}
