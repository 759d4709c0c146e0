package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOStore MinIO对象存储
type MinIOStore struct {
	client *minio.Client
	bucket string
}

var (
	_ ObjectStore = (*MinIOStore)(nil)
	_ URLSigner   = (*MinIOStore)(nil)
)

// NewMinIOStore 创建MinIO客户端，不做网络调用
func NewMinIOStore(cfg config.StorageConfig, region string) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint not configured")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "knowledge"
	}

	// minio.New 不需要协议前缀
	endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIOStore{client: client, bucket: bucket}, nil
}

// EnsureBucket 确保bucket存在，MinIO可能晚于本服务启动，带重试
func (s *MinIOStore) EnsureBucket(ctx context.Context, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err == nil && exists {
			return nil
		}
		if err == nil {
			err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
			if err == nil {
				logger.Info("created minio bucket", zap.String("bucket", s.bucket))
				return nil
			}
			code := minio.ToErrorResponse(err).Code
			if code == "BucketAlreadyExists" || code == "BucketAlreadyOwnedByYou" {
				return nil
			}
		}
		lastErr = err

		if i < attempts-1 {
			wait := time.Second * time.Duration((i+1)*2)
			logger.Warn("minio bucket check failed, retrying",
				zap.Int("attempt", i+1),
				zap.Duration("wait", wait),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return fmt.Errorf("failed to ensure bucket %s: %w", s.bucket, lastErr)
}

// Put 上传对象
func (s *MinIOStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}

// Get 下载对象，不存在时返回ErrObjectNotFound
func (s *MinIOStore) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, translateError(key, err)
	}
	return data, nil
}

// Delete 删除对象，对象不存在时不报错
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(translateError(key, err), ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// PresignedURL 获取预签名下载地址
func (s *MinIOStore) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if expires <= 0 {
		expires = 30 * time.Minute
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expires, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign object %s: %w", key, err)
	}
	return u.String(), nil
}

// Name 健康检查中的组件名
func (s *MinIOStore) Name() string { return "minio" }

// Check 检查bucket是否可访问
func (s *MinIOStore) Check(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func translateError(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return err
}
