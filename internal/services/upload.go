package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/aihub/knowledge-pipeline/internal/config"
	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/aihub/knowledge-pipeline/internal/repository"
	"github.com/aihub/knowledge-pipeline/internal/storage"
)

// 不允许上传的类型
var rejectedTypes = map[string]struct{}{
	"html": {}, "htm": {}, "svg": {},
}

// UploadRequest 上传请求
type UploadRequest struct {
	RepositoryID uint64 `validate:"required"`
	Name         string `validate:"required"`
	Data         []byte `validate:"required"`
	ContentType  string
}

// UploadService 上传校验与落库
type UploadService struct {
	store    repository.Store
	objects  storage.ObjectStore
	limits   config.UploadConfig
	validate *validator.Validate
}

// NewUploadService 创建上传服务
func NewUploadService(store repository.Store, objects storage.ObjectStore, limits config.UploadConfig) *UploadService {
	return &UploadService{
		store:    store,
		objects:  objects,
		limits:   limits,
		validate: validator.New(),
	}
}

// Upload 校验后写入对象存储，并创建UPLOADED状态的文件记录
func (s *UploadService) Upload(ctx context.Context, req UploadRequest) (*models.FileRecord, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid upload request: %v", err))
	}

	repo, err := s.store.Repos().GetByID(ctx, req.RepositoryID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("repository %d", req.RepositoryID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %d: %w", req.RepositoryID, err)
	}

	fileType := models.NormalizeFileType(filepath.Ext(req.Name))
	if err := s.checkLimits(repo.BackendKind, fileType, req.Data); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	key := storage.FileKey(repo.CoreRepoID, id, fileType)
	if err := s.objects.Put(ctx, key, req.Data, req.ContentType); err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	record := &models.FileRecord{
		UUID:         id,
		RepositoryID: repo.ID,
		BackendKind:  repo.BackendKind,
		Name:         req.Name,
		FileType:     fileType,
		StorageKey:   key,
		SizeBytes:    int64(len(req.Data)),
		Status:       models.FileStatusUploaded,
	}
	// AIUI文档ID固定为UUID，CBG在每次切分后由引擎分配
	if repo.BackendKind == models.BackendAIUI {
		record.SourceID = id
	}
	if fileType == "txt" {
		record.CharCount = int64(utf8.RuneCount(req.Data))
	}

	if err := s.store.Files().Create(ctx, record); err != nil {
		if delErr := s.objects.Delete(ctx, key); delErr != nil {
			logger.Warn("cleanup upload failed", zap.String("key", key), zap.Error(delErr))
		}
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	logger.Info("file uploaded",
		zap.Uint64("fileID", record.ID),
		zap.String("uuid", id),
		zap.String("backend", string(repo.BackendKind)),
		zap.Int64("size", record.SizeBytes))
	return record, nil
}

func (s *UploadService) checkLimits(kind models.BackendKind, fileType string, data []byte) error {
	if _, ok := rejectedTypes[fileType]; ok {
		return apperrors.NewValidationError(fmt.Sprintf("file type %q is not supported", fileType))
	}
	size := int64(len(data))

	switch kind {
	case models.BackendCBG:
		if models.IsPictureType(fileType) {
			if size > s.limits.CBGPictureMaxBytes {
				return tooLarge(fileType, s.limits.CBGPictureMaxBytes)
			}
			return nil
		}
		if size > s.limits.CBGFileMaxBytes {
			return tooLarge(fileType, s.limits.CBGFileMaxBytes)
		}
		if fileType == "txt" && int64(utf8.RuneCount(data)) > s.limits.CBGTxtMaxChars {
			return apperrors.NewValidationError(
				fmt.Sprintf("txt file exceeds %d characters", s.limits.CBGTxtMaxChars))
		}
	case models.BackendAIUI:
		if fileType == "" {
			return apperrors.NewValidationError("file type is required")
		}
		if fileType == "txt" || fileType == "md" {
			if size > s.limits.AIUITextMaxBytes {
				return tooLarge(fileType, s.limits.AIUITextMaxBytes)
			}
			return nil
		}
		if size > s.limits.AIUIFileMaxBytes {
			return tooLarge(fileType, s.limits.AIUIFileMaxBytes)
		}
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown backend %q", kind))
	}
	return nil
}

func tooLarge(fileType string, limit int64) error {
	return apperrors.NewValidationError(fmt.Sprintf("%s file exceeds %d MB", fileType, limit>>20))
}
