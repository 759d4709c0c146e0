package repository

import (
	"context"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/models"
	"gorm.io/gorm"
)

// Repository 基础仓库接口
type Repository interface {
	GetDB() *gorm.DB
}

// HitKind 命中计数类型
type HitKind int

const (
	HitKindTest HitKind = iota
	HitKindDialog
)

// Column 命中计数对应的列
func (k HitKind) Column() string {
	if k == HitKindDialog {
		return "dialog_hit_count"
	}
	return "test_hit_count"
}

// FileRepository 文件记录仓库接口
type FileRepository interface {
	Create(ctx context.Context, file *models.FileRecord) error
	GetByID(ctx context.Context, id uint64) (*models.FileRecord, error)
	ListByIDs(ctx context.Context, ids []uint64) ([]*models.FileRecord, error)
	Update(ctx context.Context, id uint64, updates map[string]interface{}) error
	// CompareAndSetStatus 仅当当前状态属于from时写入，返回是否命中
	CompareAndSetStatus(ctx context.Context, id uint64, from []models.FileStatus, to models.FileStatus, updates map[string]interface{}) (bool, error)
	Delete(ctx context.Context, id uint64) error
}

// TaskLedger 抽取任务台账接口
type TaskLedger interface {
	Create(ctx context.Context, task *models.ExtractionTask) error
	GetByTaskID(ctx context.Context, taskID string) (*models.ExtractionTask, error)
	// FindPendingByFile 没有进行中的任务时返回nil, nil
	FindPendingByFile(ctx context.Context, fileID uint64) (*models.ExtractionTask, error)
	// Resolve 条件更新 WHERE status=PENDING，只有一个调用方能成功
	Resolve(ctx context.Context, taskID string, status models.TaskStatus, followUp models.FollowUpStatus, reason *string) (bool, error)
	SetFollowUp(ctx context.Context, taskID string, followUp models.FollowUpStatus) error
	Touch(ctx context.Context, taskID string) error
	// FindStale 返回超过阈值仍未处理的任务，每个文件只取最新一条
	FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*models.ExtractionTask, error)
	DeleteByFile(ctx context.Context, fileID uint64) error
}

// PreviewChunkStore 预览知识点存储
type PreviewChunkStore interface {
	ReplaceAll(ctx context.Context, fileID uint64, chunks []*models.PreviewChunk) error
	FindByFile(ctx context.Context, fileID uint64) ([]*models.PreviewChunk, error)
	CountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error)
	FindBlocked(ctx context.Context, fileIDs []uint64) ([]*models.PreviewChunk, error)
	CharCountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error)
	DeleteByFile(ctx context.Context, fileID uint64) error
}

// FormalChunkStore 正式知识点存储
type FormalChunkStore interface {
	ReplaceAll(ctx context.Context, fileID uint64, chunks []*models.FormalChunk) error
	Insert(ctx context.Context, chunks []*models.FormalChunk) error
	GetByID(ctx context.Context, chunkID string) (*models.FormalChunk, error)
	FindByFile(ctx context.Context, fileID uint64) ([]*models.FormalChunk, error)
	FindBySource(ctx context.Context, fileID uint64, source int) ([]*models.FormalChunk, error)
	CountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error)
	FindBlocked(ctx context.Context, fileIDs []uint64) ([]*models.FormalChunk, error)
	CharCountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error)
	Update(ctx context.Context, chunkID string, updates map[string]interface{}) error
	SetEnabled(ctx context.Context, chunkIDs []string, enabled bool) error
	ReplaceEngineID(ctx context.Context, chunkID, engineChunkID string) error
	IncrementHits(ctx context.Context, chunkIDs []string, kind HitKind) error
	UpdateFileID(ctx context.Context, fileID uint64, source int, engineDocID string) error
	DeleteBySource(ctx context.Context, fileID uint64, source int) error
	DeleteByFile(ctx context.Context, fileID uint64) error
}

// RepoStore 知识库元数据（只读）
type RepoStore interface {
	GetByID(ctx context.Context, id uint64) (*models.Repository, error)
}

// Store 聚合各仓库，并提供事务边界
type Store interface {
	Files() FileRepository
	Tasks() TaskLedger
	Previews() PreviewChunkStore
	Formals() FormalChunkStore
	Repos() RepoStore
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
