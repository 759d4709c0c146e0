package services

import (
	"context"
	"fmt"

	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/kafka"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/metrics"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/aihub/knowledge-pipeline/internal/repository"
	"go.uber.org/zap"
)

// 状态转换规则
var fileTransitions = map[models.FileStatus][]models.FileStatus{
	models.FileStatusUploaded: {
		models.FileStatusParsing,
	},
	models.FileStatusParsing: {
		models.FileStatusParseSucceeded,
		models.FileStatusParseFailed,
	},
	models.FileStatusParseFailed: {
		models.FileStatusParsing,
	},
	models.FileStatusParseSucceeded: {
		models.FileStatusEmbedding,
		models.FileStatusParsing,
	},
	models.FileStatusEmbedding: {
		models.FileStatusEmbedSucceeded,
		models.FileStatusEmbedFailed,
	},
	models.FileStatusEmbedFailed: {
		models.FileStatusEmbedding,
		models.FileStatusParsing,
	},
	models.FileStatusEmbedSucceeded: {
		models.FileStatusEmbedding,
		models.FileStatusParsing,
	},
}

// EventPublisher 文件状态事件发布
type EventPublisher interface {
	PublishFileStatus(ctx context.Context, event kafka.FileStatusEvent) error
}

type noopPublisher struct{}

func (noopPublisher) PublishFileStatus(context.Context, kafka.FileStatusEvent) error { return nil }

// FileStateMachine 文件状态机
type FileStateMachine struct {
	events  EventPublisher
	metrics *metrics.Metrics
}

// NewFileStateMachine 创建文件状态机
func NewFileStateMachine(events EventPublisher, m *metrics.Metrics) *FileStateMachine {
	if events == nil {
		events = noopPublisher{}
	}
	return &FileStateMachine{events: events, metrics: m}
}

// CanTransition 检查是否可以进行状态转换
func (sm *FileStateMachine) CanTransition(from, to models.FileStatus) bool {
	for _, next := range fileTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 以条件更新执行状态转换，当前状态已被他人改变时返回false
func (sm *FileStateMachine) Transition(ctx context.Context, files repository.FileRepository, file *models.FileRecord, to models.FileStatus, updates map[string]interface{}) (bool, error) {
	from := file.Status
	if !sm.CanTransition(from, to) {
		return false, apperrors.NewBusinessError(apperrors.ErrCodeInvalidState,
			fmt.Sprintf("file %d cannot move from %s to %s", file.ID, from, to))
	}

	ok, err := files.CompareAndSetStatus(ctx, file.ID, []models.FileStatus{from}, to, updates)
	if err != nil {
		return false, fmt.Errorf("failed to update file status: %w", err)
	}
	if !ok {
		return false, nil
	}
	file.Status = to
	return true, nil
}

// Notify 在事务提交后记录转换并发布事件
func (sm *FileStateMachine) Notify(ctx context.Context, file *models.FileRecord, from, to models.FileStatus, reason string) {
	sm.metrics.FileTransition(from.String(), to.String())

	logger.Info("file status transitioned",
		zap.Uint64("fileID", file.ID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason))

	event := kafka.FileStatusEvent{
		FileID:       file.ID,
		UUID:         file.UUID,
		RepositoryID: file.RepositoryID,
		From:         from.String(),
		To:           to.String(),
		Reason:       reason,
	}
	if err := sm.events.PublishFileStatus(ctx, event); err != nil {
		// 事件只用于通知，发送失败不影响流水线
		logger.Warn("publish file status event failed", zap.Uint64("fileID", file.ID), zap.Error(err))
	}
}
