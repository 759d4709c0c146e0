package repository

import (
	"context"
	"errors"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/models"
	"gorm.io/gorm"
)

// taskLedger 抽取任务台账实现
type taskLedger struct {
	db *gorm.DB
}

// NewTaskLedger 创建抽取任务台账
func NewTaskLedger(db *gorm.DB) TaskLedger {
	return &taskLedger{db: db}
}

// GetDB 获取数据库连接
func (r *taskLedger) GetDB() *gorm.DB {
	return r.db
}

// Create 创建任务
func (r *taskLedger) Create(ctx context.Context, task *models.ExtractionTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

// GetByTaskID 根据任务ID获取任务
func (r *taskLedger) GetByTaskID(ctx context.Context, taskID string) (*models.ExtractionTask, error) {
	var task models.ExtractionTask
	if err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// FindPendingByFile 获取文件当前进行中的任务
func (r *taskLedger) FindPendingByFile(ctx context.Context, fileID uint64) (*models.ExtractionTask, error) {
	var task models.ExtractionTask
	err := r.db.WithContext(ctx).
		Where("file_id = ? AND status = ?", fileID, models.TaskStatusPending).
		Order("created_at DESC").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Resolve 结束任务
func (r *taskLedger) Resolve(ctx context.Context, taskID string, status models.TaskStatus, followUp models.FollowUpStatus, reason *string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ExtractionTask{}).
		Where("task_id = ? AND status = ?", taskID, models.TaskStatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"task_status": followUp,
			"reason":      reason,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SetFollowUp 更新跟进状态
func (r *taskLedger) SetFollowUp(ctx context.Context, taskID string, followUp models.FollowUpStatus) error {
	return r.db.WithContext(ctx).Model(&models.ExtractionTask{}).
		Where("task_id = ?", taskID).
		Updates(map[string]interface{}{
			"task_status": followUp,
			"updated_at":  time.Now(),
		}).Error
}

// Touch 刷新更新时间，避免巡检重复拾取刚重新下发的任务
func (r *taskLedger) Touch(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Model(&models.ExtractionTask{}).
		Where("task_id = ?", taskID).
		Update("updated_at", time.Now()).Error
}

// FindStale 查询超时未处理的任务
func (r *taskLedger) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*models.ExtractionTask, error) {
	if limit <= 0 {
		limit = 100
	}
	var tasks []*models.ExtractionTask
	err := r.db.WithContext(ctx).Raw(
		`SELECT DISTINCT ON (file_id) * FROM extraction_tasks
		WHERE status = ? AND task_status IN ? AND updated_at < ?
		ORDER BY file_id, created_at DESC LIMIT ?`,
		models.TaskStatusPending,
		[]models.FollowUpStatus{models.FollowUpNotFollowed, models.FollowUpAwaitEmbed},
		olderThan,
		limit,
	).Scan(&tasks).Error
	return tasks, err
}

// DeleteByFile 删除文件的所有任务
func (r *taskLedger) DeleteByFile(ctx context.Context, fileID uint64) error {
	return r.db.WithContext(ctx).Where("file_id = ?", fileID).Delete(&models.ExtractionTask{}).Error
}
