package repository

import (
	"context"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/models"
	"gorm.io/gorm"
)

// fileRepository 文件记录仓库实现
type fileRepository struct {
	db *gorm.DB
}

// NewFileRepository 创建文件记录仓库
func NewFileRepository(db *gorm.DB) FileRepository {
	return &fileRepository{db: db}
}

// GetDB 获取数据库连接
func (r *fileRepository) GetDB() *gorm.DB {
	return r.db
}

// Create 创建文件记录
func (r *fileRepository) Create(ctx context.Context, file *models.FileRecord) error {
	return r.db.WithContext(ctx).Create(file).Error
}

// GetByID 根据ID获取文件记录，不存在时返回gorm.ErrRecordNotFound
func (r *fileRepository) GetByID(ctx context.Context, id uint64) (*models.FileRecord, error) {
	var file models.FileRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&file).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

// ListByIDs 批量获取文件记录
func (r *fileRepository) ListByIDs(ctx context.Context, ids []uint64) ([]*models.FileRecord, error) {
	var files []*models.FileRecord
	if len(ids) == 0 {
		return files, nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id").Find(&files).Error
	return files, err
}

// Update 更新文件记录
func (r *fileRepository) Update(ctx context.Context, id uint64, updates map[string]interface{}) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.db.WithContext(ctx).Model(&models.FileRecord{}).Where("id = ?", id).Updates(updates).Error
}

// CompareAndSetStatus 条件更新状态
func (r *fileRepository) CompareAndSetStatus(ctx context.Context, id uint64, from []models.FileStatus, to models.FileStatus, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{}
	for k, v := range updates {
		values[k] = v
	}
	values["status"] = to
	values["updated_at"] = time.Now()

	result := r.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(values)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Delete 删除文件记录
func (r *fileRepository) Delete(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.FileRecord{}).Error
}
