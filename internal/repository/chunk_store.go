package repository

import (
	"context"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/models"
	"gorm.io/gorm"
)

const insertBatchSize = 100

type fileAggregate struct {
	FileRecordID uint64
	Total        int64
}

// aggregateByFile 按文件统计，expr为聚合表达式
func aggregateByFile(ctx context.Context, db *gorm.DB, model interface{}, expr string, fileIDs []uint64) (map[uint64]int64, error) {
	out := make(map[uint64]int64, len(fileIDs))
	if len(fileIDs) == 0 {
		return out, nil
	}

	var rows []fileAggregate
	err := db.WithContext(ctx).Model(model).
		Select("file_record_id, "+expr+" AS total").
		Where("file_record_id IN ?", fileIDs).
		Group("file_record_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, id := range fileIDs {
		out[id] = 0
	}
	for _, row := range rows {
		out[row.FileRecordID] = row.Total
	}
	return out, nil
}

// previewChunkStore 预览知识点存储实现
type previewChunkStore struct {
	db *gorm.DB
}

// NewPreviewChunkStore 创建预览知识点存储
func NewPreviewChunkStore(db *gorm.DB) PreviewChunkStore {
	return &previewChunkStore{db: db}
}

// ReplaceAll 删除文件下全部预览知识点后整体写入
func (s *previewChunkStore) ReplaceAll(ctx context.Context, fileID uint64, chunks []*models.PreviewChunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_record_id = ?", fileID).Delete(&models.PreviewChunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		for _, c := range chunks {
			c.FileRecordID = fileID
		}
		return tx.CreateInBatches(chunks, insertBatchSize).Error
	})
}

func (s *previewChunkStore) FindByFile(ctx context.Context, fileID uint64) ([]*models.PreviewChunk, error) {
	var chunks []*models.PreviewChunk
	err := s.db.WithContext(ctx).Where("file_record_id = ?", fileID).Order("created_at, chunk_id").Find(&chunks).Error
	return chunks, err
}

func (s *previewChunkStore) CountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error) {
	return aggregateByFile(ctx, s.db, &models.PreviewChunk{}, "COUNT(*)", fileIDs)
}

func (s *previewChunkStore) FindBlocked(ctx context.Context, fileIDs []uint64) ([]*models.PreviewChunk, error) {
	var chunks []*models.PreviewChunk
	if len(fileIDs) == 0 {
		return chunks, nil
	}
	err := s.db.WithContext(ctx).
		Where("file_record_id IN ? AND audit_suggest = ?", fileIDs, models.AuditSuggestBlock).
		Find(&chunks).Error
	return chunks, err
}

// CharCountByFile 每次都从行上SUM，不做缓存
func (s *previewChunkStore) CharCountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error) {
	return aggregateByFile(ctx, s.db, &models.PreviewChunk{}, "COALESCE(SUM(char_count), 0)", fileIDs)
}

func (s *previewChunkStore) DeleteByFile(ctx context.Context, fileID uint64) error {
	return s.db.WithContext(ctx).Where("file_record_id = ?", fileID).Delete(&models.PreviewChunk{}).Error
}

// formalChunkStore 正式知识点存储实现
type formalChunkStore struct {
	db *gorm.DB
}

// NewFormalChunkStore 创建正式知识点存储
func NewFormalChunkStore(db *gorm.DB) FormalChunkStore {
	return &formalChunkStore{db: db}
}

func (s *formalChunkStore) ReplaceAll(ctx context.Context, fileID uint64, chunks []*models.FormalChunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("file_record_id = ?", fileID).Delete(&models.FormalChunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		for _, c := range chunks {
			c.FileRecordID = fileID
		}
		return tx.CreateInBatches(chunks, insertBatchSize).Error
	})
}

func (s *formalChunkStore) Insert(ctx context.Context, chunks []*models.FormalChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(chunks, insertBatchSize).Error
}

func (s *formalChunkStore) GetByID(ctx context.Context, chunkID string) (*models.FormalChunk, error) {
	var chunk models.FormalChunk
	if err := s.db.WithContext(ctx).Where("chunk_id = ?", chunkID).First(&chunk).Error; err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (s *formalChunkStore) FindByFile(ctx context.Context, fileID uint64) ([]*models.FormalChunk, error) {
	var chunks []*models.FormalChunk
	err := s.db.WithContext(ctx).Where("file_record_id = ?", fileID).Order("created_at, chunk_id").Find(&chunks).Error
	return chunks, err
}

func (s *formalChunkStore) FindBySource(ctx context.Context, fileID uint64, source int) ([]*models.FormalChunk, error) {
	var chunks []*models.FormalChunk
	err := s.db.WithContext(ctx).
		Where("file_record_id = ? AND source = ?", fileID, source).
		Order("created_at, chunk_id").
		Find(&chunks).Error
	return chunks, err
}

func (s *formalChunkStore) CountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error) {
	return aggregateByFile(ctx, s.db, &models.FormalChunk{}, "COUNT(*)", fileIDs)
}

func (s *formalChunkStore) FindBlocked(ctx context.Context, fileIDs []uint64) ([]*models.FormalChunk, error) {
	var chunks []*models.FormalChunk
	if len(fileIDs) == 0 {
		return chunks, nil
	}
	err := s.db.WithContext(ctx).
		Where("file_record_id IN ? AND audit_suggest = ?", fileIDs, models.AuditSuggestBlock).
		Find(&chunks).Error
	return chunks, err
}

func (s *formalChunkStore) CharCountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error) {
	return aggregateByFile(ctx, s.db, &models.FormalChunk{}, "COALESCE(SUM(char_count), 0)", fileIDs)
}

func (s *formalChunkStore) Update(ctx context.Context, chunkID string, updates map[string]interface{}) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return s.db.WithContext(ctx).Model(&models.FormalChunk{}).Where("chunk_id = ?", chunkID).Updates(updates).Error
}

func (s *formalChunkStore) SetEnabled(ctx context.Context, chunkIDs []string, enabled bool) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	value := 0
	if enabled {
		value = 1
	}
	return s.db.WithContext(ctx).Model(&models.FormalChunk{}).
		Where("chunk_id IN ?", chunkIDs).
		Updates(map[string]interface{}{"enabled": value, "updated_at": time.Now()}).Error
}

// ReplaceEngineID CBG重新添加后记录引擎分配的新ID
func (s *formalChunkStore) ReplaceEngineID(ctx context.Context, chunkID, engineChunkID string) error {
	return s.db.WithContext(ctx).Model(&models.FormalChunk{}).
		Where("chunk_id = ?", chunkID).
		Updates(map[string]interface{}{"engine_chunk_id": engineChunkID, "updated_at": time.Now()}).Error
}

func (s *formalChunkStore) IncrementHits(ctx context.Context, chunkIDs []string, kind HitKind) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	column := kind.Column()
	return s.db.WithContext(ctx).Model(&models.FormalChunk{}).
		Where("chunk_id IN ?", chunkIDs).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1)).Error
}

// UpdateFileID 把指定来源的知识点挂到新的引擎文档ID下
func (s *formalChunkStore) UpdateFileID(ctx context.Context, fileID uint64, source int, engineDocID string) error {
	return s.db.WithContext(ctx).Model(&models.FormalChunk{}).
		Where("file_record_id = ? AND source = ?", fileID, source).
		Updates(map[string]interface{}{"file_id": engineDocID, "updated_at": time.Now()}).Error
}

func (s *formalChunkStore) DeleteBySource(ctx context.Context, fileID uint64, source int) error {
	return s.db.WithContext(ctx).
		Where("file_record_id = ? AND source = ?", fileID, source).
		Delete(&models.FormalChunk{}).Error
}

func (s *formalChunkStore) DeleteByFile(ctx context.Context, fileID uint64) error {
	return s.db.WithContext(ctx).Where("file_record_id = ?", fileID).Delete(&models.FormalChunk{}).Error
}
