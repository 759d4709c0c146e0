package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aihub/knowledge-pipeline/internal/audit"
	"github.com/aihub/knowledge-pipeline/internal/engine"
	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/aihub/knowledge-pipeline/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FileIndexingStatus 文件索引状态
type FileIndexingStatus struct {
	FileID         uint64 `json:"file_id"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
	Enabled        bool   `json:"enabled"`
	PreviewCount   int64  `json:"preview_count"`
	KnowledgeCount int64  `json:"knowledge_count"`
	CharCount      int64  `json:"char_count"`
}

func (p *Pipeline) getChunk(ctx context.Context, chunkID string) (*models.FormalChunk, error) {
	chunk, err := p.store.Formals().GetByID(ctx, chunkID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("knowledge %s", chunkID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge %s: %w", chunkID, err)
	}
	return chunk, nil
}

// EnableKnowledge 启用或禁用单个知识点，返回稳定的知识点ID。
// 被审核拦截的知识点启用时直接返回成功，不做任何变更。
func (p *Pipeline) EnableKnowledge(ctx context.Context, chunkID string, enabled bool) (string, error) {
	chunk, err := p.getChunk(ctx, chunkID)
	if err != nil {
		return "", err
	}
	if chunk.IsEnabled() == enabled {
		return chunkID, nil
	}
	if enabled && chunk.Blocked() {
		logger.Info("blocked knowledge not enabled", zap.String("chunkID", chunkID))
		return chunkID, nil
	}

	file, repo, client, err := p.resolve(ctx, chunk.FileRecordID)
	if err != nil {
		return "", err
	}
	docID := models.CurrentEngineDocID(file)

	if !enabled {
		if err := client.DeleteChunksOrDoc(ctx, docID, []string{engineChunkID(chunk)}); err != nil {
			return "", err
		}
		if err := p.store.Formals().SetEnabled(ctx, []string{chunkID}, false); err != nil {
			return "", fmt.Errorf("failed to disable knowledge: %w", err)
		}
		return chunkID, nil
	}

	// CBG不支持按知识点切换状态，启用即重新添加
	engineID, err := p.addChunk(ctx, client, docID, repo.CoreRepoID, chunk)
	if err != nil {
		return "", err
	}
	err = p.store.Transaction(ctx, func(tx repository.Store) error {
		if engineID != chunk.EngineChunkID {
			if err := tx.Formals().ReplaceEngineID(ctx, chunkID, engineID); err != nil {
				return err
			}
		}
		return tx.Formals().SetEnabled(ctx, []string{chunkID}, true)
	})
	if err != nil {
		return "", fmt.Errorf("failed to enable knowledge: %w", err)
	}
	return chunkID, nil
}

// addChunk 推送单个知识点，返回引擎侧ID
func (p *Pipeline) addChunk(ctx context.Context, client engine.Client, docID, group string, chunk *models.FormalChunk) (string, error) {
	if client.Kind() == models.BackendCBG && chunk.Content.DataIndex == "" {
		chunk.Content.DataIndex = "0"
	}
	res, err := client.SaveChunks(ctx, docID, group, toEngineChunks([]*models.FormalChunk{chunk}, docID, client.Kind()))
	if err != nil {
		return "", err
	}

	if client.Kind() == models.BackendCBG {
		id := res.EngineIDs[chunk.Content.DataIndex]
		if id == "" {
			return "", apperrors.NewEngineCallFailed(0, fmt.Sprintf("knowledge engine returned no id for %s", chunk.ChunkID))
		}
		return id, nil
	}
	for _, id := range res.FailedIDs {
		if id == chunk.ChunkID {
			return "", apperrors.NewEngineCallFailed(0, fmt.Sprintf("knowledge engine rejected %s", chunk.ChunkID))
		}
	}
	return chunk.ChunkID, nil
}

// EnableDoc 启用或禁用整个文件的知识点
func (p *Pipeline) EnableDoc(ctx context.Context, fileID uint64, enabled bool) error {
	file, repo, client, err := p.resolve(ctx, fileID)
	if err != nil {
		return err
	}
	chunks, err := p.store.Formals().FindByFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("failed to load knowledge: %w", err)
	}
	docID := models.CurrentEngineDocID(file)

	switch {
	case client.Kind() == models.BackendCBG:
		for _, c := range chunks {
			if c.IsEnabled() == enabled {
				continue
			}
			if _, err := p.EnableKnowledge(ctx, c.ChunkID, enabled); err != nil {
				logger.Warn("toggle knowledge failed", zap.String("chunkID", c.ChunkID), zap.Bool("enabled", enabled), zap.Error(err))
			}
		}

	case enabled:
		var toAdd []*models.FormalChunk
		for _, c := range chunks {
			if !c.IsEnabled() && !c.Blocked() {
				toAdd = append(toAdd, c)
			}
		}
		outcome := p.pushChunks(ctx, client, docID, repo.CoreRepoID, toAdd)
		var ok []string
		for _, c := range toAdd {
			if !outcome.failed[c.ChunkID] {
				ok = append(ok, c.ChunkID)
			}
		}
		if err := p.store.Formals().SetEnabled(ctx, ok, true); err != nil {
			return fmt.Errorf("failed to enable knowledge: %w", err)
		}
		if failed := len(toAdd) - len(ok); failed > 0 {
			logger.Warn("some knowledge stayed disabled", zap.Uint64("fileID", fileID), zap.Int("failed", failed))
		}

	default:
		if err := client.DeleteChunksOrDoc(ctx, docID, nil); err != nil {
			return err
		}
		var ids []string
		for _, c := range chunks {
			if c.IsEnabled() {
				ids = append(ids, c.ChunkID)
			}
		}
		if err := p.store.Formals().SetEnabled(ctx, ids, false); err != nil {
			return fmt.Errorf("failed to disable knowledge: %w", err)
		}
	}

	return p.store.Files().Update(ctx, fileID, map[string]interface{}{"enabled": enabled})
}

// DeleteDoc 删除文件：引擎、预览、正式知识点、任务、对象，最后删除记录
func (p *Pipeline) DeleteDoc(ctx context.Context, fileIDs []uint64) error {
	var errs []error
	for _, id := range fileIDs {
		if err := p.deleteOne(ctx, id); err != nil {
			p.errors.Record("delete", err)
			errs = append(errs, fmt.Errorf("file %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) deleteOne(ctx context.Context, fileID uint64) error {
	file, err := p.store.Files().GetByID(ctx, fileID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get file: %w", err)
	}
	client, err := p.engines.For(file.BackendKind)
	if err != nil {
		return apperrors.NewBusinessError(apperrors.ErrCodeInvalidState, err.Error())
	}

	chunks, err := p.store.Formals().FindByFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("failed to load knowledge: %w", err)
	}

	if client.Kind() == models.BackendCBG {
		// CBG只能按知识点ID删除，没有知识点时不调用引擎
		byDoc := map[string][]string{}
		for _, c := range chunks {
			if c.IsEnabled() {
				byDoc[c.FileID] = append(byDoc[c.FileID], engineChunkID(c))
			}
		}
		for docID, ids := range byDoc {
			if err := client.DeleteChunksOrDoc(ctx, docID, ids); err != nil {
				return err
			}
		}
	} else if err := client.DeleteChunksOrDoc(ctx, models.CurrentEngineDocID(file), nil); err != nil {
		return err
	}

	err = p.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.Previews().DeleteByFile(ctx, fileID); err != nil {
			return err
		}
		if err := tx.Formals().DeleteByFile(ctx, fileID); err != nil {
			return err
		}
		if err := tx.Tasks().DeleteByFile(ctx, fileID); err != nil {
			return err
		}
		return tx.Files().Delete(ctx, fileID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete file records: %w", err)
	}

	if file.StorageKey != "" {
		if err := p.objects.Delete(ctx, file.StorageKey); err != nil {
			logger.Warn("delete object failed", zap.String("key", file.StorageKey), zap.Error(err))
		}
	}
	logger.Info("file deleted", zap.Uint64("fileID", fileID), zap.String("uuid", file.UUID))
	return nil
}

// CreateKnowledge 手动添加知识点，审核拦截的只保存不推送
func (p *Pipeline) CreateKnowledge(ctx context.Context, fileID uint64, content string) (*models.FormalChunk, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.NewValidationError("knowledge content is empty")
	}

	file, repo, client, err := p.resolve(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.Status != models.FileStatusEmbedSucceeded {
		return nil, apperrors.NewBusinessError(apperrors.ErrCodeInvalidState,
			fmt.Sprintf("file %d is %s, knowledge can only be added after embedding", fileID, file.Status))
	}

	docID := models.CurrentEngineDocID(file)
	chunk := &models.FormalChunk{
		ChunkID:      uuid.NewString(),
		FileRecordID: file.ID,
		FileID:       docID,
		Content:      models.ChunkContent{Content: content},
		Source:       models.ChunkSourceManual,
	}
	chunk.CharCount = chunk.Content.CharCount()

	if repo.EnableAudit {
		applyVerdict(chunk, p.classify(ctx, content))
	}

	if !chunk.Blocked() {
		engineID, err := p.addChunk(ctx, client, docID, repo.CoreRepoID, chunk)
		if err != nil {
			return nil, err
		}
		chunk.EngineChunkID = engineID
		chunk.Enabled = 1
	}

	if err := p.store.Formals().Insert(ctx, []*models.FormalChunk{chunk}); err != nil {
		return nil, fmt.Errorf("failed to save knowledge: %w", err)
	}
	return chunk, nil
}

// UpdateKnowledge 修改知识点内容并重新审核，被拦截的从引擎移除
func (p *Pipeline) UpdateKnowledge(ctx context.Context, chunkID, content string) (*models.FormalChunk, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.NewValidationError("knowledge content is empty")
	}

	chunk, err := p.getChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	file, repo, client, err := p.resolve(ctx, chunk.FileRecordID)
	if err != nil {
		return nil, err
	}
	docID := models.CurrentEngineDocID(file)

	wasEnabled := chunk.IsEnabled()
	chunk.Content.Content = content
	chunk.CharCount = chunk.Content.CharCount()
	chunk.AuditSuggest, chunk.AuditReason = nil, nil
	chunk.Content.AuditSuggest, chunk.Content.AuditReason = "", ""
	if repo.EnableAudit {
		applyVerdict(chunk, p.classify(ctx, content))
	}

	switch {
	case wasEnabled && chunk.Blocked():
		if err := client.DeleteChunksOrDoc(ctx, docID, []string{engineChunkID(chunk)}); err != nil {
			return nil, err
		}
		chunk.Enabled = 0

	case wasEnabled && client.Kind() == models.BackendCBG:
		if err := client.DeleteChunksOrDoc(ctx, docID, []string{engineChunkID(chunk)}); err != nil {
			return nil, err
		}
		engineID, err := p.addChunk(ctx, client, docID, repo.CoreRepoID, chunk)
		if err != nil {
			chunk.Enabled = 0
			logger.Warn("re-add knowledge failed", zap.String("chunkID", chunkID), zap.Error(err))
		} else {
			chunk.EngineChunkID = engineID
		}

	case wasEnabled:
		failed, err := client.UpdateChunks(ctx, docID, repo.CoreRepoID, toEngineChunks([]*models.FormalChunk{chunk}, docID, client.Kind()))
		if err != nil {
			return nil, err
		}
		if len(failed) > 0 {
			return nil, apperrors.NewEngineCallFailed(0, fmt.Sprintf("knowledge engine rejected update of %s", chunkID))
		}
	}

	err = p.store.Formals().Update(ctx, chunkID, map[string]interface{}{
		"content":         chunk.Content,
		"char_count":      chunk.CharCount,
		"audit_suggest":   chunk.AuditSuggest,
		"audit_reason":    chunk.AuditReason,
		"enabled":         chunk.Enabled,
		"engine_chunk_id": chunk.EngineChunkID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update knowledge: %w", err)
	}
	return chunk, nil
}

// IncrementHits 记录检索命中
func (p *Pipeline) IncrementHits(ctx context.Context, chunkIDs []string, kind repository.HitKind) error {
	return p.store.Formals().IncrementHits(ctx, chunkIDs, kind)
}

// IndexingStatus 文件状态、知识点数量和字符数，字符数每次由SQL汇总
func (p *Pipeline) IndexingStatus(ctx context.Context, fileIDs []uint64) ([]*FileIndexingStatus, error) {
	files, err := p.store.Files().ListByIDs(ctx, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	previews, err := p.store.Previews().CountByFile(ctx, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to count preview knowledge: %w", err)
	}
	counts, err := p.store.Formals().CountByFile(ctx, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to count knowledge: %w", err)
	}
	chars, err := p.store.Formals().CharCountByFile(ctx, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to sum knowledge chars: %w", err)
	}

	out := make([]*FileIndexingStatus, 0, len(files))
	for _, f := range files {
		st := &FileIndexingStatus{
			FileID:         f.ID,
			Status:         f.Status.String(),
			Enabled:        f.Enabled,
			PreviewCount:   previews[f.ID],
			KnowledgeCount: counts[f.ID],
			CharCount:      chars[f.ID],
		}
		if f.FailureReason != nil {
			st.Reason = *f.FailureReason
		}
		out = append(out, st)
	}
	return out, nil
}

// classify 审核失败时不阻塞流水线，知识点按未审核处理
func (p *Pipeline) classify(ctx context.Context, text string) *audit.Verdict {
	v, err := p.auditor.Classify(ctx, text)
	if err != nil {
		logger.Warn("audit failed, leaving chunk unaudited", zap.Error(err))
		return nil
	}
	return v
}

func applyVerdict(chunk *models.FormalChunk, v *audit.Verdict) {
	if v == nil {
		return
	}
	suggest, reason := v.Suggest, v.Reason
	chunk.AuditSuggest = &suggest
	chunk.AuditReason = &reason
	chunk.Content.AuditSuggest = suggest
	chunk.Content.AuditReason = reason
}
