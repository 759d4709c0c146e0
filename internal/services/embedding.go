package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aihub/knowledge-pipeline/internal/engine"
	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/aihub/knowledge-pipeline/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// pushOutcome 推送结果：失败的chunkId和 chunkId -> 引擎ID
type pushOutcome struct {
	failed    map[string]bool
	engineIDs map[string]string
}

// embed 进入EMBEDDING并推送。resume为true时允许从EMBEDDING继续（清扫恢复）
func (p *Pipeline) embed(ctx context.Context, file *models.FileRecord, task *models.ExtractionTask, resume bool) (*EmbedResult, error) {
	from := file.Status
	if !(resume && from == models.FileStatusEmbedding) {
		newTask := task == nil
		if newTask {
			task = &models.ExtractionTask{
				TaskID:   uuid.NewString(),
				FileID:   file.ID,
				Status:   models.TaskStatusPending,
				FollowUp: models.FollowUpAwaitEmbed,
			}
		}
		err := p.store.Transaction(ctx, func(tx repository.Store) error {
			ok, err := p.machine.Transition(ctx, tx.Files(), file, models.FileStatusEmbedding, map[string]interface{}{
				"failure_reason": nil,
			})
			if err != nil {
				return err
			}
			if !ok {
				return apperrors.NewConcurrentExtraction(file.ID)
			}
			if newTask {
				return tx.Tasks().Create(ctx, task)
			}
			return nil
		})
		if err != nil {
			file.Status = from
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil, apperrors.NewConcurrentExtraction(file.ID)
			}
			return nil, err
		}
		p.machine.Notify(ctx, file, from, models.FileStatusEmbedding, "")
	}

	var result *EmbedResult
	err := runUnit("embed", p.metrics, func() error {
		var err error
		result, err = p.pushFormal(ctx, file, task)
		return err
	})
	if err != nil {
		p.errors.Record("embed", err)
		reason := embedFailureReason(err)
		if ferr := p.failEmbedding(ctx, file, task, reason); ferr != nil {
			return nil, ferr
		}
		return &EmbedResult{Success: false, Reason: reason}, nil
	}
	return result, nil
}

// pushFormal 删除旧的自动知识点，按批推送预览知识点，成功后写入正式知识点
func (p *Pipeline) pushFormal(ctx context.Context, file *models.FileRecord, task *models.ExtractionTask) (*EmbedResult, error) {
	repo, err := p.store.Repos().GetByID(ctx, file.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("repository %d unavailable: %w", file.RepositoryID, err)
	}
	client, err := p.engines.For(file.BackendKind)
	if err != nil {
		return nil, apperrors.NewEngineCallFailed(0, err.Error())
	}

	previews, err := p.store.Previews().FindByFile(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load preview knowledge: %w", err)
	}
	if len(previews) == 0 {
		return nil, apperrors.NewBusinessError(apperrors.ErrCodeInvalidState, "no preview knowledge to embed")
	}

	docID := models.CurrentEngineDocID(file)

	oldAuto, err := p.store.Formals().FindBySource(ctx, file.ID, models.ChunkSourceAuto)
	if err != nil {
		return nil, fmt.Errorf("failed to load formal knowledge: %w", err)
	}
	p.removeFromEngine(ctx, client, oldAuto)

	formals := make([]*models.FormalChunk, 0, len(previews))
	var pushable []*models.FormalChunk
	blocked := 0
	var dataIndexes *dataIndexAllocator
	if file.BackendKind == models.BackendCBG {
		dataIndexes = newDataIndexAllocator(previews)
	}
	for _, pc := range previews {
		fc := &models.FormalChunk{
			ChunkID:      pc.ChunkID,
			FileRecordID: file.ID,
			FileID:       docID,
			Content:      pc.Content,
			CharCount:    pc.CharCount,
			AuditSuggest: pc.AuditSuggest,
			AuditReason:  pc.AuditReason,
			Source:       models.ChunkSourceAuto,
		}
		// CBG按dataIndex回填引擎ID，必须唯一
		if dataIndexes != nil {
			fc.Content.DataIndex = dataIndexes.assign(fc.Content.DataIndex)
		}
		if models.Passed(pc.AuditSuggest) {
			fc.Enabled = 1
			pushable = append(pushable, fc)
		} else {
			blocked++
		}
		formals = append(formals, fc)
	}

	outcome := p.pushChunks(ctx, client, docID, repo.CoreRepoID, pushable)
	failed := 0
	for _, fc := range pushable {
		if outcome.failed[fc.ChunkID] {
			fc.Enabled = 0
			failed++
			continue
		}
		fc.EngineChunkID = outcome.engineIDs[fc.ChunkID]
	}
	p.metrics.EmbeddedChunks(string(file.BackendKind), len(pushable)-failed, failed, blocked)

	if len(pushable) > 0 && failed == len(pushable) {
		return nil, apperrors.NewAllEmbeddingFailed(len(pushable))
	}

	err = p.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.Formals().DeleteBySource(ctx, file.ID, models.ChunkSourceAuto); err != nil {
			return err
		}
		if err := tx.Formals().Insert(ctx, formals); err != nil {
			return err
		}
		// 手动添加的知识点跟随新的文档ID
		if err := tx.Formals().UpdateFileID(ctx, file.ID, models.ChunkSourceManual, docID); err != nil {
			return err
		}
		ok, err := p.machine.Transition(ctx, tx.Files(), file, models.FileStatusEmbedSucceeded, map[string]interface{}{
			"enabled":        true,
			"failure_reason": nil,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyResolved
		}
		if task != nil {
			if _, err := tx.Tasks().Resolve(ctx, task.TaskID, models.TaskStatusDone, models.FollowUpFollowed, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		file.Status = models.FileStatusEmbedding
		return nil, fmt.Errorf("failed to store formal knowledge: %w", err)
	}

	file.Enabled = true
	file.FailureReason = nil
	p.machine.Notify(ctx, file, models.FileStatusEmbedding, models.FileStatusEmbedSucceeded, "")

	result := &EmbedResult{Success: true, FailedCount: failed}
	if failed > 0 {
		result.Reason = fmt.Sprintf("%d of %d knowledge chunks failed to embed", failed, len(pushable))
		logger.Warn("partial embedding failure",
			zap.Uint64("fileID", file.ID),
			zap.String("code", string(apperrors.ErrCodePartialEmbedding)),
			zap.Int("failed", failed),
			zap.Int("total", len(pushable)))
	}
	return result, nil
}

// failEmbedding 文件置为EMBED_FAILED并结束任务
func (p *Pipeline) failEmbedding(ctx context.Context, file *models.FileRecord, task *models.ExtractionTask, reason string) error {
	logger.Warn("embedding failed", zap.Uint64("fileID", file.ID), zap.String("reason", reason))

	err := p.store.Transaction(ctx, func(tx repository.Store) error {
		ok, err := p.machine.Transition(ctx, tx.Files(), file, models.FileStatusEmbedFailed, map[string]interface{}{
			"failure_reason": reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyResolved
		}
		if task != nil {
			if _, err := tx.Tasks().Resolve(ctx, task.TaskID, models.TaskStatusFailed, models.FollowUpFollowed, &reason); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errAlreadyResolved) {
		return nil
	}
	if err != nil {
		file.Status = models.FileStatusEmbedding
		return fmt.Errorf("failed to record embedding failure: %w", err)
	}

	file.FailureReason = &reason
	p.machine.Notify(ctx, file, models.FileStatusEmbedding, models.FileStatusEmbedFailed, reason)
	return nil
}

// pushChunks AIUI按批顺序推送，CBG按批并发推送
func (p *Pipeline) pushChunks(ctx context.Context, client engine.Client, docID, group string, chunks []*models.FormalChunk) *pushOutcome {
	outcome := &pushOutcome{failed: map[string]bool{}, engineIDs: map[string]string{}}
	batches := splitBatches(chunks, p.cfg.SaveBatchSize)

	if client.Kind() != models.BackendCBG {
		for _, batch := range batches {
			res, err := client.SaveChunks(ctx, docID, group, toEngineChunks(batch, docID, client.Kind()))
			if err != nil {
				logger.Error("save knowledge batch failed", zap.String("docID", docID), zap.Int("size", len(batch)), zap.Error(err))
				for _, fc := range batch {
					outcome.failed[fc.ChunkID] = true
				}
				continue
			}
			failedIDs := make(map[string]bool, len(res.FailedIDs))
			for _, id := range res.FailedIDs {
				failedIDs[id] = true
			}
			for _, fc := range batch {
				if failedIDs[fc.ChunkID] {
					outcome.failed[fc.ChunkID] = true
				} else {
					outcome.engineIDs[fc.ChunkID] = fc.ChunkID
				}
			}
		}
		return outcome
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.CBGPushWorkers)
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			res, err := client.SaveChunks(gctx, docID, group, toEngineChunks(batch, docID, client.Kind()))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Error("save knowledge batch failed", zap.String("docID", docID), zap.Int("size", len(batch)), zap.Error(err))
			}
			for _, fc := range batch {
				var id string
				if res != nil {
					id = res.EngineIDs[fc.Content.DataIndex]
				}
				if id == "" {
					outcome.failed[fc.ChunkID] = true
					continue
				}
				outcome.engineIDs[fc.ChunkID] = id
			}
			// 单批失败不取消其他批次
			return nil
		})
	}
	_ = g.Wait()
	return outcome
}

// removeFromEngine 从引擎删除已启用的知识点，成功的在本地标记为禁用
func (p *Pipeline) removeFromEngine(ctx context.Context, client engine.Client, chunks []*models.FormalChunk) {
	byDoc := map[string][]string{}
	local := map[string][]string{}
	for _, fc := range chunks {
		if !fc.IsEnabled() {
			continue
		}
		byDoc[fc.FileID] = append(byDoc[fc.FileID], engineChunkID(fc))
		local[fc.FileID] = append(local[fc.FileID], fc.ChunkID)
	}

	for docID, ids := range byDoc {
		if err := client.DeleteChunksOrDoc(ctx, docID, ids); err != nil {
			logger.Warn("delete old knowledge failed", zap.String("docID", docID), zap.Int("count", len(ids)), zap.Error(err))
			continue
		}
		if err := p.store.Formals().SetEnabled(ctx, local[docID], false); err != nil {
			logger.Warn("disable old knowledge failed", zap.String("docID", docID), zap.Error(err))
		}
	}
}

func toEngineChunks(chunks []*models.FormalChunk, docID string, kind models.BackendKind) []engine.Chunk {
	out := make([]engine.Chunk, 0, len(chunks))
	for _, fc := range chunks {
		c := engine.Chunk{
			DocID:      docID,
			Content:    fc.Content.Content,
			Title:      fc.Content.Title,
			References: fc.Content.References,
			DataIndex:  fc.Content.DataIndex,
		}
		if kind != models.BackendCBG {
			c.ChunkID = fc.ChunkID
		}
		out = append(out, c)
	}
	return out
}

// dataIndexAllocator 为CBG知识点分配文档内唯一的dataIndex。
// 引擎给出的值优先保留，缺失或重复的从未被占用的序号中补齐。
type dataIndexAllocator struct {
	supplied map[string]bool
	used     map[string]bool
	next     int
}

func newDataIndexAllocator(previews []*models.PreviewChunk) *dataIndexAllocator {
	a := &dataIndexAllocator{supplied: map[string]bool{}, used: map[string]bool{}}
	for _, pc := range previews {
		if pc.Content.DataIndex != "" {
			a.supplied[pc.Content.DataIndex] = true
		}
	}
	return a
}

func (a *dataIndexAllocator) assign(index string) string {
	if index != "" && !a.used[index] {
		a.used[index] = true
		return index
	}
	for {
		candidate := strconv.Itoa(a.next)
		a.next++
		if !a.supplied[candidate] && !a.used[candidate] {
			a.used[candidate] = true
			return candidate
		}
	}
}

func splitBatches(chunks []*models.FormalChunk, size int) [][]*models.FormalChunk {
	var batches [][]*models.FormalChunk
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, chunks[start:end])
	}
	return batches
}

// engineChunkID 引擎侧的知识点ID，AIUI与本地ID相同
func engineChunkID(fc *models.FormalChunk) string {
	if fc.EngineChunkID != "" {
		return fc.EngineChunkID
	}
	return fc.ChunkID
}

func embedFailureReason(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return "Knowledge embedding failed, " + appErr.Message
	}
	return "Knowledge embedding failed, " + err.Error()
}
