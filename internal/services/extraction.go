package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/aihub/knowledge-pipeline/internal/engine"
	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/aihub/knowledge-pipeline/internal/repository"
	"github.com/aihub/knowledge-pipeline/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 失败原因，直接展示给运维人员
const (
	reasonSplitFailed      = "Document chunking failed, "
	reasonResultUnreadable = "Failed to get document chunking result: "
	reasonEmptyImage       = "Document cannot be chunked, no extractable text found in the image"
	reasonEmptyFormat      = "Document cannot be chunked, the file does not meet format requirements"
)

// 清扫动作
const (
	sweepApplied  = "applied"
	sweepRedriven = "redriven"
	sweepEmbedded = "embedded"
	sweepClosed   = "closed"
	sweepFailed   = "failed"
)

const sweepBatchSize = 100

// errAlreadyResolved 任务已被回调或清扫处理，当前调用放弃
var errAlreadyResolved = errors.New("extraction task already resolved")

// beginSlice 占用文件：状态置为PARSING并创建任务，二者在同一事务内
func (p *Pipeline) beginSlice(ctx context.Context, file *models.FileRecord, cfg *models.SliceConfig, triggerEmbedding bool) (*models.ExtractionTask, error) {
	if file.Status == models.FileStatusParsing {
		return nil, apperrors.NewConcurrentExtraction(file.ID)
	}
	pending, err := p.store.Tasks().FindPendingByFile(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending task: %w", err)
	}
	if pending != nil {
		return nil, apperrors.NewConcurrentExtraction(file.ID)
	}

	followUp := models.FollowUpNotFollowed
	if triggerEmbedding {
		followUp = models.FollowUpAwaitEmbed
	}
	task := &models.ExtractionTask{
		TaskID:   uuid.NewString(),
		FileID:   file.ID,
		Status:   models.TaskStatusPending,
		FollowUp: followUp,
	}

	from := file.Status
	err = p.store.Transaction(ctx, func(tx repository.Store) error {
		ok, err := p.machine.Transition(ctx, tx.Files(), file, models.FileStatusParsing, map[string]interface{}{
			"last_slice_config": cfg,
			"failure_reason":    nil,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.NewConcurrentExtraction(file.ID)
		}
		return tx.Tasks().Create(ctx, task)
	})
	if err != nil {
		file.Status = from
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperrors.NewConcurrentExtraction(file.ID)
		}
		return nil, err
	}

	file.SliceConfig = cfg
	file.FailureReason = nil
	p.machine.Notify(ctx, file, from, models.FileStatusParsing, "")
	return task, nil
}

// drive 调用引擎切分并应用结果
func (p *Pipeline) drive(ctx context.Context, file *models.FileRecord, task *models.ExtractionTask) (*SliceResult, error) {
	var split *engine.SplitResult
	err := runUnit("extract", p.metrics, func() error {
		var err error
		split, err = p.callSplit(ctx, file, task)
		return err
	})
	if err != nil {
		p.errors.Record("extract", err)
		reason := splitFailureReason(err)
		if ferr := p.failExtraction(ctx, file.ID, task.TaskID, reason); ferr != nil {
			return nil, ferr
		}
		return &SliceResult{FileID: file.ID, TaskID: task.TaskID, Status: models.FileStatusParseFailed, Reason: reason}, nil
	}

	if split.Pending {
		logger.Info("extraction accepted, waiting for callback",
			zap.Uint64("fileID", file.ID),
			zap.String("taskID", task.TaskID))
		return &SliceResult{FileID: file.ID, TaskID: task.TaskID, Success: true, Pending: true, Status: models.FileStatusParsing}, nil
	}

	docID := split.DocID
	if docID == "" {
		docID = firstDocID(split.Chunks)
	}
	return p.completeExtraction(ctx, file.ID, task.TaskID, docID, split.Chunks)
}

func (p *Pipeline) callSplit(ctx context.Context, file *models.FileRecord, task *models.ExtractionTask) (*engine.SplitResult, error) {
	client, err := p.engines.For(file.BackendKind)
	if err != nil {
		return nil, apperrors.NewEngineCallFailed(0, err.Error())
	}

	cfg := file.SliceConfig
	if cfg == nil {
		cfg = DefaultSliceConfig()
	}
	req := engine.SplitRequest{
		LengthRange: cfg.LengthRange,
		Overlap:     cfg.Overlap,
		CutOff:      cfg.Separators,
		TitleSplit:  cfg.TitleSplit,
		TaskID:      task.TaskID,
	}

	if client.RequiresUpload() {
		data, err := p.objects.Get(ctx, file.StorageKey)
		if err != nil {
			return nil, apperrors.NewEngineCallFailed(0, fmt.Sprintf("read file %s: %v", file.StorageKey, err)).WithCause(err)
		}
		return client.Upload(ctx, req, data, file.Name, mimeType(file.FileType))
	}

	url, err := p.signer.PresignedURL(ctx, file.StorageKey, p.cfg.PreviewURLExpiry)
	if err != nil {
		return nil, apperrors.NewEngineCallFailed(0, fmt.Sprintf("presign file %s: %v", file.StorageKey, err)).WithCause(err)
	}
	req.File = url
	return client.Split(ctx, req)
}

// completeExtraction 同步、回调和清扫共用的切分完成逻辑。
// 预览知识点替换与状态更新在同一事务内，崩溃后文件仍为PARSING可重试。
func (p *Pipeline) completeExtraction(ctx context.Context, fileID uint64, taskID, docID string, chunks []engine.Chunk) (*SliceResult, error) {
	file, err := p.getFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	task, err := p.store.Tasks().GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}

	result := &SliceResult{FileID: fileID, TaskID: taskID, Status: file.Status}
	if !task.IsPending() || file.Status != models.FileStatusParsing {
		logger.Info("extraction already resolved", zap.String("taskID", taskID), zap.String("status", file.Status.String()))
		result.Success = !file.Status.IsFailed()
		return result, nil
	}

	if len(chunks) == 0 {
		reason := emptyExtractionReason(file)
		if err := p.failExtraction(ctx, fileID, taskID, reason); err != nil {
			return nil, err
		}
		result.Status = models.FileStatusParseFailed
		result.Reason = reason
		return result, nil
	}

	repo, err := p.store.Repos().GetByID(ctx, file.RepositoryID)
	if err != nil {
		reason := fmt.Sprintf("%srepository %d unavailable: %v", reasonSplitFailed, file.RepositoryID, err)
		if ferr := p.failExtraction(ctx, fileID, taskID, reason); ferr != nil {
			return nil, ferr
		}
		result.Status = models.FileStatusParseFailed
		result.Reason = reason
		return result, nil
	}

	// CBG每次切分生成新文档ID，AIUI始终沿用文件UUID
	current := models.CurrentEngineDocID(file)
	if file.BackendKind != models.BackendCBG || docID == "" {
		docID = current
	}
	updates := map[string]interface{}{"failure_reason": nil}
	if docID != file.SourceID {
		updates["source_id"] = docID
		updates["prior_source_id"] = current
	}

	previews := p.buildPreviews(ctx, file, repo, docID, chunks)
	var charCount int64
	for _, pc := range previews {
		charCount += int64(pc.CharCount)
	}
	updates["char_count"] = charCount

	err = p.store.Transaction(ctx, func(tx repository.Store) error {
		if err := tx.Previews().ReplaceAll(ctx, fileID, previews); err != nil {
			return err
		}
		if task.FollowUp != models.FollowUpAwaitEmbed {
			ok, err := tx.Tasks().Resolve(ctx, taskID, models.TaskStatusDone, models.FollowUpFollowed, nil)
			if err != nil {
				return err
			}
			if !ok {
				return errAlreadyResolved
			}
		}
		ok, err := p.machine.Transition(ctx, tx.Files(), file, models.FileStatusParseSucceeded, updates)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyResolved
		}
		return nil
	})
	if errors.Is(err, errAlreadyResolved) {
		file.Status = models.FileStatusParsing
		latest, gerr := p.getFile(ctx, fileID)
		if gerr == nil {
			result.Status = latest.Status
			result.Success = !latest.Status.IsFailed()
		}
		return result, nil
	}
	if err != nil {
		file.Status = models.FileStatusParsing
		return nil, fmt.Errorf("failed to store extraction result: %w", err)
	}

	if src, ok := updates["source_id"].(string); ok {
		file.PriorSourceID = current
		file.SourceID = src
	}
	file.CharCount = charCount
	file.FailureReason = nil
	p.machine.Notify(ctx, file, models.FileStatusParsing, models.FileStatusParseSucceeded, "")

	result.Success = true
	result.Status = models.FileStatusParseSucceeded
	result.ChunkCount = len(previews)

	if task.FollowUp == models.FollowUpAwaitEmbed {
		embedResult, err := p.embed(ctx, file, task, false)
		if err != nil {
			return nil, err
		}
		result.Embed = embedResult
		result.Status = file.Status
		result.Success = embedResult.Success
		result.Reason = embedResult.Reason
	}
	return result, nil
}

// failExtraction 任务和文件同时置为失败，已被处理时静默返回
func (p *Pipeline) failExtraction(ctx context.Context, fileID uint64, taskID, reason string) error {
	logger.Warn("extraction failed",
		zap.Uint64("fileID", fileID),
		zap.String("taskID", taskID),
		zap.String("reason", reason))

	file, err := p.store.Files().GetByID(ctx, fileID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to get file %d: %w", fileID, err)
	}

	err = p.store.Transaction(ctx, func(tx repository.Store) error {
		ok, err := tx.Tasks().Resolve(ctx, taskID, models.TaskStatusFailed, models.FollowUpFollowed, &reason)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyResolved
		}
		if file == nil || file.Status != models.FileStatusParsing {
			return nil
		}
		ok, err = p.machine.Transition(ctx, tx.Files(), file, models.FileStatusParseFailed, map[string]interface{}{
			"failure_reason": reason,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyResolved
		}
		return nil
	})
	if errors.Is(err, errAlreadyResolved) {
		return nil
	}
	if err != nil {
		if file != nil {
			file.Status = models.FileStatusParsing
		}
		return fmt.Errorf("failed to record extraction failure: %w", err)
	}

	if file != nil && file.Status == models.FileStatusParseFailed {
		file.FailureReason = &reason
		p.machine.Notify(ctx, file, models.FileStatusParsing, models.FileStatusParseFailed, reason)
	}
	return nil
}

// buildPreviews 转换为预览知识点，处理引用图片和审核
func (p *Pipeline) buildPreviews(ctx context.Context, file *models.FileRecord, repo *models.Repository, docID string, chunks []engine.Chunk) []*models.PreviewChunk {
	previews := make([]*models.PreviewChunk, 0, len(chunks))
	for _, c := range chunks {
		content := models.ChunkContent{
			Content:    c.Content,
			Title:      c.Title,
			References: c.References,
			DataIndex:  c.DataIndex,
		}
		if file.BackendKind == models.BackendAIUI {
			p.storeReferenceImages(ctx, repo.CoreRepoID, docID, content.References)
		}

		// 引擎返回的chunkId只在单个文档内唯一（CBG为序号），本地主键自行生成
		pc := &models.PreviewChunk{
			ChunkID:      uuid.NewString(),
			FileRecordID: file.ID,
			FileID:       docID,
			CharCount:    content.CharCount(),
		}
		if repo.EnableAudit {
			if v := p.classify(ctx, content.Content); v != nil {
				content.AuditSuggest = v.Suggest
				content.AuditReason = v.Reason
				pc.AuditSuggest = &v.Suggest
				pc.AuditReason = &v.Reason
			}
		}
		pc.Content = content
		previews = append(previews, pc)
	}
	return previews
}

// storeReferenceImages 内嵌的base64图片上传到对象存储，引用改为对象key
func (p *Pipeline) storeReferenceImages(ctx context.Context, coreRepoID, docID string, refs map[string]models.Reference) {
	for key, ref := range refs {
		if !ref.IsImage() || ref.Content == "" {
			continue
		}
		encoded := ref.Content
		if i := strings.IndexByte(encoded, ','); i > 0 {
			encoded = encoded[i+1:]
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			logger.Warn("invalid reference image", zap.String("docID", docID), zap.String("ref", key), zap.Error(err))
			continue
		}

		objectKey := storage.ReferenceImageKey(coreRepoID, docID, key)
		if err := p.objects.Put(ctx, objectKey, data, "image/jpeg"); err != nil {
			logger.Warn("upload reference image failed", zap.String("key", objectKey), zap.Error(err))
			continue
		}
		ref.Content = ""
		ref.Link = objectKey
		refs[key] = ref
	}
}

func (p *Pipeline) downloadChunks(ctx context.Context, url string) ([]engine.Chunk, error) {
	if url == "" {
		return nil, errors.New("knowledgeUrl is empty")
	}
	if p.downloader == nil {
		return nil, errors.New("no downloader configured")
	}
	data, err := p.downloader.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	var chunks []engine.Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// reconcileTask 处理一个超时任务：文件仍在解析则查询或重新驱动，等待向量化则继续向量化
func (p *Pipeline) reconcileTask(ctx context.Context, task *models.ExtractionTask) (string, error) {
	file, err := p.store.Files().GetByID(ctx, task.FileID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		reason := "file deleted"
		if _, err := p.store.Tasks().Resolve(ctx, task.TaskID, models.TaskStatusFailed, models.FollowUpFollowed, &reason); err != nil {
			return sweepFailed, err
		}
		return sweepClosed, nil
	}
	if err != nil {
		return sweepFailed, err
	}

	switch {
	case file.Status == models.FileStatusParsing:
		client, err := p.engines.For(file.BackendKind)
		if err != nil {
			return sweepFailed, err
		}
		if !client.RequiresUpload() && p.neverEmbedded(ctx, file.ID) {
			chunks, err := client.Query(ctx, models.CurrentEngineDocID(file))
			if err != nil {
				logger.Warn("query engine document failed, re-driving", zap.String("taskID", task.TaskID), zap.Error(err))
			} else if len(chunks) > 0 {
				if _, err := p.completeExtraction(ctx, file.ID, task.TaskID, firstDocID(chunks), chunks); err != nil {
					return sweepFailed, err
				}
				return sweepApplied, nil
			}
		}

		if err := p.store.Tasks().Touch(ctx, task.TaskID); err != nil {
			return sweepFailed, err
		}
		if _, err := p.drive(ctx, file, task); err != nil {
			return sweepFailed, err
		}
		return sweepRedriven, nil

	case task.FollowUp == models.FollowUpAwaitEmbed &&
		(file.Status == models.FileStatusParseSucceeded || file.Status == models.FileStatusEmbedding):
		if err := p.store.Tasks().Touch(ctx, task.TaskID); err != nil {
			return sweepFailed, err
		}
		if _, err := p.embed(ctx, file, task, true); err != nil {
			return sweepFailed, err
		}
		return sweepEmbedded, nil

	default:
		// 文件已离开该任务对应的阶段
		status := models.TaskStatusDone
		if file.Status.IsFailed() {
			status = models.TaskStatusFailed
		}
		if _, err := p.store.Tasks().Resolve(ctx, task.TaskID, status, models.FollowUpFollowed, file.FailureReason); err != nil {
			return sweepFailed, err
		}
		return sweepClosed, nil
	}
}

// neverEmbedded 引擎文档中已有正式知识点时，查询结果不能当作切分结果
func (p *Pipeline) neverEmbedded(ctx context.Context, fileID uint64) bool {
	counts, err := p.store.Formals().CountByFile(ctx, []uint64{fileID})
	return err == nil && counts[fileID] == 0
}

func firstDocID(chunks []engine.Chunk) string {
	for _, c := range chunks {
		if c.DocID != "" {
			return c.DocID
		}
	}
	return ""
}

func emptyExtractionReason(file *models.FileRecord) string {
	if file.IsImage() {
		return reasonEmptyImage
	}
	return reasonEmptyFormat
}

func splitFailureReason(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return reasonSplitFailed + appErr.Message
	}
	return reasonSplitFailed + err.Error()
}

func mimeType(fileType string) string {
	if t := mime.TypeByExtension("." + models.NormalizeFileType(fileType)); t != "" {
		return t
	}
	return "application/octet-stream"
}
