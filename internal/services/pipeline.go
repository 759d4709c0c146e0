package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/audit"
	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/engine"
	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/metrics"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/aihub/knowledge-pipeline/internal/repository"
	"github.com/aihub/knowledge-pipeline/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Downloader 下载引擎回调中的结果文件
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// SliceResult 单个文件的切分结果
type SliceResult struct {
	FileID     uint64            `json:"file_id"`
	TaskID     string            `json:"task_id,omitempty"`
	Success    bool              `json:"success"`
	Pending    bool              `json:"pending,omitempty"`
	Skipped    bool              `json:"skipped,omitempty"`
	Status     models.FileStatus `json:"status"`
	ChunkCount int               `json:"chunk_count,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Embed      *EmbedResult      `json:"embed,omitempty"`
}

// BatchResult 批量操作结果，单个文件失败不影响其他文件
type BatchResult struct {
	Success bool           `json:"success"`
	Files   []*SliceResult `json:"files"`
}

// EmbedResult 向量化结果
type EmbedResult struct {
	Success     bool   `json:"success"`
	FailedCount int    `json:"failed_count"`
	Reason      string `json:"reason,omitempty"`
}

// ReconcileResult 一次清扫的统计
type ReconcileResult struct {
	Scanned  int `json:"scanned"`
	Applied  int `json:"applied"`
	Redriven int `json:"redriven"`
	Embedded int `json:"embedded"`
	Closed   int `json:"closed"`
	Failed   int `json:"failed"`
}

// Deps 流水线依赖
type Deps struct {
	Store      repository.Store
	Engines    *engine.Registry
	Objects    storage.ObjectStore
	Signer     storage.URLSigner
	Downloader Downloader
	Auditor    audit.Auditor
	Events     EventPublisher
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
	Errors     *apperrors.ErrorMonitor
}

// Pipeline 文件到知识的切分与向量化流水线
type Pipeline struct {
	store      repository.Store
	engines    *engine.Registry
	objects    storage.ObjectStore
	signer     storage.URLSigner
	downloader Downloader
	auditor    audit.Auditor
	machine    *FileStateMachine
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	errors     *apperrors.ErrorMonitor
	cfg        config.PipelineConfig
	now        func() time.Time
}

// NewPipeline 创建流水线
func NewPipeline(deps Deps, cfg config.PipelineConfig) *Pipeline {
	if cfg.SaveBatchSize <= 0 {
		cfg.SaveBatchSize = 200
	}
	if cfg.CBGPushWorkers <= 0 {
		cfg.CBGPushWorkers = 3
	}
	if cfg.SweepStaleness <= 0 {
		cfg.SweepStaleness = 10 * time.Minute
	}
	if cfg.PreviewURLExpiry <= 0 {
		cfg.PreviewURLExpiry = time.Hour
	}

	auditor := deps.Auditor
	if auditor == nil {
		auditor = audit.NoopAuditor{}
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = InlineDispatcher{}
	}

	return &Pipeline{
		store:      deps.Store,
		engines:    deps.Engines,
		objects:    deps.Objects,
		signer:     deps.Signer,
		downloader: deps.Downloader,
		auditor:    auditor,
		machine:    NewFileStateMachine(deps.Events, deps.Metrics),
		dispatcher: dispatcher,
		metrics:    deps.Metrics,
		errors:     deps.Errors,
		cfg:        cfg,
		now:        time.Now,
	}
}

func (p *Pipeline) getFile(ctx context.Context, fileID uint64) (*models.FileRecord, error) {
	file, err := p.store.Files().GetByID(ctx, fileID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("file %d", fileID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file %d: %w", fileID, err)
	}
	return file, nil
}

// resolve 读取文件、所属知识库和对应协议的引擎客户端
func (p *Pipeline) resolve(ctx context.Context, fileID uint64) (*models.FileRecord, *models.Repository, engine.Client, error) {
	file, err := p.getFile(ctx, fileID)
	if err != nil {
		return nil, nil, nil, err
	}
	repo, err := p.store.Repos().GetByID(ctx, file.RepositoryID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil, apperrors.NewNotFoundError(fmt.Sprintf("repository %d", file.RepositoryID))
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to get repository %d: %w", file.RepositoryID, err)
	}
	client, err := p.engines.For(file.BackendKind)
	if err != nil {
		return nil, nil, nil, apperrors.NewBusinessError(apperrors.ErrCodeInvalidState, err.Error())
	}
	return file, repo, client, nil
}

// SliceOne 切分单个文件。引擎失败记录在结果中，只有同步拒绝才返回error
func (p *Pipeline) SliceOne(ctx context.Context, fileID uint64, cfg *models.SliceConfig, triggerEmbedding bool) (*SliceResult, error) {
	file, err := p.getFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	sliceCfg, err := normalizeSliceConfig(file.BackendKind, cfg, file.SliceConfig)
	if err != nil {
		return nil, err
	}

	task, err := p.beginSlice(ctx, file, sliceCfg, triggerEmbedding)
	if err != nil {
		return nil, err
	}

	result, err := p.drive(ctx, file, task)
	if err != nil {
		p.errors.Record("slice", err)
		return nil, err
	}
	return result, nil
}

// SliceMany 批量切分，每个文件一个执行单元
func (p *Pipeline) SliceMany(ctx context.Context, fileIDs []uint64, cfg *models.SliceConfig) (*BatchResult, error) {
	if len(fileIDs) == 0 {
		return nil, apperrors.NewValidationError("fileIds is empty")
	}

	results := make([]*SliceResult, len(fileIDs))
	fanOut(p.dispatcher, "slice", fileIDs, func(i int, fileID uint64) {
		res, err := p.SliceOne(ctx, fileID, cfg, false)
		if err != nil {
			res = &SliceResult{FileID: fileID, Reason: err.Error()}
		}
		results[i] = res
	})
	return newBatchResult(results), nil
}

// Retry 解析失败的重新切分，向量化失败的重新向量化，其他状态跳过
func (p *Pipeline) Retry(ctx context.Context, fileIDs []uint64, cfg *models.SliceConfig) (*BatchResult, error) {
	results := make([]*SliceResult, len(fileIDs))
	fanOut(p.dispatcher, "retry", fileIDs, func(i int, fileID uint64) {
		results[i] = p.retryOne(ctx, fileID, cfg)
	})
	return newBatchResult(results), nil
}

func (p *Pipeline) retryOne(ctx context.Context, fileID uint64, cfg *models.SliceConfig) *SliceResult {
	file, err := p.getFile(ctx, fileID)
	if err != nil {
		return &SliceResult{FileID: fileID, Reason: err.Error()}
	}

	switch file.Status {
	case models.FileStatusParseFailed:
		res, err := p.SliceOne(ctx, fileID, cfg, true)
		if err != nil {
			return &SliceResult{FileID: fileID, Status: file.Status, Reason: err.Error()}
		}
		return res
	case models.FileStatusEmbedFailed:
		er, err := p.EmbedOne(ctx, fileID)
		if err != nil {
			return &SliceResult{FileID: fileID, Status: file.Status, Reason: err.Error()}
		}
		res := &SliceResult{FileID: fileID, Success: er.Success, Reason: er.Reason, Embed: er, Status: models.FileStatusEmbedFailed}
		if er.Success {
			res.Status = models.FileStatusEmbedSucceeded
		}
		return res
	default:
		logger.Debug("retry skipped", zap.Uint64("fileID", fileID), zap.String("status", file.Status.String()))
		return &SliceResult{FileID: fileID, Success: true, Skipped: true, Status: file.Status}
	}
}

func newBatchResult(results []*SliceResult) *BatchResult {
	batch := &BatchResult{Success: true, Files: results}
	for _, r := range results {
		if !r.Success {
			batch.Success = false
		}
	}
	return batch
}

// EmbedOne 将预览知识点推送到引擎并写入正式知识点
func (p *Pipeline) EmbedOne(ctx context.Context, fileID uint64) (*EmbedResult, error) {
	file, err := p.getFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	task, err := p.store.Tasks().FindPendingByFile(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending task: %w", err)
	}
	if task != nil && task.FollowUp != models.FollowUpAwaitEmbed {
		return nil, apperrors.NewConcurrentExtraction(file.ID)
	}

	result, err := p.embed(ctx, file, task, false)
	if err != nil {
		p.errors.Record("embed", err)
	}
	return result, err
}

// DealCallback 处理引擎异步切分回调，任务必须存在且仍在进行中
func (p *Pipeline) DealCallback(ctx context.Context, taskID string, success bool, knowledgeURL, errMsg string) error {
	task, err := p.store.Tasks().GetByTaskID(ctx, taskID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !task.IsPending()) {
		return apperrors.NewNotFoundError(fmt.Sprintf("extraction task %s", taskID))
	}
	if err != nil {
		return fmt.Errorf("failed to get task %s: %w", taskID, err)
	}

	logger.Info("extraction callback received",
		zap.String("taskID", taskID),
		zap.Uint64("fileID", task.FileID),
		zap.Bool("success", success))

	if !success {
		return p.failExtraction(ctx, task.FileID, taskID, reasonSplitFailed+errMsg)
	}

	chunks, err := p.downloadChunks(ctx, knowledgeURL)
	if err != nil {
		p.errors.Record("callback", err)
		return p.failExtraction(ctx, task.FileID, taskID, reasonResultUnreadable+err.Error())
	}

	_, err = p.completeExtraction(ctx, task.FileID, taskID, firstDocID(chunks), chunks)
	return err
}

// Reconcile 清扫超时未处理的任务，复用回调的完成逻辑
func (p *Pipeline) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	olderThan := p.now().Add(-p.cfg.SweepStaleness)
	tasks, err := p.store.Tasks().FindStale(ctx, olderThan, sweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale tasks: %w", err)
	}

	result := &ReconcileResult{Scanned: len(tasks)}
	var mu sync.Mutex
	fanOut(p.dispatcher, "reconcile", tasks, func(_ int, task *models.ExtractionTask) {
		var action string
		err := runUnit("reconcile", p.metrics, func() error {
			var err error
			action, err = p.reconcileTask(ctx, task)
			return err
		})
		if err != nil {
			action = sweepFailed
			p.errors.Record("reconcile", err)
			logger.Error("reconcile task failed", zap.String("taskID", task.TaskID), zap.Error(err))
		}
		p.metrics.SweepTask(action)

		mu.Lock()
		defer mu.Unlock()
		switch action {
		case sweepApplied:
			result.Applied++
		case sweepRedriven:
			result.Redriven++
		case sweepEmbedded:
			result.Embedded++
		case sweepClosed:
			result.Closed++
		default:
			result.Failed++
		}
	})

	if result.Scanned > 0 {
		logger.Info("reconcile finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("applied", result.Applied),
			zap.Int("redriven", result.Redriven),
			zap.Int("embedded", result.Embedded),
			zap.Int("closed", result.Closed),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}
