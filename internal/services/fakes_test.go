package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aihub/knowledge-pipeline/internal/audit"
	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/engine"
	"github.com/aihub/knowledge-pipeline/internal/kafka"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/aihub/knowledge-pipeline/internal/repository"
	"github.com/aihub/knowledge-pipeline/internal/storage"
)

// memDB 进程内数据库，事务通过快照回滚实现
type memDB struct {
	mu       sync.Mutex
	txMu     sync.Mutex
	nextID   uint64
	files    map[uint64]models.FileRecord
	tasks    map[string]models.ExtractionTask
	previews map[string]models.PreviewChunk
	formals  map[string]models.FormalChunk
	repos    map[uint64]models.Repository
	now      func() time.Time
}

func newMemDB() *memDB {
	return &memDB{
		files:    map[uint64]models.FileRecord{},
		tasks:    map[string]models.ExtractionTask{},
		previews: map[string]models.PreviewChunk{},
		formals:  map[string]models.FormalChunk{},
		repos:    map[uint64]models.Repository{},
		now:      time.Now,
	}
}

type memSnapshot struct {
	files    map[uint64]models.FileRecord
	tasks    map[string]models.ExtractionTask
	previews map[string]models.PreviewChunk
	formals  map[string]models.FormalChunk
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (db *memDB) snapshot() memSnapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	return memSnapshot{
		files:    copyMap(db.files),
		tasks:    copyMap(db.tasks),
		previews: copyMap(db.previews),
		formals:  copyMap(db.formals),
	}
}

func (db *memDB) restore(s memSnapshot) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.files, db.tasks, db.previews, db.formals = s.files, s.tasks, s.previews, s.formals
}

// 便于断言的读取方法

func (db *memDB) file(id uint64) models.FileRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.files[id]
}

func (db *memDB) hasFile(id uint64) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.files[id]
	return ok
}

func (db *memDB) tasksOf(fileID uint64) []models.ExtractionTask {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.ExtractionTask
	for _, t := range db.tasks {
		if t.FileID == fileID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (db *memDB) previewsOf(fileID uint64) []models.PreviewChunk {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.PreviewChunk
	for _, c := range db.previews {
		if c.FileRecordID == fileID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

func (db *memDB) formalsOf(fileID uint64) []models.FormalChunk {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []models.FormalChunk
	for _, c := range db.formals {
		if c.FileRecordID == fileID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

func (db *memDB) setTaskUpdatedAt(taskID string, at time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t := db.tasks[taskID]
	t.UpdatedAt = at
	db.tasks[taskID] = t
}

// memStore 实现repository.Store
type memStore struct {
	db   *memDB
	inTx bool
}

var _ repository.Store = (*memStore)(nil)

func (s *memStore) Files() repository.FileRepository      { return memFiles{s.db} }
func (s *memStore) Tasks() repository.TaskLedger          { return memTasks{s.db} }
func (s *memStore) Previews() repository.PreviewChunkStore { return memPreviews{s.db} }
func (s *memStore) Formals() repository.FormalChunkStore  { return memFormals{s.db} }
func (s *memStore) Repos() repository.RepoStore           { return memRepos{s.db} }

func (s *memStore) Transaction(ctx context.Context, fn func(tx repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.db.txMu.Lock()
	defer s.db.txMu.Unlock()

	snap := s.db.snapshot()
	if err := fn(&memStore{db: s.db, inTx: true}); err != nil {
		s.db.restore(snap)
		return err
	}
	return nil
}

type memFiles struct{ db *memDB }

func (r memFiles) Create(ctx context.Context, f *models.FileRecord) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.nextID++
	f.ID = r.db.nextID
	f.CreatedAt, f.UpdatedAt = r.db.now(), r.db.now()
	r.db.files[f.ID] = *f
	return nil
}

func (r memFiles) GetByID(ctx context.Context, id uint64) (*models.FileRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	f, ok := r.db.files[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &f, nil
}

func (r memFiles) ListByIDs(ctx context.Context, ids []uint64) ([]*models.FileRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []*models.FileRecord
	for _, id := range ids {
		if f, ok := r.db.files[id]; ok {
			out = append(out, &f)
		}
	}
	return out, nil
}

func (r memFiles) Update(ctx context.Context, id uint64, updates map[string]interface{}) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	f, ok := r.db.files[id]
	if !ok {
		return nil
	}
	applyFileUpdates(&f, updates)
	r.db.files[id] = f
	return nil
}

func (r memFiles) CompareAndSetStatus(ctx context.Context, id uint64, from []models.FileStatus, to models.FileStatus, updates map[string]interface{}) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	f, ok := r.db.files[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range from {
		if f.Status == s {
			matched = true
		}
	}
	if !matched {
		return false, nil
	}
	f.Status = to
	applyFileUpdates(&f, updates)
	r.db.files[id] = f
	return true, nil
}

func (r memFiles) Delete(ctx context.Context, id uint64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.files, id)
	return nil
}

func applyFileUpdates(f *models.FileRecord, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "last_slice_config":
			f.SliceConfig, _ = v.(*models.SliceConfig)
		case "failure_reason":
			if s, ok := v.(string); ok {
				f.FailureReason = &s
			} else {
				f.FailureReason = nil
			}
		case "source_id":
			f.SourceID = v.(string)
		case "prior_source_id":
			f.PriorSourceID = v.(string)
		case "char_count":
			f.CharCount = v.(int64)
		case "enabled":
			f.Enabled = v.(bool)
		default:
			panic(fmt.Sprintf("unexpected file column %q", k))
		}
	}
}

type memTasks struct{ db *memDB }

func (r memTasks) Create(ctx context.Context, t *models.ExtractionTask) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.tasks[t.TaskID]; ok {
		return gorm.ErrDuplicatedKey
	}
	// 对应唯一部分索引：每个文件最多一个PENDING任务
	for _, existing := range r.db.tasks {
		if existing.FileID == t.FileID && existing.Status == models.TaskStatusPending && t.Status == models.TaskStatusPending {
			return gorm.ErrDuplicatedKey
		}
	}
	r.db.nextID++
	t.ID = r.db.nextID
	t.CreatedAt, t.UpdatedAt = r.db.now(), r.db.now()
	r.db.tasks[t.TaskID] = *t
	return nil
}

func (r memTasks) GetByTaskID(ctx context.Context, taskID string) (*models.ExtractionTask, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tasks[taskID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &t, nil
}

func (r memTasks) FindPendingByFile(ctx context.Context, fileID uint64) (*models.ExtractionTask, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, t := range r.db.tasks {
		if t.FileID == fileID && t.Status == models.TaskStatusPending {
			return &t, nil
		}
	}
	return nil, nil
}

func (r memTasks) Resolve(ctx context.Context, taskID string, status models.TaskStatus, followUp models.FollowUpStatus, reason *string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tasks[taskID]
	if !ok || t.Status != models.TaskStatusPending {
		return false, nil
	}
	t.Status, t.FollowUp, t.Reason = status, followUp, reason
	t.UpdatedAt = r.db.now()
	r.db.tasks[taskID] = t
	return true, nil
}

func (r memTasks) SetFollowUp(ctx context.Context, taskID string, followUp models.FollowUpStatus) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t := r.db.tasks[taskID]
	t.FollowUp = followUp
	r.db.tasks[taskID] = t
	return nil
}

func (r memTasks) Touch(ctx context.Context, taskID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t := r.db.tasks[taskID]
	t.UpdatedAt = r.db.now()
	r.db.tasks[taskID] = t
	return nil
}

func (r memTasks) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*models.ExtractionTask, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	latest := map[uint64]models.ExtractionTask{}
	for _, t := range r.db.tasks {
		if t.Status != models.TaskStatusPending || !t.UpdatedAt.Before(olderThan) {
			continue
		}
		if cur, ok := latest[t.FileID]; !ok || t.ID > cur.ID {
			latest[t.FileID] = t
		}
	}
	var out []*models.ExtractionTask
	for _, t := range latest {
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memTasks) DeleteByFile(ctx context.Context, fileID uint64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for k, t := range r.db.tasks {
		if t.FileID == fileID {
			delete(r.db.tasks, k)
		}
	}
	return nil
}

type memPreviews struct{ db *memDB }

func (r memPreviews) ReplaceAll(ctx context.Context, fileID uint64, chunks []*models.PreviewChunk) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	// chunk_id为主键，不能和其他文件的知识点重复
	seen := map[string]bool{}
	for _, c := range chunks {
		if existing, ok := r.db.previews[c.ChunkID]; (ok && existing.FileRecordID != fileID) || seen[c.ChunkID] {
			return gorm.ErrDuplicatedKey
		}
		seen[c.ChunkID] = true
	}
	for k, c := range r.db.previews {
		if c.FileRecordID == fileID {
			delete(r.db.previews, k)
		}
	}
	for _, c := range chunks {
		r.db.previews[c.ChunkID] = *c
	}
	return nil
}

func (r memPreviews) FindByFile(ctx context.Context, fileID uint64) ([]*models.PreviewChunk, error) {
	var out []*models.PreviewChunk
	for _, c := range r.db.previewsOf(fileID) {
		c := c
		out = append(out, &c)
	}
	return out, nil
}

func (r memPreviews) CountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error) {
	out := map[uint64]int64{}
	for _, id := range fileIDs {
		out[id] = int64(len(r.db.previewsOf(id)))
	}
	return out, nil
}

func (r memPreviews) FindBlocked(ctx context.Context, fileIDs []uint64) ([]*models.PreviewChunk, error) {
	var out []*models.PreviewChunk
	for _, id := range fileIDs {
		for _, c := range r.db.previewsOf(id) {
			c := c
			if c.Blocked() {
				out = append(out, &c)
			}
		}
	}
	return out, nil
}

func (r memPreviews) CharCountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error) {
	out := map[uint64]int64{}
	for _, id := range fileIDs {
		for _, c := range r.db.previewsOf(id) {
			out[id] += int64(c.CharCount)
		}
	}
	return out, nil
}

func (r memPreviews) DeleteByFile(ctx context.Context, fileID uint64) error {
	return r.ReplaceAll(ctx, fileID, nil)
}

type memFormals struct{ db *memDB }

func (r memFormals) ReplaceAll(ctx context.Context, fileID uint64, chunks []*models.FormalChunk) error {
	if err := r.DeleteByFile(ctx, fileID); err != nil {
		return err
	}
	return r.Insert(ctx, chunks)
}

func (r memFormals) Insert(ctx context.Context, chunks []*models.FormalChunk) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, c := range chunks {
		if _, ok := r.db.formals[c.ChunkID]; ok {
			return gorm.ErrDuplicatedKey
		}
		r.db.formals[c.ChunkID] = *c
	}
	return nil
}

func (r memFormals) GetByID(ctx context.Context, chunkID string) (*models.FormalChunk, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.formals[chunkID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &c, nil
}

func (r memFormals) FindByFile(ctx context.Context, fileID uint64) ([]*models.FormalChunk, error) {
	var out []*models.FormalChunk
	for _, c := range r.db.formalsOf(fileID) {
		c := c
		out = append(out, &c)
	}
	return out, nil
}

func (r memFormals) FindBySource(ctx context.Context, fileID uint64, source int) ([]*models.FormalChunk, error) {
	var out []*models.FormalChunk
	for _, c := range r.db.formalsOf(fileID) {
		c := c
		if c.Source == source {
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r memFormals) CountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error) {
	out := map[uint64]int64{}
	for _, id := range fileIDs {
		out[id] = int64(len(r.db.formalsOf(id)))
	}
	return out, nil
}

func (r memFormals) FindBlocked(ctx context.Context, fileIDs []uint64) ([]*models.FormalChunk, error) {
	var out []*models.FormalChunk
	for _, id := range fileIDs {
		for _, c := range r.db.formalsOf(id) {
			c := c
			if c.Blocked() {
				out = append(out, &c)
			}
		}
	}
	return out, nil
}

func (r memFormals) CharCountByFile(ctx context.Context, fileIDs []uint64) (map[uint64]int64, error) {
	out := map[uint64]int64{}
	for _, id := range fileIDs {
		for _, c := range r.db.formalsOf(id) {
			out[id] += int64(c.CharCount)
		}
	}
	return out, nil
}

func (r memFormals) Update(ctx context.Context, chunkID string, updates map[string]interface{}) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.formals[chunkID]
	if !ok {
		return nil
	}
	for k, v := range updates {
		switch k {
		case "content":
			c.Content = v.(models.ChunkContent)
		case "char_count":
			c.CharCount = v.(int)
		case "audit_suggest":
			c.AuditSuggest = v.(*string)
		case "audit_reason":
			c.AuditReason = v.(*string)
		case "enabled":
			c.Enabled = v.(int)
		case "engine_chunk_id":
			c.EngineChunkID = v.(string)
		default:
			panic(fmt.Sprintf("unexpected formal column %q", k))
		}
	}
	r.db.formals[chunkID] = c
	return nil
}

func (r memFormals) SetEnabled(ctx context.Context, chunkIDs []string, enabled bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, id := range chunkIDs {
		c, ok := r.db.formals[id]
		if !ok {
			continue
		}
		c.Enabled = 0
		if enabled {
			c.Enabled = 1
		}
		r.db.formals[id] = c
	}
	return nil
}

func (r memFormals) ReplaceEngineID(ctx context.Context, chunkID, engineChunkID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c := r.db.formals[chunkID]
	c.EngineChunkID = engineChunkID
	r.db.formals[chunkID] = c
	return nil
}

func (r memFormals) IncrementHits(ctx context.Context, chunkIDs []string, kind repository.HitKind) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, id := range chunkIDs {
		c, ok := r.db.formals[id]
		if !ok {
			continue
		}
		if kind == repository.HitKindDialog {
			c.DialogHitCount++
		} else {
			c.TestHitCount++
		}
		r.db.formals[id] = c
	}
	return nil
}

func (r memFormals) UpdateFileID(ctx context.Context, fileID uint64, source int, engineDocID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for k, c := range r.db.formals {
		if c.FileRecordID == fileID && c.Source == source {
			c.FileID = engineDocID
			r.db.formals[k] = c
		}
	}
	return nil
}

func (r memFormals) DeleteBySource(ctx context.Context, fileID uint64, source int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for k, c := range r.db.formals {
		if c.FileRecordID == fileID && c.Source == source {
			delete(r.db.formals, k)
		}
	}
	return nil
}

func (r memFormals) DeleteByFile(ctx context.Context, fileID uint64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for k, c := range r.db.formals {
		if c.FileRecordID == fileID {
			delete(r.db.formals, k)
		}
	}
	return nil
}

type memRepos struct{ db *memDB }

func (r memRepos) GetByID(ctx context.Context, id uint64) (*models.Repository, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	repo, ok := r.db.repos[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &repo, nil
}

// fakeEngine 记录调用次数的知识引擎
type fakeEngine struct {
	mu    sync.Mutex
	kind  models.BackendKind
	calls map[string]int

	chunks    []engine.Chunk
	docID     string
	pending   bool
	splitErr  error
	panicMsg  string
	failSave  map[string]bool
	saveErr   error
	deleteErr error
	query     []engine.Chunk

	nextID   int
	saved    map[string]engine.Chunk
	deleted  []string
	requests []engine.SplitRequest
}

var _ engine.Client = (*fakeEngine)(nil)

func newFakeEngine(kind models.BackendKind) *fakeEngine {
	return &fakeEngine{
		kind:     kind,
		calls:    map[string]int{},
		failSave: map[string]bool{},
		saved:    map[string]engine.Chunk{},
	}
}

func (f *fakeEngine) Kind() models.BackendKind { return f.kind }

func (f *fakeEngine) RequiresUpload() bool { return f.kind == models.BackendCBG }

func (f *fakeEngine) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeEngine) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func (f *fakeEngine) split(op string, req engine.SplitRequest) (*engine.SplitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	f.requests = append(f.requests, req)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.splitErr != nil {
		return nil, f.splitErr
	}
	if f.pending {
		return &engine.SplitResult{Pending: true}, nil
	}
	chunks := make([]engine.Chunk, len(f.chunks))
	copy(chunks, f.chunks)
	for i := range chunks {
		if chunks[i].DocID == "" {
			chunks[i].DocID = f.docID
		}
	}
	return &engine.SplitResult{DocID: f.docID, Chunks: chunks}, nil
}

func (f *fakeEngine) Split(ctx context.Context, req engine.SplitRequest) (*engine.SplitResult, error) {
	return f.split("split", req)
}

func (f *fakeEngine) Upload(ctx context.Context, req engine.SplitRequest, data []byte, fileName, mimeHint string) (*engine.SplitResult, error) {
	return f.split("upload", req)
}

func (f *fakeEngine) SaveChunks(ctx context.Context, docID, group string, chunks []engine.Chunk) (*engine.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["save"]++
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	res := &engine.SaveResult{EngineIDs: map[string]string{}}
	for _, c := range chunks {
		if f.failSave[c.ChunkID] || f.failSave[c.Content] {
			res.FailedIDs = append(res.FailedIDs, c.ChunkID)
			continue
		}
		id := c.ChunkID
		if f.kind == models.BackendCBG {
			f.nextID++
			id = fmt.Sprintf("cbg-%d", f.nextID)
			res.EngineIDs[c.DataIndex] = id
		}
		c.DocID = docID
		f.saved[id] = c
		res.Accepted++
	}
	return res, nil
}

func (f *fakeEngine) UpdateChunks(ctx context.Context, docID, group string, chunks []engine.Chunk) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update"]++
	for _, c := range chunks {
		f.saved[c.ChunkID] = c
	}
	return nil, nil
}

func (f *fakeEngine) DeleteChunksOrDoc(ctx context.Context, docID string, chunkIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if chunkIDs == nil {
		for id, c := range f.saved {
			if c.DocID == docID {
				delete(f.saved, id)
			}
		}
		f.deleted = append(f.deleted, docID)
		return nil
	}
	for _, id := range chunkIDs {
		delete(f.saved, id)
		f.deleted = append(f.deleted, id)
	}
	return nil
}

func (f *fakeEngine) Query(ctx context.Context, docID string) ([]engine.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["query"]++
	return f.query, nil
}

// MockEventPublisher 模拟状态事件发布
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishFileStatus(ctx context.Context, event kafka.FileStatusEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type fakeDownloader struct {
	data []byte
	err  error
}

func (d fakeDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	return d.data, d.err
}

type fakeAuditor struct {
	blocked map[string]bool
	err     error
}

func (a fakeAuditor) Classify(ctx context.Context, text string) (*audit.Verdict, error) {
	if a.err != nil {
		return nil, a.err
	}
	if a.blocked[text] {
		return &audit.Verdict{Suggest: models.AuditSuggestBlock, Reason: "sensitive"}, nil
	}
	return &audit.Verdict{Suggest: models.AuditSuggestPass}, nil
}

// testEnv 组装好的流水线和它的依赖
type testEnv struct {
	db       *memDB
	store    *memStore
	engine   *fakeEngine
	objects  *storage.MemoryStore
	pipeline *Pipeline
	repo     models.Repository
}

type envOption func(*Deps, *config.PipelineConfig)

func withAuditor(a audit.Auditor) envOption {
	return func(d *Deps, _ *config.PipelineConfig) { d.Auditor = a }
}

func withDownloader(dl Downloader) envOption {
	return func(d *Deps, _ *config.PipelineConfig) { d.Downloader = dl }
}

func withEvents(e EventPublisher) envOption {
	return func(d *Deps, _ *config.PipelineConfig) { d.Events = e }
}

func withBatchSize(n int) envOption {
	return func(_ *Deps, c *config.PipelineConfig) { c.SaveBatchSize = n }
}

func newTestEnv(t *testing.T, kind models.BackendKind, enableAudit bool, opts ...envOption) *testEnv {
	t.Helper()
	db := newMemDB()
	repo := models.Repository{ID: 1, Name: "repo", CoreRepoID: "core-1", BackendKind: kind, EnableAudit: enableAudit}
	db.repos[repo.ID] = repo

	store := &memStore{db: db}
	eng := newFakeEngine(kind)
	objects := storage.NewMemoryStore()

	deps := Deps{
		Store:   store,
		Engines: engine.NewRegistry(eng),
		Objects: objects,
		Signer:  objects,
	}
	cfg := config.PipelineConfig{SaveBatchSize: 200, CBGPushWorkers: 3, SweepStaleness: 10 * time.Minute}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	return &testEnv{
		db:       db,
		store:    store,
		engine:   eng,
		objects:  objects,
		pipeline: NewPipeline(deps, cfg),
		repo:     repo,
	}
}

// addFile 写入一个已上传的文件
func (e *testEnv) addFile(t *testing.T, name, fileType string) *models.FileRecord {
	t.Helper()
	f := &models.FileRecord{
		UUID:         fmt.Sprintf("uuid-%s", name),
		RepositoryID: e.repo.ID,
		BackendKind:  e.repo.BackendKind,
		Name:         name,
		FileType:     fileType,
		StorageKey:   storage.FileKey(e.repo.CoreRepoID, "uuid-"+name, fileType),
		Status:       models.FileStatusUploaded,
	}
	if e.repo.BackendKind == models.BackendAIUI {
		f.SourceID = f.UUID
	}
	require.NoError(t, e.store.Files().Create(context.Background(), f))
	require.NoError(t, e.objects.Put(context.Background(), f.StorageKey, []byte("content of "+name), "text/plain"))
	return f
}

// textChunks 不带chunkId，预览知识点ID由本地生成
func textChunks(texts ...string) []engine.Chunk {
	out := make([]engine.Chunk, 0, len(texts))
	for _, s := range texts {
		out = append(out, engine.Chunk{Content: s})
	}
	return out
}

// positionalChunks 引擎按序号给出chunkId和dataIndex，只在单个文档内唯一
func positionalChunks(texts ...string) []engine.Chunk {
	out := make([]engine.Chunk, 0, len(texts))
	for i, s := range texts {
		seq := fmt.Sprint(i + 1)
		out = append(out, engine.Chunk{ChunkID: seq, DataIndex: seq, Content: s})
	}
	return out
}
