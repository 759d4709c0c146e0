package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/aihub/knowledge-pipeline/internal/models"
)

// 引擎侧的ragType取值
const (
	RagTypeAIUI = "AIUI-RAG2"
	RagTypeCBG  = "CBG-RAG"
)

// Chunk 与引擎交互的知识点结构
type Chunk struct {
	ChunkID    string                      `json:"chunkId,omitempty"`
	DocID      string                      `json:"docId,omitempty"`
	Content    string                      `json:"content"`
	Title      string                      `json:"title,omitempty"`
	References map[string]models.Reference `json:"references,omitempty"`
	DataIndex  string                      `json:"dataIndex,omitempty"`
}

// SplitRequest 文档切分请求
type SplitRequest struct {
	File         string   `json:"file,omitempty"`
	ResourceType int      `json:"resourceType,omitempty"`
	LengthRange  []int    `json:"lengthRange"`
	Overlap      int      `json:"overlap,omitempty"`
	Separator    []string `json:"separator,omitempty"`
	TitleSplit   bool     `json:"titleSplit,omitempty"`
	CutOff       []string `json:"cutOff,omitempty"`
	RagType      string   `json:"ragType"`
	TaskID       string   `json:"taskId,omitempty"`
	CallbackURL  string   `json:"callbackUrl,omitempty"`
}

// SplitResult 切分结果。Pending表示引擎已受理，结果通过回调送达
type SplitResult struct {
	DocID   string
	Chunks  []Chunk
	Pending bool
}

// SaveResult 知识点保存结果
type SaveResult struct {
	Accepted int
	// FailedIDs AIUI返回的失败chunkId
	FailedIDs []string
	// EngineIDs CBG返回的 dataIndex -> 引擎chunkId
	EngineIDs map[string]string
}

// Client 屏蔽AIUI与CBG协议差异的知识引擎客户端
type Client interface {
	Kind() models.BackendKind
	// RequiresUpload 为true时切分需要上传文件字节，否则提交文件地址
	RequiresUpload() bool
	Split(ctx context.Context, req SplitRequest) (*SplitResult, error)
	Upload(ctx context.Context, req SplitRequest, data []byte, fileName, mimeHint string) (*SplitResult, error)
	SaveChunks(ctx context.Context, docID, group string, chunks []Chunk) (*SaveResult, error)
	UpdateChunks(ctx context.Context, docID, group string, chunks []Chunk) ([]string, error)
	DeleteChunksOrDoc(ctx context.Context, docID string, chunkIDs []string) error
	Query(ctx context.Context, docID string) ([]Chunk, error)
}

// Registry 按协议类型解析客户端
type Registry struct {
	mu      sync.RWMutex
	clients map[models.BackendKind]Client
}

// NewRegistry 创建注册表
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[models.BackendKind]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register 注册客户端，同类型后注册的覆盖先注册的
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Kind()] = c
}

// For 获取指定协议的客户端
func (r *Registry) For(kind models.BackendKind) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[kind]
	if !ok {
		return nil, fmt.Errorf("no knowledge engine client for backend %q", kind)
	}
	return c, nil
}
