package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aihub/knowledge-pipeline/internal/models"
)

const backendAIUI = string(models.BackendAIUI)

// chunkRequest 保存/更新知识点请求
type chunkRequest struct {
	DocID   string  `json:"docId"`
	Group   string  `json:"group"`
	Chunks  []Chunk `json:"chunks"`
	RagType string  `json:"ragType"`
}

// deleteRequest 删除文档或知识点请求
type deleteRequest struct {
	DocID    string   `json:"docId"`
	ChunkIDs []string `json:"chunkIds,omitempty"`
	RagType  string   `json:"ragType"`
}

type docRequest struct {
	DocID   string `json:"docId"`
	RagType string `json:"ragType"`
}

// aiuiFailed AIUI部分失败时 failedChunk.chunkId 为逗号分隔的ID列表
type aiuiFailed struct {
	FailedChunk *struct {
		ChunkID string `json:"chunkId"`
	} `json:"failedChunk"`
}

// AIUIClient AIUI协议：提交文件地址切分，知识点级别增删改
type AIUIClient struct {
	t *Transport
}

var _ Client = (*AIUIClient)(nil)

// NewAIUIClient 创建AIUI客户端
func NewAIUIClient(t *Transport) *AIUIClient {
	return &AIUIClient{t: t}
}

func (c *AIUIClient) Kind() models.BackendKind { return models.BackendAIUI }

func (c *AIUIClient) RequiresUpload() bool { return false }

// Split 提交文件地址进行切分
func (c *AIUIClient) Split(ctx context.Context, req SplitRequest) (*SplitResult, error) {
	req.RagType = RagTypeAIUI
	req.File = strings.ReplaceAll(req.File, "+", "%20")
	if req.TaskID != "" && req.CallbackURL == "" {
		req.CallbackURL = c.t.CallbackURL()
	}

	data, err := c.t.postJSON(ctx, backendAIUI, "split", "/document/split", req)
	if err != nil {
		return nil, err
	}
	return decodeSplit(data, req.CallbackURL != "")
}

// Upload AIUI不接收文件字节
func (c *AIUIClient) Upload(ctx context.Context, req SplitRequest, data []byte, fileName, mimeHint string) (*SplitResult, error) {
	return nil, fmt.Errorf("%w: AIUI upload", ErrUnsupported)
}

// SaveChunks 保存知识点，返回部分失败的chunkId
func (c *AIUIClient) SaveChunks(ctx context.Context, docID, group string, chunks []Chunk) (*SaveResult, error) {
	if len(chunks) == 0 {
		return &SaveResult{}, nil
	}

	data, err := c.t.postJSON(ctx, backendAIUI, "save", "/chunks/save", chunkRequest{
		DocID: docID, Group: group, Chunks: chunks, RagType: RagTypeAIUI,
	})
	if err != nil {
		return nil, err
	}

	failed, err := decodeFailedIDs(data)
	if err != nil {
		return nil, err
	}
	return &SaveResult{Accepted: len(chunks) - len(failed), FailedIDs: failed}, nil
}

// UpdateChunks 更新知识点，返回失败的chunkId
func (c *AIUIClient) UpdateChunks(ctx context.Context, docID, group string, chunks []Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	data, err := c.t.postJSON(ctx, backendAIUI, "update", "/chunk/update", chunkRequest{
		DocID: docID, Group: group, Chunks: chunks, RagType: RagTypeAIUI,
	})
	if err != nil {
		return nil, err
	}
	return decodeFailedIDs(data)
}

// DeleteChunksOrDoc chunkIDs为空时删除整个文档
func (c *AIUIClient) DeleteChunksOrDoc(ctx context.Context, docID string, chunkIDs []string) error {
	_, err := c.t.postJSON(ctx, backendAIUI, "delete", "/chunk/delete", deleteRequest{
		DocID: docID, ChunkIDs: chunkIDs, RagType: RagTypeAIUI,
	})
	return err
}

// Query 查询文档在引擎中的知识点
func (c *AIUIClient) Query(ctx context.Context, docID string) ([]Chunk, error) {
	data, err := c.t.postJSON(ctx, backendAIUI, "query", "/document/chunk", docRequest{DocID: docID, RagType: RagTypeAIUI})
	if err != nil {
		return nil, err
	}
	return decodeChunks(data)
}

func decodeSplit(data json.RawMessage, async bool) (*SplitResult, error) {
	if isNull(data) {
		return &SplitResult{Pending: async}, nil
	}
	chunks, err := decodeChunks(data)
	if err != nil {
		return nil, err
	}
	result := &SplitResult{Chunks: chunks}
	if len(chunks) > 0 {
		result.DocID = chunks[0].DocID
	}
	return result, nil
}

func decodeChunks(data json.RawMessage) ([]Chunk, error) {
	if isNull(data) {
		return nil, nil
	}
	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("Failed to get document chunking result: %w", err)
	}
	return chunks, nil
}

func decodeFailedIDs(data json.RawMessage) ([]string, error) {
	if isNull(data) {
		return nil, nil
	}
	var resp aiuiFailed
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("解析失败知识点失败: %w", err)
	}
	if resp.FailedChunk == nil || resp.FailedChunk.ChunkID == "" {
		return nil, nil
	}

	var ids []string
	for _, id := range strings.Split(resp.FailedChunk.ChunkID, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
