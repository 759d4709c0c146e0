package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aihub/knowledge-pipeline/internal/models"
)

const backendCBG = string(models.BackendCBG)

// dataIndex CBG返回的位置标记可能是数字也可能是字符串
type dataIndex string

func (d *dataIndex) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*d = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*d = dataIndex(str)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*d = dataIndex(fmt.Sprintf("%.0f", f))
	return nil
}

// UnmarshalJSON 兼容数字形式的dataIndex
func (c *Chunk) UnmarshalJSON(b []byte) error {
	type plain Chunk
	aux := struct {
		*plain
		DataIndex dataIndex `json:"dataIndex"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.DataIndex = string(aux.DataIndex)
	return nil
}

type cbgSaved struct {
	ID        string    `json:"id"`
	DataIndex dataIndex `json:"dataIndex"`
}

// CBGClient CBG协议：上传文件字节切分，每次上传生成新文档ID，只能按文档删除
type CBGClient struct {
	t *Transport
}

var _ Client = (*CBGClient)(nil)

// NewCBGClient 创建CBG客户端
func NewCBGClient(t *Transport) *CBGClient {
	return &CBGClient{t: t}
}

func (c *CBGClient) Kind() models.BackendKind { return models.BackendCBG }

func (c *CBGClient) RequiresUpload() bool { return true }

// firstSeparator CBG只支持单个分隔符
func firstSeparator(req SplitRequest) string {
	if len(req.Separator) > 0 {
		return req.Separator[0]
	}
	if len(req.CutOff) > 0 {
		return req.CutOff[0]
	}
	return "\n"
}

// Split 提交文件地址切分
func (c *CBGClient) Split(ctx context.Context, req SplitRequest) (*SplitResult, error) {
	req.RagType = RagTypeCBG
	req.File = strings.ReplaceAll(req.File, "+", "%20")
	req.Separator = []string{firstSeparator(req)}
	if req.TaskID != "" && req.CallbackURL == "" {
		req.CallbackURL = c.t.CallbackURL()
	}

	data, err := c.t.postJSON(ctx, backendCBG, "split", "/document/split", req)
	if err != nil {
		return nil, err
	}
	return decodeSplit(data, req.CallbackURL != "")
}

// Upload 以multipart上传文件字节，引擎返回新的文档ID
func (c *CBGClient) Upload(ctx context.Context, req SplitRequest, data []byte, fileName, mimeHint string) (*SplitResult, error) {
	lengthRange, err := json.Marshal(req.LengthRange)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	callbackURL := req.CallbackURL
	if req.TaskID != "" && callbackURL == "" {
		callbackURL = c.t.CallbackURL()
	}

	fields := map[string]string{
		"lengthRange": string(lengthRange),
		"separator":   firstSeparator(req),
		"ragType":     RagTypeCBG,
	}
	if req.Overlap > 0 {
		fields["overlap"] = strconv.Itoa(req.Overlap)
	}
	if req.TitleSplit {
		fields["titleSplit"] = "true"
	}
	if req.ResourceType != 0 {
		fields["resourceType"] = strconv.Itoa(req.ResourceType)
	}
	if req.TaskID != "" {
		fields["taskId"] = req.TaskID
	}
	if callbackURL != "" {
		fields["callbackUrl"] = callbackURL
	}

	raw, err := c.t.postMultipart(ctx, backendCBG, "upload", "/document/upload", fields, fileName, mimeHint, data)
	if err != nil {
		return nil, err
	}
	return decodeSplit(raw, callbackURL != "")
}

// SaveChunks 保存知识点，返回 dataIndex -> 引擎chunkId
func (c *CBGClient) SaveChunks(ctx context.Context, docID, group string, chunks []Chunk) (*SaveResult, error) {
	if len(chunks) == 0 {
		return &SaveResult{EngineIDs: map[string]string{}}, nil
	}

	data, err := c.t.postJSON(ctx, backendCBG, "save", "/chunks/save", chunkRequest{
		DocID: docID, Group: group, Chunks: chunks, RagType: RagTypeCBG,
	})
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(chunks))
	if !isNull(data) {
		var saved []cbgSaved
		if err := json.Unmarshal(data, &saved); err != nil {
			return nil, fmt.Errorf("解析CBG保存结果失败: %w", err)
		}
		for _, s := range saved {
			if s.ID != "" {
				ids[string(s.DataIndex)] = s.ID
			}
		}
	}
	return &SaveResult{Accepted: len(ids), EngineIDs: ids}, nil
}

// UpdateChunks 更新知识点
func (c *CBGClient) UpdateChunks(ctx context.Context, docID, group string, chunks []Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	_, err := c.t.postJSON(ctx, backendCBG, "update", "/chunk/update", chunkRequest{
		DocID: docID, Group: group, Chunks: chunks, RagType: RagTypeCBG,
	})
	return nil, err
}

// DeleteChunksOrDoc 没有chunkId时跳过调用
func (c *CBGClient) DeleteChunksOrDoc(ctx context.Context, docID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := c.t.postJSON(ctx, backendCBG, "delete", "/chunk/delete", deleteRequest{
		DocID: docID, ChunkIDs: chunkIDs, RagType: RagTypeCBG,
	})
	return err
}

// Query 查询文档在引擎中的知识点
func (c *CBGClient) Query(ctx context.Context, docID string) ([]Chunk, error) {
	data, err := c.t.postJSON(ctx, backendCBG, "query", "/document/chunk", docRequest{DocID: docID, RagType: RagTypeCBG})
	if err != nil {
		return nil, err
	}
	return decodeChunks(data)
}
