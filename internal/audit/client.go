package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"go.uber.org/zap"
)

// Verdict 审核结论
type Verdict struct {
	Suggest string `json:"suggest"`
	Reason  string `json:"reason,omitempty"`
}

// Blocked 是否被拦截
func (v *Verdict) Blocked() bool {
	return v != nil && v.Suggest == models.AuditSuggestBlock
}

// Auditor 内容审核服务
type Auditor interface {
	Classify(ctx context.Context, text string) (*Verdict, error)
}

// NoopAuditor 未启用审核时全部放行
type NoopAuditor struct{}

func (NoopAuditor) Classify(ctx context.Context, text string) (*Verdict, error) {
	return &Verdict{Suggest: models.AuditSuggestPass}, nil
}

// Client 审核服务HTTP客户端
type Client struct {
	baseURL string
	client  *http.Client
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Data    *Verdict `json:"data"`
}

// NewClient 创建审核客户端
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// New 按配置返回审核实现
func New(cfg config.AuditConfig) Auditor {
	if !cfg.Enabled || cfg.BaseURL == "" {
		return NoopAuditor{}
	}
	return NewClient(cfg.BaseURL, cfg.Timeout)
}

// Classify 审核一段文本
func (c *Client) Classify(ctx context.Context, text string) (*Verdict, error) {
	payload, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("序列化审核请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audit/text", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建审核请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("审核请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取审核响应失败: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("审核服务返回 HTTP %d", resp.StatusCode)
	}

	var out classifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("解析审核响应失败: %w", err)
	}
	if out.Code != 0 || out.Data == nil {
		return nil, fmt.Errorf("审核失败: code=%d, message=%s", out.Code, out.Message)
	}

	logger.Debug("text audited", zap.String("suggest", out.Data.Suggest))
	return out.Data, nil
}
