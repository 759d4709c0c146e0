package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/config"
	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrUnsupported 当前协议不支持该操作
var ErrUnsupported = errors.New("operation not supported by backend")

// codeWrappedMessage 某一引擎实现的返回码，可读原因包在message的括号里
const codeWrappedMessage = 11111

var wrappedMessagePattern = regexp.MustCompile(`[（(](.*?)[)）]`)

// Options 传输层配置
type Options struct {
	BaseURL          string
	Timeout          time.Duration
	RateLimit        float64
	Burst            int
	BreakerFailures  int
	BreakerSuccesses int
	BreakerTimeout   time.Duration
	CallbackURL      string
}

// OptionsFromConfig 从配置构造传输层参数
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		BaseURL:          cfg.BaseURL,
		Timeout:          cfg.Timeout,
		RateLimit:        cfg.RateLimit,
		Burst:            cfg.Burst,
		BreakerFailures:  cfg.BreakerFailures,
		BreakerSuccesses: cfg.BreakerSuccesses,
		BreakerTimeout:   cfg.BreakerTimeout,
		CallbackURL:      cfg.CallbackURL,
	}
}

// envelope 引擎统一响应
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Sid     string          `json:"sid,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Transport 引擎HTTP传输层：限流、熔断、超时，不做重试
type Transport struct {
	baseURL     string
	callbackURL string
	client      *http.Client
	limiter     *rate.Limiter
	breaker     *CircuitBreaker
	metrics     *metrics.Metrics
}

// NewTransport 创建传输层
func NewTransport(opts Options, m *metrics.Metrics) *Transport {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Transport{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		callbackURL: opts.CallbackURL,
		client:      &http.Client{Timeout: timeout},
		limiter:     limiter,
		breaker:     NewCircuitBreaker("knowledge-engine", opts.BreakerFailures, opts.BreakerSuccesses, opts.BreakerTimeout),
		metrics:     m,
	}
}

// CallbackURL 引擎异步回调地址，为空表示同步模式
func (t *Transport) CallbackURL() string {
	return t.callbackURL
}

// Breaker 返回熔断器，用于健康检查
func (t *Transport) Breaker() *CircuitBreaker {
	return t.breaker
}

func (t *Transport) postJSON(ctx context.Context, backend, op, path string, body interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	return t.do(ctx, backend, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

func (t *Transport) postMultipart(ctx context.Context, backend, op, path string, fields map[string]string, fileName, mimeHint string, data []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("构建表单失败: %w", err)
		}
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("构建表单失败: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("构建表单失败: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("构建表单失败: %w", err)
	}
	payload := buf.Bytes()
	contentType := writer.FormDataContentType()

	return t.do(ctx, backend, op, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		if mimeHint != "" {
			req.Header.Set("X-File-Mime", mimeHint)
		}
		return req, nil
	})
}

func (t *Transport) do(ctx context.Context, backend, op string, build func(ctx context.Context) (*http.Request, error)) (json.RawMessage, error) {
	start := time.Now()
	var env envelope

	err := t.wait(ctx)
	if err == nil {
		err = t.breaker.Call(func() error {
			req, err := build(ctx)
			if err != nil {
				return fmt.Errorf("创建请求失败: %w", err)
			}

			resp, err := t.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("读取响应失败: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d - %s", resp.StatusCode, truncate(string(body), 256))
			}
			if err := json.Unmarshal(body, &env); err != nil {
				return fmt.Errorf("解析响应失败: %w", err)
			}
			return nil
		})
	}

	elapsed := time.Since(start)
	if err == nil && env.Code != 0 {
		err = codeFailure(env.Code, env.Message)
	} else if err != nil {
		err = transportFailure(op, err)
	}
	t.metrics.ObserveEngineCall(backend, op, err, elapsed)

	if err != nil {
		logger.Warn("knowledge engine call failed",
			zap.String("backend", backend),
			zap.String("operation", op),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	logger.Debug("knowledge engine call",
		zap.String("backend", backend),
		zap.String("operation", op),
		zap.String("sid", env.Sid),
		zap.Duration("elapsed", elapsed))
	return env.Data, nil
}

func (t *Transport) wait(ctx context.Context) error {
	if t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

// Download 下载引擎产出的结果文件（如回调中的knowledgeUrl）
func (t *Transport) Download(ctx context.Context, url string) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, transportFailure("download", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportFailure("download", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, transportFailure("download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewEngineCallFailed(resp.StatusCode, fmt.Sprintf("download %s failed: HTTP %d", url, resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFailure("download", err)
	}
	return data, nil
}

// codeFailure 非0返回码转为EngineCallFailed
func codeFailure(code int, message string) error {
	if code == codeWrappedMessage {
		if m := wrappedMessagePattern.FindStringSubmatch(message); len(m) == 2 {
			message = m[1]
		}
	}
	return apperrors.NewEngineCallFailed(code, message)
}

// transportFailure 传输层错误转为EngineCallFailed，超时的原因中包含timeout
func transportFailure(op string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return apperrors.NewEngineCallFailed(0, "knowledge engine unavailable: circuit breaker is open").WithCause(err)
	case isTimeout(err):
		return apperrors.NewEngineCallFailed(0, fmt.Sprintf("knowledge engine %s timeout", op)).WithCause(err)
	default:
		return apperrors.NewEngineCallFailed(0, fmt.Sprintf("knowledge engine %s failed: %v", op, err)).WithCause(err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// rate.Limiter在等待会超过deadline时返回的错误不包装DeadlineExceeded
	return strings.Contains(err.Error(), "would exceed context deadline")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
