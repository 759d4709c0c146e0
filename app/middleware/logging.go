package middleware

import (
	"time"

	"github.com/aihub/knowledge-pipeline/internal/logger"
	beecontext "github.com/beego/beego/v2/server/web/context"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestStartKey = "request_start"
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-Id"
)

// RequestStart 记录开始时间并补齐请求ID
func RequestStart(ctx *beecontext.Context) {
	ctx.Input.SetData(requestStartKey, time.Now())

	requestID := ctx.Input.Header(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx.Input.SetData(requestIDKey, requestID)
	ctx.Output.Header(requestIDHeader, requestID)
}

// RequestLog 请求完成后按状态码分级记录
func RequestLog(ctx *beecontext.Context) {
	status := ctx.ResponseWriter.Status
	if status == 0 {
		status = 200
	}

	fields := []zap.Field{
		zap.String("method", ctx.Input.Method()),
		zap.String("path", ctx.Input.URL()),
		zap.Int("status", status),
		zap.String("remote_addr", ctx.Input.IP()),
	}
	if id, ok := ctx.Input.GetData(requestIDKey).(string); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if start, ok := ctx.Input.GetData(requestStartKey).(time.Time); ok {
		fields = append(fields, zap.Duration("duration", time.Since(start)))
	}

	switch {
	case status >= 500:
		logger.Error("Request completed", fields...)
	case status >= 400:
		logger.Warn("Request completed", fields...)
	default:
		logger.Info("Request completed", fields...)
	}
}
