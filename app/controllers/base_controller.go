package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

// BaseController provides helpers for consistent JSON responses.
type BaseController struct {
	web.Controller
}

// JSON writes a JSON response with the supplied HTTP status code.
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	_ = c.ServeJSON()
}

// JSONSuccess writes a standard success envelope.
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// JSONError writes an error envelope with message.
func (c *BaseController) JSONError(status int, message string) {
	c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// JSONAppError 按AppError的HTTP码和错误码输出，其他错误按500处理
func (c *BaseController) JSONAppError(err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		logger.Error("request failed",
			zap.String("path", c.Ctx.Request.URL.Path),
			zap.Error(err))
		c.JSONError(http.StatusInternalServerError, err.Error())
		return
	}

	status := appErr.HTTPCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := map[string]interface{}{
		"success": false,
		"code":    appErr.Code,
		"error":   err.Error(),
	}
	if appErr.Details != nil {
		body["details"] = appErr.Details
	}
	c.JSON(status, body)
}

// bindJSON 解析请求体，失败时已写出400
func (c *BaseController) bindJSON(dst interface{}) bool {
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, dst); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return false
	}
	return true
}

// mustParseUintParam 解析URL参数为uint64
func (c *BaseController) mustParseUintParam(key string) (uint64, bool) {
	value := c.Ctx.Input.Param(key)
	if value == "" {
		c.JSONError(http.StatusBadRequest, "缺少必要参数")
		return 0, false
	}

	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		c.JSONError(http.StatusBadRequest, "参数格式错误")
		return 0, false
	}

	return id, true
}
