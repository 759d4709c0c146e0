package controllers

import (
	"net/http"

	"github.com/aihub/knowledge-pipeline/internal/kafka"
	"github.com/aihub/knowledge-pipeline/internal/services"
)

// CallbackController 接收引擎异步切分完成的HTTP回调
type CallbackController struct {
	BaseController
	Pipeline *services.Pipeline
}

// Extraction 回调消息与Kafka回调主题使用同一格式
func (c *CallbackController) Extraction() {
	msg, err := kafka.ParseCallbackMessage(c.Ctx.Input.RequestBody)
	if err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return
	}

	if err := c.Pipeline.DealCallback(c.Ctx.Request.Context(), msg.TaskID, msg.Success, msg.KnowledgeURL, msg.ErrMsg); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"task_id": msg.TaskID})
}
