package controllers

import (
	"net/http"

	"github.com/aihub/knowledge-pipeline/internal/repository"
	"github.com/aihub/knowledge-pipeline/internal/services"
)

// KnowledgeController 单个知识点的人工维护
type KnowledgeController struct {
	BaseController
	Pipeline *services.Pipeline
}

type contentRequest struct {
	Content string `json:"content"`
}

type hitsRequest struct {
	ChunkIDs []string `json:"chunk_ids"`
	Kind     string   `json:"kind"`
}

// Create 向已向量化的文件追加人工知识点
func (c *KnowledgeController) Create() {
	fileID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}
	var req contentRequest
	if !c.bindJSON(&req) {
		return
	}
	chunk, err := c.Pipeline.CreateKnowledge(c.Ctx.Request.Context(), fileID, req.Content)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(chunk)
}

// Update 修改知识点内容
func (c *KnowledgeController) Update() {
	chunkID := c.Ctx.Input.Param(":chunk_id")
	var req contentRequest
	if !c.bindJSON(&req) {
		return
	}
	chunk, err := c.Pipeline.UpdateKnowledge(c.Ctx.Request.Context(), chunkID, req.Content)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(chunk)
}

// Enable 启用或停用单个知识点
func (c *KnowledgeController) Enable() {
	chunkID := c.Ctx.Input.Param(":chunk_id")
	var req enabledRequest
	if !c.bindJSON(&req) {
		return
	}
	engineID, err := c.Pipeline.EnableKnowledge(c.Ctx.Request.Context(), chunkID, req.Enabled)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"chunk_id":        chunkID,
		"engine_chunk_id": engineID,
		"enabled":         req.Enabled,
	})
}

// Hits 累加命中次数，kind为test或dialog
func (c *KnowledgeController) Hits() {
	var req hitsRequest
	if !c.bindJSON(&req) {
		return
	}
	if len(req.ChunkIDs) == 0 {
		c.JSONError(http.StatusBadRequest, "chunk_ids不能为空")
		return
	}

	var kind repository.HitKind
	switch req.Kind {
	case "", "test":
		kind = repository.HitKindTest
	case "dialog":
		kind = repository.HitKindDialog
	default:
		c.JSONError(http.StatusBadRequest, "kind只能为test或dialog")
		return
	}

	if err := c.Pipeline.IncrementHits(c.Ctx.Request.Context(), req.ChunkIDs, kind); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"updated": len(req.ChunkIDs)})
}
