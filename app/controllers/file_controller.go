package controllers

import (
	"io"
	"net/http"

	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/aihub/knowledge-pipeline/internal/services"
)

// 单次上传最多读取的字节数，具体限制由UploadService按类型校验
const maxUploadBytes = 200 << 20

// FileController 文件切分、向量化与生命周期管理
type FileController struct {
	BaseController
	Pipeline *services.Pipeline
	Uploads  *services.UploadService
}

type fileIDsRequest struct {
	FileIDs     []uint64            `json:"file_ids"`
	SliceConfig *models.SliceConfig `json:"slice_config,omitempty"`
}

type sliceOneRequest struct {
	SliceConfig      *models.SliceConfig `json:"slice_config,omitempty"`
	TriggerEmbedding bool                `json:"trigger_embedding"`
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (c *FileController) fileIDs() (*fileIDsRequest, bool) {
	var req fileIDsRequest
	if !c.bindJSON(&req) {
		return nil, false
	}
	if len(req.FileIDs) == 0 {
		c.JSONError(http.StatusBadRequest, "file_ids不能为空")
		return nil, false
	}
	return &req, true
}

// Upload 上传文件到知识库
func (c *FileController) Upload() {
	repoID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}

	file, header, err := c.GetFile("file")
	if err != nil {
		c.JSONError(http.StatusBadRequest, "缺少上传文件")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		c.JSONError(http.StatusBadRequest, "读取上传文件失败")
		return
	}
	if len(data) > maxUploadBytes {
		c.JSONError(http.StatusRequestEntityTooLarge, "文件过大")
		return
	}

	record, err := c.Uploads.Upload(c.Ctx.Request.Context(), services.UploadRequest{
		RepositoryID: repoID,
		Name:         header.Filename,
		Data:         data,
		ContentType:  header.Header.Get("Content-Type"),
	})
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(record)
}

// Slice 切分单个文件
func (c *FileController) Slice() {
	fileID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}
	var req sliceOneRequest
	if len(c.Ctx.Input.RequestBody) > 0 && !c.bindJSON(&req) {
		return
	}

	result, err := c.Pipeline.SliceOne(c.Ctx.Request.Context(), fileID, req.SliceConfig, req.TriggerEmbedding)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(result)
}

// SliceBatch 批量切分，单个文件失败不影响其他文件
func (c *FileController) SliceBatch() {
	req, ok := c.fileIDs()
	if !ok {
		return
	}
	result, err := c.Pipeline.SliceMany(c.Ctx.Request.Context(), req.FileIDs, req.SliceConfig)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(result)
}

// Retry 重试失败的文件
func (c *FileController) Retry() {
	req, ok := c.fileIDs()
	if !ok {
		return
	}
	result, err := c.Pipeline.Retry(c.Ctx.Request.Context(), req.FileIDs, req.SliceConfig)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(result)
}

// Embed 将预览知识点转为正式知识点并推送到引擎
func (c *FileController) Embed() {
	fileID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}
	result, err := c.Pipeline.EmbedOne(c.Ctx.Request.Context(), fileID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(result)
}

// Enable 启用或停用文件下全部知识点
func (c *FileController) Enable() {
	fileID, ok := c.mustParseUintParam(":id")
	if !ok {
		return
	}
	var req enabledRequest
	if !c.bindJSON(&req) {
		return
	}
	if err := c.Pipeline.EnableDoc(c.Ctx.Request.Context(), fileID, req.Enabled); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"file_id": fileID, "enabled": req.Enabled})
}

// Delete 删除文件及其知识点
func (c *FileController) Delete() {
	req, ok := c.fileIDs()
	if !ok {
		return
	}
	if err := c.Pipeline.DeleteDoc(c.Ctx.Request.Context(), req.FileIDs); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"deleted": req.FileIDs})
}

// Status 查询文件索引状态
func (c *FileController) Status() {
	req, ok := c.fileIDs()
	if !ok {
		return
	}
	statuses, err := c.Pipeline.IndexingStatus(c.Ctx.Request.Context(), req.FileIDs)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(statuses)
}
