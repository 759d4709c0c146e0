package router

import (
	"github.com/aihub/knowledge-pipeline/app/controllers"
	"github.com/aihub/knowledge-pipeline/app/middleware"
	"github.com/aihub/knowledge-pipeline/internal/interfaces"
	"github.com/aihub/knowledge-pipeline/internal/services"
	"github.com/beego/beego/v2/server/web"
)

// Handlers 路由依赖
type Handlers struct {
	Pipeline *services.Pipeline
	Uploads  *services.UploadService
	Checks   []interfaces.HealthReporter
}

// Init registers all routes. Must be called after the pipeline is wired.
func Init(h Handlers) {
	web.BConfig.CopyRequestBody = true

	web.InsertFilter("/*", web.BeforeRouter, middleware.RequestStart)
	web.InsertFilter("/*", web.FinishRouter, middleware.RequestLog, web.WithReturnOnOutput(false))

	web.Router("/", &controllers.RootController{}, "get:Index")
	web.Router("/health", &controllers.HealthController{Checks: h.Checks}, "get:Health")
	web.Router("/metrics", &controllers.MetricsController{}, "get:Metrics")

	// 引擎异步回调
	web.Router("/api/engine/callback", &controllers.CallbackController{Pipeline: h.Pipeline}, "post:Extraction")

	fileController := &controllers.FileController{Pipeline: h.Pipeline, Uploads: h.Uploads}
	web.Router("/api/repositories/:id/files", fileController, "post:Upload")
	// 具体路由必须在参数路由之前，否则会被:id匹配
	web.Router("/api/files/slice", fileController, "post:SliceBatch")
	web.Router("/api/files/retry", fileController, "post:Retry")
	web.Router("/api/files/status", fileController, "post:Status")
	web.Router("/api/files/delete", fileController, "post:Delete")
	web.Router("/api/files/:id/slice", fileController, "post:Slice")
	web.Router("/api/files/:id/embed", fileController, "post:Embed")
	web.Router("/api/files/:id/enabled", fileController, "put:Enable")

	knowledgeController := &controllers.KnowledgeController{Pipeline: h.Pipeline}
	web.Router("/api/files/:id/knowledge", knowledgeController, "post:Create")
	web.Router("/api/knowledge/hits", knowledgeController, "post:Hits")
	web.Router("/api/knowledge/:chunk_id", knowledgeController, "put:Update")
	web.Router("/api/knowledge/:chunk_id/enabled", knowledgeController, "put:Enable")
}
