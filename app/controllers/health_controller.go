package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/interfaces"
)

// RootController 根控制器
type RootController struct {
	BaseController
}

func (c *RootController) Index() {
	c.JSONSuccess(map[string]string{"message": "Knowledge Pipeline API"})
}

// HealthController 健康检查控制器
type HealthController struct {
	BaseController
	Checks []interfaces.HealthReporter
}

// Health 任一组件不可用时返回503
func (c *HealthController) Health() {
	ctx, cancel := context.WithTimeout(c.Ctx.Request.Context(), 3*time.Second)
	defer cancel()

	components := make(map[string]string, len(c.Checks))
	healthy := true
	for _, check := range c.Checks {
		if err := check.Check(ctx); err != nil {
			components[check.Name()] = err.Error()
			healthy = false
			continue
		}
		components[check.Name()] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"success":    false,
			"status":     "unhealthy",
			"components": components,
		})
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"status":     "healthy",
		"components": components,
	})
}
