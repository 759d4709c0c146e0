package di

import (
	"fmt"

	"github.com/aihub/knowledge-pipeline/internal/engine"
	"github.com/aihub/knowledge-pipeline/internal/services"
	"go.uber.org/dig"
)

// Container 进程内唯一的依赖图，serve和CLI子命令共用
var Container *dig.Container

// InitContainer 新建依赖图，替换之前的实例
func InitContainer() *dig.Container {
	Container = dig.New()
	return Container
}

// GetContainer 获取当前依赖图
func GetContainer() *dig.Container {
	return Container
}

// Components 入口层需要的流水线组件
type Components struct {
	dig.In

	Pipeline   *services.Pipeline
	Uploads    *services.UploadService
	Sweeper    *services.Sweeper
	Engines    *engine.Registry
	Dispatcher services.Dispatcher
}

// Resolve 从依赖图构造流水线组件。任一依赖失败时返回dig的完整错误链
func Resolve(container *dig.Container) (*Components, error) {
	if container == nil {
		return nil, fmt.Errorf("container not initialized")
	}
	var out Components
	if err := container.Invoke(func(c Components) { out = c }); err != nil {
		return nil, fmt.Errorf("failed to resolve pipeline components: %w", err)
	}
	return &out, nil
}

// Release 释放分发用的工作池
func (c *Components) Release() {
	if pool, ok := c.Dispatcher.(*services.PoolDispatcher); ok {
		pool.Release()
	}
}
