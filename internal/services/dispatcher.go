package services

import (
	"fmt"
	"runtime/debug"
	"sync"

	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/metrics"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Dispatcher 后台执行单元调度
type Dispatcher interface {
	Submit(unit string, fn func()) error
}

// PoolDispatcher 基于ants协程池，限制同时进行的引擎调用数量
type PoolDispatcher struct {
	pool    *ants.Pool
	metrics *metrics.Metrics
}

// NewPoolDispatcher 创建协程池
func NewPoolDispatcher(size int, m *metrics.Metrics) (*PoolDispatcher, error) {
	if size <= 0 {
		size = 16
	}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p interface{}) {
		m.PanicRecovered("pool")
		logger.Error("panic escaped background unit", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &PoolDispatcher{pool: pool, metrics: m}, nil
}

func (d *PoolDispatcher) Submit(unit string, fn func()) error {
	return d.pool.Submit(func() {
		d.metrics.UnitStarted()
		defer d.metrics.UnitFinished()
		fn()
	})
}

// Running 正在执行的单元数
func (d *PoolDispatcher) Running() int {
	return d.pool.Running()
}

// Release 关闭协程池
func (d *PoolDispatcher) Release() {
	d.pool.Release()
}

// InlineDispatcher 在调用方协程内执行，用于命令行和测试
type InlineDispatcher struct{}

func (InlineDispatcher) Submit(unit string, fn func()) error {
	fn()
	return nil
}

// runUnit 在单元边界恢复panic，按引擎调用失败记录原始信息
func runUnit(unit string, m *metrics.Metrics, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.PanicRecovered(unit)
			logger.Error("background unit panicked",
				zap.String("unit", unit),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = apperrors.NewEngineCallFailed(0, fmt.Sprint(r))
		}
	}()
	return fn()
}

// fanOut 每个元素作为独立单元提交，等待全部完成
func fanOut[T any](d Dispatcher, unit string, items []T, fn func(i int, item T)) {
	var wg sync.WaitGroup
	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		if err := d.Submit(unit, func() {
			defer wg.Done()
			fn(i, item)
		}); err != nil {
			logger.Warn("submit unit failed, running inline", zap.String("unit", unit), zap.Error(err))
			fn(i, item)
			wg.Done()
		}
	}
	wg.Wait()
}
