package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aihub/knowledge-pipeline/internal/lock"
	"github.com/aihub/knowledge-pipeline/internal/logger"
)

const sweepLockKey = "sweep"

// Sweeper 定期清扫超时任务，多实例部署时通过锁保证只有一个实例执行
type Sweeper struct {
	pipeline *Pipeline
	locker   lock.Locker
	interval time.Duration
	lockTTL  time.Duration
}

// NewSweeper 创建清扫器
func NewSweeper(p *Pipeline, locker lock.Locker, interval, lockTTL time.Duration) *Sweeper {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &Sweeper{pipeline: p, locker: locker, interval: interval, lockTTL: lockTTL}
}

// RunOnce 执行一轮清扫。未拿到锁时返回nil结果
func (s *Sweeper) RunOnce(ctx context.Context) (*ReconcileResult, error) {
	release, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		logger.Debug("sweep lock held by another instance")
		return nil, nil
	}
	defer func() {
		if err := release(context.Background()); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			logger.Warn("release sweep lock failed", zap.Error(err))
		}
	}()

	return s.pipeline.Reconcile(ctx)
}

// Start 按间隔循环清扫，直到ctx取消
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
