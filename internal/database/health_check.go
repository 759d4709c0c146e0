package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// schemaProbe 任务台账表可读说明迁移已执行，流水线能正常领取任务
const schemaProbe = `SELECT 1 FROM extraction_tasks LIMIT 1`

// HealthChecker 定期检查连接和表结构
type HealthChecker struct {
	db       *sql.DB
	logger   *logrus.Logger
	interval time.Duration
	timeout  time.Duration

	last atomic.Pointer[HealthCheckResult]

	stopOnce sync.Once
	stop     chan struct{}
}

// HealthCheckResult 最近一次检查结果
type HealthCheckResult struct {
	Healthy   bool          `json:"healthy"`
	Schema    bool          `json:"schema"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	LastError string        `json:"last_error,omitempty"`
}

// NewHealthChecker interval<=0时使用30秒
func NewHealthChecker(db *sql.DB, logger *logrus.Logger, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		db:       db,
		logger:   logger,
		interval: interval,
		timeout:  5 * time.Second,
		stop:     make(chan struct{}),
	}
}

// Start 阻塞运行，直到ctx结束或Stop
func (hc *HealthChecker) Start(ctx context.Context) {
	_ = hc.Check(ctx)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hc.stop:
			return
		case <-ticker.C:
			_ = hc.Check(ctx)
		}
	}
}

// Stop 可重复调用
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stop) })
}

// Check 先ping再探测任务台账表
func (hc *HealthChecker) Check(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	result := &HealthCheckResult{CheckedAt: start}
	err := hc.db.PingContext(ctx)
	if err == nil {
		var one int
		if qerr := hc.db.QueryRowContext(ctx, schemaProbe).Scan(&one); qerr != nil && !errors.Is(qerr, sql.ErrNoRows) {
			err = fmt.Errorf("pipeline schema unavailable, run migrations: %w", qerr)
		} else {
			result.Schema = true
		}
	}
	result.Latency = time.Since(start)
	result.Healthy = err == nil
	if err != nil {
		result.LastError = err.Error()
	}

	prev := hc.last.Swap(result)
	switch {
	case err != nil:
		hc.logger.WithFields(logrus.Fields{
			"error":   err.Error(),
			"latency": result.Latency,
		}).Warn("Pipeline database check failed")
	case prev != nil && !prev.Healthy:
		hc.logger.WithField("latency", result.Latency).Info("Pipeline database recovered")
	}
	return err
}

// IsHealthy 尚未检查过时为false
func (hc *HealthChecker) IsHealthy() bool {
	r := hc.last.Load()
	return r != nil && r.Healthy
}

// Result 最近一次结果的副本
func (hc *HealthChecker) Result() HealthCheckResult {
	if r := hc.last.Load(); r != nil {
		return *r
	}
	return HealthCheckResult{}
}
