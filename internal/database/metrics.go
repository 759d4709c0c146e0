package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// MetricsCollector 数据库连接池指标收集器
type MetricsCollector struct {
	db              *sql.DB
	logger          *logrus.Logger
	collectInterval time.Duration

	connections *prometheus.GaugeVec

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMetricsCollector 创建指标收集器，reg为nil时使用默认注册表
func NewMetricsCollector(db *sql.DB, logger *logrus.Logger, reg prometheus.Registerer) *MetricsCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &MetricsCollector{
		db:              db,
		logger:          logger,
		collectInterval: 15 * time.Second,
		connections: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_db_connections",
				Help: "Database connection pool state",
			},
			[]string{"state"},
		),
		stopChan: make(chan struct{}),
	}
}

// Start 后台定期收集
func (mc *MetricsCollector) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(mc.collectInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-mc.stopChan:
				return
			case <-ticker.C:
				mc.Collect()
			}
		}
	}()
}

// Stop 停止收集
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopChan) })
}

// Collect 采集一次连接池状态
func (mc *MetricsCollector) Collect() {
	stats := mc.db.Stats()

	mc.connections.WithLabelValues("idle").Set(float64(stats.Idle))
	mc.connections.WithLabelValues("in_use").Set(float64(stats.InUse))
	mc.connections.WithLabelValues("open").Set(float64(stats.OpenConnections))
	mc.connections.WithLabelValues("wait_count").Set(float64(stats.WaitCount))

	mc.logger.WithFields(logrus.Fields{
		"idle":   stats.Idle,
		"in_use": stats.InUse,
		"open":   stats.OpenConnections,
	}).Debug("Database connection pool stats collected")
}
