package database

import (
	"context"
	"fmt"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/interfaces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PostgresMonitor 流水线数据库的健康上报和连接池指标
type PostgresMonitor struct {
	health  *HealthChecker
	metrics *MetricsCollector
	close   func() error
}

var _ interfaces.HealthReporter = (*PostgresMonitor)(nil)

// NewPostgresMonitor 包装已打开的gorm连接。Close会关闭底层连接
func NewPostgresMonitor(db *gorm.DB, reg prometheus.Registerer, interval time.Duration) (*PostgresMonitor, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)

	return &PostgresMonitor{
		health:  NewHealthChecker(sqlDB, log, interval),
		metrics: NewMetricsCollector(sqlDB, log, reg),
		close:   sqlDB.Close,
	}, nil
}

func (m *PostgresMonitor) Name() string { return "postgres" }

// Check 后台检查健康时直接返回，否则同步检查一次
func (m *PostgresMonitor) Check(ctx context.Context) error {
	if m.health.IsHealthy() {
		return nil
	}
	return m.health.Check(ctx)
}

// Start 后台运行健康检查和指标采集
func (m *PostgresMonitor) Start(ctx context.Context) {
	go m.health.Start(ctx)
	m.metrics.Start(ctx)
}

// Status 最近一次检查结果
func (m *PostgresMonitor) Status() HealthCheckResult {
	return m.health.Result()
}

func (m *PostgresMonitor) Close() error {
	m.health.Stop()
	m.metrics.Stop()
	return m.close()
}
