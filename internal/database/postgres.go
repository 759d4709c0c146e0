package database

import (
	"fmt"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

// OpenPostgres 打开PostgreSQL连接并配置连接池
func OpenPostgres(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger:                   gormlogger.Default.LogMode(gormlogger.Warn),
		DisableNestedTransaction: true,
		TranslateError:           true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 获取底层的sql.DB设置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 100
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Hour)

	DB = db
	logger.Info("Database connected", zap.Int("max_open", maxOpen), zap.Int("max_idle", maxIdle))
	return db, nil
}

// AutoMigrate 开发环境下直接按模型建表，生产环境使用 migrations/ 目录
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Repository{},
		&models.FileRecord{},
		&models.ExtractionTask{},
		&models.PreviewChunk{},
		&models.FormalChunk{},
	)
}

func CloseDB() error {
	if DB == nil {
		return nil
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
