package database

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// ErrDirtySchema 上次迁移中途失败，需要先force到确认过的版本
var ErrDirtySchema = errors.New("pipeline schema is dirty, force a verified version first")

// MigrationStatus 当前迁移版本。Applied为false表示还没执行过任何迁移
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Applied bool
}

// MigrationManager 流水线表结构（文件、任务台账、预览/正式知识点）的版本管理
type MigrationManager struct {
	migrate *migrate.Migrate
	logger  *logrus.Logger
}

// MigrationSourceURL 迁移目录转为file://地址，默认./migrations
func MigrationSourceURL(dir string) string {
	if dir == "" {
		dir = "./migrations"
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return "file://" + dir
}

func NewMigrationManager(db *sql.DB, dir string, logger *logrus.Logger) (*MigrationManager, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	source := MigrationSourceURL(dir)
	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations from %s: %w", source, err)
	}
	return &MigrationManager{migrate: m, logger: logger}, nil
}

// Status 读取当前版本
func (mm *MigrationManager) Status() (MigrationStatus, error) {
	version, dirty, err := mm.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to read migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty, Applied: true}, nil
}

// Up 执行全部未执行的迁移，已是最新时返回nil
func (mm *MigrationManager) Up() error {
	return mm.run("up", func() error { return mm.migrate.Up() })
}

// Rollback 回退steps个版本
func (mm *MigrationManager) Rollback(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	return mm.run(fmt.Sprintf("rollback %d", steps), func() error { return mm.migrate.Steps(-steps) })
}

// Goto 迁移到指定版本，向上或向下都可以
func (mm *MigrationManager) Goto(version uint) error {
	return mm.run(fmt.Sprintf("goto %d", version), func() error { return mm.migrate.Migrate(version) })
}

// Force 只改版本号不执行SQL，用于清除dirty标记
func (mm *MigrationManager) Force(version uint) error {
	mm.logger.WithField("version", version).Warn("Forcing pipeline schema version")
	if err := mm.migrate.Force(int(version)); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// run dirty状态下拒绝执行，并记录前后版本
func (mm *MigrationManager) run(action string, fn func() error) error {
	before, err := mm.Status()
	if err != nil {
		return err
	}
	if before.Dirty {
		return fmt.Errorf("%s at version %d: %w", action, before.Version, ErrDirtySchema)
	}

	err = fn()
	if errors.Is(err, migrate.ErrNoChange) {
		mm.logger.WithFields(logrus.Fields{"action": action, "version": before.Version}).Info("Pipeline schema already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration %s failed: %w", action, err)
	}

	after, err := mm.Status()
	if err != nil {
		return err
	}
	mm.logger.WithFields(logrus.Fields{
		"action": action,
		"from":   before.Version,
		"to":     after.Version,
	}).Info("Pipeline schema migrated")
	return nil
}

func (mm *MigrationManager) Close() error {
	sourceErr, dbErr := mm.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}
