package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/consul"
	"github.com/aihub/knowledge-pipeline/internal/database"
	"github.com/aihub/knowledge-pipeline/internal/di"
	"github.com/aihub/knowledge-pipeline/internal/interfaces"
	"github.com/aihub/knowledge-pipeline/internal/kafka"
	"github.com/aihub/knowledge-pipeline/internal/lock"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/metrics"
	"github.com/aihub/knowledge-pipeline/internal/services"
	"github.com/aihub/knowledge-pipeline/internal/storage"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// consul KV中配置覆盖的前缀
const consulConfigPrefix = "knowledge-pipeline/config"

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	Config   *config.Config
	Pipeline *services.Pipeline
	Uploads  *services.UploadService
	Sweeper  *services.Sweeper
	Checks   []interfaces.HealthReporter

	metrics         *metrics.Metrics
	consulClient    *consul.Client
	serviceRegistry *consul.ServiceRegistry
	cancel          context.CancelFunc
	cleanupTasks    []func() error
	shutdownOnce    sync.Once
}

// Init bootstraps configuration, logger, database connections and the
// pipeline services required by the Beego application and the CLI.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	if err := config.LoadConfig(); err != nil {
		return nil, err
	}
	cfg := config.AppConfig

	if err := logger.InitLogger(logger.Options{
		Level:      cfg.Log.Level,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Production: cfg.Server.Env == "production",
	}); err != nil {
		return nil, err
	}

	app := &App{Config: cfg}

	// Consul不可用时保持本地配置
	if cfg.Consul.Enabled {
		consulClient, err := consul.NewClient(cfg.Consul.Address, cfg.Consul.Enabled, logger.Logger)
		if err != nil {
			logger.Warn("Failed to initialize Consul client, using local config", zap.Error(err))
		} else {
			app.consulClient = consulClient
			consul.ApplyOverrides(consulClient, consulConfigPrefix, cfg, logger.Logger)
		}
	}

	container := di.InitContainer()
	if err := di.RegisterProviders(container, cfg); err != nil {
		return nil, fmt.Errorf("failed to register providers: %w", err)
	}

	err := container.Invoke(func(
		db *gorm.DB,
		reg prometheus.Registerer,
		m *metrics.Metrics,
		objects storage.ObjectStore,
		events services.EventPublisher,
		locker lock.Locker,
	) error {
		if cfg.Server.Env == "development" {
			if err := database.AutoMigrate(db); err != nil {
				return err
			}
		}

		monitor, err := database.NewPostgresMonitor(db, reg, 0)
		if err != nil {
			return err
		}
		app.cleanupTasks = append(app.cleanupTasks, monitor.Close)
		app.Checks = append(app.Checks, monitor)
		if checker, ok := objects.(interfaces.HealthReporter); ok {
			app.Checks = append(app.Checks, checker)
		}

		if producer, ok := events.(*kafka.FileEventProducer); ok {
			app.cleanupTasks = append(app.cleanupTasks, producer.Close)
		}
		if closer, ok := locker.(io.Closer); ok {
			app.cleanupTasks = append(app.cleanupTasks, closer.Close)
		}
		app.metrics = m
		return nil
	})
	if err != nil {
		app.Shutdown()
		return nil, err
	}

	components, err := di.Resolve(container)
	if err != nil {
		app.Shutdown()
		return nil, err
	}
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		components.Release()
		return nil
	})
	app.Pipeline = components.Pipeline
	app.Uploads = components.Uploads
	app.Sweeper = components.Sweeper

	return app, nil
}

// StartBackground 启动清扫循环、数据库监控和Kafka回调消费
func (a *App) StartBackground(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	for _, check := range a.Checks {
		if monitor, ok := check.(*database.PostgresMonitor); ok {
			monitor.Start(ctx)
		}
	}

	go a.Sweeper.Start(ctx)

	kafkaCfg := a.Config.Kafka
	if !kafkaCfg.Enabled || kafkaCfg.CallbackTopic == "" {
		return
	}
	consumer, err := kafka.NewCallbackConsumer(kafkaCfg.Brokers, kafkaCfg.GroupID, kafkaCfg.CallbackTopic,
		func(ctx context.Context, msg kafka.CallbackMessage) error {
			return a.Pipeline.DealCallback(ctx, msg.TaskID, msg.Success, msg.KnowledgeURL, msg.ErrMsg)
		}, a.metrics)
	if err != nil {
		logger.Warn("Failed to initialize Kafka consumer", zap.Error(err))
		return
	}
	consumer.Start(ctx)
	a.cleanupTasks = append(a.cleanupTasks, consumer.Close)
}

// Register 向Consul注册服务
func (a *App) Register() {
	if !a.Config.Consul.Enabled {
		return
	}
	if a.consulClient == nil || !a.consulClient.IsEnabled() {
		logger.Warn("Consul client not available, skipping service registration")
		return
	}

	registry := consul.NewServiceRegistry(a.consulClient, a.Config.Consul.ServiceID, a.Config.Consul.ServiceName, logger.Logger)
	if err := registry.Register(a.Config); err != nil {
		logger.Warn("Failed to register service with Consul", zap.Error(err))
		return
	}
	a.serviceRegistry = registry
	a.cleanupTasks = append(a.cleanupTasks, registry.Deregister)
	logger.Info("Service registered with Consul",
		zap.String("service_id", a.Config.Consul.ServiceID),
		zap.String("service_name", a.Config.Consul.ServiceName))
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}

		// Execute cleanup tasks in reverse order (best effort).
		for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
			if err := a.cleanupTasks[i](); err != nil {
				logger.Warn("Cleanup error", zap.Error(err))
			}
		}

		// Flush logger buffers.
		logger.Sync()
	})
}
