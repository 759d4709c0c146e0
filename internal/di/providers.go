package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/audit"
	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/database"
	"github.com/aihub/knowledge-pipeline/internal/engine"
	apperrors "github.com/aihub/knowledge-pipeline/internal/errors"
	"github.com/aihub/knowledge-pipeline/internal/kafka"
	"github.com/aihub/knowledge-pipeline/internal/lock"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/metrics"
	"github.com/aihub/knowledge-pipeline/internal/repository"
	"github.com/aihub/knowledge-pipeline/internal/services"
	"github.com/aihub/knowledge-pipeline/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Objects 对象存储的两个视图，由同一个实现提供
type Objects struct {
	dig.Out

	Store  storage.ObjectStore
	Signer storage.URLSigner
}

// PipelineParams 流水线构造参数
type PipelineParams struct {
	dig.In

	Config     *config.Config
	Store      repository.Store
	Engines    *engine.Registry
	Objects    storage.ObjectStore
	Signer     storage.URLSigner
	Transport  *engine.Transport
	Auditor    audit.Auditor
	Events     services.EventPublisher
	Dispatcher services.Dispatcher
	Metrics    *metrics.Metrics
	Errors     *apperrors.ErrorMonitor
}

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container, cfg *config.Config) error {
	if err := RegisterInfrastructure(container, cfg); err != nil {
		return err
	}
	return RegisterServices(container)
}

// RegisterInfrastructure 注册需要外部连接的组件：数据库、Redis、MinIO、Kafka
func RegisterInfrastructure(container *dig.Container, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}

	if err := container.Provide(func() *config.Config { return cfg }); err != nil {
		return err
	}

	if err := container.Provide(func() prometheus.Registerer { return prometheus.DefaultRegisterer }); err != nil {
		return err
	}

	// 注册数据库
	if err := container.Provide(func(c *config.Config) (*gorm.DB, error) {
		return database.OpenPostgres(c.Database)
	}); err != nil {
		return err
	}

	// Redis不可用时退化为进程内锁，多副本部署下清扫可能重复执行
	if err := container.Provide(func(c *config.Config) lock.Locker {
		if !c.Redis.Enabled {
			return lock.NewLocalLocker()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rdb, err := database.OpenLockRedis(ctx, c.Redis)
		if err != nil {
			logger.Warn("Redis unavailable, using local locker", zap.Error(err))
			return lock.NewLocalLocker()
		}
		return lock.NewRedisLocker(rdb, "pipeline:lock:")
	}); err != nil {
		return err
	}

	if err := container.Provide(func(c *config.Config) (Objects, error) {
		minioStore, err := storage.NewMinIOStore(c.Storage, "")
		if err != nil {
			return Objects{}, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := minioStore.EnsureBucket(ctx, 5); err != nil {
			logger.Warn("MinIO bucket not ready", zap.Error(err))
		}
		return Objects{Store: minioStore, Signer: minioStore}, nil
	}); err != nil {
		return err
	}

	// Kafka关闭时状态事件只记日志
	if err := container.Provide(func(c *config.Config, m *metrics.Metrics) services.EventPublisher {
		if !c.Kafka.Enabled || len(c.Kafka.Brokers) == 0 {
			return nil
		}
		producer, err := kafka.NewFileEventProducer(c.Kafka.Brokers, c.Kafka.EventTopic, m)
		if err != nil {
			logger.Warn("Failed to initialize Kafka producer", zap.Error(err))
			return nil
		}
		return producer
	}); err != nil {
		return err
	}

	return nil
}

// RegisterServices 注册不直接依赖外部连接的组件，测试中可以替换基础设施后单独调用
func RegisterServices(container *dig.Container) error {
	providers := []interface{}{
		metrics.New,
		apperrors.NewErrorMonitor,
		func(db *gorm.DB, c *config.Config) repository.Store {
			repos := repository.NewCachedRepoStore(repository.NewRepoStore(db), c.Pipeline.RepoCacheTTL)
			return repository.NewStore(db, repos)
		},
		func(c *config.Config, m *metrics.Metrics) *engine.Transport {
			return engine.NewTransport(engine.OptionsFromConfig(c.Engine), m)
		},
		func(t *engine.Transport) *engine.Registry {
			return engine.NewRegistry(engine.NewAIUIClient(t), engine.NewCBGClient(t))
		},
		func(c *config.Config) audit.Auditor {
			return audit.New(c.Audit)
		},
		func(c *config.Config, m *metrics.Metrics) (services.Dispatcher, error) {
			return services.NewPoolDispatcher(c.Pipeline.WorkerPoolSize, m)
		},
		func(p PipelineParams) *services.Pipeline {
			return services.NewPipeline(services.Deps{
				Store:      p.Store,
				Engines:    p.Engines,
				Objects:    p.Objects,
				Signer:     p.Signer,
				Downloader: p.Transport,
				Auditor:    p.Auditor,
				Events:     p.Events,
				Dispatcher: p.Dispatcher,
				Metrics:    p.Metrics,
				Errors:     p.Errors,
			}, p.Config.Pipeline)
		},
		func(store repository.Store, objects storage.ObjectStore, c *config.Config) *services.UploadService {
			return services.NewUploadService(store, objects, c.Upload)
		},
		func(p *services.Pipeline, locker lock.Locker, c *config.Config) *services.Sweeper {
			return services.NewSweeper(p, locker, c.Pipeline.SweepInterval, c.Pipeline.SweepLockTTL)
		},
	}

	for _, provider := range providers {
		if err := container.Provide(provider); err != nil {
			return err
		}
	}
	return nil
}
