package di

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/lock"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/aihub/knowledge-pipeline/internal/services"
	"github.com/aihub/knowledge-pipeline/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/dig"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestInitContainer(t *testing.T) {
	first := InitContainer()
	assert.Same(t, first, GetContainer())

	second := InitContainer()
	assert.NotSame(t, first, second)
	assert.Same(t, second, GetContainer())
}

func TestResolve_RequiresContainer(t *testing.T) {
	_, err := Resolve(nil)
	assert.Error(t, err)
}

func TestResolve_MissingDependencies(t *testing.T) {
	// 只有配置，缺少数据库等基础设施
	container := dig.New()
	require.NoError(t, container.Provide(func() *config.Config { return testConfig() }))
	require.NoError(t, RegisterServices(container))

	_, err := Resolve(container)
	assert.Error(t, err)
}

func TestRegisterInfrastructure_RequiresConfig(t *testing.T) {
	err := RegisterInfrastructure(dig.New(), nil)
	assert.Error(t, err)
}

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			BaseURL: "http://engine.local",
			Timeout: time.Second,
		},
		Pipeline: config.PipelineConfig{
			SaveBatchSize:  10,
			CBGPushWorkers: 2,
			WorkerPoolSize: 2,
			SweepInterval:  time.Minute,
			SweepStaleness: time.Minute,
			RepoCacheTTL:   time.Minute,
		},
		Upload: config.UploadConfig{
			CBGPictureMaxBytes: 1,
			CBGFileMaxBytes:    1,
			CBGTxtMaxChars:     1,
			AIUITextMaxBytes:   1,
			AIUIFileMaxBytes:   1,
		},
	}
}

func TestRegisterServices_ResolvesPipeline(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	container := dig.New()
	cfg := testConfig()
	objects := storage.NewMemoryStore()

	require.NoError(t, container.Provide(func() *config.Config { return cfg }))
	require.NoError(t, container.Provide(func() prometheus.Registerer { return prometheus.NewRegistry() }))
	require.NoError(t, container.Provide(func() *gorm.DB { return db }))
	require.NoError(t, container.Provide(func() lock.Locker { return lock.NewLocalLocker() }))
	require.NoError(t, container.Provide(func() Objects { return Objects{Store: objects, Signer: objects} }))
	require.NoError(t, container.Provide(func() services.EventPublisher { return nil }))
	require.NoError(t, RegisterServices(container))

	components, err := Resolve(container)
	require.NoError(t, err)
	defer components.Release()

	assert.NotNil(t, components.Pipeline)
	assert.NotNil(t, components.Uploads)
	assert.NotNil(t, components.Sweeper)
	_, isPool := components.Dispatcher.(*services.PoolDispatcher)
	assert.True(t, isPool)

	aiui, err := components.Engines.For(models.BackendAIUI)
	require.NoError(t, err)
	assert.Equal(t, models.BackendAIUI, aiui.Kind())
	cbg, err := components.Engines.For(models.BackendCBG)
	require.NoError(t, err)
	assert.True(t, cbg.RequiresUpload())
}
