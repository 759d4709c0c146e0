package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// repoStore 知识库元数据仓库
type repoStore struct {
	db *gorm.DB
}

// NewRepoStore 创建知识库元数据仓库
func NewRepoStore(db *gorm.DB) RepoStore {
	return &repoStore{db: db}
}

func (r *repoStore) GetByID(ctx context.Context, id uint64) (*models.Repository, error) {
	var repo models.Repository
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&repo).Error; err != nil {
		return nil, err
	}
	return &repo, nil
}

// CachedRepoStore 在RepoStore外加一层进程内缓存。
// 知识库的协议类型创建后不可变，审核开关允许最多延迟一个TTL生效。
type CachedRepoStore struct {
	next  RepoStore
	cache *cache.Cache
}

// NewCachedRepoStore 创建带缓存的知识库元数据仓库
func NewCachedRepoStore(next RepoStore, ttl time.Duration) *CachedRepoStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRepoStore{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *CachedRepoStore) GetByID(ctx context.Context, id uint64) (*models.Repository, error) {
	key := strconv.FormatUint(id, 10)
	if v, ok := c.cache.Get(key); ok {
		repo := *v.(*models.Repository)
		return &repo, nil
	}

	repo, err := c.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stored := *repo
	c.cache.Set(key, &stored, cache.DefaultExpiration)
	logger.Debug("repository metadata cached", zap.Uint64("repo_id", id))
	return repo, nil
}

// Invalidate 知识库元数据变更后调用
func (c *CachedRepoStore) Invalidate(id uint64) {
	c.cache.Delete(strconv.FormatUint(id, 10))
}
