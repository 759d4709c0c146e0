package repository

import (
	"context"

	"gorm.io/gorm"
)

type gormStore struct {
	db    *gorm.DB
	repos RepoStore
}

// NewStore 基于gorm创建Store，repos为nil时直接查库
func NewStore(db *gorm.DB, repos RepoStore) Store {
	if repos == nil {
		repos = NewRepoStore(db)
	}
	return &gormStore{db: db, repos: repos}
}

func (s *gormStore) GetDB() *gorm.DB { return s.db }

func (s *gormStore) Files() FileRepository      { return NewFileRepository(s.db) }
func (s *gormStore) Tasks() TaskLedger          { return NewTaskLedger(s.db) }
func (s *gormStore) Previews() PreviewChunkStore { return NewPreviewChunkStore(s.db) }
func (s *gormStore) Formals() FormalChunkStore  { return NewFormalChunkStore(s.db) }
func (s *gormStore) Repos() RepoStore           { return s.repos }

// Transaction 在同一个数据库事务中执行fn
func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx, repos: s.repos})
	})
}
