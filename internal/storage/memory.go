package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore 进程内对象存储，用于本地调试和测试
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var (
	_ ObjectStore = (*MemoryStore)(nil)
	_ URLSigner   = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	return "memory://" + key, nil
}

// Keys 返回当前所有key
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
