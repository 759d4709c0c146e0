package database

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/config"
	"github.com/aihub/knowledge-pipeline/internal/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OpenLockRedis 打开清扫锁使用的Redis连接。
// 锁只有SET NX和释放脚本两种命令，连接池和超时都按短命令配置，
// 超时的锁请求按未拿到锁处理，不阻塞清扫周期。
func OpenLockRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           cfg.DB,
		PoolSize:     4,
		MinIdleConns: 1,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", addr, err)
	}

	logger.Info("Redis connected for sweep lock", zap.String("addr", addr), zap.Int("db", cfg.DB))
	return rdb, nil
}
