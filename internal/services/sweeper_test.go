package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/knowledge-pipeline/internal/lock"
	"github.com/aihub/knowledge-pipeline/internal/models"
)

func TestSweeper_RunOnce(t *testing.T) {
	env := newTestEnv(t, models.BackendAIUI, false)
	env.engine.pending = true
	file := env.addFile(t, "sweep", "pdf")
	res, err := env.pipeline.SliceOne(context.Background(), file.ID, nil, false)
	require.NoError(t, err)
	env.db.setTaskUpdatedAt(res.TaskID, time.Now().Add(-time.Hour))

	locker := lock.NewLocalLocker()
	sweeper := NewSweeper(env.pipeline, locker, time.Minute, time.Minute)

	// 其他实例持有锁时跳过
	release, ok, err := locker.TryLock(context.Background(), sweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 1, env.engine.count("split"))

	require.NoError(t, release(context.Background()))

	out, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 1, out.Scanned)
	assert.Equal(t, 1, out.Redriven)

	// 锁在本轮结束后释放
	_, ok, err = locker.TryLock(context.Background(), sweepLockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweeper_StartStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, models.BackendAIUI, false)
	sweeper := NewSweeper(env.pipeline, nil, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
