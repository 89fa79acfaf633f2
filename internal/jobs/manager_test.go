package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotfleet/pkg/lock"
)

func TestLockedJob_SkipsWhileLockHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	other := lock.NewRedisLock(client, "jobs:test")
	acquired, err := other.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	var runs int32
	job := NewLockedJob("test", time.Minute, lock.NewRedisLock(client, "jobs:test"), func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	require.NoError(t, job.Run(ctx))
	assert.Zero(t, atomic.LoadInt32(&runs))

	require.NoError(t, other.Unlock(ctx))
	require.NoError(t, job.Run(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.False(t, mr.Exists("jobs:test"), "the lock is released after the run")
}

func TestLockedJob_NilLockerAndErrors(t *testing.T) {
	boom := errors.New("boom")
	job := NewLockedJob("failing", 0, nil, func(context.Context) error { return boom })
	assert.ErrorIs(t, job.Run(context.Background()), boom)
	assert.Equal(t, "failing", job.Name())
}

func TestManager_RunsIntervalJobImmediately(t *testing.T) {
	manager := NewManager(context.Background())
	ran := make(chan struct{}, 1)
	manager.Register(NewLockedJob("tick", time.Hour, nil, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}))
	manager.Register(nil)
	manager.Start()
	manager.Start()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}

	manager.Stop()
	done := make(chan struct{})
	go func() {
		manager.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManager_CronJobs(t *testing.T) {
	manager := NewManager(context.Background())
	noop := func(context.Context) error { return nil }
	manager.Register(NewLockedCronJob("savings", "5 0 * * *", nil, noop))
	manager.Register(NewLockedCronJob("broken", "not a cron", nil, noop))

	assert.Equal(t, []string{"savings", "broken"}, manager.Jobs())

	manager.Start()
	assert.Len(t, manager.cron.Entries(), 1, "invalid schedules are skipped")
	manager.Stop()
	manager.Wait()
}
