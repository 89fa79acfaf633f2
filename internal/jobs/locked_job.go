package jobs

import (
	"context"
	"time"

	"spotfleet/pkg/lock"
	"spotfleet/pkg/logger"
	"spotfleet/pkg/metrics"
)

// RunFunc is the body of a background job
type RunFunc func(ctx context.Context) error

// LockedJob runs fn on an interval while holding a distributed lock, so with
// several coordinator replicas each cycle runs on at most one of them.
type LockedJob struct {
	name     string
	interval time.Duration
	schedule string
	locker   lock.Locker
	fn       RunFunc
}

// NewLockedJob creates an interval job. locker may be nil.
func NewLockedJob(name string, interval time.Duration, locker lock.Locker, fn RunFunc) *LockedJob {
	return &LockedJob{name: name, interval: interval, locker: locker, fn: fn}
}

// NewLockedCronJob creates a job fired by a cron expression in UTC
func NewLockedCronJob(name, schedule string, locker lock.Locker, fn RunFunc) *LockedCronJob {
	return &LockedCronJob{LockedJob{name: name, schedule: schedule, locker: locker, fn: fn}}
}

func (j *LockedJob) Name() string {
	return j.name
}

func (j *LockedJob) Interval() time.Duration {
	return j.interval
}

func (j *LockedJob) Run(ctx context.Context) error {
	if j.locker != nil {
		acquired, err := j.locker.TryLock(ctx)
		if err != nil || !acquired {
			logger.DebugCtx(ctx, "another instance is running %s, skipping this cycle", j.name)
			return nil
		}
		defer j.locker.Unlock(ctx)
	}

	start := time.Now()
	err := j.fn(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.JobDuration.WithLabelValues(j.name, result).Observe(time.Since(start).Seconds())
	return err
}

// LockedCronJob is a LockedJob scheduled by cron expression
type LockedCronJob struct {
	LockedJob
}

func (j *LockedCronJob) Schedule() string {
	return j.schedule
}
