package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"spotfleet/pkg/logger"
)

// Job represents a periodic background task.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// AlignedJob is a job that runs at aligned time boundaries (e.g., on the minute).
type AlignedJob interface {
	Job
	AlignToInterval() bool
}

// CronJob is a job driven by a standard five field cron expression in UTC
// instead of a fixed interval.
type CronJob interface {
	Job
	Schedule() string
}

// Manager orchestrates the lifecycle of background jobs.
type Manager struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    []Job
	cron    *cron.Cron
	started bool

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewManager creates a job manager bound to the provided context.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make([]Job, 0),
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// Register adds a job to the manager.
func (m *Manager) Register(job Job) {
	if job == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
}

// Jobs returns the registered job names in registration order.
func (m *Manager) Jobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.jobs))
	for _, job := range m.jobs {
		names = append(names, job.Name())
	}
	return names
}

// Start launches all registered jobs.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	jobs := append([]Job(nil), m.jobs...)
	m.mu.Unlock()

	scheduled := 0
	for _, job := range jobs {
		if cj, ok := job.(CronJob); ok {
			if err := m.schedule(cj); err != nil {
				logger.ErrorCtx(m.ctx, "job %s has invalid schedule %q, not started: %v", job.Name(), cj.Schedule(), err)
				continue
			}
			scheduled++
			continue
		}
		m.wg.Add(1)
		go m.runJob(job)
	}
	if scheduled > 0 {
		m.cron.Start()
	}
}

// Stop signals all jobs to stop.
func (m *Manager) Stop() {
	m.cancel()
	<-m.cron.Stop().Done()
}

// Wait blocks until all jobs exit.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) schedule(job CronJob) error {
	_, err := m.cron.AddFunc(job.Schedule(), func() {
		if m.ctx.Err() != nil {
			return
		}
		m.executeJob(job)
	})
	if err != nil {
		return err
	}
	logger.InfoCtx(m.ctx, "job %s scheduled with cron %q (UTC)", job.Name(), job.Schedule())
	return nil
}

func (m *Manager) runJob(job Job) {
	defer m.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	alignedJob, shouldAlign := job.(AlignedJob)
	if shouldAlign && alignedJob.AlignToInterval() {
		// Wait until next aligned time before first run
		now := time.Now()
		next := now.Truncate(interval).Add(interval)
		waitDuration := next.Sub(now)

		logger.InfoCtx(m.ctx, "job %s will start at next aligned time: %v (in %v)", job.Name(), next.Format("15:04:05"), waitDuration)

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(waitDuration):
			m.executeJob(job)
		}
	} else {
		// Run immediately once.
		m.executeJob(job)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.executeJob(job)
		}
	}
}

func (m *Manager) executeJob(job Job) {
	if err := job.Run(m.ctx); err != nil {
		logger.WarnCtx(m.ctx, "background job %s failed: %v", job.Name(), err)
	}
}
