package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobFunc is one run of a periodic job. It must return promptly once ctx
// is cancelled.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc

	running  bool
	runs     int
	failures int
	skipped  int
	lastErr  string
}

// Scheduler runs registered jobs periodically until stopped.
type Scheduler struct {
	config *Config
	logger *zap.Logger

	// Worker pool state
	mu     sync.Mutex
	active int
	jobs   []*job

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a new scheduler.
func New(cfg *Config, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers fn to run once at start and then every interval. Jobs
// must be registered before Start.
func (sch *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}

	sch.mu.Lock()
	defer sch.mu.Unlock()

	if sch.started {
		return fmt.Errorf("job %s: scheduler already started", name)
	}
	for _, j := range sch.jobs {
		if j.name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}
	sch.jobs = append(sch.jobs, &job{name: name, interval: interval, fn: fn})
	return nil
}

// Start begins running the registered jobs.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	sch.started = true
	jobs := append([]*job(nil), sch.jobs...)
	sch.mu.Unlock()

	for _, j := range jobs {
		sch.wg.Add(1)
		go sch.jobLoop(j)
	}
	sch.logger.Info("scheduler started", zap.Int("jobs", len(jobs)))
}

// Stop cancels running jobs and waits for them to return.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// jobLoop runs one job on its own ticker.
func (sch *Scheduler) jobLoop(j *job) {
	defer sch.wg.Done()

	sch.dispatch(j)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.dispatch(j)
		}
	}
}

// dispatch runs j unless it is still running from a previous tick or the
// global limit is reached.
func (sch *Scheduler) dispatch(j *job) {
	sch.mu.Lock()
	if j.running || sch.active >= sch.config.GlobalMax {
		j.skipped++
		sch.mu.Unlock()
		sch.logger.Debug("job skipped", zap.String("job", j.name))
		return
	}
	j.running = true
	sch.active++
	sch.mu.Unlock()

	sch.wg.Add(1)
	go sch.runJob(j)
}

func (sch *Scheduler) runJob(j *job) {
	defer sch.wg.Done()

	// Each run is bounded by its interval so a hung run cannot block the next.
	ctx, cancel := context.WithTimeout(sch.ctx, j.interval)
	defer cancel()

	err := j.fn(ctx)

	sch.mu.Lock()
	j.running = false
	sch.active--
	j.runs++
	if err != nil {
		j.failures++
		j.lastErr = err.Error()
	}
	sch.mu.Unlock()

	if err != nil && sch.ctx.Err() == nil {
		sch.logger.Warn("job failed", zap.String("job", j.name), zap.Error(err))
	}
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	jobs := make(map[string]interface{}, len(sch.jobs))
	for _, j := range sch.jobs {
		jobs[j.name] = map[string]interface{}{
			"runs":       j.runs,
			"failures":   j.failures,
			"skipped":    j.skipped,
			"running":    j.running,
			"last_error": j.lastErr,
		}
	}

	return map[string]interface{}{
		"active_jobs": sch.active,
		"global_max":  sch.config.GlobalMax,
		"jobs":        jobs,
	}
}
