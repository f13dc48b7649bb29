// Package scheduler runs the periodic maintenance jobs: scheduled browser
// restarts, dedup flushes and retention sweeps, image directory sweeps and
// the memory pressure check.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"marketwatch/internal/config"
	"marketwatch/internal/dedup"
	"marketwatch/internal/imagecache"
	"marketwatch/internal/logging"
)

// Job names.
const (
	JobRestart     = "restart"
	JobFlush       = "flush"
	JobRetention   = "retention"
	JobImageSweep  = "image_sweep"
	JobMemoryCheck = "memory_check"
)

// Restarter performs the scheduled browser restart.
type Restarter interface {
	ScheduledRestart(ctx context.Context) error
}

// Seen is the dedup store as seen by maintenance jobs.
type Seen interface {
	FlushToDurable(ctx context.Context) (int, error)
	RetentionSweep(ctx context.Context) (dedup.SweepResult, error)
	PruneGlobal() int
}

// Images is the image cache as seen by maintenance jobs.
type Images interface {
	Sweep() (imagecache.SweepResult, error)
	Prune() int
}

// Intervals configures how often each job runs. A zero interval disables the
// job.
type Intervals struct {
	Restart       time.Duration
	Flush         time.Duration
	Retention     time.Duration
	ImageSweep    time.Duration
	MemoryCheck   time.Duration
	MemoryLimitMB int
}

// IntervalsFromConfig reads the job intervals from cfg.
func IntervalsFromConfig(cfg *config.Config) Intervals {
	return Intervals{
		Restart:       cfg.GetRestartInterval(),
		Flush:         cfg.GetFlushInterval(),
		Retention:     cfg.GetSweepInterval(),
		ImageSweep:    cfg.GetImageSweepInterval(),
		MemoryCheck:   cfg.GetMemoryCheckInterval(),
		MemoryLimitMB: cfg.Scheduler.MemoryLimitMB,
	}
}

func (iv Intervals) of(name string) time.Duration {
	switch name {
	case JobRestart:
		return iv.Restart
	case JobFlush:
		return iv.Flush
	case JobRetention:
		return iv.Retention
	case JobImageSweep:
		return iv.ImageSweep
	case JobMemoryCheck:
		return iv.MemoryCheck
	}
	return 0
}

// JobStats counts runs of one job.
type JobStats struct {
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	LastRunAt time.Time `json:"lastRunAt,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type job struct {
	name  string
	run   func(ctx context.Context) error
	reset chan time.Duration
}

// Scheduler owns one goroutine per enabled job.
type Scheduler struct {
	restarter Restarter
	seen      Seen
	images    Images
	// heapBytes reports current heap usage.
	heapBytes func() uint64

	mu        sync.Mutex
	intervals Intervals
	jobs      []*job
	stats     map[string]JobStats
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a scheduler. Any of restarter, seen and images may be nil; the
// jobs that need them are skipped.
func New(restarter Restarter, seen Seen, images Images, iv Intervals) *Scheduler {
	s := &Scheduler{
		restarter: restarter,
		seen:      seen,
		images:    images,
		heapBytes: heapAlloc,
		intervals: iv,
		stats:     make(map[string]JobStats),
	}
	if restarter != nil {
		s.add(JobRestart, s.restart)
	}
	if seen != nil {
		s.add(JobFlush, s.flush)
		s.add(JobRetention, s.retention)
	}
	if images != nil {
		s.add(JobImageSweep, s.imageSweep)
	}
	s.add(JobMemoryCheck, s.memoryCheck)
	return s
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

func (s *Scheduler) add(name string, run func(ctx context.Context) error) {
	s.jobs = append(s.jobs, &job{name: name, run: run, reset: make(chan time.Duration, 1)})
}

// Start launches the job goroutines. It is a no-op when already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	iv := s.intervals
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, j := range s.jobs {
		wg.Add(1)
		go func(j *job, every time.Duration) {
			defer wg.Done()
			s.loop(ctx, j, every)
		}(j, iv.of(j.name))
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	logging.Scheduler("scheduler started with %d jobs", len(s.jobs))
}

// Stop cancels all jobs and waits for them to return. A job that is mid-run
// is given its context's cancellation and waited for.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logging.Scheduler("scheduler stopped")
}

// UpdateIntervals changes job intervals. Running jobs pick up the new value
// on their next tick.
func (s *Scheduler) UpdateIntervals(iv Intervals) {
	s.mu.Lock()
	old := s.intervals
	s.intervals = iv
	s.mu.Unlock()

	for _, j := range s.jobs {
		next := iv.of(j.name)
		if next == old.of(j.name) {
			continue
		}
		logging.Scheduler("job %s interval %s -> %s", j.name, old.of(j.name), next)
		select {
		case <-j.reset:
		default:
		}
		j.reset <- next
	}
}

// Reload applies a reloaded config. It matches config.Watcher's subscriber
// signature.
func (s *Scheduler) Reload(cfg *config.Config) {
	s.UpdateIntervals(IntervalsFromConfig(cfg))
}

// Stats returns per-job run counters.
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out
}

// RunNow runs one job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.name == name {
			return s.runJob(ctx, j)
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j *job, every time.Duration) {
	var tick <-chan time.Time
	var ticker *time.Ticker
	arm := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	arm(every)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-j.reset:
			arm(d)
		case <-tick:
			_ = s.runJob(ctx, j)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job) error {
	err := j.run(ctx)
	s.mu.Lock()
	st := s.stats[j.name]
	st.Runs++
	st.LastRunAt = time.Now()
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.stats[j.name] = st
	s.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		logging.Get(logging.CategoryScheduler).Warn("job %s failed: %v", j.name, err)
	}
	return err
}

func (s *Scheduler) restart(ctx context.Context) error {
	logging.Scheduler("scheduled browser restart")
	return s.restarter.ScheduledRestart(ctx)
}

func (s *Scheduler) flush(ctx context.Context) error {
	n, err := s.seen.FlushToDurable(ctx)
	if err != nil {
		return err
	}
	logging.Get(logging.CategoryScheduler).Debug("flushed %d seen urls", n)
	return nil
}

func (s *Scheduler) retention(ctx context.Context) error {
	res, err := s.seen.RetentionSweep(ctx)
	if err != nil {
		return err
	}
	if res.Expired > 0 || res.Legacy > 0 {
		logging.Scheduler("retention sweep removed %d expired and %d legacy rows (compacted: %v)",
			res.Expired, res.Legacy, res.Compacted)
	}
	return nil
}

func (s *Scheduler) imageSweep(ctx context.Context) error {
	res, err := s.images.Sweep()
	if err != nil {
		return err
	}
	if res.Expired > 0 || res.Duplicates > 0 {
		logging.Scheduler("image sweep removed %d expired and %d duplicate files, kept %d",
			res.Expired, res.Duplicates, res.Kept)
	}
	return nil
}

// memoryCheck relieves memory pressure once heap usage passes the limit: the
// global seen tier is flushed and trimmed and the image map pruned.
func (s *Scheduler) memoryCheck(ctx context.Context) error {
	s.mu.Lock()
	limit := s.intervals.MemoryLimitMB
	s.mu.Unlock()
	if limit <= 0 {
		return nil
	}
	used := s.heapBytes()
	if used < uint64(limit)<<20 {
		return nil
	}
	log := logging.Get(logging.CategoryScheduler)
	log.Warn("heap at %d MB exceeds limit %d MB, relieving pressure", used>>20, limit)

	var firstErr error
	if s.seen != nil {
		if _, err := s.seen.FlushToDurable(ctx); err != nil {
			firstErr = err
		}
		if n := s.seen.PruneGlobal(); n > 0 {
			log.Info("trimmed %d urls from the global seen tier", n)
		}
	}
	if s.images != nil {
		if n := s.images.Prune(); n > 0 {
			log.Info("pruned %d image map entries", n)
		}
	}
	runtime.GC()
	return firstErr
}
