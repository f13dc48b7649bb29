package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"marketwatch/internal/config"
	"marketwatch/internal/dedup"
	"marketwatch/internal/imagecache"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *counter) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = make(map[string]int)
	}
	c.n[name]++
}

func (c *counter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[name]
}

type fakeRestarter struct {
	c   *counter
	err error
}

func (f *fakeRestarter) ScheduledRestart(ctx context.Context) error {
	f.c.inc("restart")
	return f.err
}

type fakeSeen struct{ c *counter }

func (f *fakeSeen) FlushToDurable(ctx context.Context) (int, error) {
	f.c.inc("flush")
	return 0, nil
}

func (f *fakeSeen) RetentionSweep(ctx context.Context) (dedup.SweepResult, error) {
	f.c.inc("retention")
	return dedup.SweepResult{Expired: 2}, nil
}

func (f *fakeSeen) PruneGlobal() int {
	f.c.inc("prune_global")
	return 0
}

type fakeImages struct{ c *counter }

func (f *fakeImages) Sweep() (imagecache.SweepResult, error) {
	f.c.inc("image_sweep")
	return imagecache.SweepResult{}, nil
}

func (f *fakeImages) Prune() int {
	f.c.inc("image_prune")
	return 0
}

func newScheduler(iv Intervals) (*Scheduler, *counter, *fakeRestarter) {
	c := &counter{}
	r := &fakeRestarter{c: c}
	return New(r, &fakeSeen{c}, &fakeImages{c}, iv), c, r
}

func TestJobsRunOnTheirIntervals(t *testing.T) {
	s, c, _ := newScheduler(Intervals{
		Flush:      5 * time.Millisecond,
		Retention:  5 * time.Millisecond,
		ImageSweep: 5 * time.Millisecond,
	})
	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return c.get("flush") >= 2 && c.get("retention") >= 2 && c.get("image_sweep") >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, c.get("restart"), "disabled job must not run")
}

func TestStopIsIdempotent(t *testing.T) {
	s, _, _ := newScheduler(Intervals{Flush: time.Hour})
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestUpdateIntervalsEnablesJob(t *testing.T) {
	s, c, _ := newScheduler(Intervals{})
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, c.get("restart"))

	s.UpdateIntervals(Intervals{Restart: 5 * time.Millisecond})
	assert.Eventually(t, func() bool { return c.get("restart") >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestReloadFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	iv := IntervalsFromConfig(cfg)
	assert.Equal(t, 45*time.Minute, iv.Restart)
	assert.Equal(t, time.Hour, iv.Retention)
	assert.Equal(t, 1024, iv.MemoryLimitMB)

	s, _, _ := newScheduler(iv)
	cfg.Scheduler.RestartInterval = "10m"
	s.Reload(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 10*time.Minute, s.intervals.Restart)
}

func TestRunNowRecordsFailures(t *testing.T) {
	s, c, r := newScheduler(Intervals{})
	r.err = errors.New("relaunch failed")

	err := s.RunNow(context.Background(), JobRestart)
	require.Error(t, err)
	assert.Equal(t, 1, c.get("restart"))

	st := s.Stats()[JobRestart]
	assert.Equal(t, 1, st.Runs)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, "relaunch failed", st.LastError)
}

func TestMemoryCheck(t *testing.T) {
	tests := []struct {
		name    string
		limitMB int
		heapMB  uint64
		relief  bool
	}{
		{"under limit", 100, 50, false},
		{"over limit", 100, 150, true},
		{"disabled", 0, 5000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, c, _ := newScheduler(Intervals{MemoryLimitMB: tt.limitMB})
			s.heapBytes = func() uint64 { return tt.heapMB << 20 }

			require.NoError(t, s.RunNow(context.Background(), JobMemoryCheck))
			want := 0
			if tt.relief {
				want = 1
			}
			assert.Equal(t, want, c.get("flush"))
			assert.Equal(t, want, c.get("prune_global"))
			assert.Equal(t, want, c.get("image_prune"))
		})
	}
}

func TestNilDependenciesSkipJobs(t *testing.T) {
	s := New(nil, nil, nil, Intervals{Restart: time.Millisecond})
	require.Len(t, s.jobs, 1)
	assert.Equal(t, JobMemoryCheck, s.jobs[0].name)
	assert.NoError(t, s.RunNow(context.Background(), JobRestart))
}
