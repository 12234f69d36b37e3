package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rtctx "github.com/pbxbilling/callrater/internal/context"
	"github.com/pbxbilling/callrater/internal/metrics"
)

func stopWithin(t *testing.T, s Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestRunAtStartJobRunsOnFirstTick(t *testing.T) {
	runtime := rtctx.NewRuntimeContext()
	var runs atomic.Int32
	s := NewScheduler(runtime, nil, 5*time.Millisecond, Job{
		Name:       "rating",
		Interval:   time.Hour,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	stopWithin(t, s)

	// The hour-long interval means no second run.
	assert.Equal(t, int32(1), runs.Load())
	jobRuns := runtime.GetJobRunsSnapshot()
	require.Len(t, jobRuns, 1)
	assert.Equal(t, "rating", jobRuns[0].Name)
	assert.Equal(t, 1, jobRuns[0].TotalRuns)
	assert.Empty(t, jobRuns[0].Error)
}

func TestJobWithoutRunAtStartWaitsForInterval(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(nil, nil, 5*time.Millisecond, Job{
		Name:     "purge",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	stopWithin(t, s)
	assert.Zero(t, runs.Load())
}

func TestJobRepeatsOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(nil, nil, 2*time.Millisecond, Job{
		Name:       "overdue",
		Interval:   10 * time.Millisecond,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 2*time.Millisecond)
	stopWithin(t, s)
}

func TestJobNeverOverlapsItself(t *testing.T) {
	var active, maxActive, runs atomic.Int32
	s := NewScheduler(nil, nil, time.Millisecond, Job{
		Name:       "invoice",
		Interval:   time.Millisecond,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			current := active.Add(1)
			defer active.Add(-1)
			for {
				seen := maxActive.Load()
				if current <= seen || maxActive.CompareAndSwap(seen, current) {
					break
				}
			}
			runs.Add(1)
			time.Sleep(15 * time.Millisecond)
			return nil
		},
	})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, time.Millisecond)
	stopWithin(t, s)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestFailuresAndPanicsAreRecorded(t *testing.T) {
	runtime := rtctx.NewRuntimeContext()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	s := NewScheduler(runtime, m, 5*time.Millisecond,
		Job{
			Name:       "tenant-reconcile",
			Interval:   time.Hour,
			RunAtStart: true,
			Run:        func(ctx context.Context) error { return errors.New("db down") },
		},
		Job{
			Name:       "rating",
			Interval:   time.Hour,
			RunAtStart: true,
			Run:        func(ctx context.Context) error { panic("nil rate") },
		},
	)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(runtime.GetJobRunsSnapshot()) == 2 }, time.Second, 5*time.Millisecond)
	stopWithin(t, s)

	jobRuns := runtime.GetJobRunsSnapshot()
	assert.Equal(t, "rating", jobRuns[0].Name)
	assert.Contains(t, jobRuns[0].Error, "nil rate")
	assert.Equal(t, "tenant-reconcile", jobRuns[1].Name)
	assert.Equal(t, "db down", jobRuns[1].Error)
	assert.Equal(t, 1, jobRuns[1].TotalFails)

	assert.Equal(t, 2, testutil.CollectAndCount(registry, "callrater_scheduler_job_runs_total"))
}

func TestStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	s := NewScheduler(nil, nil, 5*time.Millisecond, Job{
		Name:       "invoice",
		Interval:   time.Hour,
		RunAtStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	})

	require.NoError(t, s.Start(context.Background()))
	<-started
	stopWithin(t, s)
	assert.True(t, cancelled.Load())

	// A second Stop is a no-op.
	stopWithin(t, s)
}

func TestInvalidJobsAreDropped(t *testing.T) {
	s := NewScheduler(nil, nil, 0,
		Job{Name: "", Interval: time.Second, Run: func(context.Context) error { return nil }},
		Job{Name: "no-interval", Run: func(context.Context) error { return nil }},
		Job{Name: "no-run", Interval: time.Second},
		Job{Name: "ok", Interval: time.Second, Run: func(context.Context) error { return nil }},
	).(*schedulerImpl)

	require.Len(t, s.jobs, 1)
	assert.Equal(t, "ok", s.jobs[0].job.Name)
	assert.Equal(t, time.Second, s.tickInterval)
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	s := NewScheduler(nil, nil, time.Millisecond)
	assert.NoError(t, s.Stop(context.Background()))
}
