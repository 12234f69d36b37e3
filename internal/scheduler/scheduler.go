// Package scheduler runs the periodic batch jobs of callrater.
//
// The scheduler is responsible for:
//   - Ticking at a fixed resolution and deciding which jobs are due
//   - Running each due job in its own goroutine, never overlapping a job
//     with itself
//   - Recording each run in the RuntimeContext and in metrics
//   - Cancelling in-flight runs on Stop and waiting for them to return
//
// Jobs are plain functions; the app package builds them from the rating,
// tenant, invoice and tracker services.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	rtctx "github.com/pbxbilling/callrater/internal/context"
	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/metrics"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// RunAtStart makes the first run happen on the first tick instead of
	// one Interval after Start.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler controls periodic job execution.
type Scheduler interface {
	// Start launches the scheduler loop in a background goroutine. It returns
	// immediately after successful start.
	Start(ctx context.Context) error

	// Stop requests the scheduler to stop, cancels running jobs and waits
	// for them to exit. It is safe to call Stop() multiple times.
	Stop(ctx context.Context) error
}

type jobState struct {
	job       Job
	nextDueAt time.Time
	running   bool
}

// schedulerImpl is the concrete implementation of Scheduler.
type schedulerImpl struct {
	runtimeContext rtctx.RuntimeContext
	metrics        *metrics.Metrics

	// tickInterval controls how often we evaluate jobs.
	tickInterval time.Duration
	now          func() time.Time

	mutexForJobs sync.Mutex
	jobs         []*jobState

	startStopMutex sync.Mutex
	started        bool
	runCtx         context.Context
	cancelRuns     context.CancelFunc
	inFlight       sync.WaitGroup
	stopChannel    chan struct{}
	stoppedChannel chan struct{}
}

// NewScheduler creates a Scheduler for jobs. Jobs without a name, a
// positive interval or a Run function are dropped with a warning.
func NewScheduler(
	runtimeContext rtctx.RuntimeContext,
	m *metrics.Metrics,
	tickInterval time.Duration,
	jobs ...Job,
) Scheduler {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}

	schedulerInstance := &schedulerImpl{
		runtimeContext: runtimeContext,
		metrics:        m,
		tickInterval:   tickInterval,
		now:            time.Now,
		stopChannel:    make(chan struct{}),
		stoppedChannel: make(chan struct{}),
	}
	for _, job := range jobs {
		if job.Name == "" || job.Interval <= 0 || job.Run == nil {
			logger.SchedulerLog.Warnf("job %q dropped: needs a name, a positive interval and a Run func", job.Name)
			continue
		}
		schedulerInstance.jobs = append(schedulerInstance.jobs, &jobState{job: job})
	}
	return schedulerInstance
}

// Start implements Scheduler.Start.
func (schedulerInstance *schedulerImpl) Start(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if schedulerInstance.started {
		logger.SchedulerLog.Warn("Scheduler.Start called more than once; ignoring subsequent call")
		return nil
	}
	schedulerInstance.started = true
	schedulerInstance.runCtx, schedulerInstance.cancelRuns = context.WithCancel(context.Background())

	now := schedulerInstance.now()
	schedulerInstance.mutexForJobs.Lock()
	for _, state := range schedulerInstance.jobs {
		state.nextDueAt = now.Add(state.job.Interval)
		if state.job.RunAtStart {
			state.nextDueAt = now
		}
	}
	schedulerInstance.mutexForJobs.Unlock()

	go schedulerInstance.runLoop()

	logger.SchedulerLog.Infof("Scheduler started jobs=%d", len(schedulerInstance.jobs))
	return nil
}

// Stop implements Scheduler.Stop.
func (schedulerInstance *schedulerImpl) Stop(ctx context.Context) error {
	schedulerInstance.startStopMutex.Lock()
	defer schedulerInstance.startStopMutex.Unlock()

	if !schedulerInstance.started {
		return nil
	}

	select {
	case <-schedulerInstance.stopChannel:
		// Already closing or closed.
	default:
		close(schedulerInstance.stopChannel)
		schedulerInstance.cancelRuns()
	}

	// Wait for the loop and running jobs to exit or for the context to expire.
	select {
	case <-schedulerInstance.stoppedChannel:
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.SchedulerLog.Info("Scheduler stopped")
	return nil
}

// runLoop evaluates jobs until stopChannel is closed, then waits for
// in-flight runs.
func (schedulerInstance *schedulerImpl) runLoop() {
	defer close(schedulerInstance.stoppedChannel)
	defer schedulerInstance.inFlight.Wait()

	ticker := time.NewTicker(schedulerInstance.tickInterval)
	defer ticker.Stop()

	schedulerInstance.processTick()
	for {
		select {
		case <-schedulerInstance.stopChannel:
			return
		case <-ticker.C:
			schedulerInstance.processTick()
		}
	}
}

// processTick starts every job that is due and not already running.
func (schedulerInstance *schedulerImpl) processTick() {
	now := schedulerInstance.now()

	schedulerInstance.mutexForJobs.Lock()
	defer schedulerInstance.mutexForJobs.Unlock()

	for _, state := range schedulerInstance.jobs {
		if state.running || now.Before(state.nextDueAt) {
			continue
		}
		state.running = true
		state.nextDueAt = now.Add(state.job.Interval)

		schedulerInstance.inFlight.Add(1)
		go schedulerInstance.execute(state)
	}
}

func (schedulerInstance *schedulerImpl) execute(state *jobState) {
	defer schedulerInstance.inFlight.Done()

	startedAt := schedulerInstance.now()
	err := runGuarded(schedulerInstance.runCtx, state.job)
	elapsed := time.Since(startedAt)

	schedulerInstance.mutexForJobs.Lock()
	state.running = false
	schedulerInstance.mutexForJobs.Unlock()

	if schedulerInstance.runtimeContext != nil {
		schedulerInstance.runtimeContext.RecordJobRun(state.job.Name, startedAt, elapsed, err)
	}
	schedulerInstance.metrics.JobRun(state.job.Name, err)

	if err != nil {
		logger.SchedulerLog.Errorf("job %s failed after %s: %v", state.job.Name, elapsed, err)
		return
	}
	logger.SchedulerLog.Debugf("job %s done in %s", state.job.Name, elapsed)
}

// runGuarded turns a panicking job into an error so one bad run does not
// take the process down.
func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &panicError{job: job.Name, value: recovered}
		}
	}()
	return job.Run(ctx)
}

type panicError struct {
	job   string
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("job %s panicked: %v", e.job, e.value)
}
