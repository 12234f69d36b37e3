// Package context holds the in-memory runtime state of callrater, including:
//   - telephony-manager connection states (up/down, last event, last error)
//   - the last run of each periodic job
//   - shutdown flags and basic lifecycle helpers.
//
// Call state itself is never kept here; it lives in the store.
//
// Note: This package is named "context", so we alias the standard library
// "context" package to avoid name collisions.
package context

import (
	stdctx "context"
	"sort"
	"sync"
	"time"

	"github.com/pbxbilling/callrater/internal/logger"
)

// ConnectionState describes one telephony-manager connection.
type ConnectionState struct {
	Name          string    `json:"name"`
	Connected     bool      `json:"connected"`
	ConnectedAt   time.Time `json:"connectedAt,omitempty"`
	LastEventAt   time.Time `json:"lastEventAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	Disconnects   int       `json:"disconnects"`
	LastChangedAt time.Time `json:"lastChangedAt"`
}

// JobRun is the outcome of the latest execution of a periodic job.
type JobRun struct {
	Name       string        `json:"name"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	TotalRuns  int           `json:"totalRuns"`
	TotalFails int           `json:"totalFails"`
}

// RuntimeContext provides concurrency-safe accessors to connection states,
// job runs and the shutdown flag. It implements ami.ConnectionObserver.
type RuntimeContext interface {
	// ---- Connection state ----

	// RegisterConnection makes a configured connection visible as down
	// before its first dial.
	RegisterConnection(name string)

	MarkConnectionUp(name string)
	MarkConnectionDown(name string, cause error)
	TouchConnection(name string, at time.Time)

	// GetConnectionsSnapshot returns a copy of all connection states sorted
	// by name.
	GetConnectionsSnapshot() []ConnectionState

	// ---- Job runs ----

	RecordJobRun(name string, startedAt time.Time, duration time.Duration, err error)
	GetJobRunsSnapshot() []JobRun

	// ---- Shutdown flag ----

	// SetShutdownRequested marks whether a graceful shutdown has been requested.
	SetShutdownRequested(ctx stdctx.Context, requested bool)

	// IsShutdownRequested returns true if shutdown has been requested.
	IsShutdownRequested() bool
}

// runtimeContextImpl is the concrete implementation of RuntimeContext.
// It keeps all state in memory guarded by RWMutexes.
type runtimeContextImpl struct {
	mutexForConnections sync.RWMutex
	connectionsByName   map[string]*ConnectionState

	mutexForJobs sync.RWMutex
	jobsByName   map[string]*JobRun

	mutexForShutdown  sync.RWMutex
	shutdownRequested bool

	now func() time.Time
}

// NewRuntimeContext creates a new, empty RuntimeContext.
func NewRuntimeContext() RuntimeContext {
	return &runtimeContextImpl{
		connectionsByName: make(map[string]*ConnectionState),
		jobsByName:        make(map[string]*JobRun),
		now:               time.Now,
	}
}

// -----------------------------------------------------------------------------
// Connection state
// -----------------------------------------------------------------------------

func (runtime *runtimeContextImpl) RegisterConnection(name string) {
	runtime.mutexForConnections.Lock()
	defer runtime.mutexForConnections.Unlock()
	runtime.connectionLocked(name)
}

func (runtime *runtimeContextImpl) MarkConnectionUp(name string) {
	runtime.mutexForConnections.Lock()
	defer runtime.mutexForConnections.Unlock()

	state := runtime.connectionLocked(name)
	now := runtime.now().UTC()
	state.Connected = true
	state.ConnectedAt = now
	state.LastError = ""
	state.LastChangedAt = now

	logger.ContextLog.Infof("connection up name=%s", name)
}

func (runtime *runtimeContextImpl) MarkConnectionDown(name string, cause error) {
	runtime.mutexForConnections.Lock()
	defer runtime.mutexForConnections.Unlock()

	state := runtime.connectionLocked(name)
	if state.Connected {
		state.Disconnects++
	}
	state.Connected = false
	if cause != nil {
		state.LastError = cause.Error()
	}
	state.LastChangedAt = runtime.now().UTC()

	logger.ContextLog.Debugf("connection down name=%s cause=%v", name, cause)
}

func (runtime *runtimeContextImpl) TouchConnection(name string, at time.Time) {
	runtime.mutexForConnections.Lock()
	defer runtime.mutexForConnections.Unlock()
	runtime.connectionLocked(name).LastEventAt = at.UTC()
}

func (runtime *runtimeContextImpl) GetConnectionsSnapshot() []ConnectionState {
	runtime.mutexForConnections.RLock()
	defer runtime.mutexForConnections.RUnlock()

	result := make([]ConnectionState, 0, len(runtime.connectionsByName))
	for _, state := range runtime.connectionsByName {
		result = append(result, *state)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// connectionLocked assumes mutexForConnections is held for writing.
func (runtime *runtimeContextImpl) connectionLocked(name string) *ConnectionState {
	state, exists := runtime.connectionsByName[name]
	if !exists {
		state = &ConnectionState{Name: name, LastChangedAt: runtime.now().UTC()}
		runtime.connectionsByName[name] = state
	}
	return state
}

// -----------------------------------------------------------------------------
// Job runs
// -----------------------------------------------------------------------------

func (runtime *runtimeContextImpl) RecordJobRun(name string, startedAt time.Time, duration time.Duration, err error) {
	runtime.mutexForJobs.Lock()
	defer runtime.mutexForJobs.Unlock()

	run, exists := runtime.jobsByName[name]
	if !exists {
		run = &JobRun{Name: name}
		runtime.jobsByName[name] = run
	}
	run.StartedAt = startedAt.UTC()
	run.Duration = duration
	run.TotalRuns++
	run.Error = ""
	if err != nil {
		run.Error = err.Error()
		run.TotalFails++
	}
}

func (runtime *runtimeContextImpl) GetJobRunsSnapshot() []JobRun {
	runtime.mutexForJobs.RLock()
	defer runtime.mutexForJobs.RUnlock()

	result := make([]JobRun, 0, len(runtime.jobsByName))
	for _, run := range runtime.jobsByName {
		result = append(result, *run)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// -----------------------------------------------------------------------------
// Shutdown flag
// -----------------------------------------------------------------------------

// SetShutdownRequested implements RuntimeContext.SetShutdownRequested.
func (runtime *runtimeContextImpl) SetShutdownRequested(
	ctx stdctx.Context,
	requested bool,
) {
	runtime.mutexForShutdown.Lock()
	defer runtime.mutexForShutdown.Unlock()
	runtime.shutdownRequested = requested

	logger.ContextLog.Infof("shutdown requested=%t", requested)
}

// IsShutdownRequested implements RuntimeContext.IsShutdownRequested.
func (runtime *runtimeContextImpl) IsShutdownRequested() bool {
	runtime.mutexForShutdown.RLock()
	defer runtime.mutexForShutdown.RUnlock()
	return runtime.shutdownRequested
}
