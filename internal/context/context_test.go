package context

import (
	stdctx "context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStates(t *testing.T) {
	runtime := NewRuntimeContext()
	runtime.RegisterConnection("pbx-b")
	runtime.RegisterConnection("pbx-a")

	snapshot := runtime.GetConnectionsSnapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "pbx-a", snapshot[0].Name)
	assert.False(t, snapshot[0].Connected)

	runtime.MarkConnectionUp("pbx-a")
	seen := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	runtime.TouchConnection("pbx-a", seen)
	runtime.MarkConnectionDown("pbx-a", errors.New("read: connection reset"))
	runtime.MarkConnectionDown("pbx-a", errors.New("dial: refused"))

	state := runtime.GetConnectionsSnapshot()[0]
	assert.False(t, state.Connected)
	assert.Equal(t, 1, state.Disconnects)
	assert.Equal(t, "dial: refused", state.LastError)
	assert.Equal(t, seen, state.LastEventAt)

	runtime.MarkConnectionUp("pbx-a")
	state = runtime.GetConnectionsSnapshot()[0]
	assert.True(t, state.Connected)
	assert.Empty(t, state.LastError)
}

func TestJobRuns(t *testing.T) {
	runtime := NewRuntimeContext()
	started := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	runtime.RecordJobRun("rating", started, time.Second, nil)
	runtime.RecordJobRun("rating", started.Add(time.Minute), 2*time.Second, errors.New("db down"))
	runtime.RecordJobRun("purge", started, time.Millisecond, nil)

	runs := runtime.GetJobRunsSnapshot()
	require.Len(t, runs, 2)
	assert.Equal(t, "purge", runs[0].Name)
	assert.Equal(t, "rating", runs[1].Name)
	assert.Equal(t, 2, runs[1].TotalRuns)
	assert.Equal(t, 1, runs[1].TotalFails)
	assert.Equal(t, "db down", runs[1].Error)
	assert.Equal(t, started.Add(time.Minute), runs[1].StartedAt)
}

func TestShutdownFlag(t *testing.T) {
	runtime := NewRuntimeContext()
	assert.False(t, runtime.IsShutdownRequested())
	runtime.SetShutdownRequested(stdctx.Background(), true)
	assert.True(t, runtime.IsShutdownRequested())
}
