package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxbilling/callrater/internal/ami"
	"github.com/pbxbilling/callrater/internal/invoice"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/rating"
	"github.com/pbxbilling/callrater/internal/storage"
	"github.com/pbxbilling/callrater/internal/tenant"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingCompletion struct {
	mutex   sync.Mutex
	records []model.CallRecord
}

func (completion *recordingCompletion) CallCompleted(ctx context.Context, record model.CallRecord) {
	completion.mutex.Lock()
	defer completion.mutex.Unlock()
	completion.records = append(completion.records, record)
}

type failingResolver struct{}

func (failingResolver) Resolve(ctx context.Context, accountCode, contextName string) (*uint64, error) {
	return nil, errors.New("directory offline")
}

func newChannel(uniqueID string, at time.Time) ami.NewChannelEvent {
	return ami.NewChannelEvent{
		UniqueID:    uniqueID,
		Channel:     "SIP/100-" + uniqueID,
		CallerIDNum: "100",
		Exten:       "+6281234567",
		AccountCode: "ACC-1",
		Context:     "acme-ctx",
		Time:        at,
	}
}

func bridge(uniqueID string, at time.Time) ami.BridgeEvent {
	return ami.BridgeEvent{UniqueID: uniqueID, Channel: "SIP/100-" + uniqueID, Time: at}
}

func hangup(uniqueID string, cause int, at time.Time) ami.HangupEvent {
	return ami.HangupEvent{UniqueID: uniqueID, Channel: "SIP/100-" + uniqueID, Cause: cause, Time: at}
}

func getCall(t *testing.T, store storage.Store, uniqueID string) *model.ActiveCall {
	call, err := store.GetActiveCall(context.Background(), uniqueID)
	require.NoError(t, err)
	return call
}

func TestAnsweredCallLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	acme := model.Tenant{Name: "Acme", AccountCode: "ACME", Context: "acme-ctx", Active: true}
	require.NoError(t, store.SaveTenant(ctx, &acme))
	completion := &recordingCompletion{}
	tracker := New("pbx-1", store, tenant.NewResolver(store), WithCompletionHandler(completion))

	tracker.HandleEvent(ctx, newChannel("1.1", t0))
	call := getCall(t, store, "1.1")
	assert.Equal(t, model.CallStateRinging, call.State)
	assert.Equal(t, "pbx-1", call.Connection)
	assert.True(t, t0.Equal(call.StartTime))
	require.NotNil(t, call.TenantID)
	assert.Equal(t, acme.ID, *call.TenantID)

	tracker.HandleEvent(ctx, bridge("1.1", t0.Add(5*time.Second)))
	call = getCall(t, store, "1.1")
	assert.Equal(t, model.CallStateAnswered, call.State)
	require.NotNil(t, call.AnswerTime)
	assert.True(t, t0.Add(5*time.Second).Equal(*call.AnswerTime))

	tracker.HandleEvent(ctx, hangup("1.1", 16, t0.Add(130*time.Second)))
	call = getCall(t, store, "1.1")
	assert.Equal(t, model.CallStateHangup, call.State)
	assert.Equal(t, int64(130), call.Duration)
	assert.Equal(t, 16, call.HangupCause)

	require.Len(t, completion.records, 1)
	record := completion.records[0]
	assert.Equal(t, "1.1", record.UniqueID)
	assert.Equal(t, model.DispositionAnswered, record.Disposition)
	assert.Equal(t, int64(130), record.Duration)
	assert.Equal(t, int64(125), record.BillableSeconds)
	assert.Equal(t, "+6281234567", record.Destination)
	assert.Equal(t, acme.ID, *record.TenantID)
	assert.NotZero(t, record.ID)

	stored, err := store.ListCallRecords(ctx, storage.CallRecordQuery{})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestUnansweredCallDispositionFromCause(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	completion := &recordingCompletion{}
	tracker := New("pbx-1", store, nil, WithCompletionHandler(completion))

	tracker.HandleEvent(ctx, newChannel("2.1", t0))
	tracker.HandleEvent(ctx, hangup("2.1", 17, t0.Add(20*time.Second)))

	require.Len(t, completion.records, 1)
	assert.Equal(t, model.DispositionBusy, completion.records[0].Disposition)
	assert.Equal(t, int64(20), completion.records[0].Duration)
	assert.Zero(t, completion.records[0].BillableSeconds)
	assert.Nil(t, completion.records[0].TenantID)
}

func TestDuplicateAndLateEventsAreNoops(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	completion := &recordingCompletion{}
	tracker := New("pbx-1", store, nil, WithCompletionHandler(completion))

	// Events for calls that were never seen.
	tracker.HandleEvent(ctx, bridge("ghost", t0))
	tracker.HandleEvent(ctx, hangup("ghost", 16, t0))
	_, err := store.GetActiveCall(ctx, "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tracker.HandleEvent(ctx, newChannel("3.1", t0))
	tracker.HandleEvent(ctx, newChannel("3.1", t0.Add(time.Second)))
	tracker.HandleEvent(ctx, bridge("3.1", t0.Add(2*time.Second)))
	tracker.HandleEvent(ctx, bridge("3.1", t0.Add(9*time.Second)))
	tracker.HandleEvent(ctx, hangup("3.1", 16, t0.Add(10*time.Second)))
	finished := getCall(t, store, "3.1")

	// Replayed after a reconnect.
	tracker.HandleEvent(ctx, newChannel("3.1", t0.Add(11*time.Second)))
	tracker.HandleEvent(ctx, bridge("3.1", t0.Add(12*time.Second)))
	tracker.HandleEvent(ctx, hangup("3.1", 17, t0.Add(60*time.Second)))

	after := getCall(t, store, "3.1")
	assert.Equal(t, model.CallStateHangup, after.State)
	assert.True(t, t0.Equal(after.StartTime))
	assert.True(t, t0.Add(2*time.Second).Equal(*after.AnswerTime))
	assert.True(t, finished.EndTime.Equal(*after.EndTime))
	assert.Equal(t, int64(10), after.Duration)
	assert.Equal(t, 16, after.HangupCause)
	assert.Len(t, completion.records, 1)
}

func TestReplayAfterPurgeDoesNotReviveCall(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	tracker := New("pbx-1", store, nil)

	tracker.HandleEvent(ctx, newChannel("3.2", t0))
	tracker.HandleEvent(ctx, hangup("3.2", 16, t0.Add(10*time.Second)))

	removed, err := PurgeFinished(ctx, store, time.Hour, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	tracker.HandleEvent(ctx, newChannel("3.2", t0.Add(3*time.Hour)))
	_, err = store.GetActiveCall(ctx, "3.2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHangupFromAnotherConnectionOnSharedStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	first := New("pbx-1", store, nil)
	second := New("pbx-2", store, nil)

	first.HandleEvent(ctx, newChannel("4.1", t0))
	second.HandleEvent(ctx, newChannel("4.1", t0))
	second.HandleEvent(ctx, hangup("4.1", 16, t0.Add(3*time.Second)))

	call := getCall(t, store, "4.1")
	assert.Equal(t, "pbx-1", call.Connection)
	assert.Equal(t, model.CallStateHangup, call.State)
}

func TestEventTimesBeforeStartAreClamped(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	tracker := New("pbx-1", store, nil)

	tracker.HandleEvent(ctx, newChannel("5.1", t0))
	tracker.HandleEvent(ctx, bridge("5.1", t0.Add(-time.Second)))
	tracker.HandleEvent(ctx, hangup("5.1", 16, t0.Add(-time.Second)))

	call := getCall(t, store, "5.1")
	assert.True(t, t0.Equal(*call.AnswerTime))
	assert.True(t, t0.Equal(*call.EndTime))
	assert.Zero(t, call.Duration)
}

func TestTenantLookupFailureStillTracksCall(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	tracker := New("pbx-1", store, failingResolver{})

	tracker.HandleEvent(ctx, newChannel("6.1", t0))

	call := getCall(t, store, "6.1")
	assert.Equal(t, model.CallStateRinging, call.State)
	assert.Nil(t, call.TenantID)
}

func TestCallRecordsCanBeDisabled(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	completion := &recordingCompletion{}
	tracker := New("pbx-1", store, nil, WithCallRecords(false), WithCompletionHandler(completion))

	tracker.HandleEvent(ctx, newChannel("7.1", t0))
	tracker.HandleEvent(ctx, hangup("7.1", 16, t0.Add(time.Second)))

	count, err := store.CountCallRecords(ctx, storage.CallRecordQuery{})
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Empty(t, completion.records)
}

func TestHangupRatesCompletedCall(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rule := model.RateRule{Prefix: "6281", RateType: model.RateTypePerSecond, UnitPrice: decimal.NewFromInt(5), Active: true}
	require.NoError(t, store.SaveRateRule(ctx, &rule))
	service := rating.NewService(store, store, store)
	tracker := New("pbx-1", store, nil, WithCompletionHandler(service))

	tracker.HandleEvent(ctx, newChannel("8.1", t0))
	tracker.HandleEvent(ctx, bridge("8.1", t0.Add(5*time.Second)))
	tracker.HandleEvent(ctx, hangup("8.1", 16, t0.Add(130*time.Second)))

	records, err := store.ListCallRecords(ctx, storage.CallRecordQuery{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Cost)
	assert.True(t, decimal.NewFromInt(625).Equal(*records[0].Cost))
}

func TestDialedCallProducesOneRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	completion := &recordingCompletion{}
	tracker := New("pbx-1", store, nil, WithCompletionHandler(completion))

	caller := newChannel("9.1", t0)
	caller.LinkedID = "9.1"
	callee := ami.NewChannelEvent{
		UniqueID:    "9.2",
		LinkedID:    "9.1",
		Channel:     "SIP/trunk-00000002",
		Exten:       "s",
		AccountCode: "ACC-1",
		Context:     "from-internal",
		Time:        t0.Add(time.Second),
	}

	tracker.HandleEvent(ctx, caller)
	tracker.HandleEvent(ctx, callee)
	tracker.HandleEvent(ctx, bridge("9.1", t0.Add(5*time.Second)))
	tracker.HandleEvent(ctx, bridge("9.2", t0.Add(5*time.Second)))
	tracker.HandleEvent(ctx, hangup("9.2", 16, t0.Add(65*time.Second)))
	tracker.HandleEvent(ctx, hangup("9.1", 16, t0.Add(65*time.Second)))

	// Both legs are tracked.
	assert.Equal(t, model.CallStateHangup, getCall(t, store, "9.1").State)
	assert.Equal(t, model.CallStateHangup, getCall(t, store, "9.2").State)

	require.Len(t, completion.records, 1)
	assert.Equal(t, "9.1", completion.records[0].UniqueID)
	assert.Equal(t, "+6281234567", completion.records[0].Destination)

	periodStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	totals, err := invoice.SumUsage(ctx, store, "ACC-1", periodStart, periodStart.AddDate(0, 1, 0).Add(-time.Microsecond))
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Calls)
	assert.Equal(t, int64(60), totals.Duration)
}

func TestDispositionForHangup(t *testing.T) {
	cases := []struct {
		answered bool
		cause    int
		expected model.Disposition
	}{
		{true, 17, model.DispositionAnswered},
		{false, 17, model.DispositionBusy},
		{false, 18, model.DispositionNoAnswer},
		{false, 19, model.DispositionNoAnswer},
		{false, 16, model.DispositionHangup},
		{false, 0, model.DispositionHangup},
		{false, 31, model.DispositionHangup},
		{false, 34, model.DispositionFailed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.expected, DispositionForHangup(tc.answered, tc.cause), "answered=%v cause=%d", tc.answered, tc.cause)
	}
}

func TestCurrentDuration(t *testing.T) {
	now := t0.Add(90 * time.Second)

	ringing := model.ActiveCall{State: model.CallStateRinging, StartTime: t0}
	seconds, ok := CurrentDuration(ringing, now)
	assert.True(t, ok)
	assert.Equal(t, int64(90), seconds)

	later, _ := CurrentDuration(ringing, now.Add(time.Second))
	assert.GreaterOrEqual(t, later, seconds)

	answered := model.ActiveCall{State: model.CallStateAnswered, StartTime: t0, AnswerTime: model.TimePtr(t0.Add(30 * time.Second))}
	seconds, ok = CurrentDuration(answered, now)
	assert.True(t, ok)
	assert.Equal(t, int64(60), seconds)

	skewed := model.ActiveCall{State: model.CallStateRinging, StartTime: now.Add(time.Minute)}
	seconds, ok = CurrentDuration(skewed, now)
	assert.True(t, ok)
	assert.Zero(t, seconds)

	_, ok = CurrentDuration(model.ActiveCall{State: model.CallStateHangup, StartTime: t0}, now)
	assert.False(t, ok)
}

func TestPurgeFinished(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	tracker := New("pbx-1", store, nil)

	tracker.HandleEvent(ctx, newChannel("old", t0))
	tracker.HandleEvent(ctx, hangup("old", 16, t0.Add(time.Second)))
	tracker.HandleEvent(ctx, newChannel("recent", t0))
	tracker.HandleEvent(ctx, hangup("recent", 16, t0.Add(50*time.Minute)))
	tracker.HandleEvent(ctx, newChannel("live", t0))

	removed, err := PurgeFinished(ctx, store, time.Hour, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = store.GetActiveCall(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, model.CallStateHangup, getCall(t, store, "recent").State)
	assert.Equal(t, model.CallStateRinging, getCall(t, store, "live").State)
}
