// Package tracker turns the telephony event stream into ActiveCall state and,
// once a call hangs up, into a CallRecord.
//
// A dialed call shows up as several channels (the caller leg plus one leg per
// dialed peer), all sharing the caller's linked id. Every leg is tracked, but
// only the originating leg produces a CallRecord.
//
// State per unique id moves strictly forward: RINGING -> ANSWERED -> HANGUP
// (a call may also hang up straight from RINGING). All state lives in the
// shared store, so a reconnect resumes exactly where the previous session
// stopped, and HANGUP rows stay behind as tombstones until purged.
package tracker

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/pbxbilling/callrater/internal/ami"
	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/metrics"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
)

// Result labels for applied events.
const (
	resultCreated   = "created"
	resultApplied   = "applied"
	resultDuplicate = "duplicate"
	resultNoop      = "noop"
	resultUnknown   = "unknown_call"
	resultError     = "error"
)

// Store is what the tracker needs from storage.
type Store interface {
	storage.ActiveCallStore
	storage.CallRecordStore
}

// TenantResolver maps a new channel onto a tenant; nil means none.
type TenantResolver interface {
	Resolve(ctx context.Context, accountCode, contextName string) (*uint64, error)
}

// CompletionHandler receives each call record the tracker stores.
type CompletionHandler interface {
	CallCompleted(ctx context.Context, record model.CallRecord)
}

type Option func(*Tracker)

func WithCompletionHandler(handler CompletionHandler) Option {
	return func(tracker *Tracker) { tracker.completion = handler }
}

// WithCallRecords controls whether a CallRecord is stored on hangup.
func WithCallRecords(enabled bool) Option {
	return func(tracker *Tracker) { tracker.emitCallRecords = enabled }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(tracker *Tracker) { tracker.metrics = m }
}

// Tracker applies the events of one telephony-manager connection. It is
// safe to run one Tracker per connection against the same store.
type Tracker struct {
	connection      string
	store           Store
	resolver        TenantResolver
	completion      CompletionHandler
	emitCallRecords bool
	metrics         *metrics.Metrics
}

func New(connection string, store Store, resolver TenantResolver, options ...Option) *Tracker {
	tracker := &Tracker{
		connection:      connection,
		store:           store,
		resolver:        resolver,
		emitCallRecords: true,
	}
	for _, option := range options {
		option(tracker)
	}
	return tracker
}

// HandleEvent applies one event. It never fails: store errors are logged
// and counted, and events that do not move a call forward are ignored.
func (tracker *Tracker) HandleEvent(ctx context.Context, event ami.Event) {
	var result string
	switch typed := event.(type) {
	case ami.NewChannelEvent:
		result = tracker.onNewChannel(ctx, typed)
	case ami.BridgeEvent:
		result = tracker.onBridge(ctx, typed)
	case ami.HangupEvent:
		result = tracker.onHangup(ctx, typed)
	default:
		logger.TrackerLog.Warnf("unsupported event type %T", event)
		return
	}
	tracker.metrics.TrackerEvent(string(event.EventKind()), result)
}

func (tracker *Tracker) onNewChannel(ctx context.Context, event ami.NewChannelEvent) string {
	call := &model.ActiveCall{
		UniqueID:    event.UniqueID,
		LinkedID:    event.LinkedID,
		Connection:  tracker.connection,
		Channel:     event.Channel,
		Source:      event.CallerIDNum,
		Destination: event.Exten,
		Context:     event.Context,
		AccountCode: event.AccountCode,
		State:       model.CallStateRinging,
		StartTime:   event.Time.UTC(),
	}

	if tracker.resolver != nil {
		tenantID, err := tracker.resolver.Resolve(ctx, event.AccountCode, event.Context)
		if err != nil {
			// The reconciliation sweep tags the call later.
			logger.TrackerLog.Warnf("tenant lookup failed uniqueId=%s err=%v", event.UniqueID, err)
		}
		call.TenantID = tenantID
	}

	created, err := tracker.store.CreateActiveCall(ctx, call)
	if err != nil {
		logger.TrackerLog.Errorf("create active call uniqueId=%s: %v", event.UniqueID, err)
		return resultError
	}
	if !created {
		logger.TrackerLog.Debugf("new channel for known call uniqueId=%s ignored", event.UniqueID)
		return resultDuplicate
	}

	logger.TrackerLog.Debugf("call ringing uniqueId=%s channel=%s exten=%s", call.UniqueID, call.Channel, call.Destination)
	return resultCreated
}

func (tracker *Tracker) onBridge(ctx context.Context, event ami.BridgeEvent) string {
	answeredAt := event.Time.UTC()
	_, changed, err := tracker.store.TransitionActiveCall(ctx, event.UniqueID, func(call *model.ActiveCall) bool {
		if !call.State.CanTransition(model.CallStateAnswered) {
			return false
		}
		call.State = model.CallStateAnswered
		call.AnswerTime = model.TimePtr(notBefore(answeredAt, call.StartTime))
		return true
	})
	return tracker.transitionResult("bridge", event.UniqueID, changed, err)
}

func (tracker *Tracker) onHangup(ctx context.Context, event ami.HangupEvent) string {
	endedAt := event.Time.UTC()
	call, changed, err := tracker.store.TransitionActiveCall(ctx, event.UniqueID, func(call *model.ActiveCall) bool {
		if !call.State.CanTransition(model.CallStateHangup) {
			return false
		}
		end := notBefore(endedAt, call.StartTime)
		call.State = model.CallStateHangup
		call.EndTime = model.TimePtr(end)
		call.Duration = wholeSeconds(end.Sub(call.StartTime))
		call.HangupCause = event.Cause
		return true
	})
	result := tracker.transitionResult("hangup", event.UniqueID, changed, err)
	if changed && tracker.emitCallRecords {
		if call.IsOriginatingLeg() {
			tracker.emitCallRecord(ctx, *call)
		} else {
			logger.TrackerLog.Debugf("leg uniqueId=%s of call linkedId=%s ended", call.UniqueID, call.LinkedID)
		}
	}
	return result
}

func (tracker *Tracker) transitionResult(kind, uniqueID string, changed bool, err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.TrackerLog.Debugf("%s for unknown call uniqueId=%s ignored", kind, uniqueID)
		return resultUnknown
	case err != nil:
		logger.TrackerLog.Errorf("%s transition uniqueId=%s: %v", kind, uniqueID, err)
		return resultError
	case !changed:
		return resultNoop
	default:
		return resultApplied
	}
}

func (tracker *Tracker) emitCallRecord(ctx context.Context, call model.ActiveCall) {
	record := CallRecordFromCall(call)
	inserted, err := tracker.store.InsertCallRecord(ctx, &record)
	if err != nil {
		logger.TrackerLog.Errorf("store call record uniqueId=%s: %v", call.UniqueID, err)
		return
	}
	if !inserted {
		return
	}

	logger.TrackerLog.Infof("call completed uniqueId=%s disposition=%s duration=%ds billable=%ds",
		record.UniqueID, record.Disposition, record.Duration, record.BillableSeconds)
	if tracker.completion != nil {
		tracker.completion.CallCompleted(ctx, record)
	}
}

// CallRecordFromCall summarises a hung-up call.
func CallRecordFromCall(call model.ActiveCall) model.CallRecord {
	record := model.CallRecord{
		UniqueID:    call.UniqueID,
		CallDate:    call.StartTime,
		Source:      call.Source,
		Destination: call.Destination,
		Channel:     call.Channel,
		Context:     call.Context,
		Duration:    call.Duration,
		AccountCode: call.AccountCode,
		Disposition: DispositionForHangup(call.AnswerTime != nil, call.HangupCause),
	}
	if call.TenantID != nil {
		record.TenantID = model.Uint64Ptr(*call.TenantID)
	}
	if call.AnswerTime != nil && call.EndTime != nil {
		record.BillableSeconds = wholeSeconds(call.EndTime.Sub(*call.AnswerTime))
	}
	return record
}

// DispositionForHangup derives the CDR disposition. Answered calls are
// always ANSWERED; otherwise the Q.850 cause decides.
func DispositionForHangup(answered bool, cause int) model.Disposition {
	if answered {
		return model.DispositionAnswered
	}
	switch cause {
	case 17:
		return model.DispositionBusy
	case 18, 19:
		return model.DispositionNoAnswer
	case 0, 16, 31:
		return model.DispositionHangup
	default:
		return model.DispositionFailed
	}
}

// CurrentDuration is the running duration of a live call: time since answer
// when ANSWERED, since start when RINGING. ok is false once the call has
// hung up; its duration is fixed in call.Duration.
func CurrentDuration(call model.ActiveCall, now time.Time) (int64, bool) {
	switch call.State {
	case model.CallStateRinging:
		return wholeSeconds(now.Sub(call.StartTime)), true
	case model.CallStateAnswered:
		since := call.StartTime
		if call.AnswerTime != nil {
			since = *call.AnswerTime
		}
		return wholeSeconds(now.Sub(since)), true
	default:
		return 0, false
	}
}

// PurgeFinished removes HANGUP rows that ended more than olderThan before now.
func PurgeFinished(ctx context.Context, calls storage.ActiveCallStore, olderThan time.Duration, now time.Time) (int64, error) {
	removed, err := calls.PurgeActiveCalls(ctx, now.UTC().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "purge finished calls")
	}
	if removed > 0 {
		logger.TrackerLog.Infof("purged %d finished call(s)", removed)
	}
	return removed, nil
}

func wholeSeconds(elapsed time.Duration) int64 {
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / time.Second)
}

func notBefore(instant, floor time.Time) time.Time {
	if instant.Before(floor) {
		return floor
	}
	return instant
}
