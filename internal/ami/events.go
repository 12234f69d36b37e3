package ami

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownEvent marks event kinds the tracker does not consume.
	ErrUnknownEvent = errors.New("ami: unknown event")

	// ErrMissingField marks a known event without a required header.
	ErrMissingField = errors.New("ami: missing required field")

	// ErrIgnoredEvent marks known events that carry no state change, such as
	// a bridge being torn down.
	ErrIgnoredEvent = errors.New("ami: ignored event")
)

// Kind identifies a call-lifecycle event.
type Kind string

const (
	KindNewChannel Kind = "newchannel"
	KindBridge     Kind = "bridge"
	KindHangup     Kind = "hangup"
)

// Event is one of NewChannelEvent, BridgeEvent or HangupEvent.
type Event interface {
	EventKind() Kind
	CallID() string
	OccurredAt() time.Time
}

// NewChannelEvent announces a channel; it starts a call in RINGING.
// LinkedID is empty on PBX versions that do not report it.
type NewChannelEvent struct {
	UniqueID    string
	LinkedID    string
	Channel     string
	CallerIDNum string
	Exten       string
	AccountCode string
	Context     string
	Time        time.Time
}

func (event NewChannelEvent) EventKind() Kind       { return KindNewChannel }
func (event NewChannelEvent) CallID() string        { return event.UniqueID }
func (event NewChannelEvent) OccurredAt() time.Time { return event.Time }

// BridgeEvent reports that a channel was connected to its peer.
type BridgeEvent struct {
	UniqueID string
	Channel  string
	Time     time.Time
}

func (event BridgeEvent) EventKind() Kind       { return KindBridge }
func (event BridgeEvent) CallID() string        { return event.UniqueID }
func (event BridgeEvent) OccurredAt() time.Time { return event.Time }

// HangupEvent reports the end of a channel with its Q.850 cause.
type HangupEvent struct {
	UniqueID  string
	Channel   string
	Cause     int
	CauseText string
	Time      time.Time
}

func (event HangupEvent) EventKind() Kind       { return KindHangup }
func (event HangupEvent) CallID() string        { return event.UniqueID }
func (event HangupEvent) OccurredAt() time.Time { return event.Time }

// ParseEvent converts a raw frame into a typed event. The event time is the
// frame's Timestamp header when present, otherwise receivedAt.
func ParseEvent(message Message, receivedAt time.Time) (Event, error) {
	name := strings.ToLower(message.Get("Event"))
	eventTime := eventTimestamp(message, receivedAt)

	switch name {
	case "newchannel":
		event := NewChannelEvent{
			UniqueID:    message.Get("Uniqueid"),
			LinkedID:    message.Get("Linkedid"),
			Channel:     message.Get("Channel"),
			CallerIDNum: message.Get("CallerIDNum"),
			Exten:       message.Get("Exten"),
			AccountCode: message.Get("AccountCode"),
			Context:     message.Get("Context"),
			Time:        eventTime,
		}
		if err := requireField(name, "Uniqueid", event.UniqueID); err != nil {
			return nil, err
		}
		if err := requireField(name, "Channel", event.Channel); err != nil {
			return nil, err
		}
		return event, nil

	case "bridge":
		// Legacy bridge events describe both legs; the first is the caller.
		if strings.EqualFold(message.Get("Bridgestate"), "Unlink") {
			return nil, errors.Wrap(ErrIgnoredEvent, "bridge unlink")
		}
		event := BridgeEvent{
			UniqueID: message.Get("Uniqueid1"),
			Channel:  message.Get("Channel1"),
			Time:     eventTime,
		}
		if err := requireField(name, "Uniqueid1", event.UniqueID); err != nil {
			return nil, err
		}
		return event, nil

	case "bridgeenter":
		event := BridgeEvent{
			UniqueID: message.Get("Uniqueid"),
			Channel:  message.Get("Channel"),
			Time:     eventTime,
		}
		if err := requireField(name, "Uniqueid", event.UniqueID); err != nil {
			return nil, err
		}
		return event, nil

	case "hangup":
		event := HangupEvent{
			UniqueID:  message.Get("Uniqueid"),
			Channel:   message.Get("Channel"),
			CauseText: message.Get("Cause-txt"),
			Time:      eventTime,
		}
		if err := requireField(name, "Uniqueid", event.UniqueID); err != nil {
			return nil, err
		}
		if cause, err := strconv.Atoi(message.Get("Cause")); err == nil {
			event.Cause = cause
		}
		return event, nil

	case "":
		return nil, errors.Wrap(ErrUnknownEvent, "frame has no event name")
	default:
		return nil, errors.Wrapf(ErrUnknownEvent, "event %q", message.Get("Event"))
	}
}

func requireField(eventName, field, value string) error {
	if value == "" {
		return errors.Wrapf(ErrMissingField, "%s without %s", eventName, field)
	}
	return nil
}

// eventTimestamp reads the optional "Timestamp: <unix seconds>.<micros>"
// header.
func eventTimestamp(message Message, fallback time.Time) time.Time {
	raw := message.Get("Timestamp")
	if raw == "" {
		return fallback
	}

	secondsPart, fractionPart, _ := strings.Cut(raw, ".")
	seconds, err := strconv.ParseInt(secondsPart, 10, 64)
	if err != nil || seconds <= 0 {
		return fallback
	}

	var nanos int64
	if fractionPart != "" {
		if len(fractionPart) > 9 {
			fractionPart = fractionPart[:9]
		}
		fractionPart += strings.Repeat("0", 9-len(fractionPart))
		if parsed, parseErr := strconv.ParseInt(fractionPart, 10, 64); parseErr == nil {
			nanos = parsed
		}
	}
	return time.Unix(seconds, nanos).UTC()
}
