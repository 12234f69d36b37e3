package ami

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/metrics"
)

// ErrNotConnected is returned by actions issued while no session is up.
var ErrNotConnected = errors.New("ami: not connected")

// maxIdleReads is how many consecutive read deadlines (each answered with a
// Ping) are tolerated before the session is considered dead.
const maxIdleReads = 2

// EventHandler consumes parsed events in arrival order.
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event)
}

// ConnectionObserver is told about session state changes.
type ConnectionObserver interface {
	MarkConnectionUp(name string)
	MarkConnectionDown(name string, cause error)
	TouchConnection(name string, at time.Time)
}

// Config describes one telephony-manager endpoint.
type Config struct {
	Name             string
	Address          string
	Username         string
	Secret           string
	EventMask        string
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// DialFunc opens the transport; net.Dialer.DialContext by default.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type ClientOption func(*Client)

func WithDialer(dial DialFunc) ClientOption {
	return func(client *Client) { client.dial = dial }
}

func WithObserver(observer ConnectionObserver) ClientOption {
	return func(client *Client) { client.observer = observer }
}

func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(client *Client) { client.metrics = m }
}

// WithClock sets the clock used to stamp events that carry no Timestamp.
func WithClock(now func() time.Time) ClientOption {
	return func(client *Client) { client.now = now }
}

// Client keeps one logged-in session to a telephony manager and feeds its
// events to a handler. Run owns the session; Hangup may be called from any
// goroutine.
type Client struct {
	cfg      Config
	dial     DialFunc
	observer ConnectionObserver
	metrics  *metrics.Metrics
	now      func() time.Time

	mutexForConn sync.Mutex
	conn         net.Conn
}

func NewClient(cfg Config, options ...ClientOption) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.EventMask == "" {
		cfg.EventMask = "call,cdr"
	}

	dialer := &net.Dialer{}
	client := &Client{
		cfg:  cfg,
		dial: dialer.DialContext,
		now:  time.Now,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

func (client *Client) Name() string { return client.cfg.Name }

// Run connects, logs in, subscribes and dispatches events until ctx is
// cancelled. Any session failure leads to a reconnect with exponential
// backoff; Run only returns ctx.Err().
func (client *Client) Run(ctx context.Context, handler EventHandler) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = client.cfg.ReconnectInitial
	policy.MaxInterval = client.cfg.ReconnectMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		established, err := client.session(ctx, handler)
		if ctx.Err() != nil {
			client.markDown(ctx.Err())
			logger.AmiLog.Infof("session stopped connection=%s", client.cfg.Name)
			return ctx.Err()
		}
		client.markDown(err)

		if established {
			policy.Reset()
		}
		wait := policy.NextBackOff()
		client.metrics.AmiReconnect(client.cfg.Name)
		logger.AmiLog.Warnf("session lost connection=%s address=%s err=%v retryIn=%s",
			client.cfg.Name, client.cfg.Address, err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection lifetime. It reports whether login succeeded.
func (client *Client) session(ctx context.Context, handler EventHandler) (bool, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, client.cfg.DialTimeout)
	conn, err := client.dial(dialCtx, "tcp", client.cfg.Address)
	cancelDial()
	if err != nil {
		return false, errors.Wrapf(err, "dial %s", client.cfg.Address)
	}
	defer conn.Close()

	// Cancellation unblocks any pending read by closing the transport.
	stopCloser := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopCloser()

	reader := NewReader(conn)
	if err := client.handshake(conn, reader); err != nil {
		return false, err
	}

	client.setConn(conn)
	defer client.setConn(nil)
	if client.observer != nil {
		client.observer.MarkConnectionUp(client.cfg.Name)
	}
	client.metrics.AmiConnected(client.cfg.Name, true)
	logger.AmiLog.Infof("session established connection=%s address=%s eventMask=%s",
		client.cfg.Name, client.cfg.Address, client.cfg.EventMask)

	return true, client.readLoop(ctx, conn, reader, handler)
}

func (client *Client) handshake(conn net.Conn, reader *Reader) error {
	if err := conn.SetDeadline(time.Now().Add(client.cfg.DialTimeout)); err != nil {
		return errors.Wrap(err, "set handshake deadline")
	}

	banner, err := reader.ReadBanner()
	if err != nil {
		return err
	}
	logger.AmiLog.Debugf("banner connection=%s banner=%q", client.cfg.Name, banner)

	loginID := uuid.NewString()
	if err := WriteAction(conn, "Login", loginID,
		Field{Key: "Username", Value: client.cfg.Username},
		Field{Key: "Secret", Value: client.cfg.Secret},
		Field{Key: "Events", Value: "off"},
	); err != nil {
		return err
	}
	response, err := awaitResponse(reader, loginID)
	if err != nil {
		return errors.Wrap(err, "login")
	}
	if !strings.EqualFold(response.Get("Response"), "Success") {
		return errors.Errorf("login rejected: %s", response.Get("Message"))
	}

	eventsID := uuid.NewString()
	if err := WriteAction(conn, "Events", eventsID,
		Field{Key: "EventMask", Value: client.cfg.EventMask},
	); err != nil {
		return err
	}
	if _, err := awaitResponse(reader, eventsID); err != nil {
		return errors.Wrap(err, "subscribe events")
	}

	return conn.SetDeadline(time.Time{})
}

// awaitResponse skips frames until the response to actionID arrives.
func awaitResponse(reader *Reader, actionID string) (Message, error) {
	for {
		message, err := reader.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		if message.Has("Response") && message.Get("ActionID") == actionID {
			return message, nil
		}
	}
}

func (client *Client) readLoop(ctx context.Context, conn net.Conn, reader *Reader, handler EventHandler) error {
	idleReads := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(client.cfg.ReadTimeout)); err != nil {
			return errors.Wrap(err, "set read deadline")
		}

		message, err := reader.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				idleReads++
				if idleReads >= maxIdleReads {
					return errors.Errorf("no traffic for %s", time.Duration(idleReads)*client.cfg.ReadTimeout)
				}
				if pingErr := client.writeAction("Ping", uuid.NewString()); pingErr != nil {
					return pingErr
				}
				continue
			}
			return errors.Wrap(err, "read frame")
		}

		idleReads = 0
		if !message.IsEvent() {
			continue
		}
		client.dispatch(ctx, message, handler)
	}
}

func (client *Client) dispatch(ctx context.Context, message Message, handler EventHandler) {
	receivedAt := client.now()
	if client.observer != nil {
		client.observer.TouchConnection(client.cfg.Name, receivedAt)
	}

	event, err := ParseEvent(message, receivedAt)
	switch {
	case err == nil:
		handler.HandleEvent(ctx, event)
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrIgnoredEvent):
		logger.AmiLog.Tracef("event skipped connection=%s reason=%v", client.cfg.Name, err)
	default:
		logger.AmiLog.Warnf("malformed event dropped connection=%s err=%v frame=%s", client.cfg.Name, err, message)
	}
}

// Hangup asks the telephony manager to terminate channel. The response is
// not awaited.
func (client *Client) Hangup(ctx context.Context, channel string) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("hangup: empty channel")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	actionID := uuid.NewString()
	if err := client.writeAction("Hangup", actionID, Field{Key: "Channel", Value: channel}); err != nil {
		return err
	}
	logger.AmiLog.Infof("hangup requested connection=%s channel=%s actionId=%s", client.cfg.Name, channel, actionID)
	return nil
}

func (client *Client) writeAction(action, actionID string, fields ...Field) error {
	client.mutexForConn.Lock()
	defer client.mutexForConn.Unlock()

	if client.conn == nil {
		return ErrNotConnected
	}
	if err := client.conn.SetWriteDeadline(time.Now().Add(client.cfg.DialTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return WriteAction(client.conn, action, actionID, fields...)
}

func (client *Client) setConn(conn net.Conn) {
	client.mutexForConn.Lock()
	client.conn = conn
	client.mutexForConn.Unlock()
}

func (client *Client) markDown(cause error) {
	client.metrics.AmiConnected(client.cfg.Name, false)
	if client.observer != nil {
		client.observer.MarkConnectionDown(client.cfg.Name, cause)
	}
}
