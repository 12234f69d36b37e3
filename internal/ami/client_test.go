package ami

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeManager plays the server side of one piped session.
type fakeManager struct {
	conn        net.Conn
	reader      *Reader
	rejectLogin bool
	login       Message
	subscribe   Message
	actions     chan Message
}

func (manager *fakeManager) serve(sessions chan<- *fakeManager) {
	defer close(manager.actions)

	if _, err := io.WriteString(manager.conn, "Asterisk Call Manager/5.0.1\r\n"); err != nil {
		return
	}

	login, err := manager.reader.ReadMessage()
	if err != nil {
		return
	}
	manager.login = login
	if manager.rejectLogin {
		_ = manager.reply(login, "Error", "Authentication failed")
		_ = manager.conn.Close()
		return
	}
	if manager.reply(login, "Success", "Authentication accepted") != nil {
		return
	}

	subscribe, err := manager.reader.ReadMessage()
	if err != nil {
		return
	}
	manager.subscribe = subscribe
	if manager.reply(subscribe, "Success", "") != nil {
		return
	}

	sessions <- manager
	for {
		action, err := manager.reader.ReadMessage()
		if err != nil {
			return
		}
		manager.actions <- action
	}
}

func (manager *fakeManager) reply(action Message, response, text string) error {
	frame := "Response: " + response + "\r\nActionID: " + action.Get("ActionID") + "\r\n"
	if text != "" {
		frame += "Message: " + text + "\r\n"
	}
	_, err := io.WriteString(manager.conn, frame+"\r\n")
	return err
}

func (manager *fakeManager) send(t *testing.T, frame string) {
	_, err := io.WriteString(manager.conn, frame)
	require.NoError(t, err)
}

func (manager *fakeManager) nextAction(t *testing.T) Message {
	select {
	case action, ok := <-manager.actions:
		require.True(t, ok, "session closed before an action arrived")
		return action
	case <-time.After(waitFor):
		t.Fatal("no action received")
		return Message{}
	}
}

type pipeDialer struct {
	dials        atomic.Int32
	rejectLogins int32
	sessions     chan *fakeManager
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{sessions: make(chan *fakeManager, 4)}
}

func (dialer *pipeDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	attempt := dialer.dials.Add(1)
	clientSide, serverSide := net.Pipe()
	manager := &fakeManager{
		conn:        serverSide,
		reader:      NewReader(serverSide),
		rejectLogin: attempt <= dialer.rejectLogins,
		actions:     make(chan Message, 16),
	}
	go manager.serve(dialer.sessions)
	return clientSide, nil
}

func (dialer *pipeDialer) nextSession(t *testing.T) *fakeManager {
	select {
	case manager := <-dialer.sessions:
		return manager
	case <-time.After(waitFor):
		t.Fatal("no session established")
		return nil
	}
}

type recordingHandler struct {
	events chan Event
}

func (handler *recordingHandler) HandleEvent(ctx context.Context, event Event) {
	handler.events <- event
}

func (handler *recordingHandler) next(t *testing.T) Event {
	select {
	case event := <-handler.events:
		return event
	case <-time.After(waitFor):
		t.Fatal("no event delivered")
		return nil
	}
}

type recordingObserver struct {
	mutex sync.Mutex
	ups   int
	downs int
	last  time.Time
}

func (observer *recordingObserver) MarkConnectionUp(name string) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.ups++
}

func (observer *recordingObserver) MarkConnectionDown(name string, cause error) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.downs++
}

func (observer *recordingObserver) TouchConnection(name string, at time.Time) {
	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	observer.last = at
}

func testConfig() Config {
	return Config{
		Name:             "pbx-1",
		Address:          "pbx.test:5038",
		Username:         "rater",
		Secret:           "s3cret",
		EventMask:        "call",
		DialTimeout:      time.Second,
		ReadTimeout:      time.Second,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
	}
}

func startClient(t *testing.T, cfg Config, options ...ClientOption) (*Client, *recordingHandler, context.CancelFunc, <-chan error) {
	client := NewClient(cfg, options...)
	handler := &recordingHandler{events: make(chan Event, 16)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, handler) }()
	t.Cleanup(cancel)
	return client, handler, cancel, done
}

func TestClientLogsInAndDeliversEvents(t *testing.T) {
	dialer := newPipeDialer()
	observer := &recordingObserver{}
	_, handler, cancel, done := startClient(t, testConfig(), WithDialer(dialer.Dial), WithObserver(observer))

	manager := dialer.nextSession(t)
	assert.Equal(t, "Login", manager.login.Get("Action"))
	assert.Equal(t, "rater", manager.login.Get("Username"))
	assert.Equal(t, "s3cret", manager.login.Get("Secret"))
	assert.NotEmpty(t, manager.login.Get("ActionID"))
	assert.Equal(t, "Events", manager.subscribe.Get("Action"))
	assert.Equal(t, "call", manager.subscribe.Get("EventMask"))

	manager.send(t, "Event: PeerStatus\r\nPeer: SIP/100\r\n\r\n")
	manager.send(t, "Event: Newchannel\r\nChannel: SIP/100-1\r\nUniqueid: 1.1\r\nExten: 6281234\r\n\r\n")
	manager.send(t, "Event: Hangup\r\nUniqueid: 1.1\r\n\r\n")

	first := handler.next(t)
	assert.Equal(t, KindNewChannel, first.EventKind())
	second := handler.next(t)
	assert.Equal(t, KindHangup, second.EventKind())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}

	observer.mutex.Lock()
	defer observer.mutex.Unlock()
	assert.Equal(t, 1, observer.ups)
	assert.False(t, observer.last.IsZero())
}

func TestClientRetriesAfterRejectedLogin(t *testing.T) {
	dialer := newPipeDialer()
	dialer.rejectLogins = 1
	startClient(t, testConfig(), WithDialer(dialer.Dial))

	dialer.nextSession(t)
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestClientRetriesAfterDialFailure(t *testing.T) {
	dialer := newPipeDialer()
	var failures atomic.Int32
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		if failures.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return dialer.Dial(ctx, network, address)
	}
	startClient(t, testConfig(), WithDialer(dial))

	dialer.nextSession(t)
	assert.GreaterOrEqual(t, failures.Load(), int32(3))
}

func TestClientPingsWhenIdleAndReconnectsWhenSilent(t *testing.T) {
	dialer := newPipeDialer()
	cfg := testConfig()
	cfg.ReadTimeout = 50 * time.Millisecond
	startClient(t, cfg, WithDialer(dialer.Dial))

	manager := dialer.nextSession(t)
	ping := manager.nextAction(t)
	assert.Equal(t, "Ping", ping.Get("Action"))

	// The fake never answers the Ping, so the session is dropped and redialed.
	dialer.nextSession(t)
	assert.Equal(t, int32(2), dialer.dials.Load())
}

func TestClientHangup(t *testing.T) {
	dialer := newPipeDialer()
	client, _, _, _ := startClient(t, testConfig(), WithDialer(dialer.Dial))

	manager := dialer.nextSession(t)
	require.Eventually(t, func() bool {
		return client.Hangup(context.Background(), "SIP/100-1") == nil
	}, waitFor, 10*time.Millisecond)

	action := manager.nextAction(t)
	assert.Equal(t, "Hangup", action.Get("Action"))
	assert.Equal(t, "SIP/100-1", action.Get("Channel"))
	assert.NotEmpty(t, action.Get("ActionID"))
}

func TestClientHangupWithoutSession(t *testing.T) {
	client := NewClient(testConfig())

	err := client.Hangup(context.Background(), "SIP/100-1")
	assert.ErrorIs(t, err, ErrNotConnected)

	err = client.Hangup(context.Background(), " ")
	assert.Error(t, err)
}
