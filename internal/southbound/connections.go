// Package southbound owns the connections from callrater to the telephony
// managers of every configured PBX.
//
// Each connection is paired with the event handler (a call state tracker)
// that receives its events. The Manager:
//   - Runs all connections concurrently until the context is cancelled
//   - Routes hangup requests to the connection that reported the call
//
// Connections share no state; one PBX going away never stalls another.
package southbound

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pbxbilling/callrater/internal/ami"
	"github.com/pbxbilling/callrater/internal/logger"
)

// ErrUnknownConnection is returned when a hangup names a connection that is
// not configured.
var ErrUnknownConnection = errors.New("southbound: unknown connection")

// Connection is one telephony-manager session. *ami.Client implements it.
type Connection interface {
	Name() string
	Run(ctx context.Context, handler ami.EventHandler) error
	Hangup(ctx context.Context, channel string) error
}

// Endpoint pairs a connection with the handler for its events.
type Endpoint struct {
	Connection Connection
	Handler    ami.EventHandler
}

// Manager runs a fixed set of endpoints.
type Manager struct {
	endpointsByName map[string]Endpoint
	names           []string
}

// NewManager creates a Manager. Endpoint names must be unique; a later
// duplicate is dropped with a warning.
func NewManager(endpoints ...Endpoint) *Manager {
	manager := &Manager{endpointsByName: make(map[string]Endpoint, len(endpoints))}
	for _, endpoint := range endpoints {
		if endpoint.Connection == nil || endpoint.Handler == nil {
			continue
		}
		name := endpoint.Connection.Name()
		if _, exists := manager.endpointsByName[name]; exists {
			logger.SouthboundLog.Warnf("duplicate connection name=%s dropped", name)
			continue
		}
		manager.endpointsByName[name] = endpoint
		manager.names = append(manager.names, name)
	}
	sort.Strings(manager.names)
	return manager
}

// Names returns the configured connection names, sorted.
func (manager *Manager) Names() []string {
	return append([]string(nil), manager.names...)
}

// Run blocks until ctx is cancelled, running every connection in its own
// goroutine. Connections reconnect on their own; Run returns nil after a
// cancellation and the first unexpected error otherwise.
func (manager *Manager) Run(ctx context.Context) error {
	if len(manager.names) == 0 {
		logger.SouthboundLog.Warn("no telephony-manager connections configured; live tracking is idle")
		<-ctx.Done()
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range manager.names {
		endpoint := manager.endpointsByName[name]
		group.Go(func() error {
			logger.SouthboundLog.Infof("connection loop starting name=%s", name)
			err := endpoint.Connection.Run(groupCtx, endpoint.Handler)
			if err != nil && !errors.Is(err, context.Canceled) {
				return errors.Wrapf(err, "connection %s", name)
			}
			return nil
		})
	}

	err := group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Hangup asks the named connection to terminate channel.
func (manager *Manager) Hangup(ctx context.Context, connection, channel string) error {
	endpoint, exists := manager.endpointsByName[connection]
	if !exists {
		return errors.Wrapf(ErrUnknownConnection, "%q", connection)
	}
	if err := endpoint.Connection.Hangup(ctx, channel); err != nil {
		return errors.Wrapf(err, "hangup via %s", connection)
	}
	return nil
}
