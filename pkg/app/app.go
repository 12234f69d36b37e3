// Package app wires together all major callrater components:
//   - configuration and logging
//   - runtime context
//   - storage backend and optional redis
//   - one telephony-manager connection and call tracker per PBX
//   - rating, tenant and invoice services
//   - the scheduler for periodic jobs
//   - the ops HTTP server.
//
// cmd/callrater creates an App from the loaded Config and calls Start/Stop
// without knowing internal details.
package app

import (
	stdctx "context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pbxbilling/callrater/internal/aggregator"
	"github.com/pbxbilling/callrater/internal/ami"
	rtctx "github.com/pbxbilling/callrater/internal/context"
	"github.com/pbxbilling/callrater/internal/invoice"
	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/sbi"
	"github.com/pbxbilling/callrater/internal/scheduler"
	"github.com/pbxbilling/callrater/internal/southbound"
	"github.com/pbxbilling/callrater/internal/tracker"
	"github.com/pbxbilling/callrater/pkg/factory"
)

// Job names as they appear in /healthz and metrics.
const (
	JobRatingSweep     = "rating-sweep"
	JobTenantReconcile = "tenant-reconcile"
	JobInvoiceGenerate = "invoice-generate"
	JobInvoiceOverdue  = "invoice-overdue"
	JobCallPurge       = "call-purge"
)

// App is the high-level interface implemented by callrater.
type App interface {
	// Start brings the instance online: telephony-manager connections,
	// ops HTTP server and scheduler. It returns once everything is launched.
	Start(ctx stdctx.Context) error

	// Stop shuts down within ctx: marks shutdown requested, stops the
	// scheduler, closes the telephony-manager connections, drains the
	// HTTP server and closes storage.
	Stop(ctx stdctx.Context) error
}

// appImpl is the concrete implementation of App.
type appImpl struct {
	config *factory.Config

	components     *Components
	runtimeContext rtctx.RuntimeContext
	connections    *southbound.Manager
	scheduler      scheduler.Scheduler
	opsServer      *sbi.OpsServer

	startStopMutex    sync.Mutex
	started           bool
	cancelConnections stdctx.CancelFunc
	connectionsDone   chan struct{}
	serverDone        chan struct{}
}

// NewApp constructs a new App from a validated configuration. It creates the
// internal components but does not dial or listen yet; that is handled by
// Start().
func NewApp(config *factory.Config) (App, error) {
	if config == nil {
		return nil, errors.New("config must not be nil")
	}

	if initError := logger.InitLog(config.Logging.Level, config.Logging.ReportCaller); initError != nil {
		logger.MainLog.Warnf("InitLog failed with level=%s, using fallback: %v",
			config.Logging.Level, initError)
	}
	factory.Dump(config)

	logger.MainLog.Infof("Starting callrater version=%s description=%q",
		config.Info.Version, config.Info.Description)

	components, buildError := BuildComponents(config, prometheus.DefaultRegisterer)
	if buildError != nil {
		return nil, buildError
	}

	runtimeContext := rtctx.NewRuntimeContext()
	connections := buildConnections(config, components, runtimeContext)

	opsServer := sbi.NewOpsServer(sbi.Dependencies{
		Aggregator:     aggregator.NewAggregator(components.Store, components.Store, components.Location, nil),
		RuntimeContext: runtimeContext,
		Calls:          components.Store,
		Hanger:         connections,
		Invoices:       components.Store,
		Payments:       components.Lifecycle,
		Generator:      components.Generator,
		Gatherer:       prometheus.DefaultGatherer,
		Location:       components.Location,
	})

	return &appImpl{
		config:         config,
		components:     components,
		runtimeContext: runtimeContext,
		connections:    connections,
		scheduler: scheduler.NewScheduler(runtimeContext, components.Metrics, time.Second,
			buildJobs(config, components)...),
		opsServer: opsServer,
	}, nil
}

// buildConnections pairs one AMI client with one tracker per configured PBX.
// All trackers share the store, so state survives a reconnect.
func buildConnections(
	config *factory.Config,
	components *Components,
	runtimeContext rtctx.RuntimeContext,
) *southbound.Manager {
	trackerOptions := []tracker.Option{
		tracker.WithCallRecords(!config.Tracker.DisableCallRecords),
		tracker.WithMetrics(components.Metrics),
	}
	if config.Rating.RateOnHangup {
		trackerOptions = append(trackerOptions, tracker.WithCompletionHandler(components.Rating))
	}

	endpoints := make([]southbound.Endpoint, 0, len(config.Ami.Servers))
	for _, server := range config.Ami.Servers {
		runtimeContext.RegisterConnection(server.Name)

		client := ami.NewClient(ami.Config{
			Name:             server.Name,
			Address:          server.Address,
			Username:         server.Username,
			Secret:           server.Secret,
			EventMask:        config.Ami.EventMask,
			DialTimeout:      config.Ami.DialTimeout(),
			ReadTimeout:      config.Ami.ReadTimeout(),
			ReconnectInitial: config.Ami.ReconnectInitial(),
			ReconnectMax:     config.Ami.ReconnectMax(),
		}, ami.WithObserver(runtimeContext), ami.WithMetrics(components.Metrics))

		endpoints = append(endpoints, southbound.Endpoint{
			Connection: client,
			Handler:    tracker.New(server.Name, components.Store, components.Resolver, trackerOptions...),
		})
	}
	return southbound.NewManager(endpoints...)
}

// buildJobs turns the batch services into periodic jobs.
func buildJobs(config *factory.Config, components *Components) []scheduler.Job {
	seconds := func(value int) time.Duration { return time.Duration(value) * time.Second }

	jobs := []scheduler.Job{
		{
			Name:       JobRatingSweep,
			Interval:   seconds(config.Rating.SweepIntervalSec),
			RunAtStart: true,
			Run: func(ctx stdctx.Context) error {
				_, err := components.Rating.RateUnrated(ctx, components.RatingWindow(time.Now()))
				return err
			},
		},
		{
			Name:       JobTenantReconcile,
			Interval:   seconds(config.Tenant.ReconcileIntervalSec),
			RunAtStart: true,
			Run: func(ctx stdctx.Context) error {
				_, err := components.Reconciler.Sweep(ctx)
				return err
			},
		},
		{
			Name:     JobInvoiceOverdue,
			Interval: seconds(config.Invoice.OverdueIntervalSec),
			Run: func(ctx stdctx.Context) error {
				_, err := components.Lifecycle.MarkOverdue(ctx)
				return err
			},
		},
		{
			Name:     JobCallPurge,
			Interval: seconds(config.Tracker.PurgeIntervalSec),
			Run: func(ctx stdctx.Context) error {
				_, err := tracker.PurgeFinished(ctx, components.Store, config.Tracker.HangupRetention(), time.Now())
				return err
			},
		},
	}

	if config.Invoice.AutoGenerate {
		jobs = append(jobs, scheduler.Job{
			Name:     JobInvoiceGenerate,
			Interval: seconds(config.Invoice.GenerateIntervalSec),
			Run: func(ctx stdctx.Context) error {
				periodStart, periodEnd := invoice.PreviousMonth(time.Now(), components.Location)
				results, err := components.Generator.Generate(ctx, periodStart, periodEnd, "")
				if err != nil {
					return err
				}
				for _, result := range results {
					if result.Outcome == invoice.OutcomeFailed {
						return errors.Errorf("invoice generation failed for %d account(s), first %s: %v",
							countFailed(results), result.AccountCode, result.Err)
					}
				}
				return nil
			},
		})
	}
	return jobs
}

func countFailed(results []invoice.Result) int {
	failed := 0
	for _, result := range results {
		if result.Outcome == invoice.OutcomeFailed {
			failed++
		}
	}
	return failed
}

// Start implements App.Start.
func (app *appImpl) Start(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if app.started {
		logger.MainLog.Warn("App.Start called more than once; ignoring subsequent call")
		return nil
	}

	app.runtimeContext.SetShutdownRequested(ctx, false)

	// Connections outlive the Start ctx; Stop cancels them.
	connectionsCtx, cancelConnections := stdctx.WithCancel(stdctx.Background())
	app.cancelConnections = cancelConnections
	app.connectionsDone = make(chan struct{})
	go func() {
		defer close(app.connectionsDone)
		if runError := app.connections.Run(connectionsCtx); runError != nil {
			logger.MainLog.Errorf("telephony-manager connections stopped with error: %v", runError)
		}
	}()

	app.serverDone = make(chan struct{})
	go func(listenAddr string) {
		defer close(app.serverDone)
		if serveError := app.opsServer.Serve(listenAddr); serveError != nil {
			logger.SbiLog.Errorf("ops server stopped with error: %v", serveError)
		}
	}(app.config.HTTP.ListenAddr)

	if schedulerError := app.scheduler.Start(ctx); schedulerError != nil {
		cancelConnections()
		return errors.Wrap(schedulerError, "start scheduler")
	}

	app.started = true
	logger.MainLog.Infof("callrater started connections=%d listen=%s",
		len(app.connections.Names()), app.config.HTTP.ListenAddr)
	return nil
}

// Stop implements App.Stop.
func (app *appImpl) Stop(ctx stdctx.Context) error {
	app.startStopMutex.Lock()
	defer app.startStopMutex.Unlock()

	if !app.started {
		return nil
	}

	logger.MainLog.Infof("callrater shutdown requested")
	app.runtimeContext.SetShutdownRequested(ctx, true)

	var firstError error
	remember := func(err error) {
		if err != nil && firstError == nil {
			firstError = err
		}
	}

	// Scheduler first so no batch job starts against a closing store.
	if schedulerError := app.scheduler.Stop(ctx); schedulerError != nil {
		logger.MainLog.Warnf("scheduler stop returned error: %v", schedulerError)
		remember(schedulerError)
	}

	app.cancelConnections()
	select {
	case <-app.connectionsDone:
	case <-ctx.Done():
		logger.MainLog.Warn("telephony-manager connections did not stop in time")
		remember(ctx.Err())
	}

	if shutdownError := app.opsServer.Shutdown(ctx); shutdownError != nil {
		logger.MainLog.Warnf("ops server shutdown returned error: %v", shutdownError)
		remember(shutdownError)
	}
	select {
	case <-app.serverDone:
	case <-ctx.Done():
	}

	if closeError := app.components.Close(); closeError != nil {
		logger.MainLog.Warnf("closing components returned error: %v", closeError)
		remember(closeError)
	}

	app.started = false
	logger.MainLog.Infof("callrater shutdown completed")
	return firstError
}
