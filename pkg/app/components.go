package app

import (
	stdctx "context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pbxbilling/callrater/internal/invoice"
	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/metrics"
	"github.com/pbxbilling/callrater/internal/northbound"
	"github.com/pbxbilling/callrater/internal/rating"
	"github.com/pbxbilling/callrater/internal/storage"
	"github.com/pbxbilling/callrater/internal/tenant"
	"github.com/pbxbilling/callrater/pkg/factory"
)

// Components are the batch services shared by the long-running server and
// the one-shot CLI commands.
type Components struct {
	Config   *factory.Config
	Store    storage.Store
	Metrics  *metrics.Metrics
	Location *time.Location

	Rating     *rating.Service
	Resolver   *tenant.Resolver
	Reconciler *tenant.Reconciler
	Generator  *invoice.Generator
	Lifecycle  *invoice.Lifecycle

	redisClient *redis.Client
}

// BuildComponents opens storage (and redis when enabled) and assembles the
// services. registerer may be nil, in which case metrics are collected but
// not exported.
func BuildComponents(config *factory.Config, registerer prometheus.Registerer) (*Components, error) {
	if config == nil {
		return nil, errors.New("config must not be nil")
	}

	location, err := config.Invoice.LoadLocation()
	if err != nil {
		return nil, errors.Wrapf(err, "load invoice location %q", config.Invoice.Location)
	}

	store, err := storage.NewStoreFromConfig(config.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "create storage backend")
	}

	components := &Components{
		Config:   config,
		Store:    store,
		Metrics:  metrics.New(registerer),
		Location: location,
	}

	counter := invoice.Counter(invoice.NewStoreCounter(store))
	var generatorOptions []invoice.Option
	if config.Redis.Enabled {
		redisClient, redisErr := connectRedis(config.Redis)
		if redisErr != nil {
			_ = store.Close()
			return nil, redisErr
		}
		components.redisClient = redisClient
		counter = invoice.NewRedisCounter(redisClient)
		generatorOptions = append(generatorOptions, invoice.WithLocker(
			invoice.NewRedisLocker(redisClient, time.Duration(config.Invoice.LockTTLSec)*time.Second),
		))
	}
	if config.Invoice.WebhookURL != "" {
		generatorOptions = append(generatorOptions, invoice.WithNotifier(
			northbound.NewInvoiceWebhook(northbound.NewHTTPNotifier(), config.Invoice.WebhookURL),
		))
	}
	generatorOptions = append(generatorOptions,
		invoice.WithWorkers(config.Invoice.Workers),
		invoice.WithDueDays(config.Invoice.DueDays),
		invoice.WithMetrics(components.Metrics),
	)

	components.Rating = rating.NewService(store, store, store,
		rating.WithWorkers(config.Rating.Workers),
		rating.WithBatchSize(config.Rating.BatchSize),
		rating.WithMetrics(components.Metrics),
	)
	components.Resolver = tenant.NewResolver(store)
	components.Reconciler = tenant.NewReconciler(store, store, components.Resolver,
		config.Tenant.BatchSize, components.Metrics)
	components.Generator = invoice.NewGenerator(store,
		invoice.NewNumberer(config.Invoice.NumberPrefix, counter, location),
		generatorOptions...,
	)
	components.Lifecycle = invoice.NewLifecycle(store, nil)

	return components, nil
}

// RatingWindow is the sweep window ending now, bounded by the configured
// look-back.
func (components *Components) RatingWindow(now time.Time) storage.Window {
	window := storage.Window{To: now}
	if days := components.Config.Rating.LookbackDays; days > 0 {
		window.From = now.AddDate(0, 0, -days)
	}
	return window
}

// Close releases storage and redis.
func (components *Components) Close() error {
	var firstErr error
	if components.redisClient != nil {
		if err := components.redisClient.Close(); err != nil {
			firstErr = errors.Wrap(err, "close redis")
		}
	}
	if err := components.Store.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close storage")
	}
	return firstErr
}

func connectRedis(section factory.RedisSection) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         section.Address,
		Password:     section.Password,
		DB:           section.DB,
		PoolSize:     16,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := stdctx.WithTimeout(stdctx.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect redis %s", section.Address)
	}
	logger.MainLog.Infof("connected to redis addr=%s db=%d", section.Address, section.DB)
	return client, nil
}
