package rating

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/metrics"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
)

// Summary counts what one batch run did. Skipped records were already rated
// by someone else between listing and writing.
type Summary struct {
	Scanned            int
	Rated              int
	NotAnswered        int
	NoRate             int
	InvalidDestination int
	Skipped            int
	Failed             int
}

func (summary *Summary) add(outcome Outcome, persisted bool, err error) {
	summary.Scanned++
	switch {
	case err != nil:
		summary.Failed++
	case !persisted:
		summary.Skipped++
	case outcome == OutcomeRated:
		summary.Rated++
	case outcome == OutcomeNotAnswered:
		summary.NotAnswered++
	case outcome == OutcomeNoRate:
		summary.NoRate++
	case outcome == OutcomeInvalidDestination:
		summary.InvalidDestination++
	}
}

// Service rates stored call records and writes the cost back. Records are
// independent, so a batch is spread over a bounded worker pool.
type Service struct {
	records   storage.CallRecordStore
	rates     storage.RateStore
	contracts storage.ContractStore
	metrics   *metrics.Metrics

	workers   int
	batchSize int
	now       func() time.Time
}

type Option func(*Service)

func WithWorkers(workers int) Option {
	return func(service *Service) {
		if workers > 0 {
			service.workers = workers
		}
	}
}

func WithBatchSize(batchSize int) Option {
	return func(service *Service) {
		if batchSize > 0 {
			service.batchSize = batchSize
		}
	}
}

// WithClock sets the clock used for rated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(service *Service) {
		if now != nil {
			service.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(service *Service) {
		service.metrics = m
	}
}

func NewService(
	records storage.CallRecordStore,
	rates storage.RateStore,
	contracts storage.ContractStore,
	options ...Option,
) *Service {
	service := &Service{
		records:   records,
		rates:     rates,
		contracts: contracts,
		workers:   4,
		batchSize: 1000,
		now:       time.Now,
	}
	for _, option := range options {
		option(service)
	}
	return service
}

// RateRecord rates one record against freshly loaded rate tables and stores
// the cost unless the record already carries one. It reports whether the
// cost was written.
func (service *Service) RateRecord(ctx context.Context, record model.CallRecord) (Result, bool, error) {
	snapshot, err := LoadSnapshot(ctx, service.rates, service.contracts)
	if err != nil {
		return Result{}, false, err
	}
	return service.rateOne(ctx, snapshot, record, false)
}

// CallCompleted rates a record synthesized by the call tracker. Failures are
// logged; the unrated sweep picks the record up later.
func (service *Service) CallCompleted(ctx context.Context, record model.CallRecord) {
	if _, _, err := service.RateRecord(ctx, record); err != nil {
		logger.RatingLog.Warnf("rate on hangup failed uniqueId=%s err=%v", record.UniqueID, err)
	}
}

// RateUnrated rates every record in window that has no cost yet.
func (service *Service) RateUnrated(ctx context.Context, window storage.Window) (Summary, error) {
	return service.sweep(ctx, storage.CallRecordQuery{Window: window, Unrated: true}, false)
}

// ReRate recomputes and overwrites the cost of every record in window,
// optionally limited to one account.
func (service *Service) ReRate(ctx context.Context, window storage.Window, accountCode string) (Summary, error) {
	return service.sweep(ctx, storage.CallRecordQuery{Window: window, AccountCode: accountCode}, true)
}

func (service *Service) sweep(ctx context.Context, query storage.CallRecordQuery, overwrite bool) (Summary, error) {
	var summary Summary
	startedAt := time.Now()

	query.Limit = service.batchSize
	query.AfterID = 0
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		page, err := service.records.ListCallRecords(ctx, query)
		if err != nil {
			return summary, errors.Wrap(err, "list call records")
		}
		if len(page) == 0 {
			break
		}

		snapshot, err := LoadSnapshot(ctx, service.rates, service.contracts)
		if err != nil {
			return summary, err
		}
		service.rateBatch(ctx, snapshot, page, overwrite, &summary)

		query.AfterID = page[len(page)-1].ID
		if len(page) < service.batchSize {
			break
		}
	}

	logger.RatingLog.Infof(
		"rating sweep done overwrite=%t scanned=%d rated=%d notAnswered=%d noRate=%d invalid=%d skipped=%d failed=%d elapsed=%s",
		overwrite, summary.Scanned, summary.Rated, summary.NotAnswered, summary.NoRate,
		summary.InvalidDestination, summary.Skipped, summary.Failed, time.Since(startedAt),
	)
	return summary, nil
}

func (service *Service) rateBatch(
	ctx context.Context,
	snapshot *Snapshot,
	records []model.CallRecord,
	overwrite bool,
	summary *Summary,
) {
	var mutexForSummary sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(service.workers)
	for _, record := range records {
		group.Go(func() error {
			result, persisted, err := service.rateOne(groupCtx, snapshot, record, overwrite)
			if err != nil {
				logger.RatingLog.Warnf("rate call record failed id=%d uniqueId=%s err=%v", record.ID, record.UniqueID, err)
			}

			mutexForSummary.Lock()
			summary.add(result.Outcome, persisted, err)
			mutexForSummary.Unlock()
			// Per-record failures never stop the batch.
			return nil
		})
	}
	_ = group.Wait()
}

func (service *Service) rateOne(
	ctx context.Context,
	snapshot *Snapshot,
	record model.CallRecord,
	overwrite bool,
) (Result, bool, error) {
	if record.ID == 0 {
		return Result{}, false, errors.Wrap(storage.ErrInvalidRecord, "call record has no id")
	}
	if record.IsRated() && !overwrite {
		return Result{Cost: *record.Cost, Outcome: OutcomeRated}, false, nil
	}

	resolver := snapshot.ResolverFor(record.AccountCode)
	result := Rate(record, resolver)

	switch result.Outcome {
	case OutcomeInvalidDestination:
		logger.RatingLog.Warnf("malformed destination, rated as zero id=%d uniqueId=%s destination=%q",
			record.ID, record.UniqueID, record.Destination)
	case OutcomeNoRate:
		logger.RatingLog.Infof("no rate found id=%d account=%s destination=%s source=%s",
			record.ID, record.AccountCode, result.Destination, resolver.Source())
	}

	persisted, err := service.records.SetCallRecordCost(ctx, record.ID, storage.CostUpdate{
		Cost:    result.Cost,
		RuleID:  result.RuleID(),
		RatedAt: service.now().UTC(),
	}, overwrite)
	if err != nil {
		return result, false, errors.Wrapf(err, "store cost id=%d", record.ID)
	}
	if persisted {
		service.metrics.RatingOutcome(string(result.Outcome), resolver.Source(), DestinationRegion(result.Destination))
		logger.RatingLog.Debugf("call record rated id=%d outcome=%s cost=%s", record.ID, result.Outcome, result.Cost.StringFixed(model.CostScale))
	}
	return result, persisted, nil
}
