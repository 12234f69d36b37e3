package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/metrics"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
)

// Outcome is the per-account result of one generation run.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeZeroAmount    Outcome = "zero_amount"
	OutcomeFailed        Outcome = "failed"
)

const (
	maxNumberAttempts = 3
	totalsPageSize    = 1000
)

// Result reports what happened for one account. Invoice is set for created
// and already_exists.
type Result struct {
	AccountCode string         `json:"accountCode"`
	Outcome     Outcome        `json:"outcome"`
	Invoice     *model.Invoice `json:"invoice,omitempty"`
	Err         error          `json:"-"`
}

// Totals is the usage of one account over a period.
type Totals struct {
	Amount   decimal.Decimal
	Calls    int64
	Duration int64
	Unrated  int64
}

// Store is what generation needs from storage.
type Store interface {
	storage.CallRecordStore
	storage.InvoiceStore
}

// Notifier is told about every invoice created.
type Notifier interface {
	InvoiceCreated(ctx context.Context, invoice model.Invoice)
}

type Option func(*Generator)

func WithLocker(locker Locker) Option {
	return func(generator *Generator) { generator.locker = locker }
}

func WithNotifier(notifier Notifier) Option {
	return func(generator *Generator) { generator.notifier = notifier }
}

func WithWorkers(workers int) Option {
	return func(generator *Generator) {
		if workers > 0 {
			generator.workers = workers
		}
	}
}

func WithDueDays(days int) Option {
	return func(generator *Generator) {
		if days > 0 {
			generator.dueDays = days
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(generator *Generator) { generator.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(generator *Generator) { generator.metrics = m }
}

// Generator creates missing invoices for a period. Runs are idempotent and
// only ever add invoices.
type Generator struct {
	store    Store
	numberer *Numberer
	locker   Locker
	notifier Notifier
	workers  int
	dueDays  int
	now      func() time.Time
	metrics  *metrics.Metrics
}

func NewGenerator(store Store, numberer *Numberer, options ...Option) *Generator {
	generator := &Generator{
		store:    store,
		numberer: numberer,
		workers:  4,
		dueDays:  30,
		now:      time.Now,
	}
	for _, option := range options {
		option(generator)
	}
	return generator
}

// Generate bills every account with answered calls in [periodStart,
// periodEnd], or only accountFilter when it is non-empty. Per-account
// failures are reported in the results; the error is only set when the
// candidate accounts cannot be listed.
func (generator *Generator) Generate(
	ctx context.Context,
	periodStart, periodEnd time.Time,
	accountFilter string,
) ([]Result, error) {
	periodStart, periodEnd = periodStart.UTC(), periodEnd.UTC()
	if periodEnd.Before(periodStart) {
		return nil, errors.Errorf("period end %s is before start %s", periodEnd, periodStart)
	}

	accounts, err := generator.store.ListBillableAccounts(ctx, storage.Window{From: periodStart, To: periodEnd})
	if err != nil {
		return nil, errors.Wrap(err, "list billable accounts")
	}
	if accountFilter != "" {
		accounts = filterAccounts(accounts, accountFilter)
	}

	results := make([]Result, len(accounts))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(generator.workers)
	for index, accountCode := range accounts {
		group.Go(func() error {
			results[index] = generator.generateOne(groupCtx, accountCode, periodStart, periodEnd)
			return nil
		})
	}
	_ = group.Wait()

	counts := make(map[Outcome]int)
	for _, result := range results {
		counts[result.Outcome]++
		generator.metrics.InvoiceOutcome(string(result.Outcome))
	}
	logger.InvoiceLog.Infof("invoice run period=%s..%s accounts=%d created=%d existing=%d zero=%d failed=%d",
		periodStart.Format(time.RFC3339), periodEnd.Format(time.RFC3339), len(accounts),
		counts[OutcomeCreated], counts[OutcomeAlreadyExists], counts[OutcomeZeroAmount], counts[OutcomeFailed])
	return results, nil
}

func (generator *Generator) generateOne(ctx context.Context, accountCode string, periodStart, periodEnd time.Time) Result {
	result := Result{AccountCode: accountCode}
	fail := func(err error) Result {
		logger.InvoiceLog.Errorf("invoice generation failed account=%s: %v", accountCode, err)
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}

	if generator.locker != nil {
		unlock, err := generator.locker.Lock(ctx, invoiceKey(accountCode, periodStart, periodEnd))
		if err != nil {
			return fail(err)
		}
		defer unlock()
	}

	existing, err := generator.store.FindInvoice(ctx, accountCode, periodStart, periodEnd)
	switch {
	case err == nil:
		result.Outcome = OutcomeAlreadyExists
		result.Invoice = existing
		return result
	case !errors.Is(err, storage.ErrNotFound):
		return fail(errors.Wrap(err, "find invoice"))
	}

	totals, err := SumUsage(ctx, generator.store, accountCode, periodStart, periodEnd)
	if err != nil {
		return fail(err)
	}
	if totals.Unrated > 0 {
		logger.InvoiceLog.Warnf("account=%s has %d unrated answered call(s) in period, billed as zero", accountCode, totals.Unrated)
	}
	if !totals.Amount.IsPositive() {
		result.Outcome = OutcomeZeroAmount
		return result
	}

	issuedAt := generator.now().UTC()
	invoice := model.Invoice{
		AccountCode:   accountCode,
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		TotalAmount:   totals.Amount.Round(model.CostScale),
		TotalCalls:    totals.Calls,
		TotalDuration: totals.Duration,
		Status:        model.InvoiceSent,
		SentAt:        model.TimePtr(issuedAt),
		DueDate:       model.TimePtr(issuedAt.AddDate(0, 0, generator.dueDays)),
		Notes:         fmt.Sprintf("Telephony usage %s", periodStart.Format("2006-01")),
	}

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		number, err := generator.numberer.Next(ctx, issuedAt)
		if err != nil {
			return fail(err)
		}
		invoice.InvoiceNumber = number

		created, err := generator.store.CreateInvoiceIfAbsent(ctx, &invoice)
		if err != nil {
			return fail(errors.Wrap(err, "create invoice"))
		}
		if created {
			logger.InvoiceLog.Infof("invoice created number=%s account=%s amount=%s calls=%d",
				invoice.InvoiceNumber, accountCode, invoice.TotalAmount.StringFixed(model.CostScale), invoice.TotalCalls)
			if generator.notifier != nil {
				generator.notifier.InvoiceCreated(ctx, invoice)
			}
			result.Outcome = OutcomeCreated
			result.Invoice = &invoice
			return result
		}

		// Either another run created this key or the number is taken.
		raced, err := generator.store.FindInvoice(ctx, accountCode, periodStart, periodEnd)
		if err == nil {
			result.Outcome = OutcomeAlreadyExists
			result.Invoice = raced
			return result
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fail(errors.Wrap(err, "find invoice"))
		}
		logger.InvoiceLog.Warnf("invoice number %s already used, retrying account=%s", number, accountCode)
	}
	return fail(errors.Errorf("no free invoice number after %d attempts", maxNumberAttempts))
}

// SumUsage totals the ANSWERED records of one account with calldate in the
// closed range. Records not yet rated count as zero cost.
func SumUsage(ctx context.Context, records storage.CallRecordStore, accountCode string, periodStart, periodEnd time.Time) (Totals, error) {
	totals := Totals{Amount: decimal.Zero}
	query := storage.CallRecordQuery{
		Window:      storage.Window{From: periodStart, To: periodEnd},
		AccountCode: accountCode,
		Disposition: model.DispositionAnswered,
		Limit:       totalsPageSize,
	}

	for {
		page, err := records.ListCallRecords(ctx, query)
		if err != nil {
			return totals, errors.Wrap(err, "list answered call records")
		}
		for _, record := range page {
			totals.Calls++
			totals.Duration += record.BillableSeconds
			if record.Cost == nil {
				totals.Unrated++
				continue
			}
			totals.Amount = totals.Amount.Add(*record.Cost)
		}
		if len(page) < totalsPageSize {
			return totals, nil
		}
		query.AfterID = page[len(page)-1].ID
	}
}

func invoiceKey(accountCode string, periodStart, periodEnd time.Time) string {
	return fmt.Sprintf("%s:%d:%d", accountCode, periodStart.Unix(), periodEnd.Unix())
}

func filterAccounts(accounts []string, accountFilter string) []string {
	for _, accountCode := range accounts {
		if accountCode == accountFilter {
			return []string{accountCode}
		}
	}
	return nil
}
