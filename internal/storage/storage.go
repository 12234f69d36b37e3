// Package storage provides the abstraction and implementations for persisting
// call records, live calls, rate tables, contracts, tenants and invoices.
// Components depend on the narrow capability interfaces below; the composed
// Store is only assembled at wiring time. Backends: in-memory (tests, demos)
// and gorm over sqlite or mysql.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/pkg/factory"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidRecord is returned when a row is missing its natural key.
var ErrInvalidRecord = errors.New("storage: invalid record")

// Window is a closed time range. A zero bound is unbounded on that side.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether instant lies inside the window (bounds inclusive).
func (window Window) Contains(instant time.Time) bool {
	if !window.From.IsZero() && instant.Before(window.From) {
		return false
	}
	if !window.To.IsZero() && instant.After(window.To) {
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Call records
// ---------------------------------------------------------------------------

// CallRecordQuery selects call records. Results are ordered by ID ascending.
type CallRecordQuery struct {
	Window      Window // on CallDate
	AccountCode string
	Disposition model.Disposition

	// Unrated restricts to records whose cost is still null.
	Unrated bool

	// Untagged restricts to records without a tenant that carry an account
	// code or a context.
	Untagged bool

	// AfterID pages through results: only IDs strictly greater are returned.
	AfterID uint64

	// Limit <= 0 means no limit.
	Limit int
}

// CostUpdate is the rating result written onto a call record.
type CostUpdate struct {
	Cost    decimal.Decimal
	RuleID  *uint64
	RatedAt time.Time
}

type CallRecordStore interface {
	// InsertCallRecord creates the record unless one with the same UniqueID
	// exists. It reports whether a row was inserted and sets record.ID.
	InsertCallRecord(ctx context.Context, record *model.CallRecord) (bool, error)

	GetCallRecord(ctx context.Context, id uint64) (*model.CallRecord, error)
	ListCallRecords(ctx context.Context, query CallRecordQuery) ([]model.CallRecord, error)
	CountCallRecords(ctx context.Context, query CallRecordQuery) (int64, error)

	// ListBillableAccounts returns the distinct, non-empty account codes that
	// have at least one ANSWERED record inside window, sorted ascending.
	ListBillableAccounts(ctx context.Context, window Window) ([]string, error)

	// SetCallRecordCost writes a rating result. Unless overwrite is set, the
	// write only happens while cost is still null. Reports whether a row changed.
	SetCallRecordCost(ctx context.Context, id uint64, update CostUpdate, overwrite bool) (bool, error)

	// SetCallRecordTenant sets tenant_id only where it is still null.
	SetCallRecordTenant(ctx context.Context, id uint64, tenantID uint64) (bool, error)
}

// ---------------------------------------------------------------------------
// Active calls
// ---------------------------------------------------------------------------

// ActiveCallQuery selects active calls, ordered by StartTime ascending.
type ActiveCallQuery struct {
	States      []model.CallState // empty = any state
	TenantID    *uint64
	Untagged    bool
	StartedFrom time.Time // zero = unbounded
	Limit       int
}

// TransitionFunc mutates a loaded call in place and reports whether the
// result should be persisted. Only State, AnswerTime, EndTime, Duration and
// HangupCause are written back.
type TransitionFunc func(call *model.ActiveCall) bool

type ActiveCallStore interface {
	// CreateActiveCall inserts call unless its UniqueID is already known, in
	// whatever state, or already has a call record (the call finished and its
	// row was purged). Reports whether a row was inserted.
	CreateActiveCall(ctx context.Context, call *model.ActiveCall) (bool, error)

	GetActiveCall(ctx context.Context, uniqueID string) (*model.ActiveCall, error)

	// TransitionActiveCall loads the call keyed by uniqueID and applies fn as
	// one atomic step. It returns the resulting call and whether fn's change
	// was persisted. An unknown uniqueID yields ErrNotFound.
	TransitionActiveCall(ctx context.Context, uniqueID string, fn TransitionFunc) (*model.ActiveCall, bool, error)

	ListActiveCalls(ctx context.Context, query ActiveCallQuery) ([]model.ActiveCall, error)

	// SetActiveCallTenant sets tenant_id only where it is still null.
	SetActiveCallTenant(ctx context.Context, uniqueID string, tenantID uint64) (bool, error)

	// PurgeActiveCalls deletes HANGUP rows whose end time is before cutoff.
	PurgeActiveCalls(ctx context.Context, cutoff time.Time) (int64, error)
}

// ---------------------------------------------------------------------------
// Rate tables, contracts, tenants
// ---------------------------------------------------------------------------

type RateStore interface {
	// ListRateRules returns every rule, active or not, ordered by ID.
	ListRateRules(ctx context.Context) ([]model.RateRule, error)
	ListRateGroups(ctx context.Context) ([]model.RateGroup, error)
	SaveRateRule(ctx context.Context, rule *model.RateRule) error
	SaveRateGroup(ctx context.Context, group *model.RateGroup) error
}

type ContractStore interface {
	ListContracts(ctx context.Context) ([]model.Contract, error)
	GetContractByAccount(ctx context.Context, accountCode string) (*model.Contract, error)
	SaveContract(ctx context.Context, contract *model.Contract) error
}

// TenantDirectory is the read side used by the resolver plus SaveTenant for
// seeding. Lookups only consider active tenants; the lowest ID wins when more
// than one matches.
type TenantDirectory interface {
	FindTenantByContext(ctx context.Context, contextName string) (*model.Tenant, error)
	FindTenantByAccountCode(ctx context.Context, accountCode string) (*model.Tenant, error)
	ListTenants(ctx context.Context) ([]model.Tenant, error)
	SaveTenant(ctx context.Context, tenant *model.Tenant) error
}

// ---------------------------------------------------------------------------
// Invoices
// ---------------------------------------------------------------------------

// InvoiceQuery selects invoices, ordered by ID ascending.
type InvoiceQuery struct {
	AccountCode string
	Status      model.InvoiceStatus
	DueBefore   *time.Time
	Limit       int
}

// StatusChange moves an invoice from one status to another. PaidAt is
// written only when non-nil.
type StatusChange struct {
	From   model.InvoiceStatus
	To     model.InvoiceStatus
	PaidAt *time.Time
}

type InvoiceStore interface {
	// CreateInvoiceIfAbsent inserts invoice as one atomic step. It reports
	// false without error when either the (account, period) key or the
	// invoice number is already taken.
	CreateInvoiceIfAbsent(ctx context.Context, invoice *model.Invoice) (bool, error)

	GetInvoice(ctx context.Context, id uint64) (*model.Invoice, error)
	FindInvoice(ctx context.Context, accountCode string, periodStart, periodEnd time.Time) (*model.Invoice, error)
	ListInvoices(ctx context.Context, query InvoiceQuery) ([]model.Invoice, error)

	// UpdateInvoiceStatus applies change only while the invoice is still in
	// change.From. Reports whether the row changed.
	UpdateInvoiceStatus(ctx context.Context, id uint64, change StatusChange) (bool, error)
}

// SequenceStore hands out monotonic counters by name, starting at 1.
type SequenceStore interface {
	NextSequence(ctx context.Context, name string) (int64, error)
}

// Store is the full capability set of one backend.
type Store interface {
	CallRecordStore
	ActiveCallStore
	RateStore
	ContractStore
	TenantDirectory
	InvoiceStore
	SequenceStore

	Close() error
}

// NewStoreFromConfig creates a Store based on the storage configuration.
func NewStoreFromConfig(storageConfig factory.StorageSection) (Store, error) {
	switch storageConfig.Driver {
	case "memory":
		logger.StorageLog.Infof("using in-memory storage backend")
		return NewMemoryStore(), nil
	case "sqlite", "mysql":
		logger.StorageLog.Infof("using gorm storage backend driver=%s tracing=%t",
			storageConfig.Driver, storageConfig.Tracing)
		gormStore, err := OpenGormStore(storageConfig)
		if err != nil {
			return nil, err
		}
		return gormStore, nil
	default:
		return nil, errors.Errorf("unknown storage driver %q", storageConfig.Driver)
	}
}

// utc normalizes t for storage; zero stays zero.
func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}

func containsState(states []model.CallState, state model.CallState) bool {
	if len(states) == 0 {
		return true
	}
	for _, candidate := range states {
		if candidate == state {
			return true
		}
	}
	return false
}
