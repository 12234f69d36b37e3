package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/model"
)

// -----------------------------------------------------------------------------
// In-memory implementation
// -----------------------------------------------------------------------------

// memoryStore keeps all tables in maps guarded by one RWMutex per table
// group. It is suitable for functional testing and small-scale demos. It is
// NOT intended for production-scale deployments.
type memoryStore struct {
	mutexForCalls     sync.RWMutex
	callRecordsByID   map[uint64]*model.CallRecord
	callRecordIDByUID map[string]uint64
	activeCallsByUID  map[string]*model.ActiveCall
	nextCallRecordID  uint64
	nextActiveCallID  uint64

	mutexForDirectory  sync.RWMutex
	rateRulesByID      map[uint64]*model.RateRule
	rateGroupsByID     map[uint64]*model.RateGroup
	contractsByAccount map[string]*model.Contract
	tenantsByID        map[uint64]*model.Tenant
	nextDirectoryID    uint64

	mutexForInvoices  sync.RWMutex
	invoicesByID      map[uint64]*model.Invoice
	invoiceIDByKey    map[invoiceKey]uint64
	invoiceIDByNumber map[string]uint64
	nextInvoiceID     uint64
	sequences         map[string]int64
}

type invoiceKey struct {
	accountCode string
	periodStart int64
	periodEnd   int64
}

func newInvoiceKey(accountCode string, periodStart, periodEnd time.Time) invoiceKey {
	return invoiceKey{
		accountCode: accountCode,
		periodStart: periodStart.UnixNano(),
		periodEnd:   periodEnd.UnixNano(),
	}
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		callRecordsByID:    make(map[uint64]*model.CallRecord),
		callRecordIDByUID:  make(map[string]uint64),
		activeCallsByUID:   make(map[string]*model.ActiveCall),
		rateRulesByID:      make(map[uint64]*model.RateRule),
		rateGroupsByID:     make(map[uint64]*model.RateGroup),
		contractsByAccount: make(map[string]*model.Contract),
		tenantsByID:        make(map[uint64]*model.Tenant),
		invoicesByID:       make(map[uint64]*model.Invoice),
		invoiceIDByKey:     make(map[invoiceKey]uint64),
		invoiceIDByNumber:  make(map[string]uint64),
		sequences:          make(map[string]int64),
	}
}

func (store *memoryStore) Close() error { return nil }

// -----------------------------------------------------------------------------
// Call records
// -----------------------------------------------------------------------------

func (store *memoryStore) InsertCallRecord(ctx context.Context, record *model.CallRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if record == nil || record.UniqueID == "" {
		return false, errors.Wrap(ErrInvalidRecord, "call record without unique id")
	}

	store.mutexForCalls.Lock()
	defer store.mutexForCalls.Unlock()

	if existingID, ok := store.callRecordIDByUID[record.UniqueID]; ok {
		record.ID = existingID
		return false, nil
	}

	store.nextCallRecordID++
	record.ID = store.nextCallRecordID
	stored := cloneCallRecord(*record)
	stored.CallDate = utc(stored.CallDate)
	stored.RatedAt = utcPtr(stored.RatedAt)
	store.callRecordsByID[stored.ID] = &stored
	store.callRecordIDByUID[stored.UniqueID] = stored.ID
	return true, nil
}

func (store *memoryStore) GetCallRecord(ctx context.Context, id uint64) (*model.CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForCalls.RLock()
	defer store.mutexForCalls.RUnlock()

	record, ok := store.callRecordsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := cloneCallRecord(*record)
	return &copied, nil
}

func (store *memoryStore) ListCallRecords(ctx context.Context, query CallRecordQuery) ([]model.CallRecord, error) {
	store.mutexForCalls.RLock()
	defer store.mutexForCalls.RUnlock()

	results := make([]model.CallRecord, 0)
	for _, id := range store.sortedCallRecordIDsLocked() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record := store.callRecordsByID[id]
		if !matchCallRecord(*record, query) {
			continue
		}
		results = append(results, cloneCallRecord(*record))
		if query.Limit > 0 && len(results) >= query.Limit {
			break
		}
	}
	return results, nil
}

func (store *memoryStore) CountCallRecords(ctx context.Context, query CallRecordQuery) (int64, error) {
	query.Limit = 0
	records, err := store.ListCallRecords(ctx, query)
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

func (store *memoryStore) ListBillableAccounts(ctx context.Context, window Window) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForCalls.RLock()
	defer store.mutexForCalls.RUnlock()

	seen := make(map[string]struct{})
	for _, record := range store.callRecordsByID {
		if record.AccountCode == "" || record.Disposition != model.DispositionAnswered {
			continue
		}
		if !window.Contains(record.CallDate) {
			continue
		}
		seen[record.AccountCode] = struct{}{}
	}

	accounts := make([]string, 0, len(seen))
	for accountCode := range seen {
		accounts = append(accounts, accountCode)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (store *memoryStore) SetCallRecordCost(
	ctx context.Context,
	id uint64,
	update CostUpdate,
	overwrite bool,
) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	store.mutexForCalls.Lock()
	defer store.mutexForCalls.Unlock()

	record, ok := store.callRecordsByID[id]
	if !ok {
		return false, ErrNotFound
	}
	if record.Cost != nil && !overwrite {
		return false, nil
	}

	cost := update.Cost
	record.Cost = &cost
	record.RatedRuleID = copyUint64(update.RuleID)
	record.RatedAt = model.TimePtr(utc(update.RatedAt))
	return true, nil
}

func (store *memoryStore) SetCallRecordTenant(ctx context.Context, id uint64, tenantID uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	store.mutexForCalls.Lock()
	defer store.mutexForCalls.Unlock()

	record, ok := store.callRecordsByID[id]
	if !ok {
		return false, ErrNotFound
	}
	if record.TenantID != nil {
		return false, nil
	}
	record.TenantID = model.Uint64Ptr(tenantID)
	return true, nil
}

func (store *memoryStore) sortedCallRecordIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(store.callRecordsByID))
	for id := range store.callRecordsByID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func matchCallRecord(record model.CallRecord, query CallRecordQuery) bool {
	if record.ID <= query.AfterID {
		return false
	}
	if !query.Window.Contains(record.CallDate) {
		return false
	}
	if query.AccountCode != "" && record.AccountCode != query.AccountCode {
		return false
	}
	if query.Disposition != "" && record.Disposition != query.Disposition {
		return false
	}
	if query.Unrated && record.Cost != nil {
		return false
	}
	if query.Untagged && (record.TenantID != nil || (record.AccountCode == "" && record.Context == "")) {
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Active calls
// -----------------------------------------------------------------------------

func (store *memoryStore) CreateActiveCall(ctx context.Context, call *model.ActiveCall) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if call == nil || call.UniqueID == "" {
		return false, errors.Wrap(ErrInvalidRecord, "active call without unique id")
	}

	store.mutexForCalls.Lock()
	defer store.mutexForCalls.Unlock()

	if existing, ok := store.activeCallsByUID[call.UniqueID]; ok {
		call.ID = existing.ID
		return false, nil
	}
	if _, finished := store.callRecordIDByUID[call.UniqueID]; finished {
		return false, nil
	}

	store.nextActiveCallID++
	call.ID = store.nextActiveCallID
	stored := cloneActiveCall(*call)
	normalizeActiveCallTimes(&stored)
	store.activeCallsByUID[stored.UniqueID] = &stored
	return true, nil
}

func (store *memoryStore) GetActiveCall(ctx context.Context, uniqueID string) (*model.ActiveCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForCalls.RLock()
	defer store.mutexForCalls.RUnlock()

	call, ok := store.activeCallsByUID[uniqueID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := cloneActiveCall(*call)
	return &copied, nil
}

func (store *memoryStore) TransitionActiveCall(
	ctx context.Context,
	uniqueID string,
	fn TransitionFunc,
) (*model.ActiveCall, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	store.mutexForCalls.Lock()
	defer store.mutexForCalls.Unlock()

	stored, ok := store.activeCallsByUID[uniqueID]
	if !ok {
		return nil, false, ErrNotFound
	}

	working := cloneActiveCall(*stored)
	if !fn(&working) {
		unchanged := cloneActiveCall(*stored)
		return &unchanged, false, nil
	}

	// Only tracker-owned columns are written back.
	stored.State = working.State
	stored.AnswerTime = utcPtr(working.AnswerTime)
	stored.EndTime = utcPtr(working.EndTime)
	stored.Duration = working.Duration
	stored.HangupCause = working.HangupCause

	result := cloneActiveCall(*stored)
	return &result, true, nil
}

func (store *memoryStore) ListActiveCalls(ctx context.Context, query ActiveCallQuery) ([]model.ActiveCall, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForCalls.RLock()
	defer store.mutexForCalls.RUnlock()

	results := make([]model.ActiveCall, 0)
	for _, call := range store.activeCallsByUID {
		if !containsState(query.States, call.State) {
			continue
		}
		if query.TenantID != nil && (call.TenantID == nil || *call.TenantID != *query.TenantID) {
			continue
		}
		if query.Untagged && call.TenantID != nil {
			continue
		}
		if !query.StartedFrom.IsZero() && call.StartTime.Before(query.StartedFrom) {
			continue
		}
		results = append(results, cloneActiveCall(*call))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].StartTime.Equal(results[j].StartTime) {
			return results[i].ID < results[j].ID
		}
		return results[i].StartTime.Before(results[j].StartTime)
	})
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

func (store *memoryStore) SetActiveCallTenant(ctx context.Context, uniqueID string, tenantID uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	store.mutexForCalls.Lock()
	defer store.mutexForCalls.Unlock()

	call, ok := store.activeCallsByUID[uniqueID]
	if !ok {
		return false, ErrNotFound
	}
	if call.TenantID != nil {
		return false, nil
	}
	call.TenantID = model.Uint64Ptr(tenantID)
	return true, nil
}

func (store *memoryStore) PurgeActiveCalls(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	store.mutexForCalls.Lock()
	defer store.mutexForCalls.Unlock()

	var removed int64
	for uniqueID, call := range store.activeCallsByUID {
		if call.State != model.CallStateHangup || call.EndTime == nil {
			continue
		}
		if call.EndTime.Before(cutoff) {
			delete(store.activeCallsByUID, uniqueID)
			removed++
		}
	}
	if removed > 0 {
		logger.StorageLog.Debugf("purged %d finished call(s) from memory store", removed)
	}
	return removed, nil
}

// -----------------------------------------------------------------------------
// Rate tables, contracts, tenants
// -----------------------------------------------------------------------------

func (store *memoryStore) ListRateRules(ctx context.Context) ([]model.RateRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForDirectory.RLock()
	defer store.mutexForDirectory.RUnlock()

	rules := make([]model.RateRule, 0, len(store.rateRulesByID))
	for _, rule := range store.rateRulesByID {
		copied := *rule
		copied.RateGroupID = copyUint64(rule.RateGroupID)
		rules = append(rules, copied)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func (store *memoryStore) ListRateGroups(ctx context.Context) ([]model.RateGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForDirectory.RLock()
	defer store.mutexForDirectory.RUnlock()

	groups := make([]model.RateGroup, 0, len(store.rateGroupsByID))
	for _, group := range store.rateGroupsByID {
		groups = append(groups, *group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (store *memoryStore) SaveRateRule(ctx context.Context, rule *model.RateRule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mutexForDirectory.Lock()
	defer store.mutexForDirectory.Unlock()

	if rule.ID == 0 {
		rule.ID = store.allocateDirectoryIDLocked()
	} else if rule.ID > store.nextDirectoryID {
		store.nextDirectoryID = rule.ID
	}
	copied := *rule
	copied.RateGroupID = copyUint64(rule.RateGroupID)
	store.rateRulesByID[copied.ID] = &copied
	return nil
}

func (store *memoryStore) SaveRateGroup(ctx context.Context, group *model.RateGroup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mutexForDirectory.Lock()
	defer store.mutexForDirectory.Unlock()

	if group.ID == 0 {
		group.ID = store.allocateDirectoryIDLocked()
	} else if group.ID > store.nextDirectoryID {
		store.nextDirectoryID = group.ID
	}
	copied := *group
	store.rateGroupsByID[copied.ID] = &copied
	return nil
}

func (store *memoryStore) ListContracts(ctx context.Context) ([]model.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForDirectory.RLock()
	defer store.mutexForDirectory.RUnlock()

	contracts := make([]model.Contract, 0, len(store.contractsByAccount))
	for _, contract := range store.contractsByAccount {
		copied := *contract
		copied.RateGroupID = copyUint64(contract.RateGroupID)
		contracts = append(contracts, copied)
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].ID < contracts[j].ID })
	return contracts, nil
}

func (store *memoryStore) GetContractByAccount(ctx context.Context, accountCode string) (*model.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForDirectory.RLock()
	defer store.mutexForDirectory.RUnlock()

	contract, ok := store.contractsByAccount[accountCode]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *contract
	copied.RateGroupID = copyUint64(contract.RateGroupID)
	return &copied, nil
}

func (store *memoryStore) SaveContract(ctx context.Context, contract *model.Contract) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if contract.AccountCode == "" {
		return errors.Wrap(ErrInvalidRecord, "contract without account code")
	}
	store.mutexForDirectory.Lock()
	defer store.mutexForDirectory.Unlock()

	if existing, ok := store.contractsByAccount[contract.AccountCode]; ok && contract.ID == 0 {
		contract.ID = existing.ID
	}
	if contract.ID == 0 {
		contract.ID = store.allocateDirectoryIDLocked()
	}
	copied := *contract
	copied.RateGroupID = copyUint64(contract.RateGroupID)
	store.contractsByAccount[copied.AccountCode] = &copied
	return nil
}

func (store *memoryStore) FindTenantByContext(ctx context.Context, contextName string) (*model.Tenant, error) {
	return store.findTenant(ctx, func(tenant *model.Tenant) bool {
		return tenant.Context == contextName
	})
}

func (store *memoryStore) FindTenantByAccountCode(ctx context.Context, accountCode string) (*model.Tenant, error) {
	return store.findTenant(ctx, func(tenant *model.Tenant) bool {
		return tenant.AccountCode == accountCode
	})
}

func (store *memoryStore) findTenant(ctx context.Context, match func(*model.Tenant) bool) (*model.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForDirectory.RLock()
	defer store.mutexForDirectory.RUnlock()

	var best *model.Tenant
	for _, tenant := range store.tenantsByID {
		if !tenant.Active || !match(tenant) {
			continue
		}
		if best == nil || tenant.ID < best.ID {
			best = tenant
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	copied := *best
	return &copied, nil
}

func (store *memoryStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForDirectory.RLock()
	defer store.mutexForDirectory.RUnlock()

	tenants := make([]model.Tenant, 0, len(store.tenantsByID))
	for _, tenant := range store.tenantsByID {
		tenants = append(tenants, *tenant)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}

func (store *memoryStore) SaveTenant(ctx context.Context, tenant *model.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mutexForDirectory.Lock()
	defer store.mutexForDirectory.Unlock()

	if tenant.ID == 0 {
		tenant.ID = store.allocateDirectoryIDLocked()
	} else if tenant.ID > store.nextDirectoryID {
		store.nextDirectoryID = tenant.ID
	}
	copied := *tenant
	store.tenantsByID[copied.ID] = &copied
	return nil
}

func (store *memoryStore) allocateDirectoryIDLocked() uint64 {
	store.nextDirectoryID++
	return store.nextDirectoryID
}

// -----------------------------------------------------------------------------
// Invoices and sequences
// -----------------------------------------------------------------------------

func (store *memoryStore) CreateInvoiceIfAbsent(ctx context.Context, invoice *model.Invoice) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if invoice.AccountCode == "" || invoice.InvoiceNumber == "" {
		return false, errors.Wrap(ErrInvalidRecord, "invoice without account code or number")
	}

	store.mutexForInvoices.Lock()
	defer store.mutexForInvoices.Unlock()

	key := newInvoiceKey(invoice.AccountCode, invoice.PeriodStart, invoice.PeriodEnd)
	if _, exists := store.invoiceIDByKey[key]; exists {
		return false, nil
	}
	if _, exists := store.invoiceIDByNumber[invoice.InvoiceNumber]; exists {
		return false, nil
	}

	store.nextInvoiceID++
	invoice.ID = store.nextInvoiceID
	stored := cloneInvoice(*invoice)
	stored.PeriodStart = utc(stored.PeriodStart)
	stored.PeriodEnd = utc(stored.PeriodEnd)
	store.invoicesByID[stored.ID] = &stored
	store.invoiceIDByKey[key] = stored.ID
	store.invoiceIDByNumber[stored.InvoiceNumber] = stored.ID
	return true, nil
}

func (store *memoryStore) GetInvoice(ctx context.Context, id uint64) (*model.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForInvoices.RLock()
	defer store.mutexForInvoices.RUnlock()

	invoice, ok := store.invoicesByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := cloneInvoice(*invoice)
	return &copied, nil
}

func (store *memoryStore) FindInvoice(
	ctx context.Context,
	accountCode string,
	periodStart, periodEnd time.Time,
) (*model.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForInvoices.RLock()
	defer store.mutexForInvoices.RUnlock()

	id, ok := store.invoiceIDByKey[newInvoiceKey(accountCode, periodStart, periodEnd)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := cloneInvoice(*store.invoicesByID[id])
	return &copied, nil
}

func (store *memoryStore) ListInvoices(ctx context.Context, query InvoiceQuery) ([]model.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mutexForInvoices.RLock()
	defer store.mutexForInvoices.RUnlock()

	results := make([]model.Invoice, 0)
	for _, invoice := range store.invoicesByID {
		if query.AccountCode != "" && invoice.AccountCode != query.AccountCode {
			continue
		}
		if query.Status != "" && invoice.Status != query.Status {
			continue
		}
		if query.DueBefore != nil && (invoice.DueDate == nil || !invoice.DueDate.Before(*query.DueBefore)) {
			continue
		}
		results = append(results, cloneInvoice(*invoice))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

func (store *memoryStore) UpdateInvoiceStatus(ctx context.Context, id uint64, change StatusChange) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	store.mutexForInvoices.Lock()
	defer store.mutexForInvoices.Unlock()

	invoice, ok := store.invoicesByID[id]
	if !ok {
		return false, ErrNotFound
	}
	if invoice.Status != change.From {
		return false, nil
	}
	invoice.Status = change.To
	if change.PaidAt != nil {
		invoice.PaidAt = utcPtr(change.PaidAt)
	}
	return true, nil
}

func (store *memoryStore) NextSequence(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	store.mutexForInvoices.Lock()
	defer store.mutexForInvoices.Unlock()

	store.sequences[name]++
	return store.sequences[name], nil
}

// -----------------------------------------------------------------------------
// Copy helpers
// -----------------------------------------------------------------------------

func copyUint64(value *uint64) *uint64 {
	if value == nil {
		return nil
	}
	return model.Uint64Ptr(*value)
}

func copyTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	return model.TimePtr(*value)
}

func cloneCallRecord(record model.CallRecord) model.CallRecord {
	record.TenantID = copyUint64(record.TenantID)
	record.RatedRuleID = copyUint64(record.RatedRuleID)
	record.RatedAt = copyTime(record.RatedAt)
	if record.Cost != nil {
		cost := *record.Cost
		record.Cost = &cost
	}
	return record
}

func cloneActiveCall(call model.ActiveCall) model.ActiveCall {
	call.TenantID = copyUint64(call.TenantID)
	call.AnswerTime = copyTime(call.AnswerTime)
	call.EndTime = copyTime(call.EndTime)
	return call
}

func normalizeActiveCallTimes(call *model.ActiveCall) {
	call.StartTime = utc(call.StartTime)
	call.AnswerTime = utcPtr(call.AnswerTime)
	call.EndTime = utcPtr(call.EndTime)
}

func cloneInvoice(invoice model.Invoice) model.Invoice {
	invoice.SentAt = copyTime(invoice.SentAt)
	invoice.PaidAt = copyTime(invoice.PaidAt)
	invoice.DueDate = copyTime(invoice.DueDate)
	return invoice
}
