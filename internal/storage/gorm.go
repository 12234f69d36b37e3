package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/pkg/factory"
)

// -----------------------------------------------------------------------------
// gorm implementation (sqlite, mysql)
// -----------------------------------------------------------------------------

// GormStore persists every table through gorm. Row-level locking is only
// requested on dialects that support SELECT ... FOR UPDATE; sqlite runs with
// a single connection, which serializes writers instead.
type GormStore struct {
	db       *gorm.DB
	lockRows bool
}

// OpenGormStore opens the configured database, optionally installs the
// OpenTelemetry plugin and migrates the schema.
func OpenGormStore(storageConfig factory.StorageSection) (*GormStore, error) {
	var dialector gorm.Dialector
	switch storageConfig.Driver {
	case "sqlite":
		dialector = sqlite.Open(storageConfig.DSN)
	case "mysql":
		dialector = mysql.Open(storageConfig.DSN)
	default:
		return nil, errors.Errorf("gorm store does not support driver %q", storageConfig.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", storageConfig.Driver)
	}

	if storageConfig.Tracing {
		if pluginErr := db.Use(otelgorm.NewPlugin(otelgorm.WithDBName(storageConfig.Driver))); pluginErr != nil {
			logger.StorageLog.Warnf("db connected but failed to install otelgorm plugin: %v", pluginErr)
		}
	}

	return NewGormStore(db)
}

// NewGormStore wraps an open gorm handle and migrates the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	dialect := db.Dialector.Name()
	if dialect == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(err, "sqlite handle")
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(allRowModels()...); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}

	logger.StorageLog.Infof("gorm store ready dialect=%s", dialect)
	return &GormStore{db: db, lockRows: dialect == "mysql"}, nil
}

// Close releases the underlying connection pool.
func (store *GormStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (store *GormStore) forUpdate(tx *gorm.DB) *gorm.DB {
	if store.lockRows {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// -----------------------------------------------------------------------------
// Call records
// -----------------------------------------------------------------------------

func (store *GormStore) InsertCallRecord(ctx context.Context, record *model.CallRecord) (bool, error) {
	if record == nil || record.UniqueID == "" {
		return false, errors.Wrap(ErrInvalidRecord, "call record without unique id")
	}

	row := newCallRecordRow(*record)
	row.ID = 0
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "unique_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "insert call record")
	}
	if result.RowsAffected == 0 {
		var existing callRecordRow
		if err := store.db.WithContext(ctx).Select("id").
			Where("unique_id = ?", record.UniqueID).Take(&existing).Error; err == nil {
			record.ID = existing.ID
		}
		return false, nil
	}
	record.ID = row.ID
	return true, nil
}

func (store *GormStore) GetCallRecord(ctx context.Context, id uint64) (*model.CallRecord, error) {
	var row callRecordRow
	if err := store.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	record := row.toModel()
	return &record, nil
}

func (store *GormStore) callRecordScope(ctx context.Context, query CallRecordQuery) *gorm.DB {
	tx := store.db.WithContext(ctx).Model(&callRecordRow{})
	if query.AfterID > 0 {
		tx = tx.Where("id > ?", query.AfterID)
	}
	if !query.Window.From.IsZero() {
		tx = tx.Where("call_date >= ?", utc(query.Window.From))
	}
	if !query.Window.To.IsZero() {
		tx = tx.Where("call_date <= ?", utc(query.Window.To))
	}
	if query.AccountCode != "" {
		tx = tx.Where("account_code = ?", query.AccountCode)
	}
	if query.Disposition != "" {
		tx = tx.Where("disposition = ?", string(query.Disposition))
	}
	if query.Unrated {
		tx = tx.Where("cost IS NULL")
	}
	if query.Untagged {
		tx = tx.Where("tenant_id IS NULL AND (account_code <> '' OR context <> '')")
	}
	return tx
}

func (store *GormStore) ListCallRecords(ctx context.Context, query CallRecordQuery) ([]model.CallRecord, error) {
	tx := store.callRecordScope(ctx, query).Order("id ASC")
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var rows []callRecordRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list call records")
	}
	records := make([]model.CallRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toModel())
	}
	return records, nil
}

func (store *GormStore) CountCallRecords(ctx context.Context, query CallRecordQuery) (int64, error) {
	var count int64
	if err := store.callRecordScope(ctx, query).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "count call records")
	}
	return count, nil
}

func (store *GormStore) ListBillableAccounts(ctx context.Context, window Window) ([]string, error) {
	var accounts []string
	err := store.callRecordScope(ctx, CallRecordQuery{
		Window:      window,
		Disposition: model.DispositionAnswered,
	}).
		Where("account_code <> ''").
		Distinct("account_code").
		Order("account_code ASC").
		Pluck("account_code", &accounts).Error
	if err != nil {
		return nil, errors.Wrap(err, "list billable accounts")
	}
	return accounts, nil
}

func (store *GormStore) SetCallRecordCost(
	ctx context.Context,
	id uint64,
	update CostUpdate,
	overwrite bool,
) (bool, error) {
	tx := store.db.WithContext(ctx).Model(&callRecordRow{}).Where("id = ?", id)
	if !overwrite {
		tx = tx.Where("cost IS NULL")
	}
	result := tx.Updates(map[string]any{
		"cost":          decimal.NewNullDecimal(update.Cost),
		"rated_rule_id": copyUint64(update.RuleID),
		"rated_at":      utc(update.RatedAt),
	})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "set call record cost")
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	return false, store.requireCallRecord(ctx, id)
}

func (store *GormStore) SetCallRecordTenant(ctx context.Context, id uint64, tenantID uint64) (bool, error) {
	result := store.db.WithContext(ctx).Model(&callRecordRow{}).
		Where("id = ? AND tenant_id IS NULL", id).
		Update("tenant_id", tenantID)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "set call record tenant")
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	return false, store.requireCallRecord(ctx, id)
}

func (store *GormStore) requireCallRecord(ctx context.Context, id uint64) error {
	var count int64
	if err := store.db.WithContext(ctx).Model(&callRecordRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return errors.Wrap(err, "check call record")
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------------------------------------------------------------
// Active calls
// -----------------------------------------------------------------------------

func (store *GormStore) CreateActiveCall(ctx context.Context, call *model.ActiveCall) (bool, error) {
	if call == nil || call.UniqueID == "" {
		return false, errors.Wrap(ErrInvalidRecord, "active call without unique id")
	}

	row := newActiveCallRow(*call)
	row.ID = 0
	created := false
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var finished int64
		if err := tx.Model(&callRecordRow{}).Where("unique_id = ?", call.UniqueID).Count(&finished).Error; err != nil {
			return errors.Wrap(err, "check call record")
		}
		if finished > 0 {
			return nil
		}

		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "unique_id"}},
			DoNothing: true,
		}).Create(&row)
		if result.Error != nil {
			return errors.Wrap(result.Error, "create active call")
		}
		created = result.RowsAffected > 0
		return nil
	})
	if err != nil || !created {
		return false, err
	}
	call.ID = row.ID
	return true, nil
}

func (store *GormStore) GetActiveCall(ctx context.Context, uniqueID string) (*model.ActiveCall, error) {
	var row activeCallRow
	if err := store.db.WithContext(ctx).Where("unique_id = ?", uniqueID).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	call := row.toModel()
	return &call, nil
}

func (store *GormStore) TransitionActiveCall(
	ctx context.Context,
	uniqueID string,
	fn TransitionFunc,
) (*model.ActiveCall, bool, error) {
	var (
		resultCall model.ActiveCall
		changed    bool
	)

	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row activeCallRow
		if err := store.forUpdate(tx).Where("unique_id = ?", uniqueID).Take(&row).Error; err != nil {
			return notFound(err)
		}

		call := row.toModel()
		if !fn(&call) {
			resultCall = row.toModel()
			return nil
		}

		// Tenant and identity columns belong to other writers.
		updates := map[string]any{
			"state":        string(call.State),
			"answer_time":  utcPtr(call.AnswerTime),
			"end_time":     utcPtr(call.EndTime),
			"duration":     call.Duration,
			"hangup_cause": call.HangupCause,
		}
		if err := tx.Model(&activeCallRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return errors.Wrap(err, "update active call")
		}

		var reloaded activeCallRow
		if err := tx.Where("id = ?", row.ID).Take(&reloaded).Error; err != nil {
			return errors.Wrap(err, "reload active call")
		}
		resultCall = reloaded.toModel()
		changed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &resultCall, changed, nil
}

func (store *GormStore) ListActiveCalls(ctx context.Context, query ActiveCallQuery) ([]model.ActiveCall, error) {
	tx := store.db.WithContext(ctx).Model(&activeCallRow{})
	if len(query.States) > 0 {
		states := make([]string, 0, len(query.States))
		for _, state := range query.States {
			states = append(states, string(state))
		}
		tx = tx.Where("state IN ?", states)
	}
	if query.TenantID != nil {
		tx = tx.Where("tenant_id = ?", *query.TenantID)
	}
	if query.Untagged {
		tx = tx.Where("tenant_id IS NULL")
	}
	if !query.StartedFrom.IsZero() {
		tx = tx.Where("start_time >= ?", utc(query.StartedFrom))
	}
	tx = tx.Order("start_time ASC").Order("id ASC")
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var rows []activeCallRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list active calls")
	}
	calls := make([]model.ActiveCall, 0, len(rows))
	for _, row := range rows {
		calls = append(calls, row.toModel())
	}
	return calls, nil
}

func (store *GormStore) SetActiveCallTenant(ctx context.Context, uniqueID string, tenantID uint64) (bool, error) {
	result := store.db.WithContext(ctx).Model(&activeCallRow{}).
		Where("unique_id = ? AND tenant_id IS NULL", uniqueID).
		Update("tenant_id", tenantID)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "set active call tenant")
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := store.db.WithContext(ctx).Model(&activeCallRow{}).
		Where("unique_id = ?", uniqueID).Count(&count).Error; err != nil {
		return false, errors.Wrap(err, "check active call")
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (store *GormStore) PurgeActiveCalls(ctx context.Context, cutoff time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("state = ? AND end_time IS NOT NULL AND end_time < ?", string(model.CallStateHangup), utc(cutoff)).
		Delete(&activeCallRow{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "purge active calls")
	}
	return result.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// Rate tables, contracts, tenants
// -----------------------------------------------------------------------------

func (store *GormStore) ListRateRules(ctx context.Context) ([]model.RateRule, error) {
	var rows []rateRuleRow
	if err := store.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list rate rules")
	}
	rules := make([]model.RateRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, row.toModel())
	}
	return rules, nil
}

func (store *GormStore) ListRateGroups(ctx context.Context) ([]model.RateGroup, error) {
	var rows []rateGroupRow
	if err := store.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list rate groups")
	}
	groups := make([]model.RateGroup, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, model.RateGroup{ID: row.ID, Name: row.Name, Memo: row.Memo})
	}
	return groups, nil
}

func (store *GormStore) SaveRateRule(ctx context.Context, rule *model.RateRule) error {
	row := newRateRuleRow(*rule)
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return errors.Wrap(err, "save rate rule")
	}
	rule.ID = row.ID
	return nil
}

func (store *GormStore) SaveRateGroup(ctx context.Context, group *model.RateGroup) error {
	row := rateGroupRow{ID: group.ID, Name: group.Name, Memo: group.Memo}
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return errors.Wrap(err, "save rate group")
	}
	group.ID = row.ID
	return nil
}

func (store *GormStore) ListContracts(ctx context.Context) ([]model.Contract, error) {
	var rows []contractRow
	if err := store.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list contracts")
	}
	contracts := make([]model.Contract, 0, len(rows))
	for _, row := range rows {
		contracts = append(contracts, row.toModel())
	}
	return contracts, nil
}

func (store *GormStore) GetContractByAccount(ctx context.Context, accountCode string) (*model.Contract, error) {
	var row contractRow
	if err := store.db.WithContext(ctx).Where("account_code = ?", accountCode).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	contract := row.toModel()
	return &contract, nil
}

func (store *GormStore) SaveContract(ctx context.Context, contract *model.Contract) error {
	if contract.AccountCode == "" {
		return errors.Wrap(ErrInvalidRecord, "contract without account code")
	}
	if contract.ID == 0 {
		if existing, err := store.GetContractByAccount(ctx, contract.AccountCode); err == nil {
			contract.ID = existing.ID
		}
	}

	row := contractRow{
		ID:          contract.ID,
		AccountCode: contract.AccountCode,
		CompanyName: contract.CompanyName,
		RateGroupID: copyUint64(contract.RateGroupID),
		MonthlyFee:  contract.MonthlyFee,
		Status:      string(contract.Status),
	}
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return errors.Wrap(err, "save contract")
	}
	contract.ID = row.ID
	return nil
}

func (store *GormStore) FindTenantByContext(ctx context.Context, contextName string) (*model.Tenant, error) {
	return store.findTenant(ctx, "context = ?", contextName)
}

func (store *GormStore) FindTenantByAccountCode(ctx context.Context, accountCode string) (*model.Tenant, error) {
	return store.findTenant(ctx, "account_code = ?", accountCode)
}

func (store *GormStore) findTenant(ctx context.Context, condition string, value string) (*model.Tenant, error) {
	var row tenantRow
	err := store.db.WithContext(ctx).
		Where(condition, value).
		Where("active = ?", true).
		Order("id ASC").
		Take(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	tenant := row.toModel()
	return &tenant, nil
}

func (store *GormStore) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	var rows []tenantRow
	if err := store.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}
	tenants := make([]model.Tenant, 0, len(rows))
	for _, row := range rows {
		tenants = append(tenants, row.toModel())
	}
	return tenants, nil
}

func (store *GormStore) SaveTenant(ctx context.Context, tenant *model.Tenant) error {
	row := tenantRow{
		ID:          tenant.ID,
		Name:        tenant.Name,
		Domain:      tenant.Domain,
		AccountCode: tenant.AccountCode,
		Context:     tenant.Context,
		Active:      tenant.Active,
	}
	if err := store.db.WithContext(ctx).Save(&row).Error; err != nil {
		return errors.Wrap(err, "save tenant")
	}
	tenant.ID = row.ID
	return nil
}

// -----------------------------------------------------------------------------
// Invoices and sequences
// -----------------------------------------------------------------------------

func (store *GormStore) CreateInvoiceIfAbsent(ctx context.Context, invoice *model.Invoice) (bool, error) {
	if invoice.AccountCode == "" || invoice.InvoiceNumber == "" {
		return false, errors.Wrap(ErrInvalidRecord, "invoice without account code or number")
	}

	row := newInvoiceRow(*invoice)
	row.ID = 0
	// No conflict target: both unique indexes (period key and number) count.
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "create invoice")
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	invoice.ID = row.ID
	return true, nil
}

func (store *GormStore) GetInvoice(ctx context.Context, id uint64) (*model.Invoice, error) {
	var row invoiceRow
	if err := store.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err)
	}
	invoice := row.toModel()
	return &invoice, nil
}

func (store *GormStore) FindInvoice(
	ctx context.Context,
	accountCode string,
	periodStart, periodEnd time.Time,
) (*model.Invoice, error) {
	var row invoiceRow
	err := store.db.WithContext(ctx).
		Where("account_code = ? AND period_start = ? AND period_end = ?",
			accountCode, utc(periodStart), utc(periodEnd)).
		Take(&row).Error
	if err != nil {
		return nil, notFound(err)
	}
	invoice := row.toModel()
	return &invoice, nil
}

func (store *GormStore) ListInvoices(ctx context.Context, query InvoiceQuery) ([]model.Invoice, error) {
	tx := store.db.WithContext(ctx).Model(&invoiceRow{})
	if query.AccountCode != "" {
		tx = tx.Where("account_code = ?", query.AccountCode)
	}
	if query.Status != "" {
		tx = tx.Where("status = ?", string(query.Status))
	}
	if query.DueBefore != nil {
		tx = tx.Where("due_date IS NOT NULL AND due_date < ?", utc(*query.DueBefore))
	}
	tx = tx.Order("id ASC")
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}

	var rows []invoiceRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "list invoices")
	}
	invoices := make([]model.Invoice, 0, len(rows))
	for _, row := range rows {
		invoices = append(invoices, row.toModel())
	}
	return invoices, nil
}

func (store *GormStore) UpdateInvoiceStatus(ctx context.Context, id uint64, change StatusChange) (bool, error) {
	updates := map[string]any{"status": string(change.To)}
	if change.PaidAt != nil {
		updates["paid_at"] = utc(*change.PaidAt)
	}

	result := store.db.WithContext(ctx).Model(&invoiceRow{}).
		Where("id = ? AND status = ?", id, string(change.From)).
		Updates(updates)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "update invoice status")
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	if _, err := store.GetInvoice(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (store *GormStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := sequenceRow{Name: name}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return errors.Wrap(err, "seed sequence")
		}
		if err := tx.Model(&sequenceRow{}).Where("name = ?", name).
			UpdateColumn("value", gorm.Expr("value + ?", 1)).Error; err != nil {
			return errors.Wrap(err, "advance sequence")
		}
		var row sequenceRow
		if err := store.forUpdate(tx).Where("name = ?", name).Take(&row).Error; err != nil {
			return errors.Wrap(err, "read sequence")
		}
		value = row.Value
		return nil
	})
	if err != nil {
		return 0, err
	}
	return value, nil
}
