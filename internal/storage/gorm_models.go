package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pbxbilling/callrater/internal/model"
)

// Row types mirror the model structs with column constraints. Times are
// stored in UTC with microsecond precision.

type callRecordRow struct {
	ID              uint64              `gorm:"primaryKey;autoIncrement"`
	UniqueID        string              `gorm:"size:64;not null;uniqueIndex"`
	CallDate        time.Time           `gorm:"not null;index;precision:6"`
	Source          string              `gorm:"size:80"`
	Destination     string              `gorm:"size:80"`
	Channel         string              `gorm:"size:255"`
	Context         string              `gorm:"size:80"`
	Duration        int64               `gorm:"not null;default:0"`
	BillableSeconds int64               `gorm:"not null;default:0"`
	Disposition     string              `gorm:"size:16;not null;index"`
	AccountCode     string              `gorm:"size:64;index"`
	TenantID        *uint64             `gorm:"index"`
	Cost            decimal.NullDecimal `gorm:"type:decimal(20,4)"`
	RatedRuleID     *uint64
	RatedAt         *time.Time `gorm:"precision:6"`
}

func (callRecordRow) TableName() string { return "call_records" }

func newCallRecordRow(record model.CallRecord) callRecordRow {
	row := callRecordRow{
		ID:              record.ID,
		UniqueID:        record.UniqueID,
		CallDate:        utc(record.CallDate),
		Source:          record.Source,
		Destination:     record.Destination,
		Channel:         record.Channel,
		Context:         record.Context,
		Duration:        record.Duration,
		BillableSeconds: record.BillableSeconds,
		Disposition:     string(record.Disposition),
		AccountCode:     record.AccountCode,
		TenantID:        copyUint64(record.TenantID),
		RatedRuleID:     copyUint64(record.RatedRuleID),
		RatedAt:         utcPtr(record.RatedAt),
	}
	if record.Cost != nil {
		row.Cost = decimal.NewNullDecimal(*record.Cost)
	}
	return row
}

func (row callRecordRow) toModel() model.CallRecord {
	record := model.CallRecord{
		ID:              row.ID,
		UniqueID:        row.UniqueID,
		CallDate:        utc(row.CallDate),
		Source:          row.Source,
		Destination:     row.Destination,
		Channel:         row.Channel,
		Context:         row.Context,
		Duration:        row.Duration,
		BillableSeconds: row.BillableSeconds,
		Disposition:     model.Disposition(row.Disposition),
		AccountCode:     row.AccountCode,
		TenantID:        row.TenantID,
		RatedRuleID:     row.RatedRuleID,
		RatedAt:         utcPtr(row.RatedAt),
	}
	if row.Cost.Valid {
		cost := row.Cost.Decimal.Round(model.CostScale)
		record.Cost = &cost
	}
	return record
}

type activeCallRow struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement"`
	UniqueID    string     `gorm:"size:64;not null;uniqueIndex"`
	LinkedID    string     `gorm:"size:64;index"`
	Connection  string     `gorm:"size:64;index"`
	Channel     string     `gorm:"size:255"`
	Source      string     `gorm:"size:80"`
	Destination string     `gorm:"size:80"`
	Context     string     `gorm:"size:80"`
	AccountCode string     `gorm:"size:64"`
	State       string     `gorm:"size:16;not null;index"`
	StartTime   time.Time  `gorm:"not null;index;precision:6"`
	AnswerTime  *time.Time `gorm:"precision:6"`
	EndTime     *time.Time `gorm:"precision:6;index"`
	Duration    int64      `gorm:"not null;default:0"`
	HangupCause int        `gorm:"not null;default:0"`
	TenantID    *uint64    `gorm:"index"`
}

func (activeCallRow) TableName() string { return "active_calls" }

func newActiveCallRow(call model.ActiveCall) activeCallRow {
	return activeCallRow{
		ID:          call.ID,
		UniqueID:    call.UniqueID,
		LinkedID:    call.LinkedID,
		Connection:  call.Connection,
		Channel:     call.Channel,
		Source:      call.Source,
		Destination: call.Destination,
		Context:     call.Context,
		AccountCode: call.AccountCode,
		State:       string(call.State),
		StartTime:   utc(call.StartTime),
		AnswerTime:  utcPtr(call.AnswerTime),
		EndTime:     utcPtr(call.EndTime),
		Duration:    call.Duration,
		HangupCause: call.HangupCause,
		TenantID:    copyUint64(call.TenantID),
	}
}

func (row activeCallRow) toModel() model.ActiveCall {
	return model.ActiveCall{
		ID:          row.ID,
		UniqueID:    row.UniqueID,
		LinkedID:    row.LinkedID,
		Connection:  row.Connection,
		Channel:     row.Channel,
		Source:      row.Source,
		Destination: row.Destination,
		Context:     row.Context,
		AccountCode: row.AccountCode,
		State:       model.CallState(row.State),
		StartTime:   utc(row.StartTime),
		AnswerTime:  utcPtr(row.AnswerTime),
		EndTime:     utcPtr(row.EndTime),
		Duration:    row.Duration,
		HangupCause: row.HangupCause,
		TenantID:    row.TenantID,
	}
}

type rateGroupRow struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"size:120;not null"`
	Memo string `gorm:"size:255"`
}

func (rateGroupRow) TableName() string { return "rate_groups" }

type rateRuleRow struct {
	ID                     uint64          `gorm:"primaryKey;autoIncrement"`
	RateGroupID            *uint64         `gorm:"index"`
	Prefix                 string          `gorm:"size:32;not null;index"`
	Name                   string          `gorm:"size:120"`
	RateType               string          `gorm:"size:16;not null"`
	UnitPrice              decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	BillingCycleSeconds    int64           `gorm:"not null"`
	MinimumDurationSeconds int64           `gorm:"not null"`
	ConnectionFee          decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Active                 bool            `gorm:"not null;index"`
}

func (rateRuleRow) TableName() string { return "rate_rules" }

func newRateRuleRow(rule model.RateRule) rateRuleRow {
	return rateRuleRow{
		ID:                     rule.ID,
		RateGroupID:            copyUint64(rule.RateGroupID),
		Prefix:                 rule.Prefix,
		Name:                   rule.Name,
		RateType:               string(rule.RateType),
		UnitPrice:              rule.UnitPrice,
		BillingCycleSeconds:    rule.BillingCycleSeconds,
		MinimumDurationSeconds: rule.MinimumDurationSeconds,
		ConnectionFee:          rule.ConnectionFee,
		Active:                 rule.Active,
	}
}

func (row rateRuleRow) toModel() model.RateRule {
	return model.RateRule{
		ID:                     row.ID,
		RateGroupID:            row.RateGroupID,
		Prefix:                 row.Prefix,
		Name:                   row.Name,
		RateType:               model.RateType(row.RateType),
		UnitPrice:              row.UnitPrice,
		BillingCycleSeconds:    row.BillingCycleSeconds,
		MinimumDurationSeconds: row.MinimumDurationSeconds,
		ConnectionFee:          row.ConnectionFee,
		Active:                 row.Active,
	}
}

type contractRow struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement"`
	AccountCode string          `gorm:"size:64;not null;uniqueIndex"`
	CompanyName string          `gorm:"size:160"`
	RateGroupID *uint64         `gorm:"index"`
	MonthlyFee  decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Status      string          `gorm:"size:16;not null"`
}

func (contractRow) TableName() string { return "contracts" }

func (row contractRow) toModel() model.Contract {
	return model.Contract{
		ID:          row.ID,
		AccountCode: row.AccountCode,
		CompanyName: row.CompanyName,
		RateGroupID: row.RateGroupID,
		MonthlyFee:  row.MonthlyFee,
		Status:      model.ContractStatus(row.Status),
	}
}

type tenantRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:120;not null"`
	Domain      string `gorm:"size:160"`
	AccountCode string `gorm:"size:64;index"`
	Context     string `gorm:"size:80;index"`
	Active      bool   `gorm:"not null"`
}

func (tenantRow) TableName() string { return "tenants" }

func (row tenantRow) toModel() model.Tenant {
	return model.Tenant{
		ID:          row.ID,
		Name:        row.Name,
		Domain:      row.Domain,
		AccountCode: row.AccountCode,
		Context:     row.Context,
		Active:      row.Active,
	}
}

type invoiceRow struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement"`
	InvoiceNumber string          `gorm:"size:32;not null;uniqueIndex"`
	AccountCode   string          `gorm:"size:64;not null;uniqueIndex:idx_invoice_period"`
	PeriodStart   time.Time       `gorm:"not null;uniqueIndex:idx_invoice_period;precision:6"`
	PeriodEnd     time.Time       `gorm:"not null;uniqueIndex:idx_invoice_period;precision:6"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	TotalCalls    int64           `gorm:"not null"`
	TotalDuration int64           `gorm:"not null"`
	Status        string          `gorm:"size:24;not null;index"`
	SentAt        *time.Time      `gorm:"precision:6"`
	PaidAt        *time.Time      `gorm:"precision:6"`
	DueDate       *time.Time      `gorm:"precision:6;index"`
	Notes         string          `gorm:"size:500"`
}

func (invoiceRow) TableName() string { return "invoices" }

func newInvoiceRow(invoice model.Invoice) invoiceRow {
	return invoiceRow{
		ID:            invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		AccountCode:   invoice.AccountCode,
		PeriodStart:   utc(invoice.PeriodStart),
		PeriodEnd:     utc(invoice.PeriodEnd),
		TotalAmount:   invoice.TotalAmount,
		TotalCalls:    invoice.TotalCalls,
		TotalDuration: invoice.TotalDuration,
		Status:        string(invoice.Status),
		SentAt:        utcPtr(invoice.SentAt),
		PaidAt:        utcPtr(invoice.PaidAt),
		DueDate:       utcPtr(invoice.DueDate),
		Notes:         invoice.Notes,
	}
}

func (row invoiceRow) toModel() model.Invoice {
	return model.Invoice{
		ID:            row.ID,
		InvoiceNumber: row.InvoiceNumber,
		AccountCode:   row.AccountCode,
		PeriodStart:   utc(row.PeriodStart),
		PeriodEnd:     utc(row.PeriodEnd),
		TotalAmount:   row.TotalAmount.Round(model.CostScale),
		TotalCalls:    row.TotalCalls,
		TotalDuration: row.TotalDuration,
		Status:        model.InvoiceStatus(row.Status),
		SentAt:        utcPtr(row.SentAt),
		PaidAt:        utcPtr(row.PaidAt),
		DueDate:       utcPtr(row.DueDate),
		Notes:         row.Notes,
	}
}

type sequenceRow struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64  `gorm:"not null;default:0"`
}

func (sequenceRow) TableName() string { return "sequences" }

func allRowModels() []any {
	return []any{
		&callRecordRow{},
		&activeCallRow{},
		&rateGroupRow{},
		&rateRuleRow{},
		&contractRow{},
		&tenantRow{},
		&invoiceRow{},
		&sequenceRow{},
	}
}
