// Package model defines the shared data structures of callrater:
// - Call records (CDRs) produced when a call terminates
// - Active calls tracked live from the telephony event stream
// - Rate rules, rate groups and contracts used for rating
// - Tenants and invoices.
//
// All types here are intentionally free of dependencies on other internal
// packages to avoid circular imports.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CostScale is the number of decimal places kept for rated costs.
const CostScale = 4

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Disposition is the final outcome of a call as recorded in its CDR.
type Disposition string

const (
	DispositionAnswered Disposition = "ANSWERED"
	DispositionBusy     Disposition = "BUSY"
	DispositionNoAnswer Disposition = "NO_ANSWER"
	DispositionFailed   Disposition = "FAILED"
	DispositionHangup   Disposition = "HANGUP"
)

// ParseDisposition maps PBX spellings onto a Disposition. Asterisk writes
// "NO ANSWER" with a space; both spellings are accepted. Unknown values map
// to FAILED.
func ParseDisposition(value string) Disposition {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, " ", "_")

	switch Disposition(normalized) {
	case DispositionAnswered, DispositionBusy, DispositionNoAnswer,
		DispositionFailed, DispositionHangup:
		return Disposition(normalized)
	default:
		return DispositionFailed
	}
}

// CallState is the lifecycle state of an ActiveCall.
type CallState string

const (
	CallStateRinging  CallState = "RINGING"
	CallStateAnswered CallState = "ANSWERED"
	CallStateHangup   CallState = "HANGUP"
)

// Rank orders call states; transitions may only increase the rank.
func (state CallState) Rank() int {
	switch state {
	case CallStateRinging:
		return 1
	case CallStateAnswered:
		return 2
	case CallStateHangup:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether moving from state to next is a forward step.
func (state CallState) CanTransition(next CallState) bool {
	return next.Rank() > state.Rank()
}

// IsLive reports whether the call is still in progress.
func (state CallState) IsLive() bool {
	return state == CallStateRinging || state == CallStateAnswered
}

// RateType selects the rounding rule applied by the rating engine.
type RateType string

const (
	RateTypePerSecond RateType = "per_second"
	RateTypePerMinute RateType = "per_minute"
	RateTypeFlat      RateType = "flat_rate"
	// RateTypeCycle rounds billable seconds up to whole billing cycles. Any
	// unrecognised rate type is rated this way.
	RateTypeCycle RateType = "cycle"
)

// ContractStatus is the commercial state of a contract.
type ContractStatus string

const (
	ContractActive     ContractStatus = "active"
	ContractSuspended  ContractStatus = "suspended"
	ContractTerminated ContractStatus = "terminated"
)

// InvoiceStatus is the payment state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft           InvoiceStatus = "draft"
	InvoiceSent            InvoiceStatus = "sent"
	InvoicePendingApproval InvoiceStatus = "pending_approval"
	InvoicePaid            InvoiceStatus = "paid"
	InvoiceOverdue         InvoiceStatus = "overdue"
)

func (status InvoiceStatus) Valid() bool {
	switch status {
	case InvoiceDraft, InvoiceSent, InvoicePendingApproval, InvoicePaid, InvoiceOverdue:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Call data
// ---------------------------------------------------------------------------

// CallRecord is the immutable summary of a completed call. Cost stays nil
// until the rating engine has processed the record.
type CallRecord struct {
	ID              uint64      `json:"id"`
	UniqueID        string      `json:"uniqueId"`
	CallDate        time.Time   `json:"callDate"`
	Source          string      `json:"source"`
	Destination     string      `json:"destination"`
	Channel         string      `json:"channel,omitempty"`
	Context         string      `json:"context,omitempty"`
	Duration        int64       `json:"duration"`
	BillableSeconds int64       `json:"billableSeconds"`
	Disposition     Disposition `json:"disposition"`
	AccountCode     string      `json:"accountCode"`
	TenantID        *uint64     `json:"tenantId,omitempty"`

	Cost        *decimal.Decimal `json:"cost,omitempty"`
	RatedRuleID *uint64          `json:"ratedRuleId,omitempty"`
	RatedAt     *time.Time       `json:"ratedAt,omitempty"`
}

// IsRated reports whether a cost has been assigned.
func (record CallRecord) IsRated() bool {
	return record.Cost != nil
}

// ActiveCall is the live view of one channel, keyed by the unique id the PBX
// assigns to it. Connection names the telephony-manager connection whose
// event stream owns the call. LinkedID is the unique id of the channel that
// originated the call; every leg of one call shares it.
type ActiveCall struct {
	ID          uint64     `json:"id"`
	UniqueID    string     `json:"uniqueId"`
	LinkedID    string     `json:"linkedId,omitempty"`
	Connection  string     `json:"connection"`
	Channel     string     `json:"channel"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	Context     string     `json:"context"`
	AccountCode string     `json:"accountCode"`
	State       CallState  `json:"state"`
	StartTime   time.Time  `json:"startTime"`
	AnswerTime  *time.Time `json:"answerTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Duration    int64      `json:"duration"`
	HangupCause int        `json:"hangupCause,omitempty"`
	TenantID    *uint64    `json:"tenantId,omitempty"`
}

// IsOriginatingLeg reports whether the call is the leg that started the call.
// Channels without a linked id are treated as originating.
func (call ActiveCall) IsOriginatingLeg() bool {
	return call.LinkedID == "" || call.LinkedID == call.UniqueID
}

// ---------------------------------------------------------------------------
// Rating data
// ---------------------------------------------------------------------------

// RateRule prices calls whose normalized destination starts with Prefix.
// A nil RateGroupID places the rule in the global flat catalog.
type RateRule struct {
	ID                     uint64          `json:"id"`
	RateGroupID            *uint64         `json:"rateGroupId,omitempty"`
	Prefix                 string          `json:"prefix"`
	Name                   string          `json:"name"`
	RateType               RateType        `json:"rateType"`
	UnitPrice              decimal.Decimal `json:"unitPrice"`
	BillingCycleSeconds    int64           `json:"billingCycleSeconds"`
	MinimumDurationSeconds int64           `json:"minimumDurationSeconds"`
	ConnectionFee          decimal.Decimal `json:"connectionFee"`
	Active                 bool            `json:"active"`
}

// RateGroup is a named bundle of rate rules assignable to contracts.
type RateGroup struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
	Memo string `json:"memo,omitempty"`
}

// Contract binds an account code to a rate group. Without a rate group the
// account is rated against the flat catalog.
type Contract struct {
	ID          uint64          `json:"id"`
	AccountCode string          `json:"accountCode"`
	CompanyName string          `json:"companyName"`
	RateGroupID *uint64         `json:"rateGroupId,omitempty"`
	MonthlyFee  decimal.Decimal `json:"monthlyFee"`
	Status      ContractStatus  `json:"status"`
}

// ---------------------------------------------------------------------------
// Tenants and invoices
// ---------------------------------------------------------------------------

// Tenant is one customer sharing the PBX.
type Tenant struct {
	ID          uint64 `json:"id"`
	Name        string `json:"name"`
	Domain      string `json:"domain,omitempty"`
	AccountCode string `json:"accountCode"`
	Context     string `json:"context"`
	Active      bool   `json:"active"`
}

// Invoice aggregates the rated usage of one account over one billing period.
// (AccountCode, PeriodStart, PeriodEnd) is unique.
type Invoice struct {
	ID            uint64          `json:"id"`
	InvoiceNumber string          `json:"invoiceNumber"`
	AccountCode   string          `json:"accountCode"`
	PeriodStart   time.Time       `json:"periodStart"`
	PeriodEnd     time.Time       `json:"periodEnd"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	TotalCalls    int64           `json:"totalCalls"`
	TotalDuration int64           `json:"totalDuration"`
	Status        InvoiceStatus   `json:"status"`
	SentAt        *time.Time      `json:"sentAt,omitempty"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	DueDate       *time.Time      `json:"dueDate,omitempty"`
	Notes         string          `json:"notes,omitempty"`
}

// Uint64Ptr returns a pointer to value.
func Uint64Ptr(value uint64) *uint64 {
	return &value
}

// TimePtr returns a pointer to value.
func TimePtr(value time.Time) *time.Time {
	return &value
}
