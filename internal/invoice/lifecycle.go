package invoice

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
)

// ErrInvalidTransition is returned when an invoice is not in the status a
// payment action starts from.
var ErrInvalidTransition = errors.New("invoice: invalid status transition")

// Lifecycle drives invoice payment status:
//
//	sent -> pending_approval -> paid
//	        pending_approval -> sent (rejected)
//	sent -> overdue (due date passed)
type Lifecycle struct {
	invoices storage.InvoiceStore
	now      func() time.Time
}

func NewLifecycle(invoices storage.InvoiceStore, now func() time.Time) *Lifecycle {
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{invoices: invoices, now: now}
}

// RequestPayment records that the customer reports the invoice as paid.
func (lifecycle *Lifecycle) RequestPayment(ctx context.Context, id uint64) (*model.Invoice, error) {
	return lifecycle.transition(ctx, id, storage.StatusChange{From: model.InvoiceSent, To: model.InvoicePendingApproval})
}

// ApprovePayment confirms a pending payment and stamps paid_at.
func (lifecycle *Lifecycle) ApprovePayment(ctx context.Context, id uint64) (*model.Invoice, error) {
	paidAt := lifecycle.now().UTC()
	return lifecycle.transition(ctx, id, storage.StatusChange{
		From: model.InvoicePendingApproval, To: model.InvoicePaid, PaidAt: &paidAt,
	})
}

// RejectPayment sends a pending payment back to sent.
func (lifecycle *Lifecycle) RejectPayment(ctx context.Context, id uint64) (*model.Invoice, error) {
	return lifecycle.transition(ctx, id, storage.StatusChange{From: model.InvoicePendingApproval, To: model.InvoiceSent})
}

// MarkOverdue moves every sent invoice whose due date has passed to overdue
// and returns how many changed.
func (lifecycle *Lifecycle) MarkOverdue(ctx context.Context) (int, error) {
	now := lifecycle.now().UTC()
	due, err := lifecycle.invoices.ListInvoices(ctx, storage.InvoiceQuery{Status: model.InvoiceSent, DueBefore: &now})
	if err != nil {
		return 0, errors.Wrap(err, "list due invoices")
	}

	marked := 0
	for _, invoice := range due {
		changed, err := lifecycle.invoices.UpdateInvoiceStatus(ctx, invoice.ID, storage.StatusChange{
			From: model.InvoiceSent, To: model.InvoiceOverdue,
		})
		if err != nil {
			return marked, errors.Wrapf(err, "mark invoice %d overdue", invoice.ID)
		}
		if changed {
			marked++
		}
	}
	if marked > 0 {
		logger.InvoiceLog.Infof("marked %d invoice(s) overdue", marked)
	}
	return marked, nil
}

func (lifecycle *Lifecycle) transition(ctx context.Context, id uint64, change storage.StatusChange) (*model.Invoice, error) {
	changed, err := lifecycle.invoices.UpdateInvoiceStatus(ctx, id, change)
	if err != nil {
		return nil, errors.Wrapf(err, "update invoice %d", id)
	}

	invoice, err := lifecycle.invoices.GetInvoice(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load invoice %d", id)
	}
	if !changed {
		return invoice, errors.Wrapf(ErrInvalidTransition, "invoice %d is %s, expected %s", id, invoice.Status, change.From)
	}

	logger.InvoiceLog.Infof("invoice %s %s -> %s", invoice.InvoiceNumber, change.From, change.To)
	return invoice, nil
}
