// Package northbound delivers invoice notifications from callrater to an
// external billing or CRM endpoint.
//
// This file implements a Notifier abstraction and an HTTP-based concrete
// implementation that POSTs JSON-encoded InvoiceNotification payloads, plus
// the InvoiceWebhook adapter the invoice generator calls. Delivery is
// best-effort: failures are retried briefly, logged, and never fail the
// invoice run.
package northbound

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/model"
)

// EventInvoiceCreated is the only event type sent today.
const EventInvoiceCreated = "invoice.created"

// InvoiceNotification is the webhook payload.
type InvoiceNotification struct {
	Event         string              `json:"event"`
	InvoiceID     uint64              `json:"invoiceId"`
	InvoiceNumber string              `json:"invoiceNumber"`
	AccountCode   string              `json:"accountCode"`
	PeriodStart   time.Time           `json:"periodStart"`
	PeriodEnd     time.Time           `json:"periodEnd"`
	TotalAmount   decimal.Decimal     `json:"totalAmount"`
	TotalCalls    int64               `json:"totalCalls"`
	TotalDuration int64               `json:"totalDuration"`
	Status        model.InvoiceStatus `json:"status"`
	DueDate       *time.Time          `json:"dueDate,omitempty"`
	SentAt        time.Time           `json:"sentAt"`
}

// NewInvoiceNotification builds the payload for a created invoice.
func NewInvoiceNotification(invoice model.Invoice, sentAt time.Time) InvoiceNotification {
	return InvoiceNotification{
		Event:         EventInvoiceCreated,
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.InvoiceNumber,
		AccountCode:   invoice.AccountCode,
		PeriodStart:   invoice.PeriodStart,
		PeriodEnd:     invoice.PeriodEnd,
		TotalAmount:   invoice.TotalAmount,
		TotalCalls:    invoice.TotalCalls,
		TotalDuration: invoice.TotalDuration,
		Status:        invoice.Status,
		DueDate:       invoice.DueDate,
		SentAt:        sentAt.UTC(),
	}
}

// Notifier hides the details of how notifications are delivered.
type Notifier interface {
	// Notify sends a single payload to targetURL.
	Notify(ctx context.Context, targetURL string, notification InvoiceNotification) error
}

// httpNotifier is the concrete HTTP/JSON implementation of Notifier.
type httpNotifier struct {
	httpClient         *http.Client
	maxResponseBodyLen int64
}

// NewHTTPNotifier creates a Notifier that delivers via HTTP POST with a JSON
// body.
func NewHTTPNotifier() Notifier {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &httpNotifier{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Second,
		},
		maxResponseBodyLen: 4 << 10, // 4 KiB for logging snippets
	}
}

// errClientStatus marks 4xx answers, which are not retried.
var errClientStatus = errors.New("webhook rejected the notification")

func (notifier *httpNotifier) Notify(
	ctx context.Context,
	targetURL string,
	notification InvoiceNotification,
) error {
	if targetURL == "" {
		return errors.New("webhook url must not be empty")
	}

	jsonBytes, err := json.Marshal(notification)
	if err != nil {
		return errors.Wrap(err, "marshal invoice notification")
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(jsonBytes))
	if err != nil {
		return errors.Wrapf(err, "create request to %s", targetURL)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("User-Agent", "callrater-webhook/1.0")

	httpResponse, err := notifier.httpClient.Do(httpRequest)
	if err != nil {
		return errors.Wrap(err, "webhook delivery failed")
	}
	defer func() {
		if closeErr := httpResponse.Body.Close(); closeErr != nil {
			logger.NorthboundLog.Debugf("failed to close response body: %v", closeErr)
		}
	}()

	if httpResponse.StatusCode/100 != 2 {
		bodySnippet := notifier.readBodySnippet(httpResponse.Body)
		logger.NorthboundLog.Warnf("webhook non-2xx status=%s url=%s bodySnippet=%q",
			httpResponse.Status, targetURL, bodySnippet)
		if httpResponse.StatusCode/100 == 4 {
			return errors.Wrapf(errClientStatus, "status %s", httpResponse.Status)
		}
		return errors.Errorf("webhook non-2xx status: %s", httpResponse.Status)
	}
	return nil
}

// readBodySnippet reads at most maxResponseBodyLen bytes from the response
// body for logging purposes.
func (notifier *httpNotifier) readBodySnippet(body io.Reader) string {
	if notifier.maxResponseBodyLen <= 0 {
		return ""
	}
	rawBytes, err := io.ReadAll(io.LimitReader(body, notifier.maxResponseBodyLen))
	if err != nil {
		return ""
	}
	return string(rawBytes)
}

// InvoiceWebhook announces created invoices to one configured URL.
type InvoiceWebhook struct {
	notifier   Notifier
	targetURL  string
	maxRetries uint64
	retryDelay time.Duration
	now        func() time.Time
}

func NewInvoiceWebhook(notifier Notifier, targetURL string) *InvoiceWebhook {
	return &InvoiceWebhook{
		notifier:   notifier,
		targetURL:  targetURL,
		maxRetries: 2,
		retryDelay: 500 * time.Millisecond,
		now:        time.Now,
	}
}

// InvoiceCreated delivers the notification, retrying server-side failures.
// It never returns an error; the invoice already exists either way.
func (webhook *InvoiceWebhook) InvoiceCreated(ctx context.Context, invoice model.Invoice) {
	notification := NewInvoiceNotification(invoice, webhook.now())

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = webhook.retryDelay
	policy.MaxElapsedTime = 0
	retrying := backoff.WithContext(backoff.WithMaxRetries(policy, webhook.maxRetries), ctx)

	err := backoff.Retry(func() error {
		deliverErr := webhook.notifier.Notify(ctx, webhook.targetURL, notification)
		if errors.Is(deliverErr, errClientStatus) {
			return backoff.Permanent(deliverErr)
		}
		return deliverErr
	}, retrying)
	if err != nil {
		logger.NorthboundLog.Errorf("invoice webhook failed number=%s url=%s: %v",
			invoice.InvoiceNumber, webhook.targetURL, err)
		return
	}
	logger.NorthboundLog.Debugf("invoice webhook delivered number=%s url=%s", invoice.InvoiceNumber, webhook.targetURL)
}
