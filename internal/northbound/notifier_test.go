package northbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxbilling/callrater/internal/model"
)

func sampleInvoice() model.Invoice {
	return model.Invoice{
		ID:            7,
		InvoiceNumber: "INV-202404-0001",
		AccountCode:   "ACC-1",
		PeriodStart:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:     time.Date(2024, 3, 31, 23, 59, 59, 999_999_000, time.UTC),
		TotalAmount:   decimal.NewFromInt(1000),
		TotalCalls:    2,
		TotalDuration: 200,
		Status:        model.InvoiceSent,
	}
}

func TestHTTPNotifierPostsJSON(t *testing.T) {
	var received InvoiceNotification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notification := NewInvoiceNotification(sampleInvoice(), time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC))
	require.NoError(t, NewHTTPNotifier().Notify(context.Background(), server.URL, notification))

	assert.Equal(t, EventInvoiceCreated, received.Event)
	assert.Equal(t, "INV-202404-0001", received.InvoiceNumber)
	assert.True(t, decimal.NewFromInt(1000).Equal(received.TotalAmount))
	assert.Equal(t, int64(2), received.TotalCalls)
}

func TestHTTPNotifierRejectsEmptyURL(t *testing.T) {
	err := NewHTTPNotifier().Notify(context.Background(), "", InvoiceNotification{})
	assert.Error(t, err)
}

func newFastWebhook(url string) *InvoiceWebhook {
	webhook := NewInvoiceWebhook(NewHTTPNotifier(), url)
	webhook.retryDelay = time.Millisecond
	return webhook
}

func TestInvoiceWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	newFastWebhook(server.URL).InvoiceCreated(context.Background(), sampleInvoice())
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvoiceWebhookGivesUpOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	newFastWebhook(server.URL).InvoiceCreated(context.Background(), sampleInvoice())
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvoiceWebhookStopsAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	newFastWebhook(server.URL).InvoiceCreated(context.Background(), sampleInvoice())
	assert.Equal(t, int32(3), calls.Load())
}
