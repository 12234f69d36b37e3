// Package sbi provides the HTTP interfaces callrater exposes to operators and
// to the admin frontend. This file implements the ops server.
//
// Exposed endpoints:
//
//	GET    /healthz                                  - connection states and job runs
//	GET    /metrics                                  - prometheus exposition
//	GET    /v1/live/calls[?tenant_id=]               - in-progress calls, newest first
//	GET    /v1/live/statistics[?tenant_id=]          - live and today counters
//	GET    /v1/live/tenants                          - live counters per tenant
//	POST   /v1/live/calls/{uniqueId}/hangup          - terminate a live call
//	GET    /v1/invoices[?account_code=&status=]      - list invoices
//	GET    /v1/invoices/{id}                         - one invoice
//	POST   /v1/invoices/generate                     - run generation for one month
//	POST   /v1/invoices/{id}/request-payment         - sent -> pending_approval
//	POST   /v1/invoices/{id}/approve                 - pending_approval -> paid
//	POST   /v1/invoices/{id}/reject                  - pending_approval -> sent
package sbi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pbxbilling/callrater/internal/aggregator"
	"github.com/pbxbilling/callrater/internal/ami"
	rtctx "github.com/pbxbilling/callrater/internal/context"
	"github.com/pbxbilling/callrater/internal/invoice"
	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/southbound"
	"github.com/pbxbilling/callrater/internal/storage"
)

// CallHanger terminates a channel on the named connection.
type CallHanger interface {
	Hangup(ctx context.Context, connection, channel string) error
}

// PaymentActions moves invoices through their payment states.
type PaymentActions interface {
	RequestPayment(ctx context.Context, id uint64) (*model.Invoice, error)
	ApprovePayment(ctx context.Context, id uint64) (*model.Invoice, error)
	RejectPayment(ctx context.Context, id uint64) (*model.Invoice, error)
}

// InvoiceGenerator runs invoice generation over a period.
type InvoiceGenerator interface {
	Generate(ctx context.Context, periodStart, periodEnd time.Time, accountFilter string) ([]invoice.Result, error)
}

// Dependencies are the collaborators of the ops server. Gatherer defaults to
// the prometheus default registry; Location to UTC.
type Dependencies struct {
	Aggregator     aggregator.Aggregator
	RuntimeContext rtctx.RuntimeContext
	Calls          storage.ActiveCallStore
	Hanger         CallHanger
	Invoices       storage.InvoiceStore
	Payments       PaymentActions
	Generator      InvoiceGenerator
	Gatherer       prometheus.Gatherer
	Location       *time.Location
}

// OpsServer serves the ops and live-monitoring HTTP APIs.
type OpsServer struct {
	deps              Dependencies
	maxRequestBodyLen int64

	mutexForServer sync.Mutex
	httpServer     *http.Server
}

// NewOpsServer creates a new ops server.
func NewOpsServer(deps Dependencies) *OpsServer {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &OpsServer{
		deps:              deps,
		maxRequestBodyLen: 64 << 10, // 64 KiB
	}
}

// Routes registers the ops handlers on the given mux.
func (server *OpsServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", server.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(server.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /v1/live/calls", server.handleLiveCalls)
	mux.HandleFunc("GET /v1/live/statistics", server.handleLiveStatistics)
	mux.HandleFunc("GET /v1/live/tenants", server.handleTenantStatistics)
	mux.HandleFunc("POST /v1/live/calls/{uniqueId}/hangup", server.handleHangup)

	mux.HandleFunc("GET /v1/invoices", server.handleListInvoices)
	mux.HandleFunc("POST /v1/invoices/generate", server.handleGenerateInvoices)
	mux.HandleFunc("GET /v1/invoices/{id}", server.handleGetInvoice)
	mux.HandleFunc("POST /v1/invoices/{id}/request-payment", server.paymentHandler("request-payment"))
	mux.HandleFunc("POST /v1/invoices/{id}/approve", server.paymentHandler("approve"))
	mux.HandleFunc("POST /v1/invoices/{id}/reject", server.paymentHandler("reject"))
}

// Handler returns a mux with every route registered.
func (server *OpsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	server.Routes(mux)
	return mux
}

// Serve listens on listenAddr until Shutdown is called. It returns nil after
// a graceful shutdown.
func (server *OpsServer) Serve(listenAddr string) error {
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	server.mutexForServer.Lock()
	server.httpServer = httpServer
	server.mutexForServer.Unlock()

	logger.SbiLog.Infof("Starting ops HTTP server on %s", listenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "ops server")
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (server *OpsServer) Shutdown(ctx context.Context) error {
	server.mutexForServer.Lock()
	httpServer := server.httpServer
	server.mutexForServer.Unlock()

	if httpServer == nil {
		return nil
	}
	return httpServer.Shutdown(ctx)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

type healthResponse struct {
	Status      string                  `json:"status"`
	Connections []rtctx.ConnectionState `json:"connections"`
	Jobs        []rtctx.JobRun          `json:"jobs"`
}

// handleHealth reports "ok" when every connection is logged in, "degraded"
// otherwise and 503 "stopping" once shutdown has started.
func (server *OpsServer) handleHealth(responseWriter http.ResponseWriter, request *http.Request) {
	runtime := server.deps.RuntimeContext
	response := healthResponse{
		Status:      "ok",
		Connections: runtime.GetConnectionsSnapshot(),
		Jobs:        runtime.GetJobRunsSnapshot(),
	}
	for _, connection := range response.Connections {
		if !connection.Connected {
			response.Status = "degraded"
		}
	}

	statusCode := http.StatusOK
	if runtime.IsShutdownRequested() {
		response.Status = "stopping"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(responseWriter, statusCode, response)
}

// -----------------------------------------------------------------------------
// Live calls
// -----------------------------------------------------------------------------

func (server *OpsServer) handleLiveCalls(responseWriter http.ResponseWriter, request *http.Request) {
	tenantID, parseError := parseTenantFilter(request)
	if parseError != nil {
		http.Error(responseWriter, parseError.Error(), http.StatusBadRequest)
		return
	}

	calls, queryError := server.deps.Aggregator.ListLiveCalls(request.Context(), tenantID)
	if queryError != nil {
		logger.SbiLog.Errorf("failed to list live calls: %v", queryError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		return
	}
	if calls == nil {
		calls = []aggregator.LiveCall{}
	}
	writeJSON(responseWriter, http.StatusOK, calls)
}

func (server *OpsServer) handleLiveStatistics(responseWriter http.ResponseWriter, request *http.Request) {
	tenantID, parseError := parseTenantFilter(request)
	if parseError != nil {
		http.Error(responseWriter, parseError.Error(), http.StatusBadRequest)
		return
	}

	statistics, queryError := server.deps.Aggregator.Statistics(request.Context(), tenantID)
	if queryError != nil {
		logger.SbiLog.Errorf("failed to compute live statistics: %v", queryError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(responseWriter, http.StatusOK, statistics)
}

func (server *OpsServer) handleTenantStatistics(responseWriter http.ResponseWriter, request *http.Request) {
	statistics, queryError := server.deps.Aggregator.TenantStatistics(request.Context())
	if queryError != nil {
		logger.SbiLog.Errorf("failed to compute tenant statistics: %v", queryError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		return
	}
	if statistics == nil {
		statistics = []aggregator.TenantStatistics{}
	}
	writeJSON(responseWriter, http.StatusOK, statistics)
}

type hangupResponse struct {
	UniqueID   string `json:"uniqueId"`
	Connection string `json:"connection"`
	Channel    string `json:"channel"`
	Message    string `json:"message"`
}

// handleHangup looks the call up and forwards a hangup to the connection
// that reported it. The call leaves the live view once the PBX confirms
// with a Hangup event.
func (server *OpsServer) handleHangup(responseWriter http.ResponseWriter, request *http.Request) {
	uniqueID := request.PathValue("uniqueId")
	if uniqueID == "" {
		http.Error(responseWriter, "missing uniqueId", http.StatusBadRequest)
		return
	}

	call, lookupError := server.deps.Calls.GetActiveCall(request.Context(), uniqueID)
	switch {
	case errors.Is(lookupError, storage.ErrNotFound):
		http.Error(responseWriter, "call not found", http.StatusNotFound)
		return
	case lookupError != nil:
		logger.SbiLog.Errorf("failed to load call uniqueId=%s: %v", uniqueID, lookupError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		return
	}
	if !call.State.IsLive() {
		http.Error(responseWriter, "call already ended", http.StatusConflict)
		return
	}

	hangupError := server.deps.Hanger.Hangup(request.Context(), call.Connection, call.Channel)
	switch {
	case errors.Is(hangupError, ami.ErrNotConnected), errors.Is(hangupError, southbound.ErrUnknownConnection):
		logger.SbiLog.Warnf("hangup unavailable uniqueId=%s connection=%s: %v", uniqueID, call.Connection, hangupError)
		http.Error(responseWriter, "telephony manager unavailable", http.StatusServiceUnavailable)
		return
	case hangupError != nil:
		logger.SbiLog.Errorf("hangup failed uniqueId=%s connection=%s: %v", uniqueID, call.Connection, hangupError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(responseWriter, http.StatusAccepted, hangupResponse{
		UniqueID:   call.UniqueID,
		Connection: call.Connection,
		Channel:    call.Channel,
		Message:    "call hangup initiated",
	})
}

// -----------------------------------------------------------------------------
// Invoices
// -----------------------------------------------------------------------------

func (server *OpsServer) handleListInvoices(responseWriter http.ResponseWriter, request *http.Request) {
	query := storage.InvoiceQuery{
		AccountCode: request.URL.Query().Get("account_code"),
		Status:      model.InvoiceStatus(request.URL.Query().Get("status")),
		Limit:       500,
	}
	if query.Status != "" && !query.Status.Valid() {
		http.Error(responseWriter, fmt.Sprintf("unknown status %q", query.Status), http.StatusBadRequest)
		return
	}

	invoices, queryError := server.deps.Invoices.ListInvoices(request.Context(), query)
	if queryError != nil {
		logger.SbiLog.Errorf("failed to list invoices: %v", queryError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		return
	}
	if invoices == nil {
		invoices = []model.Invoice{}
	}
	writeJSON(responseWriter, http.StatusOK, invoices)
}

func (server *OpsServer) handleGetInvoice(responseWriter http.ResponseWriter, request *http.Request) {
	invoiceID, parseError := parseInvoiceID(request)
	if parseError != nil {
		http.Error(responseWriter, parseError.Error(), http.StatusBadRequest)
		return
	}

	found, lookupError := server.deps.Invoices.GetInvoice(request.Context(), invoiceID)
	switch {
	case errors.Is(lookupError, storage.ErrNotFound):
		http.Error(responseWriter, "invoice not found", http.StatusNotFound)
	case lookupError != nil:
		logger.SbiLog.Errorf("failed to load invoice id=%d: %v", invoiceID, lookupError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
	default:
		writeJSON(responseWriter, http.StatusOK, found)
	}
}

type generateRequest struct {
	Year        int    `json:"year"`
	Month       int    `json:"month"`
	AccountCode string `json:"accountCode"`
}

type generateResult struct {
	AccountCode string          `json:"accountCode"`
	Outcome     invoice.Outcome `json:"outcome"`
	Invoice     *model.Invoice  `json:"invoice,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func (server *OpsServer) handleGenerateInvoices(responseWriter http.ResponseWriter, request *http.Request) {
	limitedReader := http.MaxBytesReader(responseWriter, request.Body, server.maxRequestBodyLen)
	defer func() {
		if closeErr := limitedReader.Close(); closeErr != nil {
			logger.SbiLog.Debugf("failed to close request body reader: %v", closeErr)
		}
	}()

	var generate generateRequest
	if decodeError := json.NewDecoder(limitedReader).Decode(&generate); decodeError != nil {
		logger.SbiLog.Warnf("failed to decode generate request: %v", decodeError)
		http.Error(responseWriter, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if generate.Month < 1 || generate.Month > 12 || generate.Year < 2000 || generate.Year > 2100 {
		http.Error(responseWriter, "year must be 2000..2100 and month 1..12", http.StatusBadRequest)
		return
	}

	periodStart, periodEnd := invoice.MonthPeriod(generate.Year, time.Month(generate.Month), server.deps.Location)
	results, generateError := server.deps.Generator.Generate(request.Context(), periodStart, periodEnd, generate.AccountCode)
	if generateError != nil {
		logger.SbiLog.Errorf("invoice generation failed for %04d-%02d: %v", generate.Year, generate.Month, generateError)
		http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		return
	}

	response := make([]generateResult, 0, len(results))
	for _, result := range results {
		entry := generateResult{AccountCode: result.AccountCode, Outcome: result.Outcome, Invoice: result.Invoice}
		if result.Err != nil {
			entry.Error = result.Err.Error()
		}
		response = append(response, entry)
	}
	writeJSON(responseWriter, http.StatusOK, response)
}

func (server *OpsServer) paymentHandler(action string) http.HandlerFunc {
	return func(responseWriter http.ResponseWriter, request *http.Request) {
		invoiceID, parseError := parseInvoiceID(request)
		if parseError != nil {
			http.Error(responseWriter, parseError.Error(), http.StatusBadRequest)
			return
		}

		var (
			updated     *model.Invoice
			actionError error
		)
		switch action {
		case "request-payment":
			updated, actionError = server.deps.Payments.RequestPayment(request.Context(), invoiceID)
		case "approve":
			updated, actionError = server.deps.Payments.ApprovePayment(request.Context(), invoiceID)
		default:
			updated, actionError = server.deps.Payments.RejectPayment(request.Context(), invoiceID)
		}

		switch {
		case errors.Is(actionError, storage.ErrNotFound):
			http.Error(responseWriter, "invoice not found", http.StatusNotFound)
		case errors.Is(actionError, invoice.ErrInvalidTransition):
			http.Error(responseWriter, actionError.Error(), http.StatusConflict)
		case actionError != nil:
			logger.SbiLog.Errorf("invoice %s failed id=%d: %v", action, invoiceID, actionError)
			http.Error(responseWriter, "internal server error", http.StatusInternalServerError)
		default:
			writeJSON(responseWriter, http.StatusOK, updated)
		}
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// parseTenantFilter reads the optional tenant_id query parameter.
func parseTenantFilter(request *http.Request) (*uint64, error) {
	raw := request.URL.Query().Get("tenant_id")
	if raw == "" {
		return nil, nil
	}
	tenantID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("tenant_id must be a positive integer, got %q", raw)
	}
	return &tenantID, nil
}

func parseInvoiceID(request *http.Request) (uint64, error) {
	raw := request.PathValue("id")
	invoiceID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || invoiceID == 0 {
		return 0, fmt.Errorf("invoice id must be a positive integer, got %q", raw)
	}
	return invoiceID, nil
}

func writeJSON(responseWriter http.ResponseWriter, statusCode int, payload interface{}) {
	responseWriter.Header().Set("Content-Type", "application/json")
	responseWriter.WriteHeader(statusCode)
	if encodeError := json.NewEncoder(responseWriter).Encode(payload); encodeError != nil {
		logger.SbiLog.Warnf("failed to encode response: %v", encodeError)
	}
}
