// Package logger provides structured loggers for the components of callrater.
// It wraps logrus and exposes category-specific log entries such as MainLog,
// CfgLog, AmiLog, etc. The logging level and caller reporting can be
// adjusted at runtime via InitLog.
package logger

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	moduleName = "CALLRATER"
)

var (
	initOnce sync.Once

	// MainLog is the primary logger for high-level lifecycle events
	// (startup, shutdown, major state transitions).
	MainLog *log.Entry

	// CfgLog is used for configuration loading, validation, and printing.
	CfgLog *log.Entry

	// AmiLog is for the telephony-manager connection (dial, login, reconnect,
	// malformed frames).
	AmiLog *log.Entry

	// TrackerLog is for active-call state transitions.
	TrackerLog *log.Entry

	// RatingLog is for rate lookup and cost assignment.
	RatingLog *log.Entry

	// TenantLog is for tenant resolution and the back-fill sweep.
	TenantLog *log.Entry

	// InvoiceLog is for invoice generation and payment status changes.
	InvoiceLog *log.Entry

	// StorageLog is for persistence-related logs (memory/sqlite/mysql).
	StorageLog *log.Entry

	// SchedulerLog is for periodic jobs.
	SchedulerLog *log.Entry

	// ContextLog is for runtime context changes (connection states, shutdown flags).
	ContextLog *log.Entry

	// SbiLog is for the ops HTTP server.
	SbiLog *log.Entry

	// SouthboundLog is for the set of telephony-manager connections.
	SouthboundLog *log.Entry

	// NorthboundLog is for outbound invoice webhooks.
	NorthboundLog *log.Entry
)

func init() {
	// Package-level entries must be usable before main() calls InitLog, e.g.
	// from tests.
	buildEntries()
}

// InitLog configures the global logrus settings and initializes all category
// loggers. It is safe to call multiple times; the formatter is installed once
// and subsequent calls only update the log level and reportCaller flag.
func InitLog(levelString string, reportCaller bool) error {
	var initErr error

	initOnce.Do(func() {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
		log.SetLevel(log.InfoLevel)
		buildEntries()
	})

	parsedLevel, parseErr := parseLogLevel(levelString)
	if parseErr != nil {
		log.SetLevel(log.InfoLevel)
		CfgLog.Warnf("invalid log level %q, falling back to info: %v", levelString, parseErr)
		initErr = parseErr
	} else {
		log.SetLevel(parsedLevel)
	}

	log.SetReportCaller(reportCaller)

	return initErr
}

func buildEntries() {
	category := func(name string) *log.Entry {
		return log.WithFields(log.Fields{
			"module":   moduleName,
			"category": name,
		})
	}

	MainLog = category("MAIN")
	CfgLog = category("CFG")
	AmiLog = category("AMI")
	TrackerLog = category("TRACKER")
	RatingLog = category("RATING")
	TenantLog = category("TENANT")
	InvoiceLog = category("INVOICE")
	StorageLog = category("STORAGE")
	SchedulerLog = category("SCHEDULER")
	ContextLog = category("CONTEXT")
	SbiLog = category("SBI")
	SouthboundLog = category("SOUTHBOUND")
	NorthboundLog = category("NORTHBOUND")
}

// parseLogLevel converts a string log level (case-insensitive) into a logrus.Level.
func parseLogLevel(levelString string) (log.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(levelString))

	switch normalized {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level: %s", levelString)
	}
}
