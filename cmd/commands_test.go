package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
	"github.com/pbxbilling/callrater/pkg/factory"
)

// writeConfig creates a sqlite-backed config in a temp dir and returns its
// path together with the storage section for seeding.
func writeConfig(t *testing.T) (string, factory.StorageSection) {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "callrater.db")
	configPath := filepath.Join(dir, "callrater.yaml")
	content := "storage:\n  driver: sqlite\n  dsn: " + dsn + "\nlogging:\n  level: error\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath, factory.StorageSection{Driver: "sqlite", DSN: dsn}
}

func seed(t *testing.T, section factory.StorageSection) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.OpenGormStore(section)
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	acme := model.Tenant{Name: "Acme", Context: "acme", AccountCode: "ACC-1", Active: true}
	require.NoError(t, store.SaveTenant(ctx, &acme))

	rule := model.RateRule{Prefix: "62", Name: "Indonesia", RateType: model.RateTypePerMinute,
		UnitPrice: decimal.NewFromInt(300), Active: true}
	require.NoError(t, store.SaveRateRule(ctx, &rule))

	for _, record := range []model.CallRecord{
		{UniqueID: "1", CallDate: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), AccountCode: "ACC-1",
			Destination: "6281234", Duration: 125, BillableSeconds: 125, Disposition: model.DispositionAnswered},
		{UniqueID: "2", CallDate: time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC), AccountCode: "ACC-1",
			Destination: "6281234", Duration: 30, BillableSeconds: 0, Disposition: model.DispositionNoAnswer},
	} {
		record := record
		_, err := store.InsertCallRecord(ctx, &record)
		require.NoError(t, err)
	}
}

func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", configPath, "--env", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRateGenerateAndPayCommands(t *testing.T) {
	configPath, section := writeConfig(t)
	seed(t, section)

	output, err := run(t, configPath, "tenants", "reconcile")
	require.NoError(t, err)
	assert.Contains(t, output, "call_records scanned=2 tagged=2")

	output, err = run(t, configPath, "cdr", "rate", "--from", "2024-03-01", "--to", "2024-03-31")
	require.NoError(t, err)
	assert.Contains(t, output, "scanned=2 rated=1 not_answered=1")

	output, err = run(t, configPath, "invoices", "generate", "--year", "2024", "--month", "3")
	require.NoError(t, err)
	assert.Contains(t, output, "period 2024-03: 1 account(s)")
	assert.Contains(t, output, "created")
	assert.Contains(t, output, "900.0000")

	output, err = run(t, configPath, "invoices", "generate", "--year", "2024", "--month", "3")
	require.NoError(t, err)
	assert.Contains(t, output, "already_exists")

	output, err = run(t, configPath, "invoices", "request-payment", "1")
	require.NoError(t, err)
	assert.Contains(t, output, "pending_approval")

	output, err = run(t, configPath, "invoices", "approve", "1")
	require.NoError(t, err)
	assert.Contains(t, output, "paid")

	_, err = run(t, configPath, "invoices", "reject", "1")
	assert.Error(t, err)

	output, err = run(t, configPath, "invoices", "mark-overdue")
	require.NoError(t, err)
	assert.Contains(t, output, "marked 0 invoice(s) overdue")
}

func TestReRateOverwritesCosts(t *testing.T) {
	configPath, section := writeConfig(t)
	seed(t, section)

	_, err := run(t, configPath, "cdr", "rate")
	require.NoError(t, err)

	output, err := run(t, configPath, "cdr", "rate", "--rerate", "--account", "ACC-1")
	require.NoError(t, err)
	assert.Contains(t, output, "scanned=2 rated=1")
}

func TestCommandArgumentValidation(t *testing.T) {
	configPath, _ := writeConfig(t)

	_, err := run(t, configPath, "invoices", "generate", "--year", "2024")
	assert.Error(t, err)
	_, err = run(t, configPath, "invoices", "generate", "--year", "2024", "--month", "13")
	assert.Error(t, err)
	_, err = run(t, configPath, "cdr", "rate", "--account", "ACC-1")
	assert.Error(t, err)
	_, err = run(t, configPath, "cdr", "rate", "--from", "2024-04-01", "--to", "2024-03-01")
	assert.Error(t, err)
	_, err = run(t, configPath, "invoices", "approve", "zero")
	assert.Error(t, err)
	_, err = run(t, "/does/not/exist.yaml", "tenants", "reconcile")
	assert.Error(t, err)
}

func TestParseWindow(t *testing.T) {
	window, err := parseWindow("2024-03-01", "2024-03-31", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), window.From)
	assert.Equal(t, time.Date(2024, 3, 31, 23, 59, 59, 999_999_000, time.UTC), window.To)

	window, err = parseWindow("", "2024-03-31T12:00:00Z", time.UTC)
	require.NoError(t, err)
	assert.True(t, window.From.IsZero())
	assert.Equal(t, time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC), window.To)

	_, err = parseWindow("March", "", time.UTC)
	assert.Error(t, err)
}
