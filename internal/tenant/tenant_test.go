package tenant

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
)

func seedTenants(t *testing.T, store storage.Store) (acme, globex model.Tenant) {
	ctx := context.Background()
	acme = model.Tenant{Name: "Acme", AccountCode: "ACC-1", Context: "acme-ctx", Active: true}
	require.NoError(t, store.SaveTenant(ctx, &acme))
	globex = model.Tenant{Name: "Globex", AccountCode: "GLX", Context: "ACC-2", Active: true}
	require.NoError(t, store.SaveTenant(ctx, &globex))
	inactive := model.Tenant{Name: "Gone", AccountCode: "OLD", Context: "old-ctx", Active: false}
	require.NoError(t, store.SaveTenant(ctx, &inactive))
	return acme, globex
}

func TestResolvePrefersAccountCodeAsContext(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	acme, globex := seedTenants(t, store)
	resolver := NewResolver(store)

	tenantID, err := resolver.Resolve(ctx, "ACC-2", "acme-ctx")
	require.NoError(t, err)
	require.NotNil(t, tenantID)
	assert.Equal(t, globex.ID, *tenantID)

	tenantID, err = resolver.Resolve(ctx, "unknown", "acme-ctx")
	require.NoError(t, err)
	require.NotNil(t, tenantID)
	assert.Equal(t, acme.ID, *tenantID)
}

func TestResolveMissesAreNotErrors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedTenants(t, store)
	resolver := NewResolver(store)

	cases := []struct{ account, context string }{
		{"", ""},
		{"nobody", "nowhere"},
		{"", "old-ctx"},
	}
	for _, tc := range cases {
		tenantID, err := resolver.Resolve(ctx, tc.account, tc.context)
		assert.NoError(t, err)
		assert.Nil(t, tenantID, "%+v", tc)
	}
}

func TestResolveAccount(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	acme, globex := seedTenants(t, store)
	resolver := NewResolver(store)

	tenantID, err := resolver.ResolveAccount(ctx, "ACC-1")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, *tenantID)

	// No tenant owns ACC-2 as account code, but one uses it as context.
	tenantID, err = resolver.ResolveAccount(ctx, "ACC-2")
	require.NoError(t, err)
	assert.Equal(t, globex.ID, *tenantID)

	tenantID, err = resolver.ResolveAccount(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, tenantID)
}

func TestResolveSeesDirectoryWrites(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	resolver := NewResolver(store)

	tenantID, err := resolver.ResolveAccount(ctx, "LATE")
	require.NoError(t, err)
	assert.Nil(t, tenantID)

	late := model.Tenant{Name: "Late", AccountCode: "LATE", Active: true}
	require.NoError(t, store.SaveTenant(ctx, &late))

	tenantID, err = resolver.ResolveAccount(ctx, "LATE")
	require.NoError(t, err)
	require.NotNil(t, tenantID)
	assert.Equal(t, late.ID, *tenantID)
}

func TestReconcilerBackfillsUntaggedRows(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	acme, globex := seedTenants(t, store)
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := store.InsertCallRecord(ctx, &model.CallRecord{
			UniqueID: fmt.Sprintf("acme-%d", i), CallDate: start, AccountCode: "ACC-1",
			Disposition: model.DispositionAnswered,
		})
		require.NoError(t, err)
	}
	_, err := store.InsertCallRecord(ctx, &model.CallRecord{
		UniqueID: "stranger", CallDate: start, AccountCode: "NOPE", Disposition: model.DispositionAnswered,
	})
	require.NoError(t, err)
	_, err = store.InsertCallRecord(ctx, &model.CallRecord{
		UniqueID: "blank", CallDate: start, Disposition: model.DispositionAnswered,
	})
	require.NoError(t, err)

	_, err = store.CreateActiveCall(ctx, &model.ActiveCall{
		UniqueID: "live-1", Channel: "SIP/1", AccountCode: "ACC-2", State: model.CallStateRinging, StartTime: start,
	})
	require.NoError(t, err)
	_, err = store.CreateActiveCall(ctx, &model.ActiveCall{
		UniqueID: "live-2", Channel: "SIP/2", Context: "acme-ctx", State: model.CallStateAnswered, StartTime: start,
	})
	require.NoError(t, err)

	reconciler := NewReconciler(store, store, NewResolver(store), 2, nil)
	summary, err := reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{RecordsScanned: 6, RecordsTagged: 5, CallsScanned: 2, CallsTagged: 2, Unresolved: 1}, summary)

	records, err := store.ListCallRecords(ctx, storage.CallRecordQuery{AccountCode: "ACC-1"})
	require.NoError(t, err)
	for _, record := range records {
		require.NotNil(t, record.TenantID)
		assert.Equal(t, acme.ID, *record.TenantID)
	}

	live1, err := store.GetActiveCall(ctx, "live-1")
	require.NoError(t, err)
	assert.Equal(t, globex.ID, *live1.TenantID)
	live2, err := store.GetActiveCall(ctx, "live-2")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, *live2.TenantID)

	again, err := reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{RecordsScanned: 1, Unresolved: 1}, again)
}

func TestReconcilerFallsBackToRecordContext(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, record := range []*model.CallRecord{
		{UniqueID: "ctx-1", CallDate: start, AccountCode: "PBX-DEFAULT", Context: "initech-ctx", Disposition: model.DispositionAnswered},
		{UniqueID: "ctx-2", CallDate: start, AccountCode: "PBX-DEFAULT", Context: "other-ctx", Disposition: model.DispositionAnswered},
		{UniqueID: "ctx-3", CallDate: start, Context: "initech-ctx", Disposition: model.DispositionAnswered},
	} {
		_, err := store.InsertCallRecord(ctx, record)
		require.NoError(t, err)
	}

	reconciler := NewReconciler(store, store, NewResolver(store), 0, nil)
	summary, err := reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{RecordsScanned: 3, Unresolved: 3}, summary)

	// The tenant only shows up after the calls were recorded.
	initech := model.Tenant{Name: "Initech", AccountCode: "INI", Context: "initech-ctx", Active: true}
	require.NoError(t, store.SaveTenant(ctx, &initech))

	summary, err = reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{RecordsScanned: 3, RecordsTagged: 2, Unresolved: 1}, summary)

	records, err := store.ListCallRecords(ctx, storage.CallRecordQuery{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	tagged := make(map[string]*uint64, len(records))
	for _, record := range records {
		tagged[record.UniqueID] = record.TenantID
	}
	assert.Equal(t, model.Uint64Ptr(initech.ID), tagged["ctx-1"])
	assert.Nil(t, tagged["ctx-2"])
	assert.Equal(t, model.Uint64Ptr(initech.ID), tagged["ctx-3"])
}

func TestReconcilerNeverOverwritesTenant(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedTenants(t, store)

	record := &model.CallRecord{
		UniqueID: "pre-tagged", CallDate: time.Now().UTC(), AccountCode: "ACC-1",
		Disposition: model.DispositionAnswered, TenantID: model.Uint64Ptr(99),
	}
	_, err := store.InsertCallRecord(ctx, record)
	require.NoError(t, err)

	summary, err := NewReconciler(store, store, NewResolver(store), 0, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.RecordsScanned)

	stored, err := store.GetCallRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), *stored.TenantID)
}
