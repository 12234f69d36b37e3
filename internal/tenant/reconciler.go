package tenant

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pbxbilling/callrater/internal/logger"
	"github.com/pbxbilling/callrater/internal/metrics"
	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
)

const defaultBatchSize = 1000

// Summary counts one back-fill sweep.
type Summary struct {
	RecordsScanned int `json:"recordsScanned"`
	RecordsTagged  int `json:"recordsTagged"`
	CallsScanned   int `json:"callsScanned"`
	CallsTagged    int `json:"callsTagged"`
	Unresolved     int `json:"unresolved"`
}

// Reconciler writes tenant ids onto call records and active calls that were
// stored without one. Only the tenant column is written, and only while it is
// still null, so it never races the tracker or the rating sweep.
type Reconciler struct {
	records   storage.CallRecordStore
	calls     storage.ActiveCallStore
	resolver  *Resolver
	batchSize int
	metrics   *metrics.Metrics
}

func NewReconciler(
	records storage.CallRecordStore,
	calls storage.ActiveCallStore,
	resolver *Resolver,
	batchSize int,
	m *metrics.Metrics,
) *Reconciler {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Reconciler{
		records:   records,
		calls:     calls,
		resolver:  resolver,
		batchSize: batchSize,
		metrics:   m,
	}
}

// Sweep processes every untagged row once. Rows whose tenant cannot be
// resolved are left untouched for a later sweep.
func (reconciler *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	var summary Summary

	if err := reconciler.sweepCallRecords(ctx, &summary); err != nil {
		return summary, err
	}
	if err := reconciler.sweepActiveCalls(ctx, &summary); err != nil {
		return summary, err
	}

	reconciler.metrics.TenantBackfill("call_record", summary.RecordsTagged)
	reconciler.metrics.TenantBackfill("active_call", summary.CallsTagged)
	if summary.RecordsTagged+summary.CallsTagged > 0 || summary.Unresolved > 0 {
		logger.TenantLog.Infof("tenant sweep records=%d/%d calls=%d/%d unresolved=%d",
			summary.RecordsTagged, summary.RecordsScanned,
			summary.CallsTagged, summary.CallsScanned, summary.Unresolved)
	}
	return summary, nil
}

// recordKey caches lookups per sweep; the directory is re-read on the next one.
type recordKey struct {
	accountCode string
	contextName string
}

func (reconciler *Reconciler) sweepCallRecords(ctx context.Context, summary *Summary) error {
	cache := make(map[recordKey]*uint64)
	var afterID uint64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := reconciler.records.ListCallRecords(ctx, storage.CallRecordQuery{
			Untagged: true,
			AfterID:  afterID,
			Limit:    reconciler.batchSize,
		})
		if err != nil {
			return errors.Wrap(err, "list untagged call records")
		}
		if len(page) == 0 {
			return nil
		}

		for _, record := range page {
			afterID = record.ID
			summary.RecordsScanned++

			key := recordKey{accountCode: record.AccountCode, contextName: record.Context}
			tenantID, cached := cache[key]
			if !cached {
				tenantID, err = reconciler.resolver.ResolveRecord(ctx, record.AccountCode, record.Context)
				if err != nil {
					return err
				}
				cache[key] = tenantID
			}
			if tenantID == nil {
				summary.Unresolved++
				continue
			}

			changed, err := reconciler.records.SetCallRecordTenant(ctx, record.ID, *tenantID)
			if err != nil {
				return errors.Wrapf(err, "tag call record %d", record.ID)
			}
			if changed {
				summary.RecordsTagged++
			}
		}

		if len(page) < reconciler.batchSize {
			return nil
		}
	}
}

func (reconciler *Reconciler) sweepActiveCalls(ctx context.Context, summary *Summary) error {
	calls, err := reconciler.calls.ListActiveCalls(ctx, storage.ActiveCallQuery{Untagged: true})
	if err != nil {
		return errors.Wrap(err, "list untagged active calls")
	}

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary.CallsScanned++

		tenantID, err := reconciler.resolveCall(ctx, call)
		if err != nil {
			return err
		}
		if tenantID == nil {
			summary.Unresolved++
			continue
		}

		changed, err := reconciler.calls.SetActiveCallTenant(ctx, call.UniqueID, *tenantID)
		if errors.Is(err, storage.ErrNotFound) {
			// purged since the listing
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "tag active call %s", call.UniqueID)
		}
		if changed {
			summary.CallsTagged++
		}
	}
	return nil
}

func (reconciler *Reconciler) resolveCall(ctx context.Context, call model.ActiveCall) (*uint64, error) {
	return reconciler.resolver.Resolve(ctx, call.AccountCode, call.Context)
}
