// Package aggregator builds the live-call views served by the ops API:
//   - the listing of in-progress calls with their running duration
//   - live statistics (active / ringing / answered) and today's totals
//   - per-tenant live counters.
//
// It only reads the active-call store; the tracker owns all writes.
package aggregator

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
	"github.com/pbxbilling/callrater/internal/tracker"
)

// LiveCall is an in-progress call plus its running duration in seconds.
type LiveCall struct {
	model.ActiveCall
	CurrentDuration int64 `json:"currentDuration"`
}

// Statistics is the live summary for all tenants or one tenant. "Today"
// counts calls started since local midnight, in any state.
type Statistics struct {
	ActiveCalls      int     `json:"activeCalls"`
	Ringing          int     `json:"ringing"`
	Answered         int     `json:"answered"`
	TodayTotal       int     `json:"todayTotal"`
	TodayAnswered    int     `json:"todayAnswered"`
	TodaySuccessRate float64 `json:"todaySuccessRate"`
}

// TenantStatistics holds the live counters of one tenant.
type TenantStatistics struct {
	TenantID    uint64 `json:"tenantId"`
	TenantName  string `json:"tenantName"`
	ActiveCalls int    `json:"activeCalls"`
	Ringing     int    `json:"ringing"`
	Answered    int    `json:"answered"`
}

// Aggregator is the abstraction used by the ops API to read live call data.
type Aggregator interface {
	// ListLiveCalls returns RINGING and ANSWERED calls, newest first,
	// optionally restricted to one tenant.
	ListLiveCalls(ctx context.Context, tenantID *uint64) ([]LiveCall, error)

	// Statistics computes the live summary, optionally for one tenant.
	Statistics(ctx context.Context, tenantID *uint64) (Statistics, error)

	// TenantStatistics returns live counters for every tenant in the
	// directory, including tenants without calls.
	TenantStatistics(ctx context.Context) ([]TenantStatistics, error)
}

type aggregatorImpl struct {
	calls    storage.ActiveCallStore
	tenants  storage.TenantDirectory
	location *time.Location
	now      func() time.Time
}

// NewAggregator creates an Aggregator. location defines "today"; nil means
// UTC. now defaults to time.Now.
func NewAggregator(
	calls storage.ActiveCallStore,
	tenants storage.TenantDirectory,
	location *time.Location,
	now func() time.Time,
) Aggregator {
	if location == nil {
		location = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &aggregatorImpl{calls: calls, tenants: tenants, location: location, now: now}
}

var liveStates = []model.CallState{model.CallStateRinging, model.CallStateAnswered}

func (aggregatorImplInstance *aggregatorImpl) ListLiveCalls(ctx context.Context, tenantID *uint64) ([]LiveCall, error) {
	calls, err := aggregatorImplInstance.calls.ListActiveCalls(ctx, storage.ActiveCallQuery{
		States:   liveStates,
		TenantID: tenantID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "list live calls")
	}

	now := aggregatorImplInstance.now()
	live := make([]LiveCall, 0, len(calls))
	for index := len(calls) - 1; index >= 0; index-- {
		seconds, _ := tracker.CurrentDuration(calls[index], now)
		live = append(live, LiveCall{ActiveCall: calls[index], CurrentDuration: seconds})
	}
	return live, nil
}

func (aggregatorImplInstance *aggregatorImpl) Statistics(ctx context.Context, tenantID *uint64) (Statistics, error) {
	var statistics Statistics

	live, err := aggregatorImplInstance.calls.ListActiveCalls(ctx, storage.ActiveCallQuery{
		States:   liveStates,
		TenantID: tenantID,
	})
	if err != nil {
		return statistics, errors.Wrap(err, "list live calls")
	}
	for _, call := range live {
		statistics.ActiveCalls++
		if call.State == model.CallStateRinging {
			statistics.Ringing++
		} else {
			statistics.Answered++
		}
	}

	today, err := aggregatorImplInstance.calls.ListActiveCalls(ctx, storage.ActiveCallQuery{
		TenantID:    tenantID,
		StartedFrom: aggregatorImplInstance.startOfToday(),
	})
	if err != nil {
		return statistics, errors.Wrap(err, "list today's calls")
	}
	for _, call := range today {
		statistics.TodayTotal++
		if call.AnswerTime != nil {
			statistics.TodayAnswered++
		}
	}
	statistics.TodaySuccessRate = successRate(statistics.TodayAnswered, statistics.TodayTotal)
	return statistics, nil
}

func (aggregatorImplInstance *aggregatorImpl) TenantStatistics(ctx context.Context) ([]TenantStatistics, error) {
	tenants, err := aggregatorImplInstance.tenants.ListTenants(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list tenants")
	}
	live, err := aggregatorImplInstance.calls.ListActiveCalls(ctx, storage.ActiveCallQuery{States: liveStates})
	if err != nil {
		return nil, errors.Wrap(err, "list live calls")
	}

	byTenant := make(map[uint64]*TenantStatistics, len(tenants))
	statistics := make([]TenantStatistics, len(tenants))
	for index, tenantEntry := range tenants {
		statistics[index] = TenantStatistics{TenantID: tenantEntry.ID, TenantName: tenantEntry.Name}
		byTenant[tenantEntry.ID] = &statistics[index]
	}
	for _, call := range live {
		if call.TenantID == nil {
			continue
		}
		entry, ok := byTenant[*call.TenantID]
		if !ok {
			continue
		}
		entry.ActiveCalls++
		if call.State == model.CallStateRinging {
			entry.Ringing++
		} else {
			entry.Answered++
		}
	}

	sort.Slice(statistics, func(i, j int) bool { return statistics[i].TenantID < statistics[j].TenantID })
	return statistics, nil
}

func (aggregatorImplInstance *aggregatorImpl) startOfToday() time.Time {
	local := aggregatorImplInstance.now().In(aggregatorImplInstance.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, aggregatorImplInstance.location).UTC()
}

// successRate is answered/total as a percentage with two decimals.
func successRate(answered, total int) float64 {
	if total == 0 {
		return 0
	}
	return decimal.NewFromInt(int64(answered)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(total))).
		Round(2).
		InexactFloat64()
}
