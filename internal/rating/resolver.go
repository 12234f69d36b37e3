package rating

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
)

const (
	SourceContract = "contract"
	SourceFlat     = "flat"
)

// RateResolver is the rate table that applies to one account.
type RateResolver interface {
	Ruleset
	// Source names where the rules come from ("contract" or "flat").
	Source() string
}

// ContractResolver prices with the rate group bound to an account's contract.
type ContractResolver struct {
	Contract model.Contract
	catalog  *Catalog
}

func NewContractResolver(contract model.Contract, catalog *Catalog) *ContractResolver {
	return &ContractResolver{Contract: contract, catalog: catalog}
}

func (resolver *ContractResolver) FindRate(destination string) (*model.RateRule, bool) {
	return resolver.catalog.FindRate(destination)
}

func (resolver *ContractResolver) Source() string { return SourceContract }

// FlatResolver prices with the global flat catalog.
type FlatResolver struct {
	catalog *Catalog
}

func NewFlatResolver(catalog *Catalog) *FlatResolver {
	return &FlatResolver{catalog: catalog}
}

func (resolver *FlatResolver) FindRate(destination string) (*model.RateRule, bool) {
	return resolver.catalog.FindRate(destination)
}

func (resolver *FlatResolver) Source() string { return SourceFlat }

// Snapshot is a read-only copy of every rate table and contract, taken once
// per batch so all records in the batch rate against the same data.
type Snapshot struct {
	flat              *Catalog
	catalogsByGroupID map[uint64]*Catalog
	contractsByCode   map[string]model.Contract
}

// NewSnapshot groups rules by rate group. Rules without a group form the
// flat catalog.
func NewSnapshot(rules []model.RateRule, contracts []model.Contract) *Snapshot {
	flatRules := make([]model.RateRule, 0)
	rulesByGroup := make(map[uint64][]model.RateRule)
	for _, rule := range rules {
		if rule.RateGroupID == nil {
			flatRules = append(flatRules, rule)
			continue
		}
		rulesByGroup[*rule.RateGroupID] = append(rulesByGroup[*rule.RateGroupID], rule)
	}

	snapshot := &Snapshot{
		flat:              NewCatalog(flatRules),
		catalogsByGroupID: make(map[uint64]*Catalog, len(rulesByGroup)),
		contractsByCode:   make(map[string]model.Contract, len(contracts)),
	}
	for groupID, groupRules := range rulesByGroup {
		snapshot.catalogsByGroupID[groupID] = NewCatalog(groupRules)
	}
	for _, contract := range contracts {
		snapshot.contractsByCode[contract.AccountCode] = contract
	}
	return snapshot
}

// LoadSnapshot reads rules and contracts from the store.
func LoadSnapshot(
	ctx context.Context,
	rateStore storage.RateStore,
	contractStore storage.ContractStore,
) (*Snapshot, error) {
	rules, err := rateStore.ListRateRules(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load rate rules")
	}
	contracts, err := contractStore.ListContracts(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load contracts")
	}
	return NewSnapshot(rules, contracts), nil
}

// ResolverFor selects the contract-backed resolver when the account has a
// contract with a rate group, otherwise the flat catalog.
func (snapshot *Snapshot) ResolverFor(accountCode string) RateResolver {
	contract, ok := snapshot.contractsByCode[accountCode]
	if !ok || accountCode == "" || contract.RateGroupID == nil {
		return NewFlatResolver(snapshot.flat)
	}
	// A group without rules yields an empty catalog, i.e. no rate.
	return NewContractResolver(contract, snapshot.catalogsByGroupID[*contract.RateGroupID])
}
