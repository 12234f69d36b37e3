// Package tenant maps account codes and dialplan contexts onto tenants and
// back-fills tenant ids on rows that were stored before their tenant was
// known.
package tenant

import (
	"context"

	"github.com/pkg/errors"

	"github.com/pbxbilling/callrater/internal/model"
	"github.com/pbxbilling/callrater/internal/storage"
)

// Resolver is a stateless lookup against the tenant directory. Every call
// reads the directory, so writes are visible immediately.
type Resolver struct {
	directory storage.TenantDirectory
}

func NewResolver(directory storage.TenantDirectory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve returns the tenant whose context equals accountCode, falling back
// to the tenant whose context equals contextName. Nil with a nil error means
// no tenant matched.
func (resolver *Resolver) Resolve(ctx context.Context, accountCode, contextName string) (*uint64, error) {
	for _, candidate := range []string{accountCode, contextName} {
		if candidate == "" {
			continue
		}
		found, err := resolver.directory.FindTenantByContext(ctx, candidate)
		if tenantID, done, lookupErr := settle(found, err); done {
			return tenantID, lookupErr
		}
	}
	return nil, nil
}

// ResolveAccount matches the tenant's own account code first and then
// behaves like Resolve(accountCode, "").
func (resolver *Resolver) ResolveAccount(ctx context.Context, accountCode string) (*uint64, error) {
	return resolver.ResolveRecord(ctx, accountCode, "")
}

// ResolveRecord is used for stored call records: the tenant's own account
// code first, then Resolve(accountCode, contextName).
func (resolver *Resolver) ResolveRecord(ctx context.Context, accountCode, contextName string) (*uint64, error) {
	if accountCode != "" {
		found, err := resolver.directory.FindTenantByAccountCode(ctx, accountCode)
		if tenantID, done, lookupErr := settle(found, err); done {
			return tenantID, lookupErr
		}
	}
	return resolver.Resolve(ctx, accountCode, contextName)
}

// settle reports done when the lookup matched or failed for a reason other
// than a miss.
func settle(found *model.Tenant, err error) (*uint64, bool, error) {
	switch {
	case err == nil && found != nil:
		return model.Uint64Ptr(found.ID), true, nil
	case err == nil, errors.Is(err, storage.ErrNotFound):
		return nil, false, nil
	default:
		return nil, true, errors.Wrap(err, "tenant lookup")
	}
}
