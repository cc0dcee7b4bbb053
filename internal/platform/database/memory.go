package database

import (
	"context"
	"sync"
	"time"

	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	txcontext "securebase/pkg/platform/tx"
)

type memoryTxKey struct{}

// MemoryTxRunner serializes mutations for the in-memory stores. It offers the
// same surface as TxRunner; tenant scope travels in context and the memory
// stores filter on it.
type MemoryTxRunner struct {
	mu      sync.Mutex
	timeout time.Duration
}

func NewMemoryTxRunner() *MemoryTxRunner {
	return &MemoryTxRunner{timeout: defaultTxTimeout}
}

func (t *MemoryTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if ctx.Value(memoryTxKey{}) != nil {
		return fn(ctx)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(context.WithValue(ctx, memoryTxKey{}, struct{}{}))
}

func (t *MemoryTxRunner) WithTenantScope(ctx context.Context, tenantID id.TenantID, fn func(ctx context.Context) error) error {
	if tenantID.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "tenant context required")
	}
	if scoped, ok := txcontext.Tenant(ctx); ok && scoped != tenantID {
		return dErrors.New(dErrors.CodeForbidden, "tenant scope mismatch")
	}
	return t.RunInTx(ctx, func(txCtx context.Context) error {
		return fn(txcontext.WithTenant(txCtx, tenantID))
	})
}

// VisibleTo reports whether a row owned by owner may be read under ctx's tenant
// scope. Unscoped contexts see every row, matching a connection without
// app.tenant_id set under the system role.
func VisibleTo(ctx context.Context, owner id.TenantID) bool {
	scoped, ok := txcontext.Tenant(ctx)
	return !ok || scoped == owner
}
