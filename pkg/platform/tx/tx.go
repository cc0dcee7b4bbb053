// Package txcontext threads a *sql.Tx through context so stores can join the
// caller's transaction without changing their signatures.
package txcontext

import (
	"context"
	"database/sql"

	"securebase/pkg/domain"
)

type txKey struct{}

// Querier is the subset of *sql.DB and *sql.Tx the stores use.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx attaches tx to ctx.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// From returns the transaction carried by ctx, if any.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// Q returns the ambient transaction when present, otherwise db.
func Q(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := From(ctx); ok {
		return tx
	}
	return db
}

type tenantKey struct{}

// WithTenant records the tenant a transaction is scoped to.
func WithTenant(ctx context.Context, tenantID domain.TenantID) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// Tenant returns the tenant scope set by WithTenant.
func Tenant(ctx context.Context) (domain.TenantID, bool) {
	t, ok := ctx.Value(tenantKey{}).(domain.TenantID)
	return t, ok && !t.IsNil()
}
