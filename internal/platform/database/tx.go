package database

import (
	"context"
	"database/sql"
	"time"

	id "securebase/pkg/domain"
	dErrors "securebase/pkg/domain-errors"
	txcontext "securebase/pkg/platform/tx"
)

const defaultTxTimeout = 5 * time.Second

// TxRunner runs functions inside a Postgres transaction carried through context.
// Nested calls join the outer transaction.
type TxRunner struct {
	db      *sql.DB
	timeout time.Duration
}

func NewTxRunner(db *sql.DB) *TxRunner {
	return &TxRunner{db: db, timeout: defaultTxTimeout}
}

func (t *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // rollback after commit is no-op; error already captured
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		if ctx.Err() != nil {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: deadline exceeded")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "commit transaction")
	}
	return nil
}

// WithTenantScope runs fn in a transaction whose session carries app.tenant_id.
// Row-level security policies read that setting, so a query that forgets its
// tenant predicate still only sees the scoped tenant's rows.
func (t *TxRunner) WithTenantScope(ctx context.Context, tenantID id.TenantID, fn func(ctx context.Context) error) error {
	if tenantID.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "tenant context required")
	}
	if scoped, ok := txcontext.Tenant(ctx); ok {
		if scoped != tenantID {
			return dErrors.New(dErrors.CodeForbidden, "tenant scope mismatch")
		}
		return t.RunInTx(ctx, fn)
	}
	return t.RunInTx(ctx, func(txCtx context.Context) error {
		tx, _ := txcontext.From(txCtx)
		if _, err := tx.ExecContext(txCtx, `SELECT set_config('app.tenant_id', $1, true)`, tenantID.String()); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "set tenant scope")
		}
		return fn(txcontext.WithTenant(txCtx, tenantID))
	})
}
