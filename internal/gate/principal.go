package gate

import (
	"context"

	"securebase/internal/tenant/models"
	id "securebase/pkg/domain"
)

// Principal is the authenticated caller of a data-plane request.
type Principal struct {
	TenantID id.TenantID
	Subject  string
	Role     models.Role
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller attached by Authenticate.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
