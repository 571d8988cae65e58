package httpapi

import (
	"context"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
)

type identityKey struct{}

// Identity is the tenant and caller a request is attributed to.
type Identity struct {
	Tenant  domain.TenantID
	Subject domain.SubjectID
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey{}).(Identity)
	return v, ok && v.Tenant != ""
}
