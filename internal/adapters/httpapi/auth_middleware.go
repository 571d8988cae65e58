package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
)

// IdentityOptions names the headers that carry the tenant and subject.
type IdentityOptions struct {
	TenantHeader  string
	SubjectHeader string
	// DefaultTenant is used when the tenant header is absent. Empty makes the header mandatory.
	DefaultTenant string
}

// NewIdentityMiddleware resolves the tenant and subject of every request and stores them in
// the request context. Authentication happens upstream of this service.
func NewIdentityMiddleware(opts IdentityOptions) func(http.Handler) http.Handler {
	tenantHeader := opts.TenantHeader
	if tenantHeader == "" {
		tenantHeader = "X-Tenant-ID"
	}
	subjectHeader := opts.SubjectHeader
	if subjectHeader == "" {
		subjectHeader = "X-Subject-ID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := domain.NormalizeTenant(r.Header.Get(tenantHeader))
			if tenant == "" {
				tenant = domain.NormalizeTenant(opts.DefaultTenant)
			}
			if tenant == "" {
				writeError(w, r, http.StatusBadRequest, "MISSING_TENANT", "missing "+tenantHeader+" header", nil)
				return
			}
			id := Identity{
				Tenant:  tenant,
				Subject: domain.SubjectID(strings.TrimSpace(r.Header.Get(subjectHeader))),
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// NewAdminAuthMiddleware enforces Authorization: Bearer <token> on admin routes.
// An empty token disables the check (local/dev deployments).
func NewAdminAuthMiddleware(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if authz == "" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing Authorization header", nil)
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(authz, prefix) {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "malformed Authorization header", nil)
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
			if raw == "" {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
				return
			}
			if subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
