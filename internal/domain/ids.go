package domain

// SubjectID is the authenticated caller on whose behalf a request runs.
// We model it as an opaque identifier: its format is controlled by the upstream identity provider.
type SubjectID string

// TenantID scopes every idempotency entry. Two tenants never share entries, even when they
// send the same literal idempotency key.
type TenantID string
