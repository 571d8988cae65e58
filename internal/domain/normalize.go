package domain

import "strings"

// NormalizeTenant trims surrounding whitespace from a tenant identifier.
func NormalizeTenant(s string) TenantID {
	return TenantID(strings.TrimSpace(s))
}

// NormalizeMethod upper-cases an HTTP method and strips whitespace.
func NormalizeMethod(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
