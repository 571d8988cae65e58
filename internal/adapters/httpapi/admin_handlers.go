package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/nullable"
	"github.com/oapi-codegen/runtime"

	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
	"github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/domain"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

// RecentItem is one row of GET /admin/idempotency/recent. Expired is present only for an
// entry that outlived its ttl but is still retained.
type RecentItem struct {
	Key         string    `json:"key"`
	State       string    `json:"state"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	ReplayCount int64     `json:"replay_count"`
	Expired     bool      `json:"expired,omitempty"`
}

type RecentResponse struct {
	Tenant string       `json:"tenant"`
	Items  []RecentItem `json:"items"`
}

type EntrySnapshot struct {
	Tenant              string                    `json:"tenant"`
	Key                 string                    `json:"key"`
	State               string                    `json:"state"`
	Owner               string                    `json:"owner"`
	FingerprintPrefix   string                    `json:"fingerprint_prefix"`
	CreatedAt           time.Time                 `json:"created_at"`
	UpdatedAt           time.Time                 `json:"updated_at"`
	ExpiresAt           time.Time                 `json:"expires_at"`
	TTLSeconds          float64                   `json:"ttl_seconds"`
	ReplayCount         int64                     `json:"replay_count"`
	Expired             bool                      `json:"expired"`
	StuckLock           bool                      `json:"stuck_lock"`
	ResponseStatus      nullable.Nullable[int]    `json:"response_status"`
	ResponseContentType nullable.Nullable[string] `json:"response_content_type"`
	ResponseSize        nullable.Nullable[int]    `json:"response_size"`
}

// PurgeResponse deliberately omits whether a stuck lock was removed; that is reported
// through the stuck-lock metric and the purge log line.
type PurgeResponse struct {
	Purged bool `json:"purged"`
}

// AdminHandlers serves /admin/idempotency.
type AdminHandlers struct {
	Admin *appidem.Admin
}

func NewAdminHandlers(admin *appidem.Admin) *AdminHandlers {
	return &AdminHandlers{Admin: admin}
}

func (h *AdminHandlers) Routes(r chi.Router) {
	r.Get("/recent", h.ListRecent)
	r.Get("/{key}", h.Inspect)
	r.Delete("/{key}", h.Purge)
}

func (h *AdminHandlers) ListRecent(w http.ResponseWriter, r *http.Request) {
	tenant, ok := adminTenant(w, r)
	if !ok {
		return
	}
	var limit *int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
		return
	}
	n := 0
	if limit != nil {
		n = *limit
	}

	items, err := h.Admin.ListRecent(r.Context(), tenant, n)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	out := RecentResponse{Tenant: string(tenant), Items: make([]RecentItem, 0, len(items))}
	for _, a := range items {
		out.Items = append(out.Items, RecentItem{
			Key:         string(a.Key),
			State:       string(a.State),
			FirstSeenAt: a.FirstSeenAt.UTC(),
			LastSeenAt:  a.LastSeenAt.UTC(),
			ReplayCount: a.ReplayCount,
			Expired:     a.Expired,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandlers) Inspect(w http.ResponseWriter, r *http.Request) {
	tenant, ok := adminTenant(w, r)
	if !ok {
		return
	}
	snap, err := h.Admin.Inspect(r.Context(), tenant, chi.URLParam(r, "key"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entrySnapshotFromApp(snap))
}

func (h *AdminHandlers) Purge(w http.ResponseWriter, r *http.Request) {
	tenant, ok := adminTenant(w, r)
	if !ok {
		return
	}
	res, err := h.Admin.Purge(r.Context(), tenant, chi.URLParam(r, "key"))
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Purged: res.Removed})
}

// adminTenant reads ?tenant=, falling back to the caller's own tenant.
func adminTenant(w http.ResponseWriter, r *http.Request) (domain.TenantID, bool) {
	var raw *string
	if err := runtime.BindQueryParameter("form", true, false, "tenant", r.URL.Query(), &raw); err != nil {
		writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "invalid tenant parameter", nil)
		return "", false
	}
	if raw != nil {
		if t := domain.NormalizeTenant(*raw); t != "" {
			return t, true
		}
	}
	if id, ok := IdentityFromContext(r.Context()); ok {
		return id.Tenant, true
	}
	writeError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "tenant is required", nil)
	return "", false
}

func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, idempotencyport.ErrBackendUnavailable) {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "IDEMPOTENCY_BACKEND_UNAVAILABLE", "idempotency store unavailable", nil)
		return
	}
	writeAppError(w, r, err)
}

func entrySnapshotFromApp(s appidem.Snapshot) EntrySnapshot {
	out := EntrySnapshot{
		Tenant:            string(s.Tenant),
		Key:               string(s.Key),
		State:             string(s.State),
		Owner:             s.OwnerToken,
		FingerprintPrefix: s.FingerprintPrefix,
		CreatedAt:         s.CreatedAt.UTC(),
		UpdatedAt:         s.UpdatedAt.UTC(),
		ExpiresAt:         s.ExpiresAt.UTC(),
		TTLSeconds:        s.TTL.Seconds(),
		ReplayCount:       s.ReplayCount,
		Expired:           s.Expired,
		StuckLock:         s.StuckLock,
	}
	out.ResponseStatus = nullableInt(s.ResponseStatus)
	out.ResponseContentType = nullableString(s.ResponseContentType)
	out.ResponseSize = nullableInt(s.ResponseSize)
	return out
}

func nullableString(p *string) nullable.Nullable[string] {
	if p == nil {
		return nullable.NewNullNullable[string]()
	}
	return nullable.NewNullableWithValue(*p)
}

func nullableInt(p *int) nullable.Nullable[int] {
	if p == nil {
		return nullable.NewNullNullable[int]()
	}
	return nullable.NewNullableWithValue(*p)
}
