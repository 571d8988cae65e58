package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
)

type RouterOptions struct {
	Coordinator *appidem.Coordinator
	Admin       *appidem.Admin
	// Upstream is the handler whose effects are coordinated (the policy API proxy in production).
	Upstream http.Handler
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler

	Identity   IdentityOptions
	AdminToken string
	Logger     zerolog.Logger
}

// NewRouter constructs the HTTP router.
//
// /healthz and /metrics are served directly; /admin/idempotency is introspection;
// every other route goes through the idempotency coordinator to Upstream.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(NewIdentityMiddleware(opts.Identity))

		if opts.Admin != nil {
			r.Route("/admin/idempotency", func(r chi.Router) {
				r.Use(NewAdminAuthMiddleware(opts.AdminToken))
				NewAdminHandlers(opts.Admin).Routes(r)
			})
		}

		upstream := opts.Upstream
		if upstream == nil {
			upstream = http.NotFoundHandler()
		}
		if opts.Coordinator != nil {
			upstream = NewIdempotencyMiddleware(opts.Coordinator)(upstream)
		}
		r.Handle("/*", upstream)
	})
	return r
}
