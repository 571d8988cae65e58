package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	appidem "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/app/idempotency"
	idempotencyport "github.com/guardrail-labs/llm-guardrail-api-next-sub000/internal/ports/out/idempotency"
)

const (
	headerIdempotencyKey         = "Idempotency-Key"
	headerIdempotencyReplayed    = "Idempotency-Replayed"
	headerIdempotencyReplayCount = "Idempotency-Replay-Count"
	headerIdempotencyError       = "Idempotency-Error"
)

// Idempotency-Error values.
const (
	idemErrWaitExhausted      = "wait_exhausted"
	idemErrBackendUnavailable = "backend_unavailable"
	idemErrInvalidKey         = "invalid_key"
)

// NewIdempotencyMiddleware runs every request through the coordinator. The wrapped handler
// executes at most once per (tenant, key, payload) while a result is live; duplicates get
// the first response replayed byte for byte.
func NewIdempotencyMiddleware(coord *appidem.Coordinator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			id, _ := IdentityFromContext(r.Context())

			cfg := coord.Config()
			pol := coord.Policy()
			coordinated := key != "" && pol.Mode != appidem.ModeOff && pol.Applies(r.Method, r.URL.Path)

			var body []byte
			if coordinated && r.Body != nil {
				b, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxRequestBodyBytes+1))
				if err != nil {
					_ = r.Body.Close()
					writeError(w, r, http.StatusBadRequest, "BAD_REQUEST", "failed to read request body", nil)
					return
				}
				if int64(len(b)) > cfg.MaxRequestBodyBytes {
					// Too big to fingerprint: hand the handler the prefix plus the unread rest.
					r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(b), r.Body), Closer: r.Body}
					hlog.FromRequest(r).Debug().Int64("limit", cfg.MaxRequestBodyBytes).Msg("request body over coordination limit; passing through")
					exec := func(ctx context.Context) (appidem.Outcome, error) {
						next.ServeHTTP(w, r.WithContext(ctx))
						return appidem.Outcome{}, nil
					}
					_, _ = coord.Bypass(r.Context(), id.Tenant, appidem.DecisionBodyTooLarge, exec)
					return
				}
				_ = r.Body.Close()
				body = b
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			req := appidem.Request{
				Tenant:      id.Tenant,
				Subject:     id.Subject,
				Method:      r.Method,
				Path:        r.URL.Path,
				Key:         key,
				ContentType: r.Header.Get("Content-Type"),
				Body:        body,
				Policy:      &pol,
			}

			limit := cfg.MaxCacheableBodyBytes
			exec := func(ctx context.Context) (appidem.Outcome, error) {
				if key != "" {
					w.Header().Set(headerIdempotencyKey, key)
					w.Header().Set(headerIdempotencyReplayed, "false")
				}
				cw := newCaptureWriter(w, limit)
				next.ServeHTTP(cw, r.WithContext(ctx))
				return cw.outcome(), nil
			}

			res, err := coord.Execute(r.Context(), req, exec)
			switch {
			case res.Replay != nil:
				writeReplay(w, key, *res.Replay, res.ReplayCount)
			case err == nil || res.Executed:
				if err != nil {
					hlog.FromRequest(r).Error().Err(err).Msg("wrapped handler failed")
				}
			case errors.Is(err, appidem.ErrInvalidKey):
				w.Header().Set(headerIdempotencyError, idemErrInvalidKey)
				writeError(w, r, http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", "Idempotency-Key must be 1-200 characters of [A-Za-z0-9_-]", map[string]any{
					"maxLength": idempotencyport.MaxKeyLength,
				})
			case errors.Is(err, appidem.ErrFollowerWaitExhausted):
				writeRetryable(w, r, key, idemErrWaitExhausted, "IDEMPOTENCY_WAIT_EXHAUSTED", "a request with this Idempotency-Key is still in progress")
			case errors.Is(err, idempotencyport.ErrBackendUnavailable):
				writeRetryable(w, r, key, idemErrBackendUnavailable, "IDEMPOTENCY_BACKEND_UNAVAILABLE", "idempotency store unavailable")
			default:
				writeAppError(w, r, err)
			}
		})
	}
}

func writeReplay(w http.ResponseWriter, key string, resp idempotencyport.CachedResponse, count int64) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = append([]string(nil), vs...)
	}
	if resp.ContentType != "" {
		h.Set("Content-Type", resp.ContentType)
	}
	h.Set(headerIdempotencyKey, key)
	h.Set(headerIdempotencyReplayed, "true")
	h.Set(headerIdempotencyReplayCount, strconv.FormatInt(count, 10))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func writeRetryable(w http.ResponseWriter, r *http.Request, key, reason, code, message string) {
	if key != "" {
		w.Header().Set(headerIdempotencyKey, key)
	}
	w.Header().Set(headerIdempotencyError, reason)
	w.Header().Set("Retry-After", "1")
	writeError(w, r, http.StatusServiceUnavailable, code, message, nil)
}

type readCloser struct {
	io.Reader
	io.Closer
}
