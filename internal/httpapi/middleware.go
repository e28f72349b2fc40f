package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/idempotency"
	"github.com/settld-labs/settld-core/internal/metrics"
)

type ctxScopeKey int

const ctxOpsScope ctxScopeKey = iota

// statusRecorder captures the response for logging, metrics and the
// idempotency snapshot.
type statusRecorder struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer // nil when the body is not being captured
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	if sr.body != nil {
		sr.body.Write(b)
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestIDMiddleware echoes the inbound x-request-id or mints one; every
// response carries the header.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(HeaderRequestID)
		if reqID == "" {
			reqID = "req_" + uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, reqID)
		ctx := context.WithValue(r.Context(), ctxRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(route, r.Method, fmt.Sprintf("%d", rec.status)).Inc()
		metrics.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		line, _ := json.Marshal(map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"durationMs": elapsed.Milliseconds(),
			"requestId":  requestIDFrom(r.Context()),
			"tenant":     tenantFrom(r.Context()),
		})
		s.Logger.Printf("%s", line)
	})
}

// withTenant requires the tenant header but no credential; the receiver-side
// ACK route uses it.
func (s *Server) withTenant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := headerAny(r.Header, HeaderTenant, HeaderTenantAlias, HeaderTenantLegacy)
		if tenant == "" {
			writeErr(w, r, derr.New("AUTH_UNAUTHENTICATED", http.StatusUnauthorized, "tenant header is required"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxTenant, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// authMiddleware resolves the caller: ops token, Bearer keyId.secret, or
// x-api-key keyId.secret. The tenant header scopes every downstream read.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := headerAny(r.Header, HeaderTenant, HeaderTenantAlias, HeaderTenantLegacy)

		if token := headerAny(r.Header, HeaderOpsToken, HeaderOpsTokenAlias); token != "" {
			if !s.opsTokenValid(tenant, token) {
				writeErr(w, r, derr.New("AUTH_UNAUTHENTICATED", http.StatusUnauthorized, "ops token rejected"))
				return
			}
			if tenant == "" {
				writeErr(w, r, derr.New("AUTH_UNAUTHENTICATED", http.StatusUnauthorized, "tenant header is required"))
				return
			}
			ctx := context.WithValue(r.Context(), ctxTenant, tenant)
			ctx = context.WithValue(ctx, ctxOpsScope, true)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		cred := headerAny(r.Header, HeaderAPIKey)
		if cred == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				cred = strings.TrimPrefix(ah, "Bearer ")
			}
		}
		if cred == "" {
			writeErr(w, r, derr.ErrUnauthenticated)
			return
		}
		keyID, secret, ok := strings.Cut(cred, ".")
		if !ok {
			writeErr(w, r, derr.New("AUTH_UNAUTHENTICATED", http.StatusUnauthorized, "credential must be keyId.secret"))
			return
		}
		key, err := s.Store.GetAPIKey(r.Context(), keyID)
		if err != nil || key == nil || !key.Active {
			writeErr(w, r, derr.New("AUTH_UNAUTHENTICATED", http.StatusUnauthorized, "unknown or inactive key"))
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)) != nil {
			writeErr(w, r, derr.New("AUTH_UNAUTHENTICATED", http.StatusUnauthorized, "secret rejected"))
			return
		}
		if tenant == "" {
			tenant = key.TenantID
		} else if tenant != key.TenantID {
			// a key never reaches across tenants; fail closed as unauthenticated
			writeErr(w, r, derr.New("AUTH_UNAUTHENTICATED", http.StatusUnauthorized, "key is not valid for tenant"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxTenant, tenant)
		if hasScope(key.Scopes, "ops") {
			ctx = context.WithValue(ctx, ctxOpsScope, true)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// opsMiddleware gates operator routes on the ops token or an "ops"-scoped key.
func (s *Server) opsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, _ := r.Context().Value(ctxOpsScope).(bool); !ok {
			writeErr(w, r, derr.ErrScopeForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) opsTokenValid(tenant, token string) bool {
	if s.Config == nil {
		return false
	}
	for _, t := range s.Config.Get(tenant).Ops.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

func hasScope(scopes []string, want string) bool {
	if len(scopes) == 0 {
		return true // unscoped keys carry full access
	}
	for _, sc := range scopes {
		if sc == want || sc == "*" {
			return true
		}
	}
	return false
}

// idempotencyMiddleware replays recorded responses for repeated mutating
// requests carrying the same idempotency key, and rejects key reuse with a
// different body.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		key := headerAny(r.Header, HeaderIdempotencyKey, HeaderIdemKeyAlias, HeaderIdemKeyLegacy)
		if key == "" || s.Idem == nil {
			next.ServeHTTP(w, r)
			return
		}
		tenant := tenantFrom(r.Context())

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeErr(w, r, derr.Validation("REQUEST_BODY_INVALID", "failed to read request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		fp, err := idempotency.Fingerprint(r.Method, r.URL.Path, body)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		rec, err := s.Idem.Check(r.Context(), tenant, key, fp)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if rec != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("x-idempotent-replay", "true")
			w.WriteHeader(rec.ResponseStatus)
			w.Write(rec.ResponseBody)
			return
		}

		capt := &statusRecorder{ResponseWriter: w, body: &bytes.Buffer{}}
		next.ServeHTTP(capt, r)
		if capt.status == 0 {
			capt.status = http.StatusOK
		}
		// snapshot only settled outcomes; a 5xx may be retried for real
		if capt.status < http.StatusInternalServerError {
			if recErr := s.Idem.Record(r.Context(), tenant, key, fp, capt.status, capt.body.Bytes()); recErr != nil {
				s.Logger.Printf("idempotency record failed for key %s: %v", key, recErr)
			}
		}
	})
}
