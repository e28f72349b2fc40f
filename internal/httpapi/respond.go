package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/settld-labs/settld-core/internal/derr"
)

type ctxKey int

const (
	ctxTenant ctxKey = iota
	ctxRequestID
)

// tenantFrom returns the tenant id placed on the context by withTenant/auth.
func tenantFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxTenant).(string)
	return v
}

func requestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

// headerAny returns the first non-empty value among the header names.
func headerAny(h http.Header, names ...string) string {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// errorBody is the uniform error envelope of the API.
type errorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"requestId"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeErr performs the single domain-error-to-HTTP mapping. Anything that is
// not a derr.Error becomes an opaque 500 INTERNAL; internals never leak.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	de := derr.As(err)
	if de == nil {
		de = derr.Internal()
	}
	writeJSON(w, de.HTTPStatus, errorBody{
		Code:      de.Code,
		Message:   de.Message,
		Details:   de.Details,
		RequestID: requestIDFrom(r.Context()),
	})
}

// readJSON decodes the request body into dst, tolerating an empty body.
func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if err.Error() == "EOF" {
			return nil
		}
		return derr.Validation("REQUEST_BODY_INVALID", "request body is not valid JSON: %v", err)
	}
	return nil
}
