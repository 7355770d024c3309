// Package middleware holds the HTTP-edge concerns of the ops API: tenant
// context extraction and a coarse per-tenant request limiter. Data-plane
// admission control lives in internal/pipeline; this package only protects
// the HTTP surface itself.
package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const tenantKey contextKey = "tenant_id"

// WithTenant stores a tenant id on a context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFrom reads the tenant id off a context, empty when absent.
func TenantFrom(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok {
		return v
	}
	return ""
}

// Tenant resolves the tenant from the X-Tenant-ID header and injects it into
// the request context. When require is true, requests without a tenant are
// refused; otherwise they fall back to "default".
func Tenant(require bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := r.Header.Get("X-Tenant-ID")
			if tenantID == "" {
				if require {
					http.Error(w, "missing X-Tenant-ID header", http.StatusUnauthorized)
					return
				}
				tenantID = "default"
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
		})
	}
}
