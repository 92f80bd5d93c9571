// Package auth carries the tenant identity established by the upstream
// auth proxy through request contexts.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

const (
	TenantHeader = "X-Tenant-ID"
	ProxyHeader  = "X-Proxy-Secret"

	// SystemTenant is reserved for operator-level calls and never owns credentials.
	SystemTenant      = "system"
	minTenantIDLength = 10
)

var ErrUnauthorized = errors.New("unauthorized")

type contextKey string

const tenantContextKey contextKey = "tenant_id"

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey, tenantID)
}

// WithoutTenant hides any tenant carried by ctx while keeping its deadline
// and cancellation.
func WithoutTenant(ctx context.Context) context.Context {
	return context.WithValue(ctx, tenantContextKey, "")
}

func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantContextKey).(string)
	return tenantID, ok && tenantID != ""
}

// ValidTenantID reports whether tenantID may own stored credentials.
func ValidTenantID(tenantID string) bool {
	return tenantID != SystemTenant && len(tenantID) >= minTenantIDLength
}

// TenantMiddleware trusts the tenant header only when the request also carries
// the shared proxy secret, if one is configured.
type TenantMiddleware struct {
	proxySecret string
}

func NewTenantMiddleware(proxySecret string) *TenantMiddleware {
	return &TenantMiddleware{proxySecret: proxySecret}
}

func (m *TenantMiddleware) trusted(r *http.Request) bool {
	if m.proxySecret == "" {
		return true
	}
	got := r.Header.Get(ProxyHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(m.proxySecret)) == 1
}

// Identify attaches the tenant to the context when present. Requests without
// one proceed anonymously and resolve operator credentials only.
func (m *TenantMiddleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.trusted(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenantID == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenantID)))
	})
}

// RequireTenant rejects requests that carry no tenant identity.
func (m *TenantMiddleware) RequireTenant(next http.Handler) http.Handler {
	return m.Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := TenantFromContext(r.Context()); !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}))
}
