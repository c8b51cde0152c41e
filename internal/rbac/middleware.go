package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// DefaultPrincipalHeader carries the principal authenticated upstream.
const DefaultPrincipalHeader = "X-Principal-ID"

// AttributeHeaderPrefix marks request headers that become context
// attributes: X-Authz-Attr-Store-Id: S1 yields store_id=S1.
const AttributeHeaderPrefix = "X-Authz-Attr-"

// Checker is the decision contract the middleware depends on.
type Checker interface {
	CheckPermission(ctx context.Context, principalID, permission string, attrs Attributes) (bool, error)
}

type principalKey struct{}

// ContextWithPrincipal stores the authenticated principal on ctx.
func ContextWithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalID)
}

// PrincipalFromContext returns the principal stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalKey{}).(string)
	return id, ok && id != ""
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Checker Checker
	Logger  *slog.Logger
	// PrincipalHeader defaults to DefaultPrincipalHeader.
	PrincipalHeader string
	// Attributes extracts the decision context; defaults to HeaderAttributes.
	Attributes func(*http.Request) Attributes
}

// Principal copies the upstream principal header into the request context.
func (m Middleware) Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := strings.TrimSpace(r.Header.Get(m.principalHeader())); id != "" {
			r = r.WithContext(ContextWithPrincipal(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny ensures the current principal has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(normalized, func(granted int) bool { return granted > 0 }, "rbac require any")
}

// RequireAll ensures the current principal has all required permissions.
// An empty list denies every request.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require(normalized, func(granted int) bool { return granted == len(normalized) }, "rbac require all")
}

func (m Middleware) require(perms []string, satisfied func(granted int) bool, op string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				if m.Logger != nil {
					m.Logger.Error(op, slog.String("error", "no permission configured"))
				}
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			principal, ok := m.currentPrincipal(r)
			if !ok || m.Checker == nil {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			attrs := m.attributes(r)
			granted := 0
			for _, p := range perms {
				allowed, err := m.Checker.CheckPermission(r.Context(), principal, p, attrs)
				if err != nil {
					// Errors deny; the caller sees the same 403 as a plain refusal.
					if m.Logger != nil {
						m.Logger.Error(op, slog.String("principal", principal), slog.String("permission", p), slog.Any("error", err))
					}
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
				if allowed {
					granted++
				}
			}
			if satisfied(granted) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func (m Middleware) currentPrincipal(r *http.Request) (string, bool) {
	if id, ok := PrincipalFromContext(r.Context()); ok {
		return id, true
	}
	id := strings.TrimSpace(r.Header.Get(m.principalHeader()))
	return id, id != ""
}

func (m Middleware) principalHeader() string {
	if m.PrincipalHeader != "" {
		return m.PrincipalHeader
	}
	return DefaultPrincipalHeader
}

func (m Middleware) attributes(r *http.Request) Attributes {
	if m.Attributes != nil {
		return m.Attributes(r)
	}
	return HeaderAttributes(r)
}

// HeaderAttributes builds attributes from X-Authz-Attr-* headers.
func HeaderAttributes(r *http.Request) Attributes {
	var attrs Attributes
	for name, values := range r.Header {
		if len(values) == 0 || len(name) <= len(AttributeHeaderPrefix) {
			continue
		}
		if !strings.EqualFold(name[:len(AttributeHeaderPrefix)], AttributeHeaderPrefix) {
			continue
		}
		key := strings.ReplaceAll(strings.ToLower(name[len(AttributeHeaderPrefix):]), "-", "_")
		if attrs == nil {
			attrs = make(Attributes)
		}
		attrs[key] = strings.TrimSpace(values[0])
	}
	return attrs
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = normalizeName(p)
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
