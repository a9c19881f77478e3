package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/qapish/labman/internal/domain"
	"go.uber.org/zap"
)

// Authorizer: проверка заголовка Authorization вызывающей стороны.
type Authorizer interface {
	Authorize(header string) (*domain.CustomClaims, error)
}

type ctxKey string

const tenantKey ctxKey = "tenant"

// TenantFromContext возвращает tenant из проверенного токена, если он был.
func TenantFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tenantKey).(string)
	return t, ok && t != ""
}

// WithTenant кладёт tenant в контекст запроса.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// NewMiddleware закрывает proxy API токеном control plane (RS256).
// Ответ об ошибке в формате OpenAI, чтобы клиенты SDK его разобрали.
func NewMiddleware(v Authorizer, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.Authorize(r.Header.Get("Authorization"))
			if err != nil {
				logger.Warn("auth failure", zap.Error(err), zap.String("remote", r.RemoteAddr))
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), claims.Tenant)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": "invalid or missing bearer token",
			"type":    "authentication_error",
			"code":    "unauthorized",
		},
	})
}
