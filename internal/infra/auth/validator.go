package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/qapish/labman/internal/domain"
)

// ProxyScope: без него токен к proxy API не пускаем. Токен совсем без scopes считается полным.
const ProxyScope = "proxy"

var (
	ErrNoBearer     = errors.New("missing bearer token")
	ErrScopeMissing = errors.New("token lacks required scope")
)

// Validator проверяет заголовок Authorization: RS256 подпись control plane и scope.
type Validator struct {
	parser  *jwt.Parser
	keyFunc jwt.Keyfunc
	scope   string
}

func NewValidator(pubKey *rsa.PublicKey) *Validator {
	return &Validator{
		parser:  jwt.NewParser(jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}), jwt.WithLeeway(30*time.Second)),
		keyFunc: func(*jwt.Token) (any, error) { return pubKey, nil },
		scope:   ProxyScope,
	}
}

// Authorize принимает только схему Bearer (регистр не важен).
func (v *Validator) Authorize(header string) (*domain.CustomClaims, error) {
	scheme, raw, ok := strings.Cut(strings.TrimSpace(header), " ")
	raw = strings.TrimSpace(raw)
	if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return nil, ErrNoBearer
	}

	claims := &domain.CustomClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, v.keyFunc); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if len(claims.Scopes) > 0 && !claims.Scopes[v.scope] {
		return nil, fmt.Errorf("%w %q (sub %q)", ErrScopeMissing, v.scope, claims.Subject)
	}
	return claims, nil
}

// ParseRSAPublicKey превращает PEM в ключ для проверки подписи.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
