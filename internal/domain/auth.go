package domain

import "github.com/golang-jwt/jwt/v5"

// CustomClaims: claims токена, которым control plane подписывает вызовы proxy API.
type CustomClaims struct {
	Tenant string          `json:"tenant,omitempty"`
	Scopes map[string]bool `json:"scopes,omitempty"` // "proxy": true
	jwt.RegisteredClaims
}
