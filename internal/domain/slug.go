package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

const slugAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// SlugTarget: то, во что разворачивается непрозрачный slug.
type SlugTarget struct {
	Tenant   string `json:"tenant" mapstructure:"tenant"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Model    string `json:"model" mapstructure:"model"`
}

// EndpointSlug: base URL без схемы, именно в таком виде он участвует в хэше.
func EndpointSlug(baseURL string) string {
	if i := strings.Index(baseURL, "://"); i >= 0 {
		return baseURL[i+3:]
	}
	return baseURL
}

// EncodeModelSlug вычисляет slug, совпадающий с тем, что выдаёт control plane:
// sha256("tenant\nendpoint\nmodel"), первые 8 байт как big-endian uint64, base62.
func EncodeModelSlug(tenant, endpointSlug, modelID string) string {
	sum := sha256.Sum256([]byte(tenant + "\n" + endpointSlug + "\n" + modelID))
	return base62(binary.BigEndian.Uint64(sum[:8]))
}

func base62(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = slugAlphabet[n%62]
		n /= 62
	}
	return string(buf[i:])
}
