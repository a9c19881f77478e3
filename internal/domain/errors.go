package domain

import "errors"

// Ошибки уровня запроса. Каждая даёт свой, различимый для вызывающего, исход.
var (
	ErrSlugNotFound    = errors.New("model slug not found")
	ErrModelUnknown    = errors.New("model not advertised by endpoint")
	ErrEndpointUnknown = errors.New("endpoint not registered")
	ErrNoCapacity      = errors.New("no capacity available")
	ErrCircuitOpen     = errors.New("endpoint circuit open")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrUpstreamError   = errors.New("upstream error")
)

// IsTransient: можно ли повторить запрос позже без изменений.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNoCapacity) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamError)
}
