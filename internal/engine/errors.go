package engine

import (
	"encoding/json"
	"net/http"
)

type apiError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code"`
}

// writeError отдаёт ошибку в формате OpenAI, который понимают клиентские SDK.
func writeError(w http.ResponseWriter, status int, message, typ, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]apiError{
		"error": {Message: message, Type: typ, Code: code},
	})
}

// Исходы запроса: метки метрик и коды ошибок API.
const (
	outcomeOK              = "ok"
	outcomeBadRequest      = "bad_request"
	outcomeSlugNotFound    = "model_not_found"
	outcomeNoCapacity      = "no_capacity"
	outcomeCircuitOpen     = "circuit_open"
	outcomeUpstreamTimeout = "upstream_timeout"
	outcomeUpstreamError   = "upstream_error"
	outcomeCanceled        = "canceled"
)
