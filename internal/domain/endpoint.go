package domain

import "time"

// HealthState: состояние эндпоинта по результатам последней проверки.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthUnhealthy
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText нужен, чтобы в JSON снапшотах было "healthy", а не 1.
func (h HealthState) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// ModelDescriptor: элемент OpenAI-совместимого списка моделей.
type ModelDescriptor struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
	Root    string `json:"root,omitempty"`
}

// ModelList: ответ GET /models.
type ModelList struct {
	Object string            `json:"object"`
	Data   []ModelDescriptor `json:"data"`
}

func NewModelList(models []ModelDescriptor) ModelList {
	if models == nil {
		models = []ModelDescriptor{}
	}
	return ModelList{Object: "list", Data: models}
}

// EndpointStatus: снимок состояния эндпоинта для админки и отчётов.
type EndpointStatus struct {
	Name                string      `json:"name"`
	BaseURL             string      `json:"base_url"`
	Health              HealthState `json:"health"`
	Reason              string      `json:"reason,omitempty"`
	Draining            bool        `json:"draining"`
	Models              []string    `json:"models"`
	Active              int         `json:"active"`
	MaxConcurrent       int         `json:"max_concurrent,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastChecked         time.Time   `json:"last_checked,omitempty"`
	LastSuccess         time.Time   `json:"last_success,omitempty"`
}
