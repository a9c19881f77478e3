package domain

// NodeState: агрегированное состояние демона, уходит в hello и в админку.
type NodeState string

const (
	NodeStarting NodeState = "starting"
	NodeRunning  NodeState = "running"
	NodeDegraded NodeState = "degraded"
	NodeDraining NodeState = "draining"
	NodeStopping NodeState = "stopping"
)

// EndpointSummary: короткая сводка по эндпоинту внутри Capabilities.
type EndpointSummary struct {
	Name          string   `json:"name"`
	Healthy       bool     `json:"healthy"`
	Models        []string `json:"models"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Active        int      `json:"active"`
}

// Capabilities: агрегированный снимок реестра для внешней отчётности.
// MaxConcurrent равен nil, если хотя бы у одного здорового эндпоинта нет лимита.
type Capabilities struct {
	Models              []string          `json:"models"`
	EndpointCount       int               `json:"endpoint_count"`
	HealthyCount        int               `json:"healthy_count"`
	MaxConcurrent       *int              `json:"max_concurrent_requests,omitempty"`
	ActiveRequests      int               `json:"active_requests"`
	SupportsStreaming   bool              `json:"supports_streaming"`
	SupportsChat        bool              `json:"supports_chat"`
	SupportsCompletions bool              `json:"supports_completions"`
	Endpoints           []EndpointSummary `json:"endpoints"`
}

// ModelOffer: одна строка capacity-оффера, какой slug сейчас можно обслужить.
type ModelOffer struct {
	Slug      string `json:"slug"`
	Tenant    string `json:"tenant"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	FreeSlots int    `json:"free_slots"` // -1 означает "без лимита"
}
