package audit

import "time"

// Event: структурированное событие телеметрии от любого компонента демона.
type Event struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Component string         `json:"component"` // proxy, discovery, router, local-session, control-session
	Type      string         `json:"type"`      // request.completed, endpoint.health, directive.timeout, ...
	Endpoint  string         `json:"endpoint,omitempty"`
	Model     string         `json:"model,omitempty"`
	Status    string         `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder: то, что видят компоненты. Запись не блокирует горячий путь.
type Recorder interface {
	Record(event Event)
}

// Nop: для тестов и для запуска без журнала.
type Nop struct{}

func (Nop) Record(Event) {}
