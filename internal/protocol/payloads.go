package protocol

import (
	"errors"
	"fmt"

	"github.com/qapish/labman/internal/domain"
)

// Payload: типизированное тело конкретного kind.
type Payload interface {
	Kind() Kind
	Validate() error
}

func required(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

// --- upstream ---

type AgentRegister struct {
	AgentID      string   `json:"agent_id"`
	Version      string   `json:"version"`
	Hostname     string   `json:"hostname,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (*AgentRegister) Kind() Kind { return KindAgentRegister }
func (p *AgentRegister) Validate() error {
	return errors.Join(required("agent_id", p.AgentID), required("version", p.Version))
}

type AgentHeartbeat struct {
	State           string `json:"state"`
	ActiveWorkloads int    `json:"active_workloads"`
	UptimeSeconds   int64  `json:"uptime_seconds,omitempty"`
}

func (*AgentHeartbeat) Kind() Kind { return KindAgentHeartbeat }
func (p *AgentHeartbeat) Validate() error {
	if p.ActiveWorkloads < 0 {
		return errors.New("active_workloads must be >= 0")
	}
	return required("state", p.State)
}

type AgentMetrics struct {
	Metrics map[string]float64 `json:"metrics"`
}

func (*AgentMetrics) Kind() Kind { return KindAgentMetrics }
func (p *AgentMetrics) Validate() error {
	if len(p.Metrics) == 0 {
		return errors.New("metrics must not be empty")
	}
	return nil
}

type CapacityOffer struct {
	Offers       []domain.ModelOffer  `json:"offers"`
	Capabilities *domain.Capabilities `json:"capabilities,omitempty"`
}

func (*CapacityOffer) Kind() Kind { return KindCapacityOffer }
func (p *CapacityOffer) Validate() error {
	for i, o := range p.Offers {
		if o.Slug == "" || o.Model == "" {
			return fmt.Errorf("offers[%d]: slug and model are required", i)
		}
	}
	return nil
}

// Состояния directive.progress. Всё, кроме running, терминальное.
const (
	ProgressRunning   = "running"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
)

type DirectiveProgress struct {
	State   string  `json:"state"`
	Percent float64 `json:"percent,omitempty"`
	Message string  `json:"message,omitempty"`
}

func (*DirectiveProgress) Kind() Kind { return KindDirectiveProgress }
func (p *DirectiveProgress) Validate() error {
	switch p.State {
	case ProgressRunning, ProgressCompleted, ProgressFailed:
	default:
		return fmt.Errorf("unknown progress state %q", p.State)
	}
	if p.Percent < 0 || p.Percent > 100 {
		return errors.New("percent must be within [0, 100]")
	}
	return nil
}

func (p *DirectiveProgress) Terminal() bool { return p.State != ProgressRunning }

type UsageReport struct {
	Slug             string `json:"slug"`
	Tenant           string `json:"tenant,omitempty"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	DurationMs       int64  `json:"duration_ms,omitempty"`
}

func (*UsageReport) Kind() Kind { return KindUsageReport }
func (p *UsageReport) Validate() error {
	if p.PromptTokens < 0 || p.CompletionTokens < 0 {
		return errors.New("token counts must be >= 0")
	}
	return errors.Join(required("slug", p.Slug), required("model", p.Model))
}

// --- downstream ---

type ModelPreload struct {
	Model    string `json:"model"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (*ModelPreload) Kind() Kind        { return KindModelPreload }
func (p *ModelPreload) Validate() error { return required("model", p.Model) }

type ModelEvict struct {
	Model    string `json:"model"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (*ModelEvict) Kind() Kind        { return KindModelEvict }
func (p *ModelEvict) Validate() error { return required("model", p.Model) }

type WorkloadAssign struct {
	WorkloadID string            `json:"workload_id"`
	Model      string            `json:"model"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

func (*WorkloadAssign) Kind() Kind { return KindWorkloadAssign }
func (p *WorkloadAssign) Validate() error {
	return errors.Join(required("workload_id", p.WorkloadID), required("model", p.Model))
}

// Режимы registry.update.
const (
	RegistryReplace = "replace"
	RegistryUpsert  = "upsert"
)

type RegistryUpdate struct {
	Mode   string                       `json:"mode"`
	Slugs  map[string]domain.SlugTarget `json:"slugs,omitempty"`
	Remove []string                     `json:"remove,omitempty"`
}

func (*RegistryUpdate) Kind() Kind { return KindRegistryUpdate }
func (p *RegistryUpdate) Validate() error {
	if p.Mode != RegistryReplace && p.Mode != RegistryUpsert {
		return fmt.Errorf("unknown mode %q", p.Mode)
	}
	for slug, t := range p.Slugs {
		if slug == "" || t.Endpoint == "" || t.Model == "" {
			return fmt.Errorf("slug %q: endpoint and model are required", slug)
		}
	}
	return nil
}

// AdminDrain: пустой список эндпоинтов означает весь узел. Resume снимает drain.
type AdminDrain struct {
	Endpoints []string `json:"endpoints,omitempty"`
	Resume    bool     `json:"resume,omitempty"`
}

func (*AdminDrain) Kind() Kind      { return KindAdminDrain }
func (*AdminDrain) Validate() error { return nil }

type AdminRestart struct {
	Reason string `json:"reason"`
}

func (*AdminRestart) Kind() Kind        { return KindAdminRestart }
func (p *AdminRestart) Validate() error { return required("reason", p.Reason) }

// --- shared ---

type Ack struct {
	Message string `json:"message,omitempty"`
}

func (*Ack) Kind() Kind      { return KindAck }
func (*Ack) Validate() error { return nil }

// Коды ошибок в envelope error.
const (
	CodeMalformedEnvelope = "malformed_envelope"
	CodeWrongDirection    = "wrong_direction"
	CodeUnknownKind       = "unknown_kind"
	CodeNotRegistered     = "not_registered"
	CodeDirectiveTimeout  = "directive_timeout"
	CodeNoAgentConnected  = "no_agent_connected"
	CodeAgentDisconnected = "agent_disconnected"
	CodeQueueFull         = "queue_full"
	CodeIdentityMismatch  = "identity_mismatch"
	CodeDrainFailed       = "drain_failed"
)

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (*ErrorPayload) Kind() Kind { return KindError }
func (p *ErrorPayload) Validate() error {
	return errors.Join(required("code", p.Code), required("message", p.Message))
}
