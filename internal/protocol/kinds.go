package protocol

// Direction: куда идёт сообщение относительно узла.
type Direction string

const (
	Upstream   Direction = "upstream"   // агент -> control plane
	Downstream Direction = "downstream" // control plane -> агент
)

func (d Direction) Valid() bool { return d == Upstream || d == Downstream }

// Opposite: направление ответа на сообщение с направлением d.
func (d Direction) Opposite() Direction {
	if d == Upstream {
		return Downstream
	}
	return Upstream
}

// Kind: закрытое множество типов сообщений.
type Kind string

const (
	KindAgentRegister     Kind = "agent.register"
	KindAgentHeartbeat    Kind = "agent.heartbeat"
	KindAgentMetrics      Kind = "agent.metrics"
	KindCapacityOffer     Kind = "capacity.offer"
	KindDirectiveProgress Kind = "directive.progress"
	KindUsageReport       Kind = "usage.report"

	KindModelPreload   Kind = "model.preload"
	KindModelEvict     Kind = "model.evict"
	KindWorkloadAssign Kind = "workload.assign"
	KindRegistryUpdate Kind = "registry.update"
	KindAdminDrain     Kind = "admin.drain"
	KindAdminRestart   Kind = "admin.restart"

	// Общие: направление совпадает с направлением ответа.
	KindAck   Kind = "ack"
	KindError Kind = "error"
)

type kindInfo struct {
	direction Direction // пусто у общих типов
	directive bool
	newPayload func() Payload
}

var kinds = map[Kind]kindInfo{
	KindAgentRegister:     {direction: Upstream, newPayload: func() Payload { return &AgentRegister{} }},
	KindAgentHeartbeat:    {direction: Upstream, newPayload: func() Payload { return &AgentHeartbeat{} }},
	KindAgentMetrics:      {direction: Upstream, newPayload: func() Payload { return &AgentMetrics{} }},
	KindCapacityOffer:     {direction: Upstream, newPayload: func() Payload { return &CapacityOffer{} }},
	KindDirectiveProgress: {direction: Upstream, newPayload: func() Payload { return &DirectiveProgress{} }},
	KindUsageReport:       {direction: Upstream, newPayload: func() Payload { return &UsageReport{} }},

	KindModelPreload:   {direction: Downstream, directive: true, newPayload: func() Payload { return &ModelPreload{} }},
	KindModelEvict:     {direction: Downstream, directive: true, newPayload: func() Payload { return &ModelEvict{} }},
	KindWorkloadAssign: {direction: Downstream, directive: true, newPayload: func() Payload { return &WorkloadAssign{} }},
	KindRegistryUpdate: {direction: Downstream, newPayload: func() Payload { return &RegistryUpdate{} }},
	KindAdminDrain:     {direction: Downstream, directive: true, newPayload: func() Payload { return &AdminDrain{} }},
	KindAdminRestart:   {direction: Downstream, directive: true, newPayload: func() Payload { return &AdminRestart{} }},

	KindAck:   {newPayload: func() Payload { return &Ack{} }},
	KindError: {newPayload: func() Payload { return &ErrorPayload{} }},
}

// Known: входит ли kind в закрытое множество.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// Direction: направление, к которому привязан kind. ok=false у общих типов.
func (k Kind) Direction() (Direction, bool) {
	info, ok := kinds[k]
	if !ok || info.direction == "" {
		return "", false
	}
	return info.direction, true
}

// Shared: ack и error.
func (k Kind) Shared() bool {
	info, ok := kinds[k]
	return ok && info.direction == ""
}

// IsDirective: требует ли сообщение корреляции ack/progress.
func (k Kind) IsDirective() bool {
	return kinds[k].directive
}

// Kinds: все известные типы (для тестов и документации).
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	return out
}
