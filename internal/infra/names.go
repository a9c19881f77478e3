package infra

// Namespace: общий префикс метрик и имён сервисов.
const Namespace = "labman"

// Имена сервисов в стандартном gRPC health протоколе.
const (
	HealthServiceProxy        = Namespace + ".proxy"
	HealthServiceControlPlane = Namespace + ".controlplane"
)

// Пути HTTP/WebSocket.
const (
	AgentSessionPath = "/agent"
	ControlPlanePath = "/v1/nodes/session"
)

// Version: версия демона, уходит в hello. Перекрывается через -ldflags.
var Version = "0.1.0-dev"
