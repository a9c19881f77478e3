package infra

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации демона.
type Config struct {
	Node         NodeConfig         `mapstructure:"node"`
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
	Tunnel       TunnelConfig       `mapstructure:"tunnel"`
	Proxy        ProxyConfig        `mapstructure:"proxy"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Router       RouterConfig       `mapstructure:"router"`
	Discovery    DiscoveryConfig    `mapstructure:"discovery"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Journal      JournalConfig      `mapstructure:"journal"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Endpoints    []EndpointConfig   `mapstructure:"endpoints"`
	Slugs        []SlugConfig       `mapstructure:"slugs"`
}

// NodeConfig: идентичность узла перед control plane.
type NodeConfig struct {
	ID          string `mapstructure:"id"`
	SiteID      string `mapstructure:"site_id"`
	Tenant      string `mapstructure:"tenant"`
	Region      string `mapstructure:"region"`
	Description string `mapstructure:"description"`
}

// ControlPlaneConfig описывает постоянную исходящую сессию.
type ControlPlaneConfig struct {
	URL              string        `mapstructure:"url"`
	NodeToken        string        `mapstructure:"node_token"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	StableAfter      time.Duration `mapstructure:"stable_after"` // сколько быть Connected, чтобы сбросить счётчик ошибок
	OutboundBuffer   int           `mapstructure:"outbound_buffer"`
	Backoff          BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"` // доля от задержки, 0..1
}

// TunnelConfig: то, что знаем о туннеле. Сам туннель поднимается снаружи.
type TunnelConfig struct {
	Interface string `mapstructure:"interface"`
	Address   string `mapstructure:"address"`
	// Если false, статус туннеля считается "up" всегда (dev-режим без WireGuard).
	Required bool `mapstructure:"required"`
}

// ProxyConfig: OpenAI-совместимый API, который смотрит в сторону control plane.
type ProxyConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	ListenPort            int           `mapstructure:"listen_port"`
	MaxBodyBytes          int64         `mapstructure:"max_body_bytes"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	ShutdownGrace         time.Duration `mapstructure:"shutdown_grace"`
	RateLimit             float64       `mapstructure:"rate_limit"` // запросов в секунду, 0 без лимита
	RateBurst             int           `mapstructure:"rate_burst"`
	PublicKeyPath         string        `mapstructure:"public_key_path"`
	PublicKey             []byte
}

// AgentConfig: локальная (loopback) сессия агента.
type AgentConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	RegistrationGrace time.Duration `mapstructure:"registration_grace"`
	OffenseThreshold  int           `mapstructure:"offense_threshold"`
	OutboundBuffer    int           `mapstructure:"outbound_buffer"`
}

const (
	NoAgentBuffer = "buffer"
	NoAgentFail   = "fail"
)

type RouterConfig struct {
	DirectiveTimeout time.Duration `mapstructure:"directive_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	InboundQueue     int           `mapstructure:"inbound_queue"`
	NoAgentPolicy    string        `mapstructure:"no_agent_policy"` // buffer | fail
	BufferDepth      int           `mapstructure:"buffer_depth"`
}

type DiscoveryConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// BreakerConfig: настройки Circuit Breaker на каждый эндпоинт.
type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
}

type JournalConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// AdminConfig: loopback HTTP (health, метрики, drain) и gRPC health.
type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	GRPCAddr   string `mapstructure:"grpc_addr"` // пусто: gRPC health не поднимается
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// EndpointConfig: локальный inference-сервер.
type EndpointConfig struct {
	Name          string   `mapstructure:"name"`
	BaseURL       string   `mapstructure:"base_url"`
	MaxConcurrent int      `mapstructure:"max_concurrent"` // 0 без лимита
	ModelsInclude []string `mapstructure:"models_include"`
	ModelsExclude []string `mapstructure:"models_exclude"`
	HealthPath    string   `mapstructure:"health_path"`
}

// SlugConfig: статически заданный slug (до первого registry.update).
type SlugConfig struct {
	Slug     string `mapstructure:"slug"`
	Tenant   string `mapstructure:"tenant"`
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// ProxyAddr: адрес, на котором слушает proxy API.
func (c ProxyConfig) Addr() string {
	return net.JoinHostPort(c.ListenAddr, fmt.Sprint(c.ListenPort))
}

// LoadConfig читает конфиг: явный путь, иначе /etc/labman/labman.toml, иначе ./labman.toml.
// ENV перекрывает файл: LABMAN_PROXY_LISTEN_PORT=9000 перекроет proxy.listen_port.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("labman")
		v.AddConfigPath("/etc/labman")
		v.AddConfigPath(".")
	}
	v.SetConfigType("toml")

	v.SetEnvPrefix("LABMAN")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		// Явно указанный файл обязан существовать
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].HealthPath == "" {
			cfg.Endpoints[i].HealthPath = DefaultHealthPath
		}
	}

	if cfg.Proxy.ListenAddr == "" {
		cfg.Proxy.ListenAddr = defaultProxyBind(cfg.Tunnel.Address)
	}

	key, err := loadKeyResource(cfg.Proxy.PublicKeyPath, "LABMAN_PROXY_PUBLIC_KEY_DATA")
	if err != nil {
		return nil, fmt.Errorf("proxy.public_key_path: %w", err)
	}
	cfg.Proxy.PublicKey = key

	return &cfg, nil
}

// defaultProxyBind: без явного proxy.listen_addr слушаем только адрес туннеля
// (маска отбрасывается), а без туннеля только loopback. 0.0.0.0 и LAN задаются явно.
func defaultProxyBind(tunnelAddr string) string {
	if host, _, ok := strings.Cut(tunnelAddr, "/"); ok {
		tunnelAddr = host
	}
	if tunnelAddr == "" {
		return "127.0.0.1"
	}
	return tunnelAddr
}

// DefaultHealthPath: liveness-проба по умолчанию. У vLLM/llama.cpp /health
// есть не везде, а /models отвечает любой OpenAI-совместимый сервер.
const DefaultHealthPath = "/models"

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.tenant", "default")

	v.SetDefault("control_plane.connect_timeout", 10*time.Second)
	v.SetDefault("control_plane.handshake_timeout", 10*time.Second)
	v.SetDefault("control_plane.ping_interval", 20*time.Second)
	v.SetDefault("control_plane.stable_after", 30*time.Second)
	v.SetDefault("control_plane.outbound_buffer", 256)
	v.SetDefault("control_plane.backoff.initial", 1*time.Second)
	v.SetDefault("control_plane.backoff.max", 60*time.Second)
	v.SetDefault("control_plane.backoff.multiplier", 2.0)
	v.SetDefault("control_plane.backoff.jitter", 0.2)

	v.SetDefault("tunnel.interface", "labman0")

	// пусто: LoadConfig подставит адрес туннеля
	v.SetDefault("proxy.listen_addr", "")
	v.SetDefault("proxy.listen_port", 8080)
	v.SetDefault("proxy.max_body_bytes", 8<<20)
	v.SetDefault("proxy.response_header_timeout", 60*time.Second)
	v.SetDefault("proxy.shutdown_grace", 15*time.Second)
	v.SetDefault("proxy.rate_burst", 20)

	v.SetDefault("agent.listen_addr", "127.0.0.1:9100")
	v.SetDefault("agent.registration_grace", 5*time.Second)
	v.SetDefault("agent.offense_threshold", 5)
	v.SetDefault("agent.outbound_buffer", 128)

	v.SetDefault("router.directive_timeout", 60*time.Second)
	v.SetDefault("router.sweep_interval", 1*time.Second)
	v.SetDefault("router.inbound_queue", 512)
	v.SetDefault("router.no_agent_policy", NoAgentBuffer)
	v.SetDefault("router.buffer_depth", 64)

	v.SetDefault("discovery.interval", 15*time.Second)
	v.SetDefault("discovery.timeout", 5*time.Second)

	v.SetDefault("breaker.max_requests", 3)
	v.SetDefault("breaker.interval", 30*time.Second)
	v.SetDefault("breaker.timeout", 20*time.Second)
	v.SetDefault("breaker.failure_threshold", 5)

	v.SetDefault("journal.buffer_size", 10000)
	v.SetDefault("journal.batch_size", 100)
	v.SetDefault("journal.flush_interval", 500*time.Millisecond)

	v.SetDefault("admin.listen_addr", "127.0.0.1:9090")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate проверяет то, что viper проверить не может. Все ошибки собираются разом.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]struct{}, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d]: name is required", i))
			continue
		}
		if _, dup := seen[ep.Name]; dup {
			errs = append(errs, fmt.Errorf("endpoints[%d]: duplicate name %q", i, ep.Name))
		}
		seen[ep.Name] = struct{}{}
		if err := ValidateHTTPURL(ep.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("endpoint %q: %w", ep.Name, err))
		}
		if ep.MaxConcurrent < 0 {
			errs = append(errs, fmt.Errorf("endpoint %q: max_concurrent must be >= 0", ep.Name))
		}
	}

	for i, s := range c.Slugs {
		if s.Slug == "" || s.Endpoint == "" || s.Model == "" {
			errs = append(errs, fmt.Errorf("slugs[%d]: slug, endpoint and model are required", i))
		}
	}

	if c.ControlPlane.URL != "" {
		u, err := url.Parse(c.ControlPlane.URL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("control_plane.url: invalid url %q", c.ControlPlane.URL))
		} else {
			switch u.Scheme {
			case "ws", "wss", "http", "https":
			default:
				errs = append(errs, fmt.Errorf("control_plane.url: unsupported scheme %q", u.Scheme))
			}
		}
		if c.Node.ID == "" {
			errs = append(errs, errors.New("node.id is required when control_plane.url is set"))
		}
	}
	if b := c.ControlPlane.Backoff; b.Initial <= 0 || b.Max < b.Initial || b.Multiplier < 1 || b.Jitter < 0 || b.Jitter > 1 {
		errs = append(errs, errors.New("control_plane.backoff: need 0 < initial <= max, multiplier >= 1, 0 <= jitter <= 1"))
	}

	if !IsLoopbackAddr(c.Agent.ListenAddr) {
		errs = append(errs, fmt.Errorf("agent.listen_addr %q: must be a loopback address", c.Agent.ListenAddr))
	}
	if c.Admin.ListenAddr != "" && !IsLoopbackAddr(c.Admin.ListenAddr) {
		errs = append(errs, fmt.Errorf("admin.listen_addr %q: must be a loopback address", c.Admin.ListenAddr))
	}
	if c.Agent.OffenseThreshold < 1 {
		errs = append(errs, errors.New("agent.offense_threshold must be >= 1"))
	}

	switch c.Router.NoAgentPolicy {
	case NoAgentBuffer, NoAgentFail:
	default:
		errs = append(errs, fmt.Errorf("router.no_agent_policy: unknown policy %q", c.Router.NoAgentPolicy))
	}
	if c.Router.NoAgentPolicy == NoAgentBuffer && c.Router.BufferDepth < 1 {
		errs = append(errs, errors.New("router.buffer_depth must be >= 1 with buffer policy"))
	}
	if c.Router.DirectiveTimeout <= 0 {
		errs = append(errs, errors.New("router.directive_timeout must be > 0"))
	}

	if c.Proxy.ListenAddr == "" {
		errs = append(errs, errors.New("proxy.listen_addr is required"))
	}
	if c.Proxy.ListenPort <= 0 || c.Proxy.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("proxy.listen_port %d out of range", c.Proxy.ListenPort))
	}
	if c.Discovery.Interval <= 0 || c.Discovery.Timeout <= 0 {
		errs = append(errs, errors.New("discovery.interval and discovery.timeout must be > 0"))
	}

	return errors.Join(errs...)
}

// ValidateHTTPURL: base_url эндпоинта обязан быть http(s) с хостом.
func ValidateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid base_url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("base_url %q has no host", raw)
	}
	return nil
}

// IsLoopbackAddr принимает host:port и отвечает, loopback ли host.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func loadKeyResource(path string, envDataKey string) ([]byte, error) {
	// PEM прямо в ENV (systemd credentials, контейнеры)
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data), nil
	}
	if path == "" {
		return nil, nil
	}
	// Заданный, но нечитаемый ключ не должен молча выключать авторизацию
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("key file %q is empty", path)
	}
	return data, nil
}
