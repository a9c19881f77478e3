package tunnel

import (
	"net"
	"strings"

	"github.com/qapish/labman/internal/infra"
)

// Status отвечает, поднят ли туннель и какой у нас адрес в нём.
// Ключи и жизненный цикл интерфейса живут вне демона.
type Status interface {
	Up() bool
	Address() string
}

// InterfaceLookup возвращает интерфейс по имени. В тестах подменяется.
type InterfaceLookup func(name string) (*net.Interface, error)

// Monitor проверяет интерфейс туннеля при каждом вызове Up.
type Monitor struct {
	iface    string
	address  string
	required bool
	lookup   InterfaceLookup
}

func NewMonitor(cfg infra.TunnelConfig, lookup InterfaceLookup) *Monitor {
	if lookup == nil {
		lookup = net.InterfaceByName
	}
	return &Monitor{
		iface:    cfg.Interface,
		address:  stripPrefix(cfg.Address),
		required: cfg.Required,
		lookup:   lookup,
	}
}

// Up: если туннель не обязателен (dev без WireGuard), он всегда "up".
func (m *Monitor) Up() bool {
	if !m.required {
		return true
	}
	if m.iface == "" {
		return false
	}
	ifi, err := m.lookup(m.iface)
	if err != nil {
		return false
	}
	return ifi.Flags&net.FlagUp != 0
}

// Address: локальный адрес в туннеле без маски, пусто если не задан.
func (m *Monitor) Address() string { return m.address }

// 10.90.0.2/32 -> 10.90.0.2
func stripPrefix(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// Static: фиксированный статус, для тестов и режима без туннеля.
type Static struct {
	IsUp bool
	Addr string
}

func (s Static) Up() bool        { return s.IsUp }
func (s Static) Address() string { return s.Addr }
