package tunnel

import (
	"errors"
	"net"
	"testing"

	"github.com/qapish/labman/internal/infra"
	"github.com/stretchr/testify/assert"
)

func TestMonitorNotRequiredIsAlwaysUp(t *testing.T) {
	m := NewMonitor(infra.TunnelConfig{Interface: "labman0", Address: "10.90.0.2/32"}, func(string) (*net.Interface, error) {
		return nil, errors.New("no such interface")
	})
	assert.True(t, m.Up())
	assert.Equal(t, "10.90.0.2", m.Address())
}

func TestMonitorRequiredFollowsInterfaceFlags(t *testing.T) {
	var flags net.Flags
	var missing bool
	lookup := func(name string) (*net.Interface, error) {
		if missing {
			return nil, errors.New("no such interface")
		}
		return &net.Interface{Name: name, Flags: flags}, nil
	}
	m := NewMonitor(infra.TunnelConfig{Interface: "labman0", Required: true}, lookup)

	assert.False(t, m.Up())
	flags = net.FlagUp
	assert.True(t, m.Up())
	missing = true
	assert.False(t, m.Up())
}

func TestMonitorRequiredWithoutInterfaceIsDown(t *testing.T) {
	m := NewMonitor(infra.TunnelConfig{Required: true}, nil)
	assert.False(t, m.Up())
	assert.Empty(t, m.Address())
}
