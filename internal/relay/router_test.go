package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/infra"
	"github.com/qapish/labman/internal/protocol"
	"github.com/qapish/labman/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	full bool
}

func (r *recorder) Enqueue(env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return ErrOutboundQueueFull
	}
	r.envs = append(r.envs, env)
	return nil
}

func (r *recorder) all() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.envs...)
}

func (r *recorder) errorsFor(id, code string) int {
	n := 0
	for _, e := range r.all() {
		if p, ok := e.Payload.(*protocol.ErrorPayload); ok && e.ReplyTo == id && p.Code == code {
			n++
		}
	}
	return n
}

func startRouter(t *testing.T, opts Options, effects NodeEffects) (*Router, *recorder) {
	t.Helper()
	control := &recorder{}
	r := NewRouter(control, effects, opts, nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, control
}

func downstream(p protocol.Payload) protocol.Envelope {
	return protocol.NewEnvelope(p)
}

func upstreamReply(to protocol.Envelope, p protocol.Payload) protocol.Envelope {
	return protocol.Reply(to, p)
}

func TestUpstreamKindFromControlPlaneIsRejected(t *testing.T) {
	r, control := startRouter(t, Options{}, nil)
	agent := &recorder{}
	r.AgentAttached("s1", "agent-1", agent)

	err := r.Submit(Inbound{Source: SourceControlPlane, Env: protocol.NewEnvelope(&protocol.AgentHeartbeat{State: "idle"})})
	assert.ErrorIs(t, err, protocol.ErrWrongDirection)

	err = r.Submit(Inbound{Source: SourceAgent, SessionID: "s1", Env: downstream(&protocol.ModelPreload{Model: "m"})})
	assert.ErrorIs(t, err, protocol.ErrWrongDirection)

	// ack, помеченный как upstream, от control plane тоже нарушение
	ack := protocol.Reply(downstream(&protocol.ModelPreload{Model: "m"}), &protocol.Ack{})
	err = r.Submit(Inbound{Source: SourceControlPlane, Env: ack})
	assert.ErrorIs(t, err, protocol.ErrWrongDirection)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, agent.all())
	assert.Empty(t, control.all())
}

func TestDirectiveAckResolvesCorrelation(t *testing.T) {
	r, control := startRouter(t, Options{DirectiveTimeout: time.Hour}, nil)
	agent := &recorder{}
	r.AgentAttached("s1", "agent-1", agent)

	d := downstream(&protocol.ModelPreload{Model: "mixtral-8x7b"})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: d}))
	require.Eventually(t, func() bool { return len(agent.all()) == 1 }, time.Second, time.Millisecond)
	require.Len(t, r.Pending(), 1)
	assert.Equal(t, d.ID, r.Pending()[0].ID)

	// нетерминальный прогресс запись не снимает
	require.NoError(t, r.Submit(Inbound{Source: SourceAgent, SessionID: "s1", Env: upstreamReply(d, &protocol.DirectiveProgress{State: protocol.ProgressRunning, Percent: 10})}))
	require.NoError(t, r.Submit(Inbound{Source: SourceAgent, SessionID: "s1", Env: upstreamReply(d, &protocol.Ack{})}))

	require.Eventually(t, func() bool { return len(control.all()) == 2 }, time.Second, time.Millisecond)
	assert.Empty(t, r.Pending())
	assert.Equal(t, protocol.KindDirectiveProgress, control.all()[0].Kind)
	assert.Equal(t, protocol.KindAck, control.all()[1].Kind)
}

func TestTerminalProgressResolvesCorrelation(t *testing.T) {
	r, _ := startRouter(t, Options{DirectiveTimeout: time.Hour}, nil)
	r.AgentAttached("s1", "agent-1", &recorder{})

	d := downstream(&protocol.WorkloadAssign{WorkloadID: "w", Model: "m"})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: d}))
	require.Eventually(t, func() bool { return len(r.Pending()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Submit(Inbound{Source: SourceAgent, SessionID: "s1", Env: upstreamReply(d, &protocol.DirectiveProgress{State: protocol.ProgressCompleted})}))
	require.Eventually(t, func() bool { return len(r.Pending()) == 0 }, time.Second, time.Millisecond)
}

func TestDirectiveTimeoutReportedExactlyOnce(t *testing.T) {
	r, control := startRouter(t, Options{DirectiveTimeout: 30 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, nil)
	r.AgentAttached("s1", "agent-1", &recorder{})

	d := downstream(&protocol.ModelEvict{Model: "m"})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: d}))

	require.Eventually(t, func() bool { return control.errorsFor(d.ID, protocol.CodeDirectiveTimeout) == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, control.errorsFor(d.ID, protocol.CodeDirectiveTimeout))

	// Запоздавший ack пересылается, но второй синтетической ошибки нет
	require.NoError(t, r.Submit(Inbound{Source: SourceAgent, SessionID: "s1", Env: upstreamReply(d, &protocol.Ack{})}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, control.errorsFor(d.ID, protocol.CodeDirectiveTimeout))

	synthetic := control.all()[0]
	assert.Equal(t, protocol.Upstream, synthetic.Direction)
	assert.NoError(t, synthetic.Validate())
}

func TestNoAgentFailPolicy(t *testing.T) {
	r, control := startRouter(t, Options{NoAgentPolicy: infra.NoAgentFail}, nil)

	d := downstream(&protocol.ModelPreload{Model: "m"})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: d}))
	require.Eventually(t, func() bool { return control.errorsFor(d.ID, protocol.CodeNoAgentConnected) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, r.Pending())
}

func TestNoAgentBufferFlushesOnAttach(t *testing.T) {
	r, control := startRouter(t, Options{NoAgentPolicy: infra.NoAgentBuffer, BufferDepth: 2, DirectiveTimeout: time.Hour}, nil)

	d1 := downstream(&protocol.ModelPreload{Model: "a"})
	d2 := downstream(&protocol.ModelPreload{Model: "b"})
	d3 := downstream(&protocol.ModelPreload{Model: "c"})
	for _, d := range []protocol.Envelope{d1, d2, d3} {
		require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: d}))
	}

	// третья не влезла в буфер глубины 2
	require.Eventually(t, func() bool { return control.errorsFor(d3.ID, protocol.CodeNoAgentConnected) == 1 }, time.Second, time.Millisecond)
	pending := r.Pending()
	require.Len(t, pending, 2)
	assert.True(t, pending[0].Buffered)

	agent := &recorder{}
	r.AgentAttached("s1", "agent-1", agent)
	got := agent.all()
	require.Len(t, got, 2)
	assert.Equal(t, d1.ID, got[0].ID)
	assert.Equal(t, d2.ID, got[1].ID)
	for _, p := range r.Pending() {
		assert.Equal(t, "s1", p.SessionID)
	}
}

func TestBufferedDirectiveExpires(t *testing.T) {
	r, control := startRouter(t, Options{BufferDepth: 4, DirectiveTimeout: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond}, nil)

	d := downstream(&protocol.ModelPreload{Model: "a"})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: d}))
	require.Eventually(t, func() bool { return control.errorsFor(d.ID, protocol.CodeDirectiveTimeout) == 1 }, time.Second, time.Millisecond)

	agent := &recorder{}
	r.AgentAttached("s1", "agent-1", agent)
	assert.Empty(t, agent.all(), "expired directive must not be delivered")
}

func TestAgentDetachFailsPendingForThatSession(t *testing.T) {
	r, control := startRouter(t, Options{DirectiveTimeout: time.Hour}, nil)
	r.AgentAttached("s1", "agent-1", &recorder{})

	d := downstream(&protocol.AdminRestart{Reason: "upgrade"})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: d}))
	require.Eventually(t, func() bool { return len(r.Pending()) == 1 }, time.Second, time.Millisecond)

	r.AgentDetached("s1")
	assert.Equal(t, 1, control.errorsFor(d.ID, protocol.CodeAgentDisconnected))
	assert.Empty(t, r.Pending())
}

func TestSupersededSessionIsIgnored(t *testing.T) {
	r, control := startRouter(t, Options{DirectiveTimeout: time.Hour}, nil)
	r.AgentAttached("s1", "agent-1", &recorder{})
	r.AgentAttached("s2", "agent-1", &recorder{})

	hb := protocol.NewEnvelope(&protocol.AgentHeartbeat{State: "idle"})
	require.NoError(t, r.Submit(Inbound{Source: SourceAgent, SessionID: "s1", Env: hb}))
	require.NoError(t, r.Submit(Inbound{Source: SourceAgent, SessionID: "s2", Env: hb}))

	require.Eventually(t, func() bool { return len(control.all()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, control.all(), 1)
}

func TestAgentQueueFullFailsDirective(t *testing.T) {
	r, control := startRouter(t, Options{}, nil)
	r.AgentAttached("s1", "agent-1", &recorder{full: true})

	d := downstream(&protocol.ModelPreload{Model: "m"})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: d}))
	require.Eventually(t, func() bool { return control.errorsFor(d.ID, protocol.CodeQueueFull) == 1 }, time.Second, time.Millisecond)
}

func TestNodeScopedEffects(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register(infra.EndpointConfig{Name: "vllm-box", BaseURL: "http://127.0.0.1:8000/v1"}))
	slugs := registry.NewSlugTable()
	effects := &RegistryEffects{Slugs: slugs, Drainer: reg, Logger: zap.NewNop()}

	r, control := startRouter(t, Options{}, effects)
	agent := &recorder{}
	r.AgentAttached("s1", "agent-1", agent)

	upd := downstream(&protocol.RegistryUpdate{Mode: protocol.RegistryReplace, Slugs: map[string]domain.SlugTarget{
		"tenantA::vllm-box::mixtral-8x7b": {Tenant: "tenantA", Endpoint: "vllm-box", Model: "mixtral-8x7b"},
	}})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: upd}))
	require.Eventually(t, func() bool { return slugs.Len() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(agent.all()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, r.Pending(), "registry.update is not correlated")

	drain := downstream(&protocol.AdminDrain{Endpoints: []string{"vllm-box"}})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: drain}))
	require.Eventually(t, func() bool { return reg.Snapshot()[0].Draining }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(control.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, protocol.KindAck, control.all()[0].Kind)
	assert.Equal(t, drain.ID, control.all()[0].ReplyTo)

	bad := downstream(&protocol.AdminDrain{Endpoints: []string{"nope"}})
	require.NoError(t, r.Submit(Inbound{Source: SourceControlPlane, Env: bad}))
	require.Eventually(t, func() bool { return control.errorsFor(bad.ID, "drain_failed") == 1 }, time.Second, time.Millisecond)
}

func TestSubmitAfterStop(t *testing.T) {
	r := NewRouter(&recorder{}, nil, Options{}, nil, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { r.Run(ctx); close(done) }()
	cancel()
	<-done

	err := r.Submit(Inbound{Source: SourceControlPlane, Env: downstream(&protocol.ModelPreload{Model: "m"})})
	assert.True(t, errors.Is(err, ErrRouterStopped))
	assert.Nil(t, r.Pending())
}
