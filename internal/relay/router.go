package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/qapish/labman/internal/audit"
	"github.com/qapish/labman/internal/infra"
	"github.com/qapish/labman/internal/protocol"
	"go.uber.org/zap"
)

var (
	ErrQueueFull         = errors.New("router inbound queue full")
	ErrRouterStopped     = errors.New("router stopped")
	ErrNoAgentConnected  = errors.New("no agent connected")
	ErrDirectiveTimeout  = errors.New("directive timed out")
	ErrOutboundQueueFull = errors.New("outbound queue full")
)

// Source: откуда пришёл envelope. Направление kind обязано ему соответствовать.
type Source string

const (
	SourceAgent        Source = "agent"
	SourceControlPlane Source = "control-plane"
)

// Inbound: кадр, уже разобранный сессией.
type Inbound struct {
	Source    Source
	SessionID string
	Env       protocol.Envelope
}

// Outbound: узкая односторонняя ручка на исходящую очередь сессии.
// Enqueue не должен блокироваться.
type Outbound interface {
	Enqueue(env protocol.Envelope) error
}

// NodeEffects: то, что узел применяет у себя сам, не дожидаясь агента.
type NodeEffects interface {
	ApplyRegistryUpdate(u *protocol.RegistryUpdate)
	ApplyDrain(d *protocol.AdminDrain) error
}

// Observer: метрики роутера.
type Observer interface {
	ObserveRelay(source, kind, result string)
	SetPendingDirectives(n int)
}

type Options struct {
	DirectiveTimeout time.Duration
	SweepInterval    time.Duration
	QueueSize        int
	NoAgentPolicy    string // infra.NoAgentBuffer | infra.NoAgentFail
	BufferDepth      int
}

type pendingEntry struct {
	env       protocol.Envelope
	sessionID string // пусто, пока директива лежит в буфере без агента
	created   time.Time
	deadline  time.Time
}

type agentHandle struct {
	sessionID string
	agentID   string
	out       Outbound
}

// Router: коммутатор между локальной сессией агента и сессией control plane.
// Всё состояние принадлежит одной горутине Run; снаружи только очереди.
type Router struct {
	opts    Options
	control Outbound
	effects NodeEffects
	obs     Observer
	rec     audit.Recorder
	logger  *zap.Logger

	inbound chan Inbound
	cmds    chan func()
	stopped chan struct{}

	// ниже только из горутины Run
	agent   *agentHandle
	pending map[string]*pendingEntry
	buffer  []string // id директив/сообщений в порядке поступления
	held    map[string]protocol.Envelope
}

func NewRouter(control Outbound, effects NodeEffects, opts Options, obs Observer, rec audit.Recorder, logger *zap.Logger) *Router {
	if opts.DirectiveTimeout <= 0 {
		opts.DirectiveTimeout = 60 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 512
	}
	if opts.NoAgentPolicy == "" {
		opts.NoAgentPolicy = infra.NoAgentBuffer
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Router{
		opts:    opts,
		control: control,
		effects: effects,
		obs:     obs,
		rec:     rec,
		logger:  logger.Named("router"),
		inbound: make(chan Inbound, opts.QueueSize),
		cmds:    make(chan func(), 16),
		stopped: make(chan struct{}),
		pending: make(map[string]*pendingEntry),
		held:    make(map[string]protocol.Envelope),
	}
}

// Submit проверяет происхождение сразу и ставит кадр в очередь без ожидания.
// Нарушение направления никуда не пересылается.
func (r *Router) Submit(in Inbound) error {
	if err := checkOrigin(in); err != nil {
		r.observe(in.Source, in.Env.Kind, "rejected")
		r.rec.Record(audit.Event{
			Component: "router",
			Type:      "protocol.violation",
			Status:    protocol.CodeWrongDirection,
			Error:     err.Error(),
			Fields:    map[string]any{"source": string(in.Source), "kind": string(in.Env.Kind), "envelope_id": in.Env.ID},
		})
		return err
	}
	select {
	case <-r.stopped:
		return ErrRouterStopped
	default:
	}
	select {
	case r.inbound <- in:
		return nil
	default:
		r.observe(in.Source, in.Env.Kind, "queue_full")
		return ErrQueueFull
	}
}

func checkOrigin(in Inbound) error {
	var want protocol.Direction
	switch in.Source {
	case SourceAgent:
		want = protocol.Upstream
	case SourceControlPlane:
		want = protocol.Downstream
	default:
		return fmt.Errorf("%w: unknown source %q", protocol.ErrWrongDirection, in.Source)
	}
	if in.Env.Direction != want {
		return fmt.Errorf("%w: %s %s from %s", protocol.ErrWrongDirection, in.Env.Direction, in.Env.Kind, in.Source)
	}
	if bound, ok := in.Env.Kind.Direction(); ok && bound != want {
		return fmt.Errorf("%w: %s is %s-only", protocol.ErrWrongDirection, in.Env.Kind, bound)
	}
	return nil
}

// AgentAttached делает сессию авторитетной и отдаёт ей накопленный буфер.
func (r *Router) AgentAttached(sessionID, agentID string, out Outbound) {
	r.do(func() {
		if r.agent != nil && r.agent.sessionID != sessionID {
			r.failSession(r.agent.sessionID, "agent session superseded")
		}
		r.agent = &agentHandle{sessionID: sessionID, agentID: agentID, out: out}
		r.logger.Info("agent attached", zap.String("session_id", sessionID), zap.String("agent_id", agentID))
		r.flushBuffer()
	})
}

// AgentDetached: директивы, доставленные этой сессии, завершаются ошибкой, а не висят.
func (r *Router) AgentDetached(sessionID string) {
	r.do(func() {
		if r.agent != nil && r.agent.sessionID == sessionID {
			r.agent = nil
			r.logger.Info("agent detached", zap.String("session_id", sessionID))
		}
		r.failSession(sessionID, "agent disconnected before responding")
	})
}

// PendingDirective: строка таблицы корреляции для админки.
type PendingDirective struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Buffered  bool      `json:"buffered"`
	Created   time.Time `json:"created"`
	Deadline  time.Time `json:"deadline"`
}

// Pending: снимок таблицы корреляции.
func (r *Router) Pending() []PendingDirective {
	var out []PendingDirective
	r.do(func() {
		for id, p := range r.pending {
			out = append(out, PendingDirective{
				ID:        id,
				Kind:      string(p.env.Kind),
				SessionID: p.sessionID,
				Buffered:  p.sessionID == "",
				Created:   p.created,
				Deadline:  p.deadline,
			})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// do выполняет f в горутине роутера и ждёт. После остановки ничего не делает.
func (r *Router) do(f func()) {
	done := make(chan struct{})
	select {
	case r.cmds <- func() { f(); close(done) }:
	case <-r.stopped:
		return
	}
	select {
	case <-done:
	case <-r.stopped:
	}
}

// Run: цикл роутера. По отмене ctx корреляции и буфер очищаются.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	r.logger.Info("message router started", zap.String("no_agent_policy", r.opts.NoAgentPolicy))

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case f := <-r.cmds:
			f()
		case in := <-r.inbound:
			r.handle(in)
		case now := <-ticker.C:
			r.sweep(now)
		}
		if r.obs != nil {
			r.obs.SetPendingDirectives(len(r.pending))
		}
	}
}

func (r *Router) shutdown() {
	close(r.stopped)
	if n := len(r.pending); n > 0 {
		r.logger.Warn("router stopping with pending directives", zap.Int("pending", n), zap.Int("buffered", len(r.buffer)))
	}
	r.pending = make(map[string]*pendingEntry)
	r.buffer = nil
	r.held = make(map[string]protocol.Envelope)
	r.agent = nil
	if r.obs != nil {
		r.obs.SetPendingDirectives(0)
	}
	r.logger.Info("message router stopped")
}

func (r *Router) handle(in Inbound) {
	switch in.Source {
	case SourceAgent:
		r.handleUpstream(in)
	case SourceControlPlane:
		r.handleDownstream(in.Env)
	}
}

func (r *Router) handleUpstream(in Inbound) {
	env := in.Env
	// От сессии, которую уже вытеснили, ничего не принимаем
	if r.agent == nil || r.agent.sessionID != in.SessionID {
		r.logger.Warn("dropping envelope from non-authoritative session",
			zap.String("session_id", in.SessionID), zap.String("kind", string(env.Kind)))
		r.observe(SourceAgent, env.Kind, "stale_session")
		return
	}

	if env.ReplyTo != "" {
		if p, ok := r.pending[env.ReplyTo]; ok {
			switch env.Kind {
			case protocol.KindAck, protocol.KindError:
				delete(r.pending, env.ReplyTo)
			case protocol.KindDirectiveProgress:
				if prog, _ := env.Payload.(*protocol.DirectiveProgress); prog != nil && prog.Terminal() {
					delete(r.pending, env.ReplyTo)
				} else {
					p.deadline = time.Now().Add(r.opts.DirectiveTimeout)
				}
			}
		} else if env.Kind.Shared() || env.Kind == protocol.KindDirectiveProgress {
			r.logger.Debug("response to unknown or expired directive", zap.String("reply_to", env.ReplyTo))
		}
	}
	r.sendControl(env, SourceAgent)
}

func (r *Router) handleDownstream(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindRegistryUpdate:
		if u, ok := env.Payload.(*protocol.RegistryUpdate); ok && r.effects != nil {
			r.effects.ApplyRegistryUpdate(u)
		}
		// агенту для сведения, без корреляции
		r.deliver(env, false)
	case protocol.KindAdminDrain:
		r.applyDrain(env)
	default:
		r.deliver(env, env.Kind.IsDirective())
	}
}

// applyDrain: drain касается эндпоинтов этого узла; отвечает сам узел.
func (r *Router) applyDrain(env protocol.Envelope) {
	d, _ := env.Payload.(*protocol.AdminDrain)
	var err error
	if r.effects == nil || d == nil {
		err = errors.New("drain is not supported by this node")
	} else {
		err = r.effects.ApplyDrain(d)
	}
	if err != nil {
		r.sendControl(protocol.Reply(env, &protocol.ErrorPayload{Code: protocol.CodeDrainFailed, Message: err.Error()}), SourceControlPlane)
		r.observe(SourceControlPlane, env.Kind, "failed")
		return
	}
	r.sendControl(protocol.Reply(env, &protocol.Ack{Message: "drain applied"}), SourceControlPlane)
	r.observe(SourceControlPlane, env.Kind, "applied")
}

// deliver отдаёт envelope агенту; при correlate пишет в таблицу корреляции.
func (r *Router) deliver(env protocol.Envelope, correlate bool) {
	if r.agent == nil {
		r.noAgent(env, correlate)
		return
	}
	if err := r.agent.out.Enqueue(env); err != nil {
		r.logger.Warn("agent outbound rejected envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
		r.observe(SourceControlPlane, env.Kind, "queue_full")
		if correlate {
			r.failDirective(env, protocol.CodeQueueFull, "agent outbound queue full", true)
		}
		return
	}
	r.observe(SourceControlPlane, env.Kind, "forwarded")
	if correlate {
		now := time.Now()
		r.pending[env.ID] = &pendingEntry{env: env, sessionID: r.agent.sessionID, created: now, deadline: now.Add(r.opts.DirectiveTimeout)}
	}
}

func (r *Router) noAgent(env protocol.Envelope, correlate bool) {
	if r.opts.NoAgentPolicy == infra.NoAgentFail {
		r.observe(SourceControlPlane, env.Kind, "no_agent")
		if correlate {
			r.failDirective(env, protocol.CodeNoAgentConnected, ErrNoAgentConnected.Error(), true)
		}
		return
	}
	if len(r.buffer) >= r.opts.BufferDepth {
		r.logger.Warn("no-agent buffer full", zap.Int("depth", r.opts.BufferDepth), zap.String("kind", string(env.Kind)))
		r.observe(SourceControlPlane, env.Kind, "buffer_full")
		if correlate {
			r.failDirective(env, protocol.CodeNoAgentConnected, ErrNoAgentConnected.Error()+": buffer full", true)
		}
		return
	}
	r.buffer = append(r.buffer, env.ID)
	r.held[env.ID] = env
	r.observe(SourceControlPlane, env.Kind, "buffered")
	if correlate {
		now := time.Now()
		r.pending[env.ID] = &pendingEntry{env: env, created: now, deadline: now.Add(r.opts.DirectiveTimeout)}
	}
}

func (r *Router) flushBuffer() {
	ids := r.buffer
	r.buffer = nil
	for _, id := range ids {
		env, ok := r.held[id]
		delete(r.held, id)
		if !ok {
			continue // истекла, пока лежала в буфере
		}
		p, correlated := r.pending[id]
		if correlated {
			// не пересоздаём запись: дедлайн считается от получения
			delete(r.pending, id)
		}
		r.deliver(env, correlated)
		if correlated {
			if np, ok := r.pending[id]; ok {
				np.created = p.created
				np.deadline = p.deadline
			}
		}
	}
}

func (r *Router) sweep(now time.Time) {
	expiredHeld := false
	for id, p := range r.pending {
		if now.Before(p.deadline) {
			continue
		}
		delete(r.pending, id)
		if _, ok := r.held[id]; ok {
			delete(r.held, id)
			expiredHeld = true
		}
		r.logger.Warn("directive timed out",
			zap.String("directive_id", id),
			zap.String("kind", string(p.env.Kind)),
			zap.Duration("age", now.Sub(p.created)),
		)
		r.sendControl(protocol.Reply(p.env, &protocol.ErrorPayload{
			Code:      protocol.CodeDirectiveTimeout,
			Message:   fmt.Sprintf("%s: no response within %s", ErrDirectiveTimeout, r.opts.DirectiveTimeout),
			Retryable: true,
		}), SourceControlPlane)
		r.rec.Record(audit.Event{
			Component: "router",
			Type:      "directive.timeout",
			Status:    protocol.CodeDirectiveTimeout,
			Fields:    map[string]any{"directive_id": id, "kind": string(p.env.Kind)},
		})
	}
	if expiredHeld {
		r.compactBuffer()
	}
}

func (r *Router) compactBuffer() {
	kept := r.buffer[:0]
	for _, id := range r.buffer {
		if _, ok := r.held[id]; ok {
			kept = append(kept, id)
		}
	}
	r.buffer = kept
}

func (r *Router) failSession(sessionID, reason string) {
	for id, p := range r.pending {
		if p.sessionID != sessionID {
			continue
		}
		delete(r.pending, id)
		r.sendControl(protocol.Reply(p.env, &protocol.ErrorPayload{
			Code:      protocol.CodeAgentDisconnected,
			Message:   reason,
			Retryable: true,
		}), SourceControlPlane)
	}
}

// failDirective сразу отвечает control plane синтетической ошибкой.
func (r *Router) failDirective(env protocol.Envelope, code, msg string, retryable bool) {
	delete(r.pending, env.ID)
	r.sendControl(protocol.Reply(env, &protocol.ErrorPayload{Code: code, Message: msg, Retryable: retryable}), SourceControlPlane)
}

func (r *Router) sendControl(env protocol.Envelope, origin Source) {
	if r.control == nil {
		return
	}
	if err := r.control.Enqueue(env); err != nil {
		r.logger.Warn("control-plane outbound dropped envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
		r.observe(origin, env.Kind, "dropped")
		return
	}
	if origin == SourceAgent {
		r.observe(SourceAgent, env.Kind, "forwarded")
	}
}

func (r *Router) observe(source Source, kind protocol.Kind, result string) {
	if r.obs != nil {
		r.obs.ObserveRelay(string(source), string(kind), result)
	}
}
