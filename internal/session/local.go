package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/qapish/labman/internal/audit"
	"github.com/qapish/labman/internal/infra"
	"github.com/qapish/labman/internal/protocol"
	"github.com/qapish/labman/internal/relay"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrNotLoopback   = errors.New("address is not loopback")
	ErrSessionClosed = errors.New("session closed")
)

const writeTimeout = 5 * time.Second

// Router: то, что сессиям нужно от relay.Router.
type Router interface {
	Submit(in relay.Inbound) error
	AgentAttached(sessionID, agentID string, out relay.Outbound)
	AgentDetached(sessionID string)
}

type LocalOptions struct {
	ListenAddr        string
	SiteID            string
	RegistrationGrace time.Duration
	OffenseThreshold  int
	OutboundBuffer    int
	ReadLimit         int64
}

// SessionInfo: снимок локальной сессии для админки.
type SessionInfo struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id,omitempty"`
	Remote        string    `json:"remote"`
	ConnectedAt   time.Time `json:"connected_at"`
	RegisteredAt  time.Time `json:"registered_at,omitempty"`
	Authoritative bool      `json:"authoritative"`
	Offenses      int       `json:"offenses"`
}

type agentConn struct {
	id          string
	remote      string
	ws          *websocket.Conn
	sendCh      chan protocol.Envelope
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
	logger      *zap.Logger

	mu           sync.Mutex
	agentID      string
	registeredAt time.Time
	offenses     int
}

// Enqueue реализует relay.Outbound. Не блокирует: при переполнении кадр теряется.
func (c *agentConn) Enqueue(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	select {
	case c.sendCh <- env:
		return nil
	default:
		c.logger.Warn("agent outbound queue full, dropping envelope",
			zap.String("kind", string(env.Kind)), zap.String("envelope_id", env.ID))
		return relay.ErrOutboundQueueFull
	}
}

func (c *agentConn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}

func (c *agentConn) write(env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		c.logger.Error("dropping unencodable envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *agentConn) agent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *agentConn) offend() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offenses++
	return c.offenses
}

// LocalServer: loopback WebSocket для локального агента. Авторитетна одна сессия.
type LocalServer struct {
	opts   LocalOptions
	router Router
	rec    audit.Recorder
	logger *zap.Logger

	mu      sync.Mutex
	current *agentConn
	conns   map[string]*agentConn
	closed  bool
	wg      sync.WaitGroup

	httpSrv  *http.Server
	listener net.Listener
}

// NewLocalServer отказывается от любого адреса, кроме loopback.
func NewLocalServer(opts LocalOptions, router Router, rec audit.Recorder, logger *zap.Logger) (*LocalServer, error) {
	if !infra.IsLoopbackAddr(opts.ListenAddr) {
		return nil, fmt.Errorf("%w: %q", ErrNotLoopback, opts.ListenAddr)
	}
	if opts.RegistrationGrace <= 0 {
		opts.RegistrationGrace = 5 * time.Second
	}
	if opts.OffenseThreshold < 1 {
		opts.OffenseThreshold = 5
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 128
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &LocalServer{
		opts:   opts,
		router: router,
		rec:    rec,
		logger: logger.Named("local-session"),
		conns:  make(map[string]*agentConn),
	}, nil
}

func (s *LocalServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(infra.AgentSessionPath, s.handleUpgrade)
	return r
}

// Listen занимает адрес. Отдельно от Serve, чтобы ошибка bind всплыла при старте.
func (s *LocalServer) Listen() error {
	lis, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("agent listener: %w", err)
	}
	s.listener = lis
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("agent session server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr: фактический адрес после Listen.
func (s *LocalServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve блокирует до Shutdown.
func (s *LocalServer) Serve() error {
	if s.httpSrv == nil {
		return errors.New("agent server: Listen was not called")
	}
	if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("agent server: %w", err)
	}
	return nil
}

// Shutdown перестаёт принимать соединения, закрывает текущие и ждёт их обработчики.
func (s *LocalServer) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	s.closed = true
	conns := make([]*agentConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		go c.close(websocket.StatusGoingAway, "daemon shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, fmt.Errorf("agent sessions did not close: %w", ctx.Err()))
	}
	return err
}

// Sessions: снимок всех открытых соединений, по времени подключения.
func (s *LocalServer) Sessions() []SessionInfo {
	s.mu.Lock()
	current := s.current
	conns := make([]*agentConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(conns))
	for _, c := range conns {
		c.mu.Lock()
		out = append(out, SessionInfo{
			ID:            c.id,
			AgentID:       c.agentID,
			Remote:        c.remote,
			ConnectedAt:   c.connectedAt,
			RegisteredAt:  c.registeredAt,
			Authoritative: c == current,
			Offenses:      c.offenses,
		})
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (s *LocalServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Слушаем loopback, но адрес пира проверяем всё равно
	if !infra.IsLoopbackAddr(r.RemoteAddr) {
		s.logger.Warn("rejecting non-loopback agent connection", zap.String("remote", r.RemoteAddr))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	id := uuid.NewString()
	c := &agentConn{
		id:          id,
		remote:      r.RemoteAddr,
		ws:          ws,
		sendCh:      make(chan protocol.Envelope, s.opts.OutboundBuffer),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		logger:      s.logger.With(zap.String("session_id", id)),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close(websocket.StatusGoingAway, "daemon shutting down")
		return
	}
	s.conns[id] = c
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	c.logger.Info("agent connected", zap.String("remote", c.remote))

	grace := time.AfterFunc(s.opts.RegistrationGrace, func() {
		if c.agent() != "" {
			return
		}
		c.logger.Warn("agent did not register in time", zap.Duration("grace", s.opts.RegistrationGrace))
		s.rec.Record(audit.Event{
			Component: "local-session",
			Type:      "agent.registration_timeout",
			Fields:    map[string]any{"session_id": c.id, "remote": c.remote},
		})
		c.close(websocket.StatusPolicyViolation, "registration timeout")
	})

	go s.writeLoop(c)
	s.readLoop(r.Context(), c)

	grace.Stop()
	c.close(websocket.StatusNormalClosure, "")
	s.detach(c)
}

func (s *LocalServer) detach(c *agentConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	if s.current == c {
		s.current = nil
	}
	s.mu.Unlock()

	agentID := c.agent()
	if agentID != "" {
		s.router.AgentDetached(c.id)
		s.rec.Record(audit.Event{
			Component: "local-session",
			Type:      "agent.detached",
			Fields:    map[string]any{"session_id": c.id, "agent_id": agentID},
		})
	}
	c.logger.Info("agent disconnected", zap.String("agent_id", agentID))
}

func (s *LocalServer) readLoop(ctx context.Context, c *agentConn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			select {
			case <-c.done:
			default:
				if st := websocket.CloseStatus(err); st != websocket.StatusNormalClosure && st != websocket.StatusGoingAway {
					c.logger.Debug("agent read failed", zap.Error(err))
				}
			}
			return
		}

		var env protocol.Envelope
		if typ != websocket.MessageText {
			err = fmt.Errorf("%w: binary frames are not supported", protocol.ErrMalformedEnvelope)
		} else {
			env, err = protocol.Decode(data)
		}
		if err != nil {
			if s.violation(c, protocol.Reject(data, protocol.Upstream, err), err) {
				return
			}
			continue
		}
		if s.handleEnvelope(c, env) {
			return
		}
	}
}

// handleEnvelope возвращает true, если соединение закрыто.
func (s *LocalServer) handleEnvelope(c *agentConn, env protocol.Envelope) bool {
	agentID := c.agent()

	if env.Kind == protocol.KindAgentRegister {
		reg := env.Payload.(*protocol.AgentRegister)
		if env.AgentID != "" && env.AgentID != reg.AgentID {
			err := fmt.Errorf("agent_id %q does not match registration %q", env.AgentID, reg.AgentID)
			return s.violation(c, errorReply(env, protocol.CodeIdentityMismatch, err, false), err)
		}
		if agentID != "" && reg.AgentID != agentID {
			err := fmt.Errorf("session is registered as %q, got %q", agentID, reg.AgentID)
			return s.violation(c, errorReply(env, protocol.CodeIdentityMismatch, err, false), err)
		}
		if agentID == "" {
			agentID = reg.AgentID
			s.register(c, reg)
		}
	} else {
		if agentID == "" {
			err := fmt.Errorf("%s before agent.register", env.Kind)
			return s.violation(c, errorReply(env, protocol.CodeNotRegistered, err, false), err)
		}
		if env.AgentID != "" && env.AgentID != agentID {
			err := fmt.Errorf("agent_id %q differs from registered %q", env.AgentID, agentID)
			return s.violation(c, errorReply(env, protocol.CodeIdentityMismatch, err, false), err)
		}
	}

	env.AgentID = agentID
	if env.SiteID == "" {
		env.SiteID = s.opts.SiteID
	}

	err := s.router.Submit(relay.Inbound{Source: relay.SourceAgent, SessionID: c.id, Env: env})
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrWrongDirection):
		return s.violation(c, errorReply(env, protocol.CodeWrongDirection, err, false), err)
	case errors.Is(err, relay.ErrQueueFull):
		_ = c.Enqueue(errorReply(env, protocol.CodeQueueFull, err, true))
	default:
		c.logger.Warn("router rejected envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
	}
	return false
}

// register делает соединение авторитетным и вытесняет предыдущее.
func (s *LocalServer) register(c *agentConn, reg *protocol.AgentRegister) {
	c.mu.Lock()
	c.agentID = reg.AgentID
	c.registeredAt = time.Now()
	c.mu.Unlock()

	// AgentAttached под s.mu: роутер видит регистрации в том же порядке, что и s.current.
	// Роутер в LocalServer не вызывает, взаимоблокировки нет.
	s.mu.Lock()
	prev := s.current
	s.current = c
	s.router.AgentAttached(c.id, reg.AgentID, c)
	s.mu.Unlock()

	if prev != nil && prev != c {
		c.logger.Info("superseding previous agent session", zap.String("previous_session_id", prev.id))
		go prev.close(websocket.StatusGoingAway, "superseded by a newer session")
	}

	c.logger.Info("agent registered",
		zap.String("agent_id", reg.AgentID),
		zap.String("version", reg.Version),
		zap.String("hostname", reg.Hostname),
	)
	s.rec.Record(audit.Event{
		Component: "local-session",
		Type:      "agent.registered",
		Fields:    map[string]any{"session_id": c.id, "agent_id": reg.AgentID, "version": reg.Version},
	})
}

// violation отвечает типизированной ошибкой и считает нарушение.
// true: порог превышен и соединение закрыто.
func (s *LocalServer) violation(c *agentConn, reply protocol.Envelope, err error) bool {
	n := c.offend()
	code := reply.Payload.(*protocol.ErrorPayload).Code
	c.logger.Warn("agent protocol violation", zap.String("code", code), zap.Int("offenses", n), zap.Error(err))
	s.rec.Record(audit.Event{
		Component: "local-session",
		Type:      "protocol.violation",
		Status:    code,
		Error:     err.Error(),
		Fields:    map[string]any{"session_id": c.id, "offenses": n},
	})

	if n < s.opts.OffenseThreshold {
		_ = c.Enqueue(reply)
		return false
	}
	// Последний ответ пишем сами: writeLoop завершится вместе с соединением
	if werr := c.write(reply); werr != nil {
		c.logger.Debug("failed to write final error", zap.Error(werr))
	}
	c.logger.Warn("closing agent session after repeated violations", zap.Int("threshold", s.opts.OffenseThreshold))
	c.close(websocket.StatusPolicyViolation, "too many protocol violations")
	return true
}

func (s *LocalServer) writeLoop(c *agentConn) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.sendCh:
			if err := c.write(env); err != nil {
				c.logger.Debug("agent write failed", zap.Error(err))
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func errorReply(to protocol.Envelope, code string, err error, retryable bool) protocol.Envelope {
	return protocol.Reply(to, &protocol.ErrorPayload{Code: code, Message: err.Error(), Retryable: retryable})
}
