package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qapish/labman/internal/audit"
	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/infra"
	"github.com/qapish/labman/internal/protocol"
	"github.com/qapish/labman/internal/relay"
	"github.com/qapish/labman/internal/tunnel"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var (
	ErrHandshakeRejected = errors.New("control plane rejected handshake")
	ErrTunnelDown        = errors.New("tunnel is down")
)

// State: состояние сессии с control plane.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StateObserver: метрика состояния сессии. backoff=true на каждом входе в Backoff.
type StateObserver interface {
	ObserveSessionState(state int, backoff bool)
}

// Submitter: куда уходят кадры от control plane (relay.Router).
type Submitter interface {
	Submit(in relay.Inbound) error
}

// Hello: первый кадр после подключения.
type Hello struct {
	Type         string              `json:"type"`
	NodeID       string              `json:"node_id"`
	SiteID       string              `json:"site_id,omitempty"`
	Token        string              `json:"token"`
	Version      string              `json:"version"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

// Welcome: ответ control plane на hello.
type Welcome struct {
	Type      string `json:"type"`
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

const (
	helloType   = "hello"
	welcomeType = "welcome"
)

type ControlOptions struct {
	URL              string
	NodeID           string
	SiteID           string
	Token            string
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	StableAfter      time.Duration
	TunnelPoll       time.Duration
	ReadLimit        int64
	Backoff          infra.BackoffConfig
	Rand             *rand.Rand
	// HTTPClient для dial. По умолчанию клиент, привязанный к адресу туннеля.
	HTTPClient    *http.Client
	OnStateChange func(from, to State)
}

// ControlStatus: снимок для админки.
type ControlStatus struct {
	State          State     `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	Failures       int       `json:"consecutive_failures"` // в Connected всегда 0
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Queued         int       `json:"queued"`
	Dropped        int64     `json:"dropped"`
}

// CapabilitiesFunc отдаёт актуальный снимок реестра для hello.
type CapabilitiesFunc func() domain.Capabilities

// ControlClient держит одну исходящую сессию с control plane и переподключается с backoff.
type ControlClient struct {
	opts    ControlOptions
	tunnel  tunnel.Status
	outbox  *Outbox
	sink    Submitter
	caps    CapabilitiesFunc
	obs     StateObserver
	rec     audit.Recorder
	logger  *zap.Logger
	backoff *Backoff

	state atomic.Int32

	mu             sync.Mutex
	sessionID      string
	connectedSince time.Time
	lastErr        string
	failures       int

	// кадр, который не удалось записать в прошлую сессию; только из writeLoop
	unsent *protocol.Envelope
}

func NewControlClient(opts ControlOptions, status tunnel.Status, outbox *Outbox, sink Submitter, caps CapabilitiesFunc, obs StateObserver, rec audit.Recorder, logger *zap.Logger) *ControlClient {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.TunnelPoll <= 0 {
		opts.TunnelPoll = time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 << 20
	}
	if caps == nil {
		caps = func() domain.Capabilities { return domain.Capabilities{} }
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &ControlClient{
		opts:    opts,
		tunnel:  status,
		outbox:  outbox,
		sink:    sink,
		caps:    caps,
		obs:     obs,
		rec:     rec,
		logger:  logger.Named("control-session"),
		backoff: NewBackoff(opts.Backoff, opts.Rand),
	}
}

func (c *ControlClient) State() State { return State(c.state.Load()) }

func (c *ControlClient) Connected() bool { return c.State() == StateConnected }

func (c *ControlClient) Status() ControlStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.State()
	failures := c.failures
	if state == StateConnected {
		failures = 0
	}
	return ControlStatus{
		State:          state,
		SessionID:      c.sessionID,
		Failures:       failures,
		ConnectedSince: c.connectedSince,
		LastError:      c.lastErr,
		Queued:         c.outbox.Len(),
		Dropped:        c.outbox.Dropped(),
	}
}

func (c *ControlClient) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.logger.Info("control-plane session state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if c.obs != nil {
		c.obs.ObserveSessionState(int(to), to == StateBackoff)
	}
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(from, to)
	}
}

// Run: цикл переподключения. Возвращается по отмене ctx в состоянии Disconnected.
func (c *ControlClient) Run(ctx context.Context) {
	defer c.setState(StateDisconnected)
	if c.opts.URL == "" {
		c.logger.Warn("control_plane.url is empty, control-plane session disabled")
		<-ctx.Done()
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if !c.tunnel.Up() {
			c.setState(StateDisconnected)
			if !sleepCtx(ctx, c.opts.TunnelPoll) {
				return
			}
			continue
		}

		connectedFor, err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := c.nextDelay(connectedFor)
		c.mu.Lock()
		c.sessionID = ""
		c.connectedSince = time.Time{}
		c.lastErr = errString(err)
		c.failures = c.backoff.Failures()
		c.mu.Unlock()

		c.setState(StateBackoff)
		c.logger.Warn("control-plane session failed",
			zap.Error(err),
			zap.Int("consecutive_failures", c.backoff.Failures()),
			zap.Duration("retry_in", delay),
		)
		c.rec.Record(audit.Event{
			Component: "control-session",
			Type:      "session.failed",
			Error:     errString(err),
			Duration:  connectedFor,
			Fields:    map[string]any{"retry_in_ms": delay.Milliseconds(), "failures": c.backoff.Failures()},
		})
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// nextDelay: счётчик ошибок сбрасывается, только если сессия продержалась StableAfter.
func (c *ControlClient) nextDelay(connectedFor time.Duration) time.Duration {
	if c.opts.StableAfter > 0 && connectedFor >= c.opts.StableAfter {
		c.backoff.Reset()
	}
	return c.backoff.Next()
}

// connectOnce проходит Connecting -> Authenticating -> Connected и держит сессию до ошибки.
// Возвращает, сколько сессия пробыла в Connected.
func (c *ControlClient) connectOnce(ctx context.Context) (time.Duration, error) {
	c.setState(StateConnecting)
	target, err := sessionURL(c.opts.URL)
	if err != nil {
		return 0, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	ws, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: c.httpClient(),
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.opts.Token}},
	})
	cancel()
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", target, err)
	}
	ws.SetReadLimit(c.opts.ReadLimit)

	c.setState(StateAuthenticating)
	welcome, err := c.handshake(ctx, ws)
	if err != nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return 0, err
	}

	since := time.Now()
	c.mu.Lock()
	c.sessionID = welcome.SessionID
	c.connectedSince = since
	c.lastErr = ""
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("control-plane session established", zap.String("session_id", welcome.SessionID))
	c.rec.Record(audit.Event{
		Component: "control-session",
		Type:      "session.established",
		Fields:    map[string]any{"session_id": welcome.SessionID},
	})

	err = c.serve(ctx, ws, welcome.SessionID)
	return time.Since(since), err
}

func (c *ControlClient) handshake(ctx context.Context, ws *websocket.Conn) (Welcome, error) {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	hello := Hello{
		Type:         helloType,
		NodeID:       c.opts.NodeID,
		SiteID:       c.opts.SiteID,
		Token:        c.opts.Token,
		Version:      infra.Version,
		Capabilities: c.caps(),
	}
	if err := wsjson.Write(hctx, ws, hello); err != nil {
		return Welcome{}, fmt.Errorf("send hello: %w", err)
	}
	var w Welcome
	if err := wsjson.Read(hctx, ws, &w); err != nil {
		return Welcome{}, fmt.Errorf("read welcome: %w", err)
	}
	if w.Type != welcomeType {
		return Welcome{}, fmt.Errorf("%w: unexpected frame type %q", ErrHandshakeRejected, w.Type)
	}
	if !w.Accepted {
		return Welcome{}, fmt.Errorf("%w: %s", ErrHandshakeRejected, w.Message)
	}
	return w, nil
}

// serve крутит чтение, запись и keepalive, пока одно из них не упадёт.
func (c *ControlClient) serve(ctx context.Context, ws *websocket.Conn, sessionID string) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	go func() { errc <- c.readLoop(sctx, ws, sessionID) }()
	go func() { errc <- c.writeLoop(sctx, ws) }()
	go func() { errc <- c.keepalive(sctx, ws) }()

	err := <-errc
	cancel()
	if ctx.Err() != nil {
		_ = ws.Close(websocket.StatusGoingAway, "node shutting down")
	} else {
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}
	<-errc
	<-errc
	return err
}

func (c *ControlClient) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env protocol.Envelope
		if typ != websocket.MessageText {
			err = fmt.Errorf("%w: binary frames are not supported", protocol.ErrMalformedEnvelope)
		} else {
			env, err = protocol.Decode(data)
		}
		if err != nil {
			c.logger.Warn("rejecting malformed envelope from control plane", zap.Error(err))
			c.rejected(protocol.Reject(data, protocol.Downstream, err), err)
			continue
		}

		err = c.sink.Submit(relay.Inbound{Source: relay.SourceControlPlane, SessionID: sessionID, Env: env})
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrWrongDirection):
			c.logger.Warn("control plane sent envelope in wrong direction", zap.String("kind", string(env.Kind)))
			c.rejected(errorReply(env, protocol.CodeWrongDirection, err, false), err)
		case errors.Is(err, relay.ErrQueueFull):
			_ = c.outbox.Enqueue(errorReply(env, protocol.CodeQueueFull, err, true))
		case errors.Is(err, relay.ErrRouterStopped):
			return err
		default:
			c.logger.Warn("router rejected envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
		}
	}
}

func (c *ControlClient) rejected(reply protocol.Envelope, err error) {
	c.rec.Record(audit.Event{
		Component: "control-session",
		Type:      "protocol.violation",
		Status:    reply.Payload.(*protocol.ErrorPayload).Code,
		Error:     err.Error(),
	})
	_ = c.outbox.Enqueue(reply)
}

func (c *ControlClient) writeLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var env protocol.Envelope
		if c.unsent != nil {
			env = *c.unsent
			c.unsent = nil
		} else {
			select {
			case <-ctx.Done():
				return nil
			case env = <-c.outbox.ch:
			}
		}

		data, err := protocol.Encode(env)
		if err != nil {
			c.logger.Error("dropping unencodable envelope", zap.String("kind", string(env.Kind)), zap.Error(err))
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			// повторим в следующей сессии
			c.unsent = &env
			return fmt.Errorf("write: %w", err)
		}
	}
}

func (c *ControlClient) keepalive(ctx context.Context, ws *websocket.Conn) error {
	if c.opts.PingInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !c.tunnel.Up() {
				return ErrTunnelDown
			}
			pctx, cancel := context.WithTimeout(ctx, c.opts.PingInterval)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// httpClient привязывает исходящие соединения к адресу узла внутри туннеля.
func (c *ControlClient) httpClient() *http.Client {
	if c.opts.HTTPClient != nil {
		return c.opts.HTTPClient
	}
	d := &net.Dialer{Timeout: c.opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	if ip := net.ParseIP(c.tunnel.Address()); ip != nil {
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return &http.Client{Transport: &http.Transport{
		DialContext:         d.DialContext,
		TLSHandshakeTimeout: c.opts.ConnectTimeout,
	}}
}

// sessionURL дописывает стандартный путь, если в url его нет.
func sessionURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("control plane url: %w", err)
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = infra.ControlPlanePath
	}
	return u.String(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
