package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/qapish/labman/internal/admin"
	"github.com/qapish/labman/internal/audit"
	"github.com/qapish/labman/internal/discovery"
	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/engine"
	"github.com/qapish/labman/internal/infra"
	"github.com/qapish/labman/internal/infra/auth"
	"github.com/qapish/labman/internal/registry"
	"github.com/qapish/labman/internal/relay"
	"github.com/qapish/labman/internal/session"
	"github.com/qapish/labman/internal/tunnel"
)

// Phase: стадия жизненного цикла демона.
type Phase string

const (
	PhaseStarting        Phase = "starting"
	PhaseRunning         Phase = "running"
	PhaseDraining        Phase = "draining"
	PhaseClosingSessions Phase = "closing_sessions"
	PhaseStoppingLoops   Phase = "stopping_loops"
	PhaseStopped         Phase = "stopped"
)

// sessionCloseTimeout: сколько ждать закрытия агентских сессий и клиента control plane.
const sessionCloseTimeout = 5 * time.Second

type Options struct {
	// Tunnel подменяется в тестах; по умолчанию монитор интерфейса из конфига.
	Tunnel tunnel.Status
	// Exporter журнала; по умолчанию пишет события в лог.
	Exporter audit.Exporter
	// OnPhase вызывается на каждой смене стадии, синхронно.
	OnPhase func(Phase)
}

// Daemon собирает все компоненты узла и управляет их запуском и остановкой.
type Daemon struct {
	cfg    *infra.Config
	opts   Options
	logger *zap.Logger

	promReg   *prometheus.Registry
	metrics   *engine.Metrics
	journal   *audit.Journal
	registry  *registry.Registry
	slugs     *registry.SlugTable
	outbox    *session.Outbox
	router    *relay.Router
	local     *session.LocalServer
	control   *session.ControlClient
	discovery *discovery.Loop
	health    *engine.HealthReporter

	proxySrv *http.Server
	adminSrv *http.Server
	proxyLis net.Listener
	adminLis net.Listener
	grpcLis  net.Listener

	phaseMu sync.Mutex
	phase   Phase

	loopsCancel   context.CancelFunc
	controlCancel context.CancelFunc
	loopsWG       sync.WaitGroup
	controlDone   chan struct{}
	serveErr      chan error
}

// New строит граф зависимостей. Ничего не слушает и не запускает.
func New(cfg *infra.Config, opts Options, logger *zap.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		phase:    PhaseStarting,
		serveErr: make(chan error, 4),
	}

	d.promReg = prometheus.NewRegistry()
	d.metrics = engine.NewMetrics(d.promReg)

	exporter := opts.Exporter
	if exporter == nil {
		exporter = audit.NewLogExporter(logger)
	}
	d.journal = audit.NewJournal(exporter, audit.Options{
		BufferSize:    cfg.Journal.BufferSize,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
		BufferFill:    d.metrics.JournalBufferFill,
	}, logger)

	d.registry = registry.New(nil)
	for _, ep := range cfg.Endpoints {
		if err := d.registry.Register(ep); err != nil {
			return nil, fmt.Errorf("register endpoint %q: %w", ep.Name, err)
		}
	}

	d.slugs = registry.NewSlugTable()
	if len(cfg.Slugs) > 0 {
		seeds := make(map[string]domain.SlugTarget, len(cfg.Slugs))
		for _, s := range cfg.Slugs {
			tenant := s.Tenant
			if tenant == "" {
				tenant = cfg.Node.Tenant
			}
			seeds[s.Slug] = domain.SlugTarget{Tenant: tenant, Endpoint: s.Endpoint, Model: s.Model}
		}
		d.slugs.Upsert(seeds)
	}

	d.discovery = discovery.NewLoop(d.registry, discovery.Options{
		Interval: cfg.Discovery.Interval,
		Timeout:  cfg.Discovery.Timeout,
		Observer: d.metrics,
		OnPass:   d.publishOffers,
	}, d.journal, logger)

	proxy, err := d.buildProxy()
	if err != nil {
		return nil, err
	}
	d.proxySrv = &http.Server{
		Addr:              cfg.Proxy.Addr(),
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.outbox = session.NewOutbox(cfg.ControlPlane.OutboundBuffer, logger)
	d.router = relay.NewRouter(d.outbox, &relay.RegistryEffects{
		Slugs:   d.slugs,
		Drainer: d.registry,
		Logger:  logger.Named("effects"),
	}, relay.Options{
		DirectiveTimeout: cfg.Router.DirectiveTimeout,
		SweepInterval:    cfg.Router.SweepInterval,
		QueueSize:        cfg.Router.InboundQueue,
		NoAgentPolicy:    cfg.Router.NoAgentPolicy,
		BufferDepth:      cfg.Router.BufferDepth,
	}, d.metrics, d.journal, logger)

	d.local, err = session.NewLocalServer(session.LocalOptions{
		ListenAddr:        cfg.Agent.ListenAddr,
		SiteID:            cfg.Node.SiteID,
		RegistrationGrace: cfg.Agent.RegistrationGrace,
		OffenseThreshold:  cfg.Agent.OffenseThreshold,
		OutboundBuffer:    cfg.Agent.OutboundBuffer,
	}, d.router, d.journal, logger)
	if err != nil {
		return nil, err
	}

	tun := opts.Tunnel
	if tun == nil {
		tun = tunnel.NewMonitor(cfg.Tunnel, nil)
	}
	d.control = session.NewControlClient(session.ControlOptions{
		URL:              cfg.ControlPlane.URL,
		NodeID:           cfg.Node.ID,
		SiteID:           cfg.Node.SiteID,
		Token:            cfg.ControlPlane.NodeToken,
		ConnectTimeout:   cfg.ControlPlane.ConnectTimeout,
		HandshakeTimeout: cfg.ControlPlane.HandshakeTimeout,
		PingInterval:     cfg.ControlPlane.PingInterval,
		StableAfter:      cfg.ControlPlane.StableAfter,
		Backoff:          cfg.ControlPlane.Backoff,
	}, tun, d.outbox, d.router, d.registry.Capabilities, d.metrics, d.journal, logger)

	if cfg.Admin.ListenAddr != "" {
		d.adminSrv = &http.Server{
			Addr: cfg.Admin.ListenAddr,
			Handler: admin.NewServer(admin.Deps{
				Registry:   d.registry,
				Slugs:      d.slugs,
				Sessions:   d.local,
				Control:    d.control,
				Directives: d.router,
				NodeState:  d.NodeState,
				Gatherer:   d.promReg,
			}, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	if cfg.Admin.GRPCAddr != "" {
		d.health = engine.NewHealthReporter(0, logger)
		d.health.Register(infra.HealthServiceProxy, d.registry.AnyHealthy)
		d.health.Register(infra.HealthServiceControlPlane, d.control.Connected)
	}

	return d, nil
}

// buildProxy собирает цепочку: RateLimit -> Auth -> Gateway.
func (d *Daemon) buildProxy() (http.Handler, error) {
	var mws []func(http.Handler) http.Handler
	if d.cfg.Proxy.RateLimit > 0 {
		mws = append(mws, engine.RateLimitMiddleware(d.cfg.Proxy.RateLimit, d.cfg.Proxy.RateBurst, d.metrics, d.logger))
	}
	if len(d.cfg.Proxy.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(d.cfg.Proxy.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("proxy public key: %w", err)
		}
		mws = append(mws, auth.NewMiddleware(auth.NewValidator(key), d.logger))
	}

	gw := engine.NewGateway(d.slugs, d.registry,
		engine.NewBreakers(d.cfg.Breaker, d.metrics, d.logger),
		d.metrics, d.journal, d.logger,
		engine.Options{
			MaxBodyBytes:          d.cfg.Proxy.MaxBodyBytes,
			ResponseHeaderTimeout: d.cfg.Proxy.ResponseHeaderTimeout,
		})
	return gw.Routes(mws...), nil
}

// publishOffers кладёт вычисленные slug'и доступных моделей в таблицу.
// Только добавление: пропавший из оффера slug продолжает резолвиться,
// и прокси ответит 503/404 по состоянию эндпоинта, а не "slug неизвестен".
func (d *Daemon) publishOffers() {
	offers := d.registry.Offers(d.cfg.Node.Tenant)
	if len(offers) == 0 {
		return
	}
	entries := make(map[string]domain.SlugTarget, len(offers))
	for _, o := range offers {
		entries[o.Slug] = domain.SlugTarget{Tenant: o.Tenant, Endpoint: o.Endpoint, Model: o.Model}
	}
	d.slugs.Upsert(entries)
	d.logger.Debug("offers published", zap.Int("slugs", len(entries)), zap.Int("table", d.slugs.Len()))
}

func (d *Daemon) setPhase(p Phase) {
	d.phaseMu.Lock()
	d.phase = p
	d.phaseMu.Unlock()

	d.logger.Info("daemon phase changed", zap.String("phase", string(p)))
	d.journal.Record(audit.Event{Component: "daemon", Type: "daemon.phase", Status: string(p)})
	if d.opts.OnPhase != nil {
		d.opts.OnPhase(p)
	}
}

func (d *Daemon) Phase() Phase {
	d.phaseMu.Lock()
	defer d.phaseMu.Unlock()
	return d.phase
}

// NodeState для админки складывается из стадии и здоровья эндпоинтов.
func (d *Daemon) NodeState() domain.NodeState {
	switch d.Phase() {
	case PhaseStarting:
		return domain.NodeStarting
	case PhaseRunning:
		if !d.registry.AnyHealthy() {
			return domain.NodeDegraded
		}
		return domain.NodeRunning
	case PhaseDraining:
		return domain.NodeDraining
	default:
		return domain.NodeStopping
	}
}

// ProxyAddr и AdminAddr: фактические адреса после Start.
func (d *Daemon) ProxyAddr() string { return addrOf(d.proxyLis) }

func (d *Daemon) AdminAddr() string { return addrOf(d.adminLis) }

func (d *Daemon) AgentAddr() string { return d.local.Addr() }

func addrOf(l net.Listener) string {
	if l == nil {
		return ""
	}
	return l.Addr().String()
}

// Start занимает все адреса и запускает фоновые циклы.
// Ошибка bind возвращается сразу, уже занятые адреса освобождаются.
func (d *Daemon) Start() error {
	var err error
	if d.proxyLis, err = net.Listen("tcp", d.proxySrv.Addr); err != nil {
		return fmt.Errorf("proxy listener: %w", err)
	}
	if d.adminSrv != nil {
		if d.adminLis, err = net.Listen("tcp", d.adminSrv.Addr); err != nil {
			d.closeListeners()
			return fmt.Errorf("admin listener: %w", err)
		}
	}
	if d.health != nil {
		if d.grpcLis, err = net.Listen("tcp", d.cfg.Admin.GRPCAddr); err != nil {
			d.closeListeners()
			return fmt.Errorf("grpc health listener: %w", err)
		}
	}
	if err = d.local.Listen(); err != nil {
		d.closeListeners()
		return err
	}

	d.journal.Start()

	// Циклы живут на своём контексте: порядок остановки задаёт Shutdown, а не сигнал.
	loopsCtx, loopsCancel := context.WithCancel(context.Background())
	d.loopsCancel = loopsCancel
	d.goLoop(func() { d.router.Run(loopsCtx) })
	d.goLoop(func() { d.discovery.Run(loopsCtx) })
	if d.health != nil {
		d.goLoop(func() { d.health.Run(loopsCtx) })
		go d.serve("grpc health", func() error { return d.health.Serve(d.grpcLis) })
	}

	controlCtx, controlCancel := context.WithCancel(context.Background())
	d.controlCancel = controlCancel
	d.controlDone = make(chan struct{})
	go func() {
		defer close(d.controlDone)
		d.control.Run(controlCtx)
	}()

	go d.serve("proxy", func() error { return d.proxySrv.Serve(d.proxyLis) })
	if d.adminSrv != nil {
		go d.serve("admin", func() error { return d.adminSrv.Serve(d.adminLis) })
	}
	go d.serve("agent", d.local.Serve)

	d.logger.Info("labman started",
		zap.String("version", infra.Version),
		zap.String("node_id", d.cfg.Node.ID),
		zap.String("proxy", d.ProxyAddr()),
		zap.String("admin", d.AdminAddr()),
		zap.String("agent", d.AgentAddr()),
		zap.Int("endpoints", len(d.cfg.Endpoints)),
	)
	d.setPhase(PhaseRunning)
	return nil
}

func (d *Daemon) goLoop(f func()) {
	d.loopsWG.Add(1)
	go func() {
		defer d.loopsWG.Done()
		f()
	}()
}

func (d *Daemon) serve(name string, f func() error) {
	if err := f(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Error("server failed", zap.String("server", name), zap.Error(err))
		d.serveErr <- fmt.Errorf("%s: %w", name, err)
	}
}

func (d *Daemon) closeListeners() {
	for _, l := range []net.Listener{d.proxyLis, d.adminLis, d.grpcLis} {
		if l != nil {
			_ = l.Close()
		}
	}
}

// Run: Start, ожидание сигнала (отмена ctx) или падения сервера, затем Shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	case runErr = <-d.serveErr:
		d.logger.Error("shutting down after server failure", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Proxy.ShutdownGrace+2*sessionCloseTimeout)
	defer cancel()
	return errors.Join(runErr, d.Shutdown(shutdownCtx))
}

// Shutdown проходит стадии строго по порядку:
// Draining -> ClosingSessions -> StoppingLoops -> Stopped.
func (d *Daemon) Shutdown(ctx context.Context) error {
	var errs []error

	// 1. Прокси перестаёт принимать, текущие запросы (в т.ч. стримы) дорабатывают в пределах grace.
	d.setPhase(PhaseDraining)
	d.registry.DrainAll(true)
	grace := d.cfg.Proxy.ShutdownGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	drainCtx, cancelDrain := context.WithTimeout(ctx, grace)
	if err := d.proxySrv.Shutdown(drainCtx); err != nil {
		d.logger.Warn("proxy drain grace exceeded, closing in-flight requests", zap.Error(err))
		_ = d.proxySrv.Close()
	}
	cancelDrain()

	// 2. Агентские сессии и control plane.
	d.setPhase(PhaseClosingSessions)
	sessCtx, cancelSess := context.WithTimeout(ctx, sessionCloseTimeout)
	if err := d.local.Shutdown(sessCtx); err != nil {
		errs = append(errs, err)
	}
	if d.controlCancel != nil {
		d.controlCancel()
		select {
		case <-d.controlDone:
		case <-sessCtx.Done():
			errs = append(errs, fmt.Errorf("control session did not stop: %w", sessCtx.Err()))
		}
	}
	cancelSess()

	// 3. Фоновые циклы, админка, журнал последним, чтобы принять события остановки.
	d.setPhase(PhaseStoppingLoops)
	if d.loopsCancel != nil {
		d.loopsCancel()
	}
	d.loopsWG.Wait()
	if d.health != nil {
		d.health.Stop()
	}
	if d.adminSrv != nil {
		adminCtx, cancelAdmin := context.WithTimeout(ctx, sessionCloseTimeout)
		if err := d.adminSrv.Shutdown(adminCtx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
		cancelAdmin()
	}

	d.setPhase(PhaseStopped)
	d.journal.Stop()
	d.logger.Info("labman stopped")
	return errors.Join(errs...)
}
