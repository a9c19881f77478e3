package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/relay"
	"github.com/qapish/labman/internal/session"
	"go.uber.org/zap"
)

// EndpointRegistry: то, что админке нужно от реестра.
type EndpointRegistry interface {
	Snapshot() []domain.EndpointStatus
	Capabilities() domain.Capabilities
	SetDraining(name string, draining bool) error
	AnyHealthy() bool
}

type SlugLister interface {
	All() map[string]domain.SlugTarget
}

type SessionLister interface {
	Sessions() []session.SessionInfo
}

type ControlStatus interface {
	Status() session.ControlStatus
}

type DirectiveLister interface {
	Pending() []relay.PendingDirective
}

// Deps: всё, что показывает админка. Nil-поля отключают соответствующие роуты.
type Deps struct {
	Registry   EndpointRegistry
	Slugs      SlugLister
	Sessions   SessionLister
	Control    ControlStatus
	Directives DirectiveLister
	NodeState  func() domain.NodeState
	Gatherer   prometheus.Gatherer
}

// Server: loopback HTTP для оператора (состояние, drain, метрики).
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	deps   Deps
}

func NewServer(deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.Named("admin-api"),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if s.deps.Registry != nil {
			r.Get("/capabilities", s.capabilities)
			r.Route("/endpoints", func(r chi.Router) {
				r.Get("/", s.listEndpoints)
				r.Route("/{name}", func(r chi.Router) {
					r.Post("/drain", s.setDraining(true))
					r.Post("/undrain", s.setDraining(false))
				})
			})
		}
		if s.deps.Slugs != nil {
			r.Get("/slugs", s.listSlugs)
		}
		if s.deps.Sessions != nil {
			r.Get("/sessions", s.listSessions)
		}
		if s.deps.Control != nil {
			r.Get("/control", s.controlStatus)
		}
		if s.deps.Directives != nil {
			r.Get("/directives", s.listDirectives)
		}
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
