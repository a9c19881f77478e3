package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/relay"
	"go.uber.org/zap"
)

type healthResponse struct {
	Status       string           `json:"status"`
	Node         domain.NodeState `json:"node,omitempty"`
	AnyHealthy   bool             `json:"any_endpoint_healthy"`
	ControlPlane string           `json:"control_plane,omitempty"`
}

type slugEntry struct {
	Slug string `json:"slug"`
	domain.SlugTarget
}

func (s *Server) healthBody() healthResponse {
	resp := healthResponse{Status: "ok"}
	if s.deps.NodeState != nil {
		resp.Node = s.deps.NodeState()
	}
	if s.deps.Registry != nil {
		resp.AnyHealthy = s.deps.Registry.AnyHealthy()
	}
	if s.deps.Control != nil {
		resp.ControlPlane = s.deps.Control.Status().State.String()
	}
	return resp
}

// health отвечает на liveness: процесс жив и отвечает.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.healthBody())
}

// ready сообщает, готов ли узел принимать трафик: есть здоровый эндпоинт и нет drain.
func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	resp := s.healthBody()
	status := http.StatusOK
	switch {
	case resp.Node == domain.NodeDraining || resp.Node == domain.NodeStopping:
		resp.Status = string(resp.Node)
		status = http.StatusServiceUnavailable
	case s.deps.Registry != nil && !resp.AnyHealthy:
		resp.Status = "no_healthy_endpoints"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) capabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Capabilities())
}

func (s *Server) listEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

func (s *Server) setDraining(draining bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.deps.Registry.SetDraining(name, draining); err != nil {
			if errors.Is(err, domain.ErrEndpointUnknown) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
				return
			}
			s.logger.Error("failed to change drain state", zap.String("endpoint", name), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		s.logger.Info("endpoint drain changed by operator", zap.String("endpoint", name), zap.Bool("draining", draining))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) listSlugs(w http.ResponseWriter, _ *http.Request) {
	all := s.deps.Slugs.All()
	out := make([]slugEntry, 0, len(all))
	for slug, t := range all {
		out = append(out, slugEntry{Slug: slug, SlugTarget: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Sessions())
}

func (s *Server) controlStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Control.Status())
}

func (s *Server) listDirectives(w http.ResponseWriter, _ *http.Request) {
	pending := s.deps.Directives.Pending()
	if pending == nil {
		pending = []relay.PendingDirective{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
