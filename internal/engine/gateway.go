package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/qapish/labman/internal/audit"
	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/infra/auth"
	"github.com/qapish/labman/internal/registry"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// SlugResolver: внешне заданное отображение slug'ов. Для прокси только чтение.
type SlugResolver interface {
	Resolve(slug string) (domain.SlugTarget, bool)
	All() map[string]domain.SlugTarget
}

// EndpointRegistry: то, что прокси нужно от реестра.
type EndpointRegistry interface {
	Acquire(endpoint, model string) (*registry.Slot, error)
	Active(endpoint string) int
	ModelIndex() map[string][]string
}

type Options struct {
	MaxBodyBytes int64
	// ResponseHeaderTimeout: сколько ждать заголовков ответа эндпоинта.
	// Тело (стрим) этим не ограничено.
	ResponseHeaderTimeout time.Duration
	// Transport подменяется в тестах.
	Transport http.RoundTripper
}

// Gateway: OpenAI-совместимый прокси, slug -> (tenant, endpoint, model).
// Никаких повторов на другой эндпоинт: один запрос идёт не более чем на один эндпоинт.
type Gateway struct {
	slugs    SlugResolver
	reg      EndpointRegistry
	breakers *Breakers
	metrics  *Metrics
	rec      audit.Recorder
	logger   *zap.Logger
	client   *http.Client
	opts     Options
}

func NewGateway(slugs SlugResolver, reg EndpointRegistry, breakers *Breakers, metrics *Metrics, rec audit.Recorder, logger *zap.Logger, opts Options) *Gateway {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = 60 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
		// Сжатие отключаем: байты стрима должны уйти вызывающему как есть
		t.DisableCompression = true
		transport = t
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Gateway{
		slugs:    slugs,
		reg:      reg,
		breakers: breakers,
		metrics:  metrics,
		rec:      rec,
		logger:   logger.Named("proxy"),
		client:   &http.Client{Transport: transport},
		opts:     opts,
	}
}

// Routes собирает chi роутер. extra добавляет middleware защищённого периметра (auth, rate limit).
func (g *Gateway) Routes(extra ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		for _, mw := range extra {
			r.Use(mw)
		}
		r.Route("/v1", func(r chi.Router) {
			r.Get("/models", g.handleModels)
			r.Post("/chat/completions", g.handleCompletion("/chat/completions"))
			r.Post("/completions", g.handleCompletion("/completions"))
		})
	})
	return r
}

// handleModels отдаёт только маршрутизируемые slug'и: эндпоинт здоров и модель на нём есть.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	tenant, scoped := auth.TenantFromContext(r.Context())
	idx := g.reg.ModelIndex()

	data := make([]domain.ModelDescriptor, 0)
	for slug, t := range g.slugs.All() {
		if scoped && t.Tenant != tenant {
			continue
		}
		if !contains(idx[t.Model], t.Endpoint) {
			continue
		}
		data = append(data, domain.ModelDescriptor{ID: slug, Object: "model", OwnedBy: t.Tenant, Root: t.Model})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(domain.NewModelList(data))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var errUpstreamStatus = errors.New("upstream returned server error")

func (g *Gateway) handleCompletion(upstreamPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := extractTraceID(r.Context())
		log := g.logger.With(zap.String("trace_id", traceID), zap.String("path", upstreamPath))

		endpointLabel := "none"
		outcome := outcomeOK
		event := audit.Event{TraceID: traceID, Component: "proxy", Type: "request.completed", Fields: map[string]any{}}
		defer func() {
			g.metrics.TotalRequests.WithLabelValues(endpointLabel, outcome).Inc()
			g.metrics.RequestDuration.WithLabelValues(endpointLabel, outcome).Observe(time.Since(start).Seconds())
			if outcome != outcomeOK {
				g.metrics.ErrorTotal.WithLabelValues(outcome).Inc()
			}
			event.Status = outcome
			event.Duration = time.Since(start)
			g.rec.Record(event)
		}()

		// 1. Тело: неизвестные поля сохраняем как есть
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.opts.MaxBodyBytes))
		if err != nil {
			outcome = outcomeBadRequest
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large or unreadable", "invalid_request_error", "invalid_body")
			return
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			outcome = outcomeBadRequest
			writeError(w, http.StatusBadRequest, "request body must be a JSON object", "invalid_request_error", "invalid_json")
			return
		}
		var slug string
		if raw, ok := fields["model"]; !ok || json.Unmarshal(raw, &slug) != nil || slug == "" {
			outcome = outcomeBadRequest
			writeError(w, http.StatusBadRequest, "model is required", "invalid_request_error", "missing_model")
			return
		}
		var stream bool
		if raw, ok := fields["stream"]; ok {
			_ = json.Unmarshal(raw, &stream)
		}
		event.Fields["slug"] = slug
		event.Fields["stream"] = stream

		// 2. model строго непрозрачный slug, с локальными именами не сравниваем
		// slug чужого tenant'а для токена с tenant'ом не существует
		target, ok := g.slugs.Resolve(slug)
		if tenant, scoped := auth.TenantFromContext(r.Context()); ok && scoped && target.Tenant != tenant {
			ok = false
			log.Warn("slug belongs to another tenant", zap.String("slug", slug), zap.String("tenant", tenant))
		}
		if !ok {
			outcome = outcomeSlugNotFound
			writeError(w, http.StatusNotFound, fmt.Sprintf("The model `%s` does not exist", slug), "invalid_request_error", "model_not_found")
			return
		}
		endpointLabel = target.Endpoint
		event.Endpoint = target.Endpoint
		event.Model = target.Model
		event.Fields["tenant"] = target.Tenant

		// 3. Слот
		slot, err := g.reg.Acquire(target.Endpoint, target.Model)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrNoCapacity):
				outcome = outcomeNoCapacity
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusServiceUnavailable, "endpoint temporarily unavailable", "server_error", "no_capacity")
			default:
				// Эндпоинт или модель отсутствуют, это не временная ситуация
				outcome = outcomeSlugNotFound
				writeError(w, http.StatusNotFound, fmt.Sprintf("The model `%s` is not available on this node", slug), "invalid_request_error", "model_not_found")
			}
			event.Error = err.Error()
			return
		}
		defer func() {
			slot.Release()
			g.metrics.ActiveSlots.WithLabelValues(slot.Endpoint).Set(float64(g.reg.Active(slot.Endpoint)))
		}()
		g.metrics.ActiveSlots.WithLabelValues(slot.Endpoint).Set(float64(g.reg.Active(slot.Endpoint)))

		// 4. Подмена model на конкретный идентификатор
		fields["model"], _ = json.Marshal(target.Model)
		outBody, err := json.Marshal(fields)
		if err != nil {
			outcome = outcomeBadRequest
			writeError(w, http.StatusBadRequest, "cannot re-encode request", "invalid_request_error", "invalid_json")
			return
		}

		// 5. Апстрим живёт не дольше вызывающего: отмена клиента рвёт чтение стрима
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(slot.BaseURL, upstreamPath), bytes.NewReader(outBody))
		if err != nil {
			outcome = outcomeUpstreamError
			writeError(w, http.StatusBadGateway, "cannot build upstream request", "server_error", "upstream_error")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if accept := r.Header.Get("Accept"); accept != "" {
			req.Header.Set("Accept", accept)
		}
		req.Header.Set("X-Trace-ID", traceID)

		cbResult, err := g.breakers.For(slot.Endpoint).Execute(func() (interface{}, error) {
			resp, err := g.client.Do(req)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode >= 500 {
				// Ответ всё равно отдадим вызывающему, но для предохранителя это отказ
				return resp, errUpstreamStatus
			}
			return resp, nil
		})
		resp, _ := cbResult.(*http.Response)
		if err != nil && !errors.Is(err, errUpstreamStatus) {
			event.Error = err.Error()
			switch {
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				outcome = outcomeCircuitOpen
				w.Header().Set("Retry-After", "5")
				writeError(w, http.StatusServiceUnavailable, "endpoint circuit open", "server_error", "circuit_open")
			case r.Context().Err() != nil:
				outcome = outcomeCanceled
				log.Info("caller went away before upstream responded", zap.String("endpoint", slot.Endpoint))
			case isTimeout(err):
				outcome = outcomeUpstreamTimeout
				log.Warn("upstream timeout", zap.String("endpoint", slot.Endpoint), zap.Error(err))
				writeError(w, http.StatusGatewayTimeout, "upstream endpoint timed out", "server_error", "upstream_timeout")
			default:
				outcome = outcomeUpstreamError
				log.Warn("upstream error", zap.String("endpoint", slot.Endpoint), zap.Error(err))
				writeError(w, http.StatusBadGateway, "upstream endpoint unreachable", "server_error", "upstream_error")
			}
			return
		}
		defer resp.Body.Close()
		event.Fields["status_code"] = resp.StatusCode

		// 6. Ответ: стрим кусками с flush, без буферизации целиком
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)

		if stream || strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			if err := g.pipeStream(w, resp.Body); err != nil {
				event.Error = err.Error()
				if r.Context().Err() != nil {
					outcome = outcomeCanceled
					log.Info("caller disconnected mid-stream", zap.String("endpoint", slot.Endpoint))
				} else {
					outcome = outcomeUpstreamError
					log.Warn("stream interrupted", zap.String("endpoint", slot.Endpoint), zap.Error(err))
				}
			}
			return
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			event.Error = err.Error()
			outcome = outcomeUpstreamError
			if r.Context().Err() != nil {
				outcome = outcomeCanceled
			}
		}
	}
}

// pipeStream копирует тело по мере поступления и сразу флашит.
func (g *Gateway) pipeStream(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("write to caller: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read upstream: %w", readErr)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
