package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/infra"
	"github.com/qapish/labman/internal/infra/auth"
	"github.com/qapish/labman/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSlug = "tenantA::vllm-box::mixtral-8x7b"

var sseChunks = []string{
	"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n",
	"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n",
	"data: [DONE]\n\n",
}

type harness struct {
	reg      *registry.Registry
	slugs    *registry.SlugTable
	gateway  *Gateway
	proxy    *httptest.Server
	upstream *httptest.Server

	mu       sync.Mutex
	lastBody map[string]any
}

func (h *harness) recordBody(r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	h.mu.Lock()
	h.lastBody = body
	h.mu.Unlock()
}

func (h *harness) body() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastBody
}

func newHarness(t *testing.T, upstream http.HandlerFunc, limit int, opts Options) *harness {
	t.Helper()
	h := &harness{}
	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.recordBody(r)
		upstream(w, r)
	}))
	t.Cleanup(h.upstream.Close)

	h.reg = registry.New(nil)
	require.NoError(t, h.reg.Register(infra.EndpointConfig{Name: "vllm-box", BaseURL: h.upstream.URL + "/v1", MaxConcurrent: limit}))
	_, err := h.reg.MarkHealth("vllm-box", true, "", time.Now())
	require.NoError(t, err)
	require.NoError(t, h.reg.ReplaceModels("vllm-box", []domain.ModelDescriptor{{ID: "mixtral-8x7b"}}))

	h.slugs = registry.NewSlugTable()
	h.slugs.Upsert(map[string]domain.SlugTarget{
		testSlug: {Tenant: "tenantA", Endpoint: "vllm-box", Model: "mixtral-8x7b"},
	})

	metrics := NewMetrics(nil)
	breakers := NewBreakers(infra.BreakerConfig{FailureThreshold: 2, Timeout: time.Minute}, metrics, zap.NewNop())
	h.gateway = NewGateway(h.slugs, h.reg, breakers, metrics, nil, zap.NewNop(), opts)
	h.proxy = httptest.NewServer(h.gateway.Routes())
	t.Cleanup(h.proxy.Close)
	return h
}

func (h *harness) post(t *testing.T, ctx context.Context, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.proxy.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (h *harness) requireReleased(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.reg.Active("vllm-box") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func streamOK(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, c := range sseChunks {
		_, _ = io.WriteString(w, c)
		w.(http.Flusher).Flush()
	}
}

func decodeError(t *testing.T, resp *http.Response) apiError {
	t.Helper()
	var body map[string]apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

func TestStreamEndToEndByteForByte(t *testing.T) {
	h := newHarness(t, streamOK, 2, Options{})

	resp := h.post(t, context.Background(), "/v1/chat/completions",
		`{"model":"`+testSlug+`","stream":true,"temperature":0.2,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(sseChunks, ""), string(got))

	body := h.body()
	assert.Equal(t, "mixtral-8x7b", body["model"])
	assert.Equal(t, 0.2, body["temperature"], "unknown fields are preserved")
	assert.Equal(t, true, body["stream"])
	h.requireReleased(t)
}

func TestNonStreamingCompletion(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cmpl-1","choices":[{"text":"ok"}]}`)
	}, 0, Options{})

	resp := h.post(t, context.Background(), "/v1/completions", `{"model":"`+testSlug+`","prompt":"x"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"id":"cmpl-1","choices":[{"text":"ok"}]}`, string(got))
	h.requireReleased(t)
}

func TestStreamUpstreamErrorReleasesSlot(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, sseChunks[0])
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}, 1, Options{})

	resp := h.post(t, context.Background(), "/v1/chat/completions", `{"model":"`+testSlug+`","stream":true}`)
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, sseChunks[0], string(got))
	h.requireReleased(t)

	// Слот действительно свободен: следующий запрос с лимитом 1 проходит до апстрима
	resp2 := h.post(t, context.Background(), "/v1/chat/completions", `{"model":"`+testSlug+`","stream":true}`)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestCallerCancellationStopsUpstreamAndReleasesSlot(t *testing.T) {
	upstreamDone := make(chan struct{})
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamDone)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, sseChunks[0])
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}, 1, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	resp := h.post(t, ctx, "/v1/chat/completions", `{"model":"`+testSlug+`","stream":true}`)
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Equal(t, 1, h.reg.Active("vllm-box"))

	cancel()
	_ = resp.Body.Close()

	select {
	case <-upstreamDone:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream read was not cancelled")
	}
	h.requireReleased(t)
}

func TestUnknownSlugIsNotFound(t *testing.T) {
	h := newHarness(t, streamOK, 1, Options{})

	// Локальное имя модели не является slug'ом
	for _, model := range []string{"mixtral-8x7b", "nope"} {
		resp := h.post(t, context.Background(), "/v1/chat/completions", `{"model":"`+model+`"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "model_not_found", decodeError(t, resp).Code)
		resp.Body.Close()
	}
	assert.Nil(t, h.body(), "upstream must not be called")
}

func TestCompletionHidesOtherTenantsSlug(t *testing.T) {
	h := newHarness(t, streamOK, 1, Options{})
	asTenant := func(tenant string) *httptest.Server {
		srv := httptest.NewServer(h.gateway.Routes(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(auth.WithTenant(r.Context(), tenant)))
			})
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	body := `{"model":"` + testSlug + `","stream":true}`

	resp, err := http.Post(asTenant("tenantB").URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "model_not_found", decodeError(t, resp).Code)
	resp.Body.Close()
	assert.Nil(t, h.body(), "upstream must not be called")
	assert.Equal(t, 0, h.reg.Active("vllm-box"))

	resp, err = http.Post(asTenant("tenantA").URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, _ = io.ReadAll(resp.Body)
	h.requireReleased(t)
}

func TestUnavailableIsDistinctFromNotFound(t *testing.T) {
	h := newHarness(t, streamOK, 1, Options{})

	held, err := h.reg.Acquire("vllm-box", "mixtral-8x7b")
	require.NoError(t, err)
	resp := h.post(t, context.Background(), "/v1/chat/completions", `{"model":"`+testSlug+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
	assert.Equal(t, "no_capacity", decodeError(t, resp).Code)
	resp.Body.Close()
	held.Release()

	_, err = h.reg.MarkHealth("vllm-box", false, "down", time.Now())
	require.NoError(t, err)
	resp = h.post(t, context.Background(), "/v1/chat/completions", `{"model":"`+testSlug+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 0, h.reg.Active("vllm-box"))
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t, streamOK, 1, Options{MaxBodyBytes: 64})

	resp := h.post(t, context.Background(), "/v1/chat/completions", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = h.post(t, context.Background(), "/v1/chat/completions", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_model", decodeError(t, resp).Code)
	resp.Body.Close()

	resp = h.post(t, context.Background(), "/v1/chat/completions", `{"model":"`+strings.Repeat("x", 200)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp.Body.Close()
}

func TestUpstreamTimeoutAndUnreachableAreDistinct(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 1, Options{ResponseHeaderTimeout: 50 * time.Millisecond})

	resp := h.post(t, context.Background(), "/v1/chat/completions", `{"model":"`+testSlug+`"}`)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "upstream_timeout", decodeError(t, resp).Code)
	resp.Body.Close()
	h.requireReleased(t)

	// Эндпоинт, который никто не слушает
	require.NoError(t, h.reg.Register(infra.EndpointConfig{Name: "gone", BaseURL: "http://127.0.0.1:1/v1"}))
	_, _ = h.reg.MarkHealth("gone", true, "", time.Now())
	require.NoError(t, h.reg.ReplaceModels("gone", []domain.ModelDescriptor{{ID: "m"}}))
	h.slugs.Upsert(map[string]domain.SlugTarget{"gone-slug": {Tenant: "t", Endpoint: "gone", Model: "m"}})

	resp = h.post(t, context.Background(), "/v1/chat/completions", `{"model":"gone-slug"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "upstream_error", decodeError(t, resp).Code)
	resp.Body.Close()
	assert.Equal(t, 0, h.reg.Active("gone"))
}

func TestCircuitOpensAfterRepeatedServerErrors(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"boom"}`)
	}, 0, Options{})

	for i := 0; i < 2; i++ {
		resp := h.post(t, context.Background(), "/v1/chat/completions", `{"model":"`+testSlug+`"}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, "upstream status is forwarded")
		resp.Body.Close()
	}
	resp := h.post(t, context.Background(), "/v1/chat/completions", `{"model":"`+testSlug+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "circuit_open", decodeError(t, resp).Code)
	resp.Body.Close()
	h.requireReleased(t)
}

func TestModelsListsRoutableSlugs(t *testing.T) {
	h := newHarness(t, streamOK, 1, Options{})
	h.slugs.Upsert(map[string]domain.SlugTarget{
		"stale": {Tenant: "tenantA", Endpoint: "vllm-box", Model: "not-loaded"},
	})

	resp, err := http.Get(h.proxy.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	var list domain.ModelList
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 1)
	assert.Equal(t, testSlug, list.Data[0].ID)
	assert.Equal(t, "tenantA", list.Data[0].OwnedBy)
	assert.Equal(t, "mixtral-8x7b", list.Data[0].Root)
}

func TestTraceIDPropagates(t *testing.T) {
	seen := make(chan string, 1)
	h := newHarness(t, func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Trace-ID")
		_, _ = io.WriteString(w, `{}`)
	}, 1, Options{})

	req, _ := http.NewRequest(http.MethodPost, h.proxy.URL+"/v1/chat/completions", strings.NewReader(`{"model":"`+testSlug+`"}`))
	req.Header.Set("X-Trace-ID", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get("X-Trace-ID"))
	assert.Equal(t, "trace-123", <-seen)
}

func TestRateLimitMiddleware(t *testing.T) {
	mw := RateLimitMiddleware(1, 1, NewMetrics(nil), zap.NewNop())
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
