package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/infra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func models(ids ...string) []domain.ModelDescriptor {
	out := make([]domain.ModelDescriptor, len(ids))
	for i, id := range ids {
		out[i] = domain.ModelDescriptor{ID: id, Object: "model"}
	}
	return out
}

func healthyRegistry(t *testing.T, eps ...infra.EndpointConfig) *Registry {
	t.Helper()
	r := New(nil)
	for _, ep := range eps {
		require.NoError(t, r.Register(ep))
		_, err := r.MarkHealth(ep.Name, true, "", time.Now())
		require.NoError(t, err)
	}
	return r
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(infra.EndpointConfig{Name: "a", BaseURL: "http://127.0.0.1:8000/v1"}))

	assert.ErrorIs(t, r.Register(infra.EndpointConfig{Name: "a", BaseURL: "http://127.0.0.1:8001/v1"}), ErrDuplicateEndpoint)
	assert.ErrorIs(t, r.Register(infra.EndpointConfig{Name: "", BaseURL: "http://x"}), ErrInvalidEndpoint)
	assert.ErrorIs(t, r.Register(infra.EndpointConfig{Name: "b", BaseURL: "unix:///tmp/sock"}), ErrInvalidEndpoint)
	assert.ErrorIs(t, r.Register(infra.EndpointConfig{Name: "c", BaseURL: "http://x", MaxConcurrent: -1}), ErrInvalidEndpoint)

	targets := r.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, infra.DefaultHealthPath, targets[0].HealthPath)
}

func TestMarkHealthTransitions(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(infra.EndpointConfig{Name: "a", BaseURL: "http://x"}))

	now := time.Now()
	changed, err := r.MarkHealth("a", false, "connection refused", now)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, _ = r.MarkHealth("a", false, "connection refused", now)
	assert.False(t, changed)

	snap := r.Snapshot()[0]
	assert.Equal(t, domain.HealthUnhealthy, snap.Health)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, "connection refused", snap.Reason)

	changed, _ = r.MarkHealth("a", true, "", now)
	assert.True(t, changed)
	snap = r.Snapshot()[0]
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, now, snap.LastSuccess)

	_, err = r.MarkHealth("zzz", true, "", now)
	assert.ErrorIs(t, err, domain.ErrEndpointUnknown)
}

func TestReplaceModelsAppliesFilterAndDropsStale(t *testing.T) {
	r := healthyRegistry(t, infra.EndpointConfig{
		Name:          "a",
		BaseURL:       "http://x",
		ModelsInclude: []string{"llama*"},
		ModelsExclude: []string{"*-uncensored"},
	})
	require.NoError(t, r.ReplaceModels("a", models("llama-3", "llama-3-uncensored", "mixtral")))
	assert.Equal(t, []string{"llama-3"}, r.Snapshot()[0].Models)

	require.NoError(t, r.ReplaceModels("a", models("llama-3.1")))
	assert.Equal(t, []string{"llama-3.1"}, r.Snapshot()[0].Models)
}

func TestAcquireOutcomes(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Register(infra.EndpointConfig{Name: "a", BaseURL: "http://x", MaxConcurrent: 1}))
	require.NoError(t, r.ReplaceModels("a", models("m")))

	_, err := r.Acquire("nope", "m")
	assert.ErrorIs(t, err, domain.ErrEndpointUnknown)

	// Здоровье ещё неизвестно
	_, err = r.Acquire("a", "m")
	assert.ErrorIs(t, err, domain.ErrNoCapacity)

	_, _ = r.MarkHealth("a", true, "", time.Now())
	_, err = r.Acquire("a", "other")
	assert.ErrorIs(t, err, domain.ErrModelUnknown)

	slot, err := r.Acquire("a", "m")
	require.NoError(t, err)
	assert.Equal(t, "a", slot.Endpoint)
	assert.Equal(t, "http://x", slot.BaseURL)

	_, err = r.Acquire("a", "m")
	assert.ErrorIs(t, err, domain.ErrNoCapacity)

	slot.Release()
	slot.Release()
	assert.Equal(t, 0, r.Active("a"))

	require.NoError(t, r.SetDraining("a", true))
	_, err = r.Acquire("a", "m")
	assert.ErrorIs(t, err, domain.ErrNoCapacity)
}

func TestSlotBoundsUnderConcurrency(t *testing.T) {
	const limit = 3
	r := healthyRegistry(t, infra.EndpointConfig{Name: "a", BaseURL: "http://x", MaxConcurrent: limit})
	require.NoError(t, r.ReplaceModels("a", models("m")))

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				slot, err := r.Acquire("a", "m")
				if err != nil {
					continue
				}
				n := atomic.AddInt64(&inFlight, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				active := r.Active("a")
				assert.True(t, active >= 0 && active <= limit, "active=%d", active)
				atomic.AddInt64(&inFlight, -1)
				slot.Release()
				slot.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int64(limit))
	assert.Equal(t, 0, r.Active("a"))
}

func TestAcquireAnyDeterministicFirstRegistered(t *testing.T) {
	r := healthyRegistry(t,
		infra.EndpointConfig{Name: "first", BaseURL: "http://a"},
		infra.EndpointConfig{Name: "second", BaseURL: "http://b"},
	)
	require.NoError(t, r.ReplaceModels("first", models("m")))
	require.NoError(t, r.ReplaceModels("second", models("m")))

	for i := 0; i < 10; i++ {
		slot, err := r.AcquireAny("m")
		require.NoError(t, err)
		assert.Equal(t, "first", slot.Endpoint)
		slot.Release()
	}
}

func TestAcquireAnyUnknownVersusSaturated(t *testing.T) {
	r := healthyRegistry(t, infra.EndpointConfig{Name: "a", BaseURL: "http://a", MaxConcurrent: 1})
	require.NoError(t, r.ReplaceModels("a", models("m")))

	_, err := r.AcquireAny("absent")
	assert.ErrorIs(t, err, domain.ErrModelUnknown)

	slot, err := r.AcquireAny("m")
	require.NoError(t, err)
	_, err = r.AcquireAny("m")
	assert.ErrorIs(t, err, domain.ErrNoCapacity)
	assert.True(t, domain.IsTransient(err))
	slot.Release()
}

func TestAcquireAnyFallsThroughSaturated(t *testing.T) {
	r := healthyRegistry(t,
		infra.EndpointConfig{Name: "first", BaseURL: "http://a", MaxConcurrent: 1},
		infra.EndpointConfig{Name: "second", BaseURL: "http://b"},
	)
	require.NoError(t, r.ReplaceModels("first", models("m")))
	require.NoError(t, r.ReplaceModels("second", models("m")))

	s1, err := r.AcquireAny("m")
	require.NoError(t, err)
	s2, err := r.AcquireAny("m")
	require.NoError(t, err)
	assert.Equal(t, "first", s1.Endpoint)
	assert.Equal(t, "second", s2.Endpoint)
	s1.Release()
	s2.Release()
}

func TestLeastLoadedPolicy(t *testing.T) {
	r := New(LeastLoaded{})
	for _, name := range []string{"a", "b"} {
		require.NoError(t, r.Register(infra.EndpointConfig{Name: name, BaseURL: "http://" + name}))
		_, _ = r.MarkHealth(name, true, "", time.Now())
		require.NoError(t, r.ReplaceModels(name, models("m")))
	}
	s1, _ := r.AcquireAny("m")
	s2, _ := r.AcquireAny("m")
	assert.Equal(t, "a", s1.Endpoint)
	assert.Equal(t, "b", s2.Endpoint)
}

func TestModelIndexAndCapabilities(t *testing.T) {
	r := healthyRegistry(t,
		infra.EndpointConfig{Name: "a", BaseURL: "http://a", MaxConcurrent: 2},
		infra.EndpointConfig{Name: "b", BaseURL: "http://b", MaxConcurrent: 3},
	)
	require.NoError(t, r.Register(infra.EndpointConfig{Name: "down", BaseURL: "http://c"}))
	require.NoError(t, r.ReplaceModels("a", models("m1", "m2")))
	require.NoError(t, r.ReplaceModels("b", models("m2")))
	require.NoError(t, r.ReplaceModels("down", models("m3")))

	idx := r.ModelIndex()
	assert.Equal(t, []string{"a"}, idx["m1"])
	assert.Equal(t, []string{"a", "b"}, idx["m2"])
	assert.NotContains(t, idx, "m3")

	caps := r.Capabilities()
	assert.Equal(t, []string{"m1", "m2"}, caps.Models)
	assert.Equal(t, 3, caps.EndpointCount)
	assert.Equal(t, 2, caps.HealthyCount)
	require.NotNil(t, caps.MaxConcurrent)
	assert.Equal(t, 5, *caps.MaxConcurrent)
	assert.True(t, caps.SupportsStreaming)

	// Один здоровый эндпоинт без лимита, общий лимит неизвестен
	_, _ = r.MarkHealth("down", true, "", time.Now())
	assert.Nil(t, r.Capabilities().MaxConcurrent)
}

func TestOffers(t *testing.T) {
	r := healthyRegistry(t, infra.EndpointConfig{Name: "vllm-box", BaseURL: "http://vllm-box:8000/v1", MaxConcurrent: 4})
	require.NoError(t, r.ReplaceModels("vllm-box", models("mixtral-8x7b")))
	slot, err := r.Acquire("vllm-box", "mixtral-8x7b")
	require.NoError(t, err)
	defer slot.Release()

	offers := r.Offers("tenantA")
	require.Len(t, offers, 1)
	assert.Equal(t, "L9BTSR51ep1", offers[0].Slug)
	assert.Equal(t, 3, offers[0].FreeSlots)
}

func TestSlugTable(t *testing.T) {
	st := NewSlugTable()
	target := domain.SlugTarget{Tenant: "tenantA", Endpoint: "vllm-box", Model: "mixtral-8x7b"}
	st.Upsert(map[string]domain.SlugTarget{"tenantA::vllm-box::mixtral-8x7b": target})

	got, ok := st.Resolve("tenantA::vllm-box::mixtral-8x7b")
	require.True(t, ok)
	assert.Equal(t, target, got)

	_, ok = st.Resolve("mixtral-8x7b")
	assert.False(t, ok, "local model names must not resolve")

	st.Replace(map[string]domain.SlugTarget{"x": target})
	assert.Equal(t, 1, st.Len())
	st.Remove("x")
	assert.Equal(t, 0, st.Len())
}
