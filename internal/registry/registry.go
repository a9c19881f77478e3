package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/infra"
)

var (
	ErrInvalidEndpoint   = errors.New("invalid endpoint config")
	ErrDuplicateEndpoint = errors.New("duplicate endpoint name")
)

type endpoint struct {
	name       string
	baseURL    string
	healthPath string
	limit      int // 0 без лимита
	filter     *ModelFilter

	health   domain.HealthState
	reason   string
	draining bool

	models   []domain.ModelDescriptor // уже отфильтрованные, в порядке ответа эндпоинта
	modelSet map[string]struct{}

	active      int
	lastChecked time.Time
	lastSuccess time.Time
	failures    int
}

func (e *endpoint) routable() bool {
	return e.health == domain.HealthHealthy && !e.draining
}

func (e *endpoint) hasFreeSlot() bool {
	return e.limit == 0 || e.active < e.limit
}

func (e *endpoint) advertises(model string) bool {
	_, ok := e.modelSet[model]
	return ok
}

// Registry: реестр эндпоинтов. Один RWMutex на весь реестр: обновления здоровья
// и моделей, а также захват/освобождение слотов атомарны относительно друг друга.
type Registry struct {
	mu     sync.RWMutex
	order  []*endpoint
	byName map[string]*endpoint
	policy SelectionPolicy
}

func New(policy SelectionPolicy) *Registry {
	if policy == nil {
		policy = FirstRegistered{}
	}
	return &Registry{
		byName: make(map[string]*endpoint),
		policy: policy,
	}
}

// Register добавляет эндпоинт из конфигурации. Порядок регистрации важен для выбора.
func (r *Registry) Register(cfg infra.EndpointConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidEndpoint)
	}
	if err := infra.ValidateHTTPURL(cfg.BaseURL); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEndpoint, cfg.Name, err)
	}
	if cfg.MaxConcurrent < 0 {
		return fmt.Errorf("%w: %s: negative max_concurrent", ErrInvalidEndpoint, cfg.Name)
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = infra.DefaultHealthPath
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[cfg.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEndpoint, cfg.Name)
	}
	ep := &endpoint{
		name:       cfg.Name,
		baseURL:    cfg.BaseURL,
		healthPath: healthPath,
		limit:      cfg.MaxConcurrent,
		filter:     NewModelFilter(cfg.ModelsInclude, cfg.ModelsExclude),
		modelSet:   make(map[string]struct{}),
	}
	r.order = append(r.order, ep)
	r.byName[cfg.Name] = ep
	return nil
}

// MarkHealth фиксирует результат liveness-пробы. Возвращает true, если состояние сменилось.
func (r *Registry) MarkHealth(name string, healthy bool, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.byName[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrEndpointUnknown, name)
	}
	prev := ep.health
	ep.lastChecked = at
	if healthy {
		ep.health = domain.HealthHealthy
		ep.reason = ""
		ep.lastSuccess = at
		ep.failures = 0
	} else {
		ep.health = domain.HealthUnhealthy
		ep.reason = reason
		ep.failures++
	}
	return prev != ep.health, nil
}

// ReplaceModels полностью заменяет набор обнаруженных моделей (после фильтра).
// Устаревшие модели исчезают.
func (r *Registry) ReplaceModels(name string, models []domain.ModelDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrEndpointUnknown, name)
	}
	kept := make([]domain.ModelDescriptor, 0, len(models))
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		if m.ID == "" || !ep.filter.Allows(m.ID) {
			continue
		}
		if _, dup := set[m.ID]; dup {
			continue
		}
		set[m.ID] = struct{}{}
		kept = append(kept, m)
	}
	ep.models = kept
	ep.modelSet = set
	return nil
}

// SetDraining выводит эндпоинт из выбора, не трогая уже идущие запросы.
func (r *Registry) SetDraining(name string, draining bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrEndpointUnknown, name)
	}
	ep.draining = draining
	return nil
}

func (r *Registry) DrainAll(draining bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ep := range r.order {
		ep.draining = draining
	}
}

// Acquire захватывает слот на конкретном эндпоинте под конкретную модель.
// Порядок проверок: неизвестный эндпоинт, недоступность, модель, насыщение.
func (r *Registry) Acquire(name, model string) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrEndpointUnknown, name)
	}
	if !ep.routable() {
		return nil, fmt.Errorf("%w: endpoint %s is %s", domain.ErrNoCapacity, name, r.unavailableReason(ep))
	}
	if !ep.advertises(model) {
		return nil, fmt.Errorf("%w: %s on %s", domain.ErrModelUnknown, model, name)
	}
	if !ep.hasFreeSlot() {
		return nil, fmt.Errorf("%w: endpoint %s saturated (%d/%d)", domain.ErrNoCapacity, name, ep.active, ep.limit)
	}
	return r.take(ep, model), nil
}

// AcquireAny выбирает эндпоинт под модель и сразу захватывает на нём слот.
// ErrModelUnknown: модель не рекламирует ни один здоровый эндпоинт,
// ErrNoCapacity: рекламируют, но свободных слотов нет.
func (r *Registry) AcquireAny(model string) (*Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var advertised bool
	var candidates []*endpoint
	for _, ep := range r.order {
		if !ep.routable() || !ep.advertises(model) {
			continue
		}
		advertised = true
		if ep.hasFreeSlot() {
			candidates = append(candidates, ep)
		}
	}
	if !advertised {
		return nil, fmt.Errorf("%w: %s", domain.ErrModelUnknown, model)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: all endpoints for %s saturated", domain.ErrNoCapacity, model)
	}

	views := make([]Candidate, len(candidates))
	for i, ep := range candidates {
		views[i] = Candidate{Name: ep.name, Active: ep.active, Limit: ep.limit}
	}
	idx := r.policy.Pick(model, views)
	if idx < 0 || idx >= len(candidates) {
		idx = 0
	}
	return r.take(candidates[idx], model), nil
}

func (r *Registry) unavailableReason(ep *endpoint) string {
	if ep.draining {
		return "draining"
	}
	return ep.health.String()
}

// take вызывается под r.mu.
func (r *Registry) take(ep *endpoint, model string) *Slot {
	ep.active++
	return &Slot{
		reg:      r,
		ep:       ep,
		Endpoint: ep.name,
		BaseURL:  ep.baseURL,
		Model:    model,
	}
}

func (r *Registry) release(ep *endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep.active > 0 {
		ep.active--
	}
}

// Active: текущее число занятых слотов эндпоинта.
func (r *Registry) Active(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.byName[name]; ok {
		return ep.active
	}
	return 0
}

// BaseURL эндпоинта по имени.
func (r *Registry) BaseURL(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.byName[name]; ok {
		return ep.baseURL, true
	}
	return "", false
}

// Target: то, что нужно циклу discovery для проб.
type Target struct {
	Name       string
	BaseURL    string
	HealthPath string
}

func (r *Registry) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.order))
	for _, ep := range r.order {
		out = append(out, Target{Name: ep.name, BaseURL: ep.baseURL, HealthPath: ep.healthPath})
	}
	return out
}

// ModelIndex: модель -> имена здоровых эндпоинтов в порядке регистрации.
func (r *Registry) ModelIndex() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := make(map[string][]string)
	for _, ep := range r.order {
		if !ep.routable() {
			continue
		}
		for _, m := range ep.models {
			idx[m.ID] = append(idx[m.ID], ep.name)
		}
	}
	return idx
}

// Capabilities: агрегированный снимок для отчёта в control plane.
func (r *Registry) Capabilities() domain.Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := domain.Capabilities{
		EndpointCount: len(r.order),
		Models:        []string{},
		Endpoints:     make([]domain.EndpointSummary, 0, len(r.order)),
	}
	unique := make(map[string]struct{})
	total, unlimited := 0, false
	for _, ep := range r.order {
		names := ep.modelNames()
		caps.ActiveRequests += ep.active
		caps.Endpoints = append(caps.Endpoints, domain.EndpointSummary{
			Name:          ep.name,
			Healthy:       ep.routable(),
			Models:        names,
			MaxConcurrent: ep.limit,
			Active:        ep.active,
		})
		if !ep.routable() {
			continue
		}
		caps.HealthyCount++
		for _, m := range names {
			unique[m] = struct{}{}
		}
		if ep.limit == 0 {
			unlimited = true
		}
		total += ep.limit
	}
	for m := range unique {
		caps.Models = append(caps.Models, m)
	}
	sort.Strings(caps.Models)
	if caps.HealthyCount > 0 {
		caps.SupportsStreaming = true
		caps.SupportsChat = true
		caps.SupportsCompletions = true
		if !unlimited {
			caps.MaxConcurrent = &total
		}
	}
	return caps
}

// Offers: все модели, которые сейчас можно обслужить, с вычисленными slug'ами.
func (r *Registry) Offers(tenant string) []domain.ModelOffer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ModelOffer
	for _, ep := range r.order {
		if !ep.routable() {
			continue
		}
		free := -1
		if ep.limit > 0 {
			free = ep.limit - ep.active
		}
		epSlug := domain.EndpointSlug(ep.baseURL)
		for _, m := range ep.models {
			out = append(out, domain.ModelOffer{
				Slug:      domain.EncodeModelSlug(tenant, epSlug, m.ID),
				Tenant:    tenant,
				Endpoint:  ep.name,
				Model:     m.ID,
				FreeSlots: free,
			})
		}
	}
	return out
}

// Snapshot: полное состояние для админки.
func (r *Registry) Snapshot() []domain.EndpointStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.EndpointStatus, 0, len(r.order))
	for _, ep := range r.order {
		out = append(out, domain.EndpointStatus{
			Name:                ep.name,
			BaseURL:             ep.baseURL,
			Health:              ep.health,
			Reason:              ep.reason,
			Draining:            ep.draining,
			Models:              ep.modelNames(),
			Active:              ep.active,
			MaxConcurrent:       ep.limit,
			ConsecutiveFailures: ep.failures,
			LastChecked:         ep.lastChecked,
			LastSuccess:         ep.lastSuccess,
		})
	}
	return out
}

// AnyHealthy: есть ли хоть один маршрутизируемый эндпоинт.
func (r *Registry) AnyHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ep := range r.order {
		if ep.routable() {
			return true
		}
	}
	return false
}

func (e *endpoint) modelNames() []string {
	names := make([]string, 0, len(e.models))
	for _, m := range e.models {
		names = append(names, m.ID)
	}
	return names
}

// Slot: захваченный слот конкурентности. Release можно звать сколько угодно раз
// и с любого пути выхода: счётчик уменьшится ровно один раз.
type Slot struct {
	reg  *Registry
	ep   *endpoint
	once sync.Once

	Endpoint string
	BaseURL  string
	Model    string
}

func (s *Slot) Release() {
	s.once.Do(func() {
		s.reg.release(s.ep)
	})
}
