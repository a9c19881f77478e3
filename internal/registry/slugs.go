package registry

import (
	"sync"

	"github.com/qapish/labman/internal/domain"
)

// SlugTable: внешне заданное отображение slug -> (tenant, endpoint, model).
// Для прокси только чтение; пишут конфиг и envelope registry.update.
type SlugTable struct {
	mu      sync.RWMutex
	entries map[string]domain.SlugTarget
}

func NewSlugTable() *SlugTable {
	return &SlugTable{entries: make(map[string]domain.SlugTarget)}
}

// Resolve: промах это отдельный исход, никакого нечёткого сопоставления.
func (t *SlugTable) Resolve(slug string) (domain.SlugTarget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target, ok := t.entries[slug]
	return target, ok
}

// Replace атомарно подменяет таблицу целиком.
func (t *SlugTable) Replace(entries map[string]domain.SlugTarget) {
	next := make(map[string]domain.SlugTarget, len(entries))
	for k, v := range entries {
		next[k] = v
	}
	t.mu.Lock()
	t.entries = next
	t.mu.Unlock()
}

func (t *SlugTable) Upsert(entries map[string]domain.SlugTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range entries {
		t.entries[k] = v
	}
}

func (t *SlugTable) Remove(slugs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range slugs {
		delete(t.entries, s)
	}
}

func (t *SlugTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// All: копия таблицы (для GET /v1/models).
func (t *SlugTable) All() map[string]domain.SlugTarget {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]domain.SlugTarget, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}
