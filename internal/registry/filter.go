package registry

// Фильтр моделей эндпоинта: сначала include (если задан, выживают только совпавшие),
// затем exclude (любое совпадение удаляет). Пустой список ничего не делает.
// Глобы поддерживают только '*' и '?', регистр учитывается.

type globMatcher struct {
	pattern []rune
	literal bool // без метасимволов, сравниваем строку целиком
	raw     string
}

func compileGlob(p string) globMatcher {
	m := globMatcher{pattern: []rune(p), literal: true, raw: p}
	for _, r := range m.pattern {
		if r == '*' || r == '?' {
			m.literal = false
			break
		}
	}
	return m
}

// match: классический жадный алгоритм с откатом к последней '*'. O(len(s)*len(p)) в худшем случае.
func (m globMatcher) match(s string) bool {
	if m.literal {
		return s == m.raw
	}
	str := []rune(s)
	p := m.pattern
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(str) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == str[si]):
			si++
			pi++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// ModelFilter: скомпилированные include/exclude списки одного эндпоинта.
type ModelFilter struct {
	include []globMatcher
	exclude []globMatcher
}

func NewModelFilter(include, exclude []string) *ModelFilter {
	f := &ModelFilter{}
	for _, p := range include {
		f.include = append(f.include, compileGlob(p))
	}
	for _, p := range exclude {
		f.exclude = append(f.exclude, compileGlob(p))
	}
	return f
}

func (f *ModelFilter) Allows(model string) bool {
	if f == nil {
		return true
	}
	if len(f.include) > 0 && !anyMatch(f.include, model) {
		return false
	}
	return !anyMatch(f.exclude, model)
}

// Apply возвращает разрешённые модели, сохраняя исходный порядок.
func (f *ModelFilter) Apply(models []string) []string {
	out := make([]string, 0, len(models))
	for _, m := range models {
		if f.Allows(m) {
			out = append(out, m)
		}
	}
	return out
}

func anyMatch(ms []globMatcher, s string) bool {
	for _, m := range ms {
		if m.match(s) {
			return true
		}
	}
	return false
}
