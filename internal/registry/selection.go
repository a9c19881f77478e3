package registry

// Candidate видит политика выбора: уже отфильтрованные здоровые
// эндпоинты со свободным слотом, в порядке регистрации.
type Candidate struct {
	Name   string
	Active int
	Limit  int
}

// SelectionPolicy: точка расширения для load-aware выбора.
// Pick возвращает индекс в candidates; вызывается под блокировкой реестра.
type SelectionPolicy interface {
	Pick(model string, candidates []Candidate) int
}

// FirstRegistered используется по умолчанию: стабильно первый зарегистрированный.
type FirstRegistered struct{}

func (FirstRegistered) Pick(string, []Candidate) int { return 0 }

// LeastLoaded выбирает эндпоинт с наименьшим числом активных запросов,
// при равенстве раньше зарегистрированный.
type LeastLoaded struct{}

func (LeastLoaded) Pick(_ string, candidates []Candidate) int {
	best := 0
	for i, c := range candidates {
		if c.Active < candidates[best].Active {
			best = i
		}
	}
	return best
}
