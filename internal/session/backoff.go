package session

import (
	"math"
	"math/rand"
	"time"

	"github.com/qapish/labman/internal/infra"
)

// Backoff считает задержки между попытками подключения к control plane.
// Задержки не убывают от ошибки к ошибке и не превышают Max; сбрасывает их только Reset.
// Не потокобезопасен: принадлежит циклу ControlClient.
type Backoff struct {
	cfg      infra.BackoffConfig
	rng      *rand.Rand
	failures int
	prev     time.Duration
}

func NewBackoff(cfg infra.BackoffConfig, rng *rand.Rand) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{cfg: cfg, rng: rng}
}

// Next регистрирует ещё одну ошибку подряд и возвращает задержку до следующей попытки.
func (b *Backoff) Next() time.Duration {
	b.failures++
	if b.cfg.Initial <= 0 {
		return 0
	}
	delay := float64(b.cfg.Initial) * math.Pow(b.cfg.Multiplier, float64(b.failures-1))
	if b.cfg.Jitter > 0 {
		// [1-j, 1+j)
		delay *= 1 + b.cfg.Jitter*(2*b.rng.Float64()-1)
	}
	d := time.Duration(delay)
	if delay > float64(b.cfg.Max) {
		d = b.cfg.Max
	}
	if d < b.prev {
		d = b.prev
	}
	b.prev = d
	return d
}

// Failures: сколько ошибок подряд с последнего Reset.
func (b *Backoff) Failures() int { return b.failures }

func (b *Backoff) Reset() {
	b.failures = 0
	b.prev = 0
}
