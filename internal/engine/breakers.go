package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/qapish/labman/internal/infra"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breakers: по одному Circuit Breaker на эндпоинт, создаются лениво.
type Breakers struct {
	mu      sync.Mutex
	cfg     infra.BreakerConfig
	byName  map[string]*gobreaker.CircuitBreaker
	metrics *Metrics
	logger  *zap.Logger
}

func NewBreakers(cfg infra.BreakerConfig, metrics *Metrics, logger *zap.Logger) *Breakers {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 3
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Breakers{
		cfg:     cfg,
		byName:  make(map[string]*gobreaker.CircuitBreaker),
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "breaker")),
	}
}

func (b *Breakers) For(endpoint string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.byName[endpoint]; ok {
		return cb
	}
	threshold := b.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.Timeout, // через сколько CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Ушедший вызывающий не считается отказом эндпоинта
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			b.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	b.byName[endpoint] = cb
	b.metrics.CircuitBreakerState.WithLabelValues(endpoint).Set(0)
	return cb
}
