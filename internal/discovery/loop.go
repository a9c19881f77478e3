package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/qapish/labman/internal/audit"
	"github.com/qapish/labman/internal/domain"
	"github.com/qapish/labman/internal/registry"
	"go.uber.org/zap"
)

// Registry: то, что циклу нужно от реестра эндпоинтов.
type Registry interface {
	Targets() []registry.Target
	MarkHealth(name string, healthy bool, reason string, at time.Time) (bool, error)
	ReplaceModels(name string, models []domain.ModelDescriptor) error
}

// HealthObserver получает результат каждой пробы (метрики).
type HealthObserver interface {
	ObserveHealth(endpoint string, healthy bool)
}

type Options struct {
	Interval time.Duration
	Timeout  time.Duration // на одну пробу (liveness и список моделей, каждая в своём)
	// ModelAttempts: попыток запросить /models за один проход.
	ModelAttempts uint
	Client        *http.Client
	Observer      HealthObserver
	// OnPass вызывается после каждого полного прохода.
	OnPass func()
}

// Loop периодически обновляет здоровье и модели эндпоинтов, независимо от трафика.
type Loop struct {
	reg    Registry
	opts   Options
	rec    audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

func NewLoop(reg Registry, opts Options, rec audit.Recorder, logger *zap.Logger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.ModelAttempts == 0 {
		opts.ModelAttempts = 2
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Loop{
		reg:    reg,
		opts:   opts,
		rec:    rec,
		logger: logger.With(zap.String("mod", "discovery")),
		now:    time.Now,
	}
}

// Run делает проход сразу, затем по интервалу. Выходит по отмене ctx;
// незавершённые пробы отменяются через тот же ctx.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("discovery loop started", zap.Duration("interval", l.opts.Interval))
	ticker := time.NewTicker(l.opts.Interval)
	defer ticker.Stop()

	for {
		l.RunOnce(ctx)
		select {
		case <-ctx.Done():
			l.logger.Info("discovery loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce делает один проход по всем эндпоинтам параллельно и ждёт всех.
func (l *Loop) RunOnce(ctx context.Context) {
	targets := l.reg.Targets()
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t registry.Target) {
			defer wg.Done()
			l.probe(ctx, t)
		}(t)
	}
	wg.Wait()

	if ctx.Err() == nil && l.opts.OnPass != nil {
		l.opts.OnPass()
	}
}

func (l *Loop) probe(ctx context.Context, t registry.Target) {
	// liveness и список моделей независимы: ошибка одного не влияет на другое
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.checkHealth(ctx, t)
	}()
	go func() {
		defer wg.Done()
		l.refreshModels(ctx, t)
	}()
	wg.Wait()
}

func (l *Loop) checkHealth(ctx context.Context, t registry.Target) {
	reason := ""
	err := l.liveness(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			// остановка, а не отказ эндпоинта
			return
		}
		reason = err.Error()
	}
	healthy := err == nil

	changed, markErr := l.reg.MarkHealth(t.Name, healthy, reason, l.now())
	if markErr != nil {
		l.logger.Warn("mark health failed", zap.String("endpoint", t.Name), zap.Error(markErr))
		return
	}
	if l.opts.Observer != nil {
		l.opts.Observer.ObserveHealth(t.Name, healthy)
	}
	if !changed {
		return
	}
	status := "healthy"
	if !healthy {
		status = "unhealthy"
		l.logger.Warn("endpoint unhealthy", zap.String("endpoint", t.Name), zap.String("reason", reason))
	} else {
		l.logger.Info("endpoint healthy", zap.String("endpoint", t.Name))
	}
	l.rec.Record(audit.Event{
		Component: "discovery",
		Type:      "endpoint.health",
		Endpoint:  t.Name,
		Status:    status,
		Error:     reason,
	})
}

func (l *Loop) liveness(ctx context.Context, t registry.Target) error {
	pctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, joinURL(t.BaseURL, t.HealthPath), nil)
	if err != nil {
		return err
	}
	resp, err := l.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}

func (l *Loop) refreshModels(ctx context.Context, t registry.Target) {
	models, err := l.fetchModels(ctx, t)
	if err != nil {
		if ctx.Err() == nil {
			// Набор моделей не трогаем, здоровье не переключаем
			l.logger.Debug("model list query failed", zap.String("endpoint", t.Name), zap.Error(err))
		}
		return
	}
	if err := l.reg.ReplaceModels(t.Name, models); err != nil {
		l.logger.Warn("replace models failed", zap.String("endpoint", t.Name), zap.Error(err))
	}
}

var errBadModelList = errors.New("bad model list")

func (l *Loop) fetchModels(ctx context.Context, t registry.Target) ([]domain.ModelDescriptor, error) {
	pctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	var list domain.ModelList
	r := retry.New(
		retry.Context(pctx),
		retry.Attempts(l.opts.ModelAttempts),
		retry.Delay(50*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			// Кривой JSON повтором не исправить
			return !errors.Is(err, errBadModelList)
		}),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
	)
	err := r.Do(func() error {
		req, err := http.NewRequestWithContext(pctx, http.MethodGet, joinURL(t.BaseURL, "/models"), nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		resp, err := l.opts.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("model list returned %d", resp.StatusCode)
		}
		list = domain.ModelList{}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&list); err != nil {
			return fmt.Errorf("%w: %v", errBadModelList, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if list.Data == nil {
		return []domain.ModelDescriptor{}, nil
	}
	return list.Data, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
