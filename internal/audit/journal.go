package audit

/*
Journal: неблокирующий сборщик событий телеметрии.

- Запись из горячего пути идёт через буферизованный канал; при переполнении
  событие сбрасывается с ошибкой в лог (load shedding), вызывающий не ждёт.
- Воркер копит пачку и отдаёт её Exporter по размеру или по таймеру.
- Stop закрывает вход, воркер вычитывает остаток и делает финальный flush.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Exporter: внешний приёмник телеметрии.
type Exporter interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// BufferFill: необязательный gauge заполненности буфера.
	BufferFill prometheus.Gauge
}

type Journal struct {
	ch       chan Event
	exporter Exporter
	opts     Options
	logger   *zap.Logger
	wg       sync.WaitGroup
	mu       sync.RWMutex // Record держит RLock, Stop берёт Lock перед close(ch)
	isClosed int32
}

func NewJournal(exporter Exporter, opts Options, logger *zap.Logger) *Journal {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &Journal{
		ch:       make(chan Event, opts.BufferSize),
		exporter: exporter,
		opts:     opts,
		logger:   logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждёт, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.mu.Lock()
	if !atomic.CompareAndSwapInt32(&j.isClosed, 0, 1) {
		j.mu.Unlock()
		return
	}
	j.logger.Info("stopping journal: closing channel and flushing buffer...")
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("journal stopped gracefully")
}

func (j *Journal) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if atomic.LoadInt32(&j.isClosed) == 1 {
		j.logger.Warn("event dropped: journal is stopping", zap.String("type", event.Type))
		return
	}

	select {
	case j.ch <- event:
		if j.opts.BufferFill != nil {
			j.opts.BufferFill.Set(float64(len(j.ch)))
		}
	default:
		j.logger.Error("journal_buffer_overflow",
			zap.String("component", event.Component),
			zap.String("type", event.Type),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, j.opts.BatchSize)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к этому моменту может быть уже отменён
		if err := j.exporter.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Error(err), zap.Int("events", len(batch)))
		}
		batch = make([]Event, 0, j.opts.BatchSize)
		if j.opts.BufferFill != nil {
			j.opts.BufferFill.Set(float64(len(j.ch)))
		}
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
