package session

import (
	"sync/atomic"

	"github.com/qapish/labman/internal/protocol"
	"github.com/qapish/labman/internal/relay"
	"go.uber.org/zap"
)

// Outbox: ограниченная очередь в сторону control plane. Живёт дольше
// отдельных соединений: пока сессии нет, сообщения копятся до предела, дальше теряются.
type Outbox struct {
	ch      chan protocol.Envelope
	dropped atomic.Int64
	logger  *zap.Logger
}

func NewOutbox(size int, logger *zap.Logger) *Outbox {
	if size <= 0 {
		size = 256
	}
	return &Outbox{ch: make(chan protocol.Envelope, size), logger: logger.Named("outbox")}
}

// Enqueue реализует relay.Outbound.
func (o *Outbox) Enqueue(env protocol.Envelope) error {
	select {
	case o.ch <- env:
		return nil
	default:
		n := o.dropped.Add(1)
		o.logger.Warn("control-plane outbound buffer full, dropping envelope",
			zap.String("kind", string(env.Kind)),
			zap.String("envelope_id", env.ID),
			zap.Int64("dropped_total", n),
		)
		return relay.ErrOutboundQueueFull
	}
}

func (o *Outbox) Len() int       { return len(o.ch) }
func (o *Outbox) Cap() int       { return cap(o.ch) }
func (o *Outbox) Dropped() int64 { return o.dropped.Load() }
