package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogExporter пишет события в zap. Приёмник по умолчанию, когда внешнего нет.
type LogExporter struct {
	logger *zap.Logger
}

func NewLogExporter(logger *zap.Logger) *LogExporter {
	return &LogExporter{logger: logger.Named("telemetry")}
}

func (e *LogExporter) WriteBatch(_ context.Context, events []Event) error {
	for _, ev := range events {
		fields := []zap.Field{
			zap.String("event_id", ev.ID),
			zap.String("component", ev.Component),
			zap.Time("at", ev.Timestamp),
		}
		if ev.TraceID != "" {
			fields = append(fields, zap.String("trace_id", ev.TraceID))
		}
		if ev.Endpoint != "" {
			fields = append(fields, zap.String("endpoint", ev.Endpoint))
		}
		if ev.Model != "" {
			fields = append(fields, zap.String("model", ev.Model))
		}
		if ev.Status != "" {
			fields = append(fields, zap.String("status", ev.Status))
		}
		if ev.Error != "" {
			fields = append(fields, zap.String("error", ev.Error))
		}
		if ev.Duration > 0 {
			fields = append(fields, zap.Duration("duration", ev.Duration))
		}
		for k, v := range ev.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		e.logger.Info(ev.Type, fields...)
	}
	return nil
}
