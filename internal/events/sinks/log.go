package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/fqdn-intel/internal/events"
)

// LogSink writes each event as a structured log line. Failures, blocks and
// reversions log at warn; everything else at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		switch evt.Kind {
		case events.KindFailed, events.KindBlocked, events.KindReverted, events.KindVectorFailed:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "pipeline event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.String("kind", string(evt.Kind)),
			zap.String("item_id", evt.ItemID),
			zap.String("fqdn", evt.FQDN),
			zap.String("stage", string(evt.Stage)),
			zap.String("from", string(evt.From)),
			zap.String("to", string(evt.To)),
			zap.String("worker_id", evt.WorkerID),
			zap.String("feed_id", evt.FeedID),
			zap.Int("count", evt.Count),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
