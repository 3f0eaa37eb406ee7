package events

import "context"

// Sink consumes batches of events. Implementations must honor ctx deadlines
// and may be invoked repeatedly.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch []Event) error

// Consume implements Sink.
func (f SinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

// Close implements Sink.
func (SinkFunc) Close(context.Context) error { return nil }
