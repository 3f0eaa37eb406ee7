package sinks

import (
	"context"

	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Enqueuer schedules a KB row for vector synchronization.
type Enqueuer interface {
	Enqueue(ctx context.Context, fqdn string)
}

// SyncSink triggers the synchronizer for items that reach COMPLETED.
type SyncSink struct {
	sync Enqueuer
}

// NewSyncSink creates a SyncSink.
func NewSyncSink(e Enqueuer) *SyncSink {
	return &SyncSink{sync: e}
}

// Consume implements events.Sink.
func (s *SyncSink) Consume(ctx context.Context, batch []events.Event) error {
	for _, evt := range batch {
		if evt.Kind == events.KindCompleted && evt.To == intel.StatusCompleted {
			s.sync.Enqueue(ctx, evt.FQDN)
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *SyncSink) Close(context.Context) error {
	return nil
}
