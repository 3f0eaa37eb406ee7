package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/fqdn-intel/internal/events"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// PublishSink forwards selected events to a Publisher topic.
type PublishSink struct {
	pub   intel.Publisher
	topic string
	kinds map[events.Kind]bool
}

// NewPublishSink publishes events of the given kinds, or all kinds when none
// are listed.
func NewPublishSink(pub intel.Publisher, topic string, kinds ...events.Kind) *PublishSink {
	s := &PublishSink{pub: pub, topic: topic}
	if len(kinds) > 0 {
		s.kinds = make(map[events.Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	return s
}

// Consume publishes each matching event. It keeps going after a failure and
// returns the joined errors.
func (s *PublishSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		if s.kinds != nil && !s.kinds[evt.Kind] {
			continue
		}
		if _, err := s.pub.Publish(ctx, s.topic, evt); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements events.Sink.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
