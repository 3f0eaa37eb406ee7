package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/fqdn-intel/internal/events"
)

// PrometheusSink exports pipeline transition counters.
type PrometheusSink struct {
	transitions   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	feedAdmitted  *prometheus.CounterVec
	vectorSync    *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fqdnintel_item_transitions_total",
			Help: "Item state transitions partitioned by event kind and target status.",
		}, []string{"kind", "to"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fqdnintel_stage_duration_seconds",
			Help:    "Wall time from claim to completion or failure, by stage and result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage", "result"}),
		feedAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fqdnintel_feed_items_admitted_total",
			Help: "Items admitted by feed fetch cycles.",
		}, []string{"feed_id"}),
		vectorSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fqdnintel_vector_sync_total",
			Help: "Vector index writes partitioned by result.",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{s.transitions, s.stageDuration, s.feedAdmitted, s.vectorSync} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case events.KindFeedFetched:
			s.feedAdmitted.WithLabelValues(evt.FeedID).Add(float64(evt.Count))
		case events.KindVectorIndexed:
			s.vectorSync.WithLabelValues("indexed").Inc()
		case events.KindVectorFailed:
			s.vectorSync.WithLabelValues("error").Inc()
		case events.KindKBEdited:
		default:
			s.transitions.WithLabelValues(string(evt.Kind), string(evt.To)).Inc()
			s.observeStage(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) observeStage(evt events.Event) {
	if evt.Dur <= 0 || evt.Stage == "" {
		return
	}
	switch evt.Kind {
	case events.KindCompleted:
		s.stageDuration.WithLabelValues(string(evt.Stage), "success").Observe(evt.Dur.Seconds())
	case events.KindFailed:
		s.stageDuration.WithLabelValues(string(evt.Stage), "error").Observe(evt.Dur.Seconds())
	}
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
