// Package events carries pipeline transitions from the stores and workers to
// the sinks that react to them (logs, metrics, Pub/Sub, the KB synchronizer).
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Kind names the transition an Event describes.
type Kind string

// Supported event kinds.
const (
	KindAdmitted      Kind = "ITEM_ADMITTED"
	KindClaimed       Kind = "ITEM_CLAIMED"
	KindCompleted     Kind = "ITEM_COMPLETED"
	KindFailed        Kind = "ITEM_FAILED"
	KindBlocked       Kind = "ITEM_BLOCKED"
	KindReverted      Kind = "ITEM_REVERTED"
	KindRequeued      Kind = "ITEM_REQUEUED"
	KindFeedFetched   Kind = "FEED_FETCHED"
	KindKBEdited      Kind = "KB_EDITED"
	KindVectorIndexed Kind = "VECTOR_INDEXED"
	KindVectorFailed  Kind = "VECTOR_FAILED"
)

// Event captures a single pipeline transition.
type Event struct {
	Kind     Kind         `json:"kind"`
	TS       time.Time    `json:"ts"`
	ItemID   string       `json:"item_id,omitempty"`
	FQDN     string       `json:"fqdn,omitempty"`
	Stage    intel.Stage  `json:"stage,omitempty"`
	From     intel.Status `json:"from,omitempty"`
	To       intel.Status `json:"to,omitempty"`
	WorkerID string       `json:"worker_id,omitempty"`
	FeedID   string       `json:"feed_id,omitempty"`
	// Count carries admitted items for feed events.
	Count int `json:"count,omitempty"`
	// Dur is the stage latency for completions and failures.
	Dur  time.Duration `json:"dur,omitempty"`
	Note string        `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindAdmitted, KindClaimed, KindCompleted, KindFailed, KindBlocked, KindReverted, KindRequeued:
		if e.ItemID == "" {
			return fmt.Errorf("%s requires item id", e.Kind)
		}
	case KindFeedFetched:
		if e.FeedID == "" {
			return errors.New("feed event requires feed id")
		}
	case KindKBEdited, KindVectorIndexed, KindVectorFailed:
		if e.FQDN == "" {
			return fmt.Errorf("%s requires fqdn", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Emitter publishes individual events. Hub satisfies it so producers stay
// agnostic about buffering; Nop discards.
type Emitter interface {
	Emit(evt Event)
}

// Nop is an Emitter that drops everything.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// OrNop returns e, or Nop when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}

// ItemEvent builds an item transition event. The stage is taken from the
// source status when it belongs to one, else from the new status.
func ItemEvent(kind Kind, item intel.Item, from intel.Status, now time.Time) Event {
	evt := Event{
		Kind:   kind,
		TS:     now,
		ItemID: item.ID,
		FQDN:   item.FQDN,
		From:   from,
		To:     item.Status,
	}
	if st, ok := intel.StageOf(from); ok {
		evt.Stage = st
	} else if st, ok := intel.StageOf(item.Status); ok {
		evt.Stage = st
	}
	if item.Lease != nil {
		evt.WorkerID = item.Lease.WorkerID
	}
	return evt
}
