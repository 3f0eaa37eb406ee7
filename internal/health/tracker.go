// Package health tracks component liveness and aggregates pipeline stats.
package health

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/fqdn-intel/internal/clock"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Status is the health of one component.
type Status string

// Component statuses.
const (
	Operational Status = "operational"
	Degraded    Status = "degraded"
	Down        Status = "down"
)

// Overall is the rolled-up system health.
type Overall string

// Overall statuses.
const (
	Healthy  Overall = "healthy"
	Warning  Overall = "degraded"
	Critical Overall = "critical"
)

// Component is one row of a health report.
type Component struct {
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	Details   string     `json:"details"`
	LastCheck *time.Time `json:"last_check"`
}

// TrackerConfig sets the degradation thresholds.
type TrackerConfig struct {
	// DownAfter consecutive failures mark a component down.
	DownAfter int
	// StaleAfter is how long a periodic component may stay silent.
	StaleAfter time.Duration
}

type liveness struct {
	periodic    bool
	registered  time.Time
	lastSuccess time.Time
	lastFailure time.Time
	lastError   string
	streak      int
}

func (l *liveness) lastSeen() time.Time {
	seen := l.registered
	if l.lastSuccess.After(seen) {
		seen = l.lastSuccess
	}
	if l.lastFailure.After(seen) {
		seen = l.lastFailure
	}
	return seen
}

// Tracker records success and failure observations per component.
type Tracker struct {
	mu    sync.Mutex
	cfg   TrackerConfig
	clock intel.Clock
	comps map[string]*liveness
}

// NewTracker creates a Tracker. A nil clock uses the system clock.
func NewTracker(cfg TrackerConfig, clk intel.Clock) *Tracker {
	if cfg.DownAfter <= 0 {
		cfg.DownAfter = 5
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Tracker{cfg: cfg, clock: clk, comps: make(map[string]*liveness)}
}

// Register adds a component so it appears in reports before its first
// observation. Periodic components are degraded when silent beyond
// StaleAfter; on-demand ones (workers, search) are not.
func (t *Tracker) Register(name string, periodic bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.comps[name]; ok {
		l.periodic = periodic
		return
	}
	t.comps[name] = &liveness{periodic: periodic, registered: t.clock.Now()}
}

// Observe records the outcome of one operation. A nil err is a success.
func (t *Tracker) Observe(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	l, ok := t.comps[name]
	if !ok {
		l = &liveness{registered: now}
		t.comps[name] = l
	}
	if err == nil {
		l.lastSuccess = now
		l.streak = 0
		return
	}
	l.lastFailure = now
	l.lastError = err.Error()
	l.streak++
}

// Snapshot returns every component sorted by name.
func (t *Tracker) Snapshot() []Component {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make([]Component, 0, len(t.comps))
	for name, l := range t.comps {
		out = append(out, t.evaluate(name, l, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tracker) evaluate(name string, l *liveness, now time.Time) Component {
	c := Component{Name: name, Status: Operational, Details: "no activity yet"}
	if !l.lastSuccess.IsZero() || !l.lastFailure.IsZero() {
		seen := l.lastSeen()
		c.LastCheck = &seen
	}
	switch {
	case l.streak >= t.cfg.DownAfter:
		c.Status = Down
		c.Details = fmt.Sprintf("%d consecutive failures: %s", l.streak, l.lastError)
	case l.streak > 0:
		c.Status = Degraded
		c.Details = fmt.Sprintf("%d consecutive failures: %s", l.streak, l.lastError)
	case l.periodic && t.cfg.StaleAfter > 0 && now.Sub(l.lastSeen()) > t.cfg.StaleAfter:
		c.Status = Degraded
		c.Details = fmt.Sprintf("no activity for %s", now.Sub(l.lastSeen()).Truncate(time.Second))
	case !l.lastSuccess.IsZero():
		c.Details = "ok"
	}
	return c
}

// Rollup derives the overall status: critical if any component is down,
// healthy if all are operational, otherwise degraded.
func Rollup(comps []Component) Overall {
	overall := Healthy
	for _, c := range comps {
		switch c.Status {
		case Down:
			return Critical
		case Degraded:
			overall = Warning
		}
	}
	return overall
}
