// Package policy implements the allow/deny gate applied at admission.
//
// Three pattern forms are understood:
//
//	example.com     the domain itself and every subdomain
//	*.example.com   subdomains only
//	malware         no dot: substring match anywhere in the FQDN
//
// The longest matching pattern wins; on a tie WHITELIST beats BLACKLIST.
// A WHITELIST match yields FORCE, a BLACKLIST match DENY, no match ALLOW.
package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

type entry struct {
	white bool
	black bool
}

func (e *entry) add(t intel.PolicyType) {
	if t == intel.Whitelist {
		e.white = true
		return
	}
	e.black = true
}

type keyword struct {
	pattern string
	entry
}

// Ruleset is an immutable compiled rule table.
type Ruleset struct {
	domains   map[string]entry
	wildcards map[string]entry
	keywords  []keyword
	size      int
}

// Compile builds a Ruleset from store policies and file blocklist patterns.
// Patterns that fail normalization are skipped.
func Compile(policies []intel.Policy, blocklist []string) *Ruleset {
	rs := &Ruleset{
		domains:   make(map[string]entry),
		wildcards: make(map[string]entry),
	}
	keywords := map[string]entry{}
	add := func(raw string, t intel.PolicyType) {
		p, err := intel.NormalizePattern(raw)
		if err != nil {
			return
		}
		rs.size++
		switch {
		case strings.HasPrefix(p, "*."):
			e := rs.wildcards[p[2:]]
			e.add(t)
			rs.wildcards[p[2:]] = e
		case strings.Contains(p, "."):
			e := rs.domains[p]
			e.add(t)
			rs.domains[p] = e
		default:
			e := keywords[p]
			e.add(t)
			keywords[p] = e
		}
	}
	for _, p := range policies {
		add(p.Pattern, p.Type)
	}
	for _, p := range blocklist {
		add(p, intel.Blacklist)
	}
	for p, e := range keywords {
		rs.keywords = append(rs.keywords, keyword{pattern: p, entry: e})
	}
	return rs
}

// Len returns the number of compiled rules.
func (rs *Ruleset) Len() int {
	if rs == nil {
		return 0
	}
	return rs.size
}

type match struct {
	pattern string
	entry
}

func (m *match) consider(pattern string, e entry) {
	if len(pattern) > len(m.pattern) {
		m.pattern, m.entry = pattern, e
		return
	}
	if len(pattern) == len(m.pattern) && e.white && !m.white {
		m.pattern, m.entry = pattern, e
	}
}

// Evaluate returns the verdict for an already normalized FQDN.
func (rs *Ruleset) Evaluate(fqdn string) intel.Verdict {
	if rs == nil || fqdn == "" {
		return intel.Verdict{Decision: intel.Allow}
	}
	var best match
	suffix := fqdn
	for first := true; ; first = false {
		if e, ok := rs.domains[suffix]; ok {
			best.consider(suffix, e)
		}
		if !first {
			if e, ok := rs.wildcards[suffix]; ok {
				best.consider("*."+suffix, e)
			}
		}
		i := strings.IndexByte(suffix, '.')
		if i < 0 {
			break
		}
		suffix = suffix[i+1:]
	}
	for _, k := range rs.keywords {
		if strings.Contains(fqdn, k.pattern) {
			best.consider(k.pattern, k.entry)
		}
	}
	switch {
	case best.pattern == "":
		return intel.Verdict{Decision: intel.Allow}
	case best.white:
		return intel.Verdict{Decision: intel.Force, Pattern: best.pattern, Type: intel.Whitelist}
	default:
		return intel.Verdict{Decision: intel.Deny, Pattern: best.pattern, Type: intel.Blacklist}
	}
}

// Engine serves verdicts from the latest compiled Ruleset. Reload swaps the
// table atomically so Evaluate never blocks.
type Engine struct {
	store     intel.PolicyStore
	blocklist string
	logger    *zap.Logger

	reloadMu sync.Mutex
	rules    atomic.Pointer[Ruleset]
}

var _ intel.PolicyEvaluator = (*Engine)(nil)

// NewEngine creates an Engine. blocklistPath may be empty.
func NewEngine(store intel.PolicyStore, blocklistPath string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{store: store, blocklist: blocklistPath, logger: logger}
	e.rules.Store(Compile(nil, nil))
	return e
}

// Evaluate returns the verdict for fqdn under the current rules.
func (e *Engine) Evaluate(fqdn string) intel.Verdict {
	return e.rules.Load().Evaluate(fqdn)
}

// Rules returns the current compiled table.
func (e *Engine) Rules() *Ruleset {
	return e.rules.Load()
}

// Reload rebuilds the rules from the store and the blocklist file. On error
// the previous rules stay in effect.
func (e *Engine) Reload(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	policies, err := e.store.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	var blocked []string
	if e.blocklist != "" {
		blocked, err = LoadBlocklist(e.blocklist)
		if err != nil {
			return fmt.Errorf("load blocklist: %w", err)
		}
	}
	rs := Compile(policies, blocked)
	e.rules.Store(rs)
	e.logger.Info("policy rules reloaded",
		zap.Int("policies", len(policies)),
		zap.Int("blocklist_entries", len(blocked)),
		zap.Int("rules", rs.Len()),
	)
	return nil
}
