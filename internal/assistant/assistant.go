// Package assistant answers analyst questions from the knowledge base, either
// as a direct lookup or by handing the retrieved rows to the language model.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/fqdn-intel/internal/fetcher/htmltext"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

// Mode selects how a question is answered.
type Mode string

// Supported modes.
const (
	ModeRAG      Mode = "rag"
	ModeKBSearch Mode = "kb-search"
)

const (
	searchK       = 5
	pipelineLimit = 5
	minKeywordLen = 4
	snippetLen    = 100
)

// Question is one analyst request.
type Question struct {
	Query string `json:"query"`
	Mode  Mode   `json:"mode"`
}

// Hit is a piece of retrieved intelligence. Pipeline hits are items that
// have not reached the knowledge base yet.
type Hit struct {
	FQDN        string       `json:"fqdn"`
	Origin      string       `json:"origin"`
	Exact       bool         `json:"exact,omitempty"`
	Score       float64      `json:"score,omitempty"`
	Category    string       `json:"category,omitempty"`
	IsMalicious bool         `json:"is_malicious"`
	Summary     string       `json:"summary,omitempty"`
	Status      intel.Status `json:"status,omitempty"`
}

// Hit origins.
const (
	OriginKB       = "kb"
	OriginPipeline = "pipeline"
)

// Answer is the response to a Question.
type Answer struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
	Mode    Mode     `json:"mode"`
	Hits    []Hit    `json:"hits"`
}

// Store reads KB rows and pipeline items.
type Store interface {
	GetKB(ctx context.Context, fqdn string) (intel.KBItem, error)
	ListItems(ctx context.Context, filter intel.ItemFilter) ([]intel.Item, int, error)
}

// Searcher runs semantic search over the vector index.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]intel.Match, error)
}

// Completer produces free text from a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Service answers questions.
type Service struct {
	store    Store
	searcher Searcher
	llm      Completer
	logger   *zap.Logger
}

// New creates a Service. llm may be nil, in which case only kb-search works.
func New(store Store, searcher Searcher, llm Completer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, searcher: searcher, llm: llm, logger: logger}
}

// Ask answers q. An empty mode means rag.
func (s *Service) Ask(ctx context.Context, q Question) (Answer, error) {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return Answer{}, intel.Validationf("query is required")
	}
	switch q.Mode {
	case "", ModeRAG:
		return s.rag(ctx, q.Query)
	case ModeKBSearch:
		return s.kbSearch(ctx, q.Query)
	default:
		return Answer{}, intel.Validationf("unknown mode %q", q.Mode)
	}
}

func (s *Service) kbSearch(ctx context.Context, query string) (Answer, error) {
	hits := make([]Hit, 0, searchK+1)
	if fqdn, err := intel.NormalizeFQDN(query); err == nil {
		k, err := s.store.GetKB(ctx, fqdn)
		switch {
		case err == nil:
			hit := kbHit(k, 1)
			hit.Exact = true
			hits = append(hits, hit)
		case !errors.Is(err, intel.ErrNotFound):
			return Answer{}, fmt.Errorf("exact lookup: %w", err)
		}
	}
	similar, err := s.similar(ctx, query)
	if err != nil {
		return Answer{}, err
	}
	hits = merge(hits, similar)

	out := Answer{Mode: ModeKBSearch, Hits: hits, Sources: sources(hits)}
	if len(hits) == 0 {
		out.Answer = "No matching entries found in the knowledge base."
		return out, nil
	}
	var b strings.Builder
	b.WriteString("Knowledge base lookup results\n\n")
	for _, h := range hits {
		if h.Exact {
			b.WriteString("EXACT MATCH\n")
		}
		fmt.Fprintf(&b, "Domain: %s\n- Category: %s\n- Malicious: %t\n- Similarity: %.4f\n- Summary: %s\n\n",
			h.FQDN, h.Category, h.IsMalicious, h.Score, snippet(h.Summary))
	}
	out.Answer = strings.TrimRight(b.String(), "\n")
	return out, nil
}

func (s *Service) rag(ctx context.Context, query string) (Answer, error) {
	if s.llm == nil {
		return Answer{}, intel.Validationf("rag mode needs a language model")
	}
	hits, err := s.similar(ctx, query)
	if err != nil {
		return Answer{}, err
	}
	pending, err := s.pipeline(ctx, query, sources(hits))
	if err != nil {
		return Answer{}, err
	}
	hits = append(append(make([]Hit, 0, len(hits)+len(pending)), hits...), pending...)

	text, err := s.llm.Complete(ctx, ragPrompt(query, hits))
	if err != nil {
		return Answer{}, fmt.Errorf("rag completion: %w", err)
	}
	return Answer{Answer: text, Sources: sources(hits), Mode: ModeRAG, Hits: hits}, nil
}

// similar runs semantic search and joins each match with its KB row. Matches
// whose row has been deleted are skipped. A failing vector index degrades to
// no results.
func (s *Service) similar(ctx context.Context, query string) ([]Hit, error) {
	matches, err := s.searcher.Search(ctx, query, searchK)
	if err != nil {
		s.logger.Warn("semantic search failed", zap.String("query", query), zap.Error(err))
		return nil, nil
	}
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		k, err := s.store.GetKB(ctx, m.FQDN)
		if errors.Is(err, intel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load kb item %s: %w", m.FQDN, err)
		}
		hits = append(hits, kbHit(k, m.Score))
	}
	return hits, nil
}

// pipeline finds items matching the query's longer words that are not
// already among the KB hits.
func (s *Service) pipeline(ctx context.Context, query string, known []string) ([]Hit, error) {
	seen := make(map[string]bool, len(known))
	for _, f := range known {
		seen[f] = true
	}
	var out []Hit
	for _, word := range strings.Fields(strings.ToLower(query)) {
		word = strings.Trim(word, `?!.,;:"'()`)
		if len(word) < minKeywordLen {
			continue
		}
		items, _, err := s.store.ListItems(ctx, intel.ItemFilter{Search: word, Limit: pipelineLimit})
		if err != nil {
			return nil, fmt.Errorf("search pipeline: %w", err)
		}
		for _, it := range items {
			if seen[it.FQDN] {
				continue
			}
			seen[it.FQDN] = true
			out = append(out, Hit{FQDN: it.FQDN, Origin: OriginPipeline, Status: it.Status})
			if len(out) == pipelineLimit {
				return out, nil
			}
		}
	}
	return out, nil
}

func ragPrompt(query string, hits []Hit) string {
	var b strings.Builder
	b.WriteString("You are a cyber threat intelligence analyst.\n")
	fmt.Fprintf(&b, "Question: %q\n\nRetrieved intelligence:\n", query)
	if len(hits) == 0 {
		b.WriteString("No intelligence found.\n")
	}
	for _, h := range hits {
		if h.Origin == OriginPipeline {
			fmt.Fprintf(&b, "- [Pipeline] Domain: %s, Status: %s (not yet indexed)\n", h.FQDN, h.Status)
			continue
		}
		fmt.Fprintf(&b, "- [KB] Domain: %s, Category: %s, Malicious: %t, Score: %.2f\n  Summary: %s\n",
			h.FQDN, h.Category, h.IsMalicious, h.Score, h.Summary)
	}
	b.WriteString("\nPrefer knowledge base entries. Explain that pipeline entries are still being processed. " +
		"Answer clearly for a security analyst and say so when nothing relevant was found.")
	return b.String()
}

func kbHit(k intel.KBItem, score float64) Hit {
	return Hit{
		FQDN:        k.FQDN,
		Origin:      OriginKB,
		Score:       score,
		Category:    k.Category,
		IsMalicious: k.IsMalicious,
		Summary:     k.Summary,
	}
}

func merge(first, rest []Hit) []Hit {
	seen := make(map[string]bool, len(first))
	for _, h := range first {
		seen[h.FQDN] = true
	}
	for _, h := range rest {
		if !seen[h.FQDN] {
			seen[h.FQDN] = true
			first = append(first, h)
		}
	}
	return first
}

func sources(hits []Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.FQDN)
	}
	return out
}

func snippet(s string) string {
	if len(s) <= snippetLen {
		return s
	}
	return htmltext.Truncate(s, snippetLen) + "..."
}
