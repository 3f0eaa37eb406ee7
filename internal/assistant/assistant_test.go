package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

type fakeStore struct {
	kb    map[string]intel.KBItem
	items []intel.Item
}

func (f *fakeStore) GetKB(_ context.Context, fqdn string) (intel.KBItem, error) {
	k, ok := f.kb[fqdn]
	if !ok {
		return intel.KBItem{}, intel.NotFoundf("kb item %s not found", fqdn)
	}
	return k, nil
}

func (f *fakeStore) ListItems(_ context.Context, filter intel.ItemFilter) ([]intel.Item, int, error) {
	var out []intel.Item
	for _, it := range f.items {
		if strings.Contains(it.FQDN, filter.Search) {
			out = append(out, it)
		}
	}
	return out, len(out), nil
}

type fakeSearcher struct {
	matches []intel.Match
	err     error
	query   string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ int) ([]intel.Match, error) {
	f.query = query
	return f.matches, f.err
}

type fakeLLM struct {
	prompt string
	answer string
	err    error
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.prompt = prompt
	return f.answer, f.err
}

func newStore() *fakeStore {
	return &fakeStore{
		kb: map[string]intel.KBItem{
			"bank.example": {
				FQDN: "bank.example", Category: "Phishing", IsMalicious: true,
				Summary: "Credential harvesting page imitating a bank.",
			},
			"bank-login.example": {
				FQDN: "bank-login.example", Category: "Phishing", IsMalicious: true,
				Summary: strings.Repeat("kit ", 40),
			},
		},
		items: []intel.Item{
			{FQDN: "bank.example", Status: intel.StatusCompleted},
			{FQDN: "secure-bank.example", Status: intel.StatusDiscovered},
		},
	}
}

func TestKBSearchPutsExactMatchFirst(t *testing.T) {
	t.Parallel()

	search := &fakeSearcher{matches: []intel.Match{
		{FQDN: "bank.example", Score: 0.93},
		{FQDN: "bank-login.example", Score: 0.81},
		{FQDN: "deleted.example", Score: 0.5},
	}}
	svc := New(newStore(), search, nil, nil)

	got, err := svc.Ask(context.Background(), Question{Query: " Bank.Example. ", Mode: ModeKBSearch})
	require.NoError(t, err)
	assert.Equal(t, ModeKBSearch, got.Mode)
	assert.Equal(t, []string{"bank.example", "bank-login.example"}, got.Sources)
	require.Len(t, got.Hits, 2)
	assert.True(t, got.Hits[0].Exact)
	assert.InDelta(t, 1.0, got.Hits[0].Score, 1e-9)
	assert.False(t, got.Hits[1].Exact)
	assert.Equal(t, OriginKB, got.Hits[1].Origin)
	assert.True(t, strings.HasPrefix(got.Answer, "Knowledge base lookup results"))
	assert.Contains(t, got.Answer, "EXACT MATCH\nDomain: bank.example")
	assert.Contains(t, got.Answer, "...", "long summaries are cut")
	assert.Equal(t, "Bank.Example.", search.query)
}

func TestKBSearchWithoutResults(t *testing.T) {
	t.Parallel()

	svc := New(newStore(), &fakeSearcher{}, nil, nil)
	got, err := svc.Ask(context.Background(), Question{Query: "unknown.example", Mode: ModeKBSearch})
	require.NoError(t, err)
	assert.Empty(t, got.Hits)
	assert.NotNil(t, got.Hits)
	assert.Equal(t, "No matching entries found in the knowledge base.", got.Answer)
}

func TestKBSearchDegradesWhenIndexFails(t *testing.T) {
	t.Parallel()

	svc := New(newStore(), &fakeSearcher{err: errors.New("index offline")}, nil, nil)
	got, err := svc.Ask(context.Background(), Question{Query: "bank.example", Mode: ModeKBSearch})
	require.NoError(t, err)
	assert.Equal(t, []string{"bank.example"}, got.Sources)
}

func TestRAGFeedsRetrievedRowsToModel(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{answer: "bank.example is a phishing site."}
	search := &fakeSearcher{matches: []intel.Match{{FQDN: "bank.example", Score: 0.9}}}
	svc := New(newStore(), search, llm, nil)

	got, err := svc.Ask(context.Background(), Question{Query: "Is any secure bank site malicious?"})
	require.NoError(t, err)
	assert.Equal(t, ModeRAG, got.Mode)
	assert.Equal(t, "bank.example is a phishing site.", got.Answer)
	assert.Equal(t, []string{"bank.example", "secure-bank.example"}, got.Sources)
	require.Len(t, got.Hits, 2)
	assert.Equal(t, OriginPipeline, got.Hits[1].Origin)
	assert.Equal(t, intel.StatusDiscovered, got.Hits[1].Status)

	assert.Contains(t, llm.prompt, `Question: "Is any secure bank site malicious?"`)
	assert.Contains(t, llm.prompt, "- [KB] Domain: bank.example, Category: Phishing, Malicious: true, Score: 0.90")
	assert.Contains(t, llm.prompt, "- [Pipeline] Domain: secure-bank.example, Status: DISCOVERED")
}

func TestRAGWithNothingRetrieved(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{answer: "Nothing known."}
	svc := New(&fakeStore{}, &fakeSearcher{}, llm, nil)
	got, err := svc.Ask(context.Background(), Question{Query: "anything?", Mode: ModeRAG})
	require.NoError(t, err)
	assert.Empty(t, got.Sources)
	assert.Contains(t, llm.prompt, "No intelligence found.")
}

func TestAskErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := New(newStore(), &fakeSearcher{}, nil, nil)

	_, err := svc.Ask(ctx, Question{Query: "  "})
	assert.Equal(t, intel.KindValidation, intel.KindOf(err))
	_, err = svc.Ask(ctx, Question{Query: "x", Mode: "summarize"})
	assert.Equal(t, intel.KindValidation, intel.KindOf(err))
	_, err = svc.Ask(ctx, Question{Query: "x"})
	assert.Equal(t, intel.KindValidation, intel.KindOf(err), "rag without a model")

	failing := New(newStore(), &fakeSearcher{}, &fakeLLM{err: intel.Transient("complete", errors.New("down"))}, nil)
	_, err = failing.Ask(ctx, Question{Query: "x"})
	require.ErrorIs(t, err, intel.ErrTransient)
}
