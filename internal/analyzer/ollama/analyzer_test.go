package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

func newServer(t *testing.T, handler func(w http.ResponseWriter, req generateRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func reply(w http.ResponseWriter, model, response string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(generateResponse{Model: model, Response: response})
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	seen := make(chan generateRequest, 1)
	srv := newServer(t, func(w http.ResponseWriter, req generateRequest) {
		seen <- req
		reply(w, "llama3:latest", `{"category":"Phishing","is_malicious":true,"confidence":0.92,"summary":"Fake bank login."}`)
	})
	a, err := New(Config{Endpoint: srv.URL + "/", Model: "llama3:latest", Timeout: time.Second, MaxInputChars: 10})
	require.NoError(t, err)
	fixed := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	got, err := a.Analyze(context.Background(), intel.AnalysisRequest{
		FQDN:    "bank-login.example",
		Title:   "Sign in",
		Content: "0123456789ABCDEF",
		Categories: []intel.Category{
			{Name: "Phishing", Description: "credential theft"},
			{Name: "Benign"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, intel.Analysis{
		Category: "Phishing", IsMalicious: true, Confidence: 0.92,
		Summary: "Fake bank login.", Model: "llama3:latest", AnalyzedAt: fixed,
	}, got)

	sent := <-seen
	assert.Equal(t, "json", sent.Format)
	assert.False(t, sent.Stream)
	assert.Contains(t, sent.Prompt, "- Phishing: credential theft")
	assert.Contains(t, sent.Prompt, "- Benign\n")
	assert.Contains(t, sent.Prompt, "0123456789\n")
	assert.NotContains(t, sent.Prompt, "ABCDEF", "content is truncated")
}

func TestAnalyzeAcceptsLegacyShapes(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ generateRequest) {
		reply(w, "", `[{"category_main":"Gambling","is_malicious":"false","summary":"Casino.","confidence":87}]`)
	})
	a, err := New(Config{Endpoint: srv.URL, Model: "m"})
	require.NoError(t, err)

	got, err := a.Analyze(context.Background(), intel.AnalysisRequest{FQDN: "casino.example"})
	require.NoError(t, err)
	assert.Equal(t, "Gambling", got.Category)
	assert.False(t, got.IsMalicious)
	assert.InDelta(t, 0.87, got.Confidence, 1e-9)
	assert.Equal(t, "m", got.Model)
}

func TestAnalyzeErrors(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		status = http.StatusInternalServerError
		output = `{}`
	)
	set := func(code int, out string) {
		mu.Lock()
		defer mu.Unlock()
		status, output = code, out
	}
	srv := newServer(t, func(w http.ResponseWriter, _ generateRequest) {
		mu.Lock()
		code, out := status, output
		mu.Unlock()
		if code != http.StatusOK {
			http.Error(w, "model not loaded", code)
			return
		}
		reply(w, "m", out)
	})
	a, err := New(Config{Endpoint: srv.URL, Model: "m"})
	require.NoError(t, err)
	req := intel.AnalysisRequest{FQDN: "x.example"}

	_, err = a.Analyze(context.Background(), req)
	require.ErrorIs(t, err, intel.ErrTransient)
	assert.Contains(t, err.Error(), "model not loaded")

	set(http.StatusBadRequest, `{}`)
	_, err = a.Analyze(context.Background(), req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, intel.ErrTransient)

	set(http.StatusOK, `{}`)
	_, err = a.Analyze(context.Background(), req)
	require.ErrorIs(t, err, intel.ErrTransient, "empty verdict")

	set(http.StatusOK, `{"result":{"category":"Benign","summary":"ok"}}`)
	got, err := a.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Benign", got.Category)
	assert.InDelta(t, 0.5, got.Confidence, 1e-9)
}

func TestCompleteReturnsFreeText(t *testing.T) {
	t.Parallel()

	seen := make(chan generateRequest, 1)
	srv := newServer(t, func(w http.ResponseWriter, req generateRequest) {
		seen <- req
		reply(w, "m", "  bank.example is a known phishing kit host.\n")
	})
	a, err := New(Config{Endpoint: srv.URL, Model: "m", Timeout: time.Second})
	require.NoError(t, err)

	got, err := a.Complete(context.Background(), "What is bank.example?")
	require.NoError(t, err)
	assert.Equal(t, "bank.example is a known phishing kit host.", got)

	sent := <-seen
	assert.Empty(t, sent.Format)
	assert.Equal(t, "What is bank.example?", sent.Prompt)
}

func TestCompleteSurfacesModelErrors(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ generateRequest) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(generateResponse{Error: "model not found"})
	})
	a, err := New(Config{Endpoint: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = a.Complete(context.Background(), "hi")
	require.ErrorIs(t, err, intel.ErrTransient)
	assert.Contains(t, err.Error(), "model not found")
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Model: "m"})
	require.Error(t, err)
	_, err = New(Config{Endpoint: "http://localhost:11434"})
	require.Error(t, err)
}

func TestClamp(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0.0, clamp(-1), 1e-9)
	assert.InDelta(t, 0.3, clamp(0.3), 1e-9)
	assert.InDelta(t, 0.5, clamp(50), 1e-9)
	assert.InDelta(t, 1.0, clamp(1000), 1e-9)
}
