// Package vector provides embedders and an in-process similarity index for
// the knowledge base.
package vector

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	json "github.com/goccy/go-json"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/telemetry"
)

// Embedder providers.
const (
	ProviderHash   = "hash"
	ProviderOllama = "ollama"
)

// DefaultDim is used when no dimension is configured.
const DefaultDim = 384

// Config selects and configures an embedder.
type Config struct {
	Provider string
	Dim      int
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// NewEmbedder builds the configured embedder.
func NewEmbedder(cfg Config) (intel.Embedder, error) {
	if cfg.Dim <= 0 {
		cfg.Dim = DefaultDim
	}
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderHash:
		return NewHashEmbedder(cfg.Dim), nil
	case ProviderOllama:
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unknown embedder %q; expected %q or %q", cfg.Provider, ProviderHash, ProviderOllama)
	}
}

// HashEmbedder hashes tokens and character trigrams into a fixed number of
// signed buckets and L2-normalizes the result. It is deterministic and
// needs no model, which makes it the default for development and tests.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder returns a HashEmbedder of the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDim
	}
	return &HashEmbedder{dim: dim}
}

// Provider implements intel.Embedder.
func (*HashEmbedder) Provider() string { return ProviderHash }

// Dim implements intel.Embedder.
func (h *HashEmbedder) Dim() int { return h.dim }

// Embed implements intel.Embedder.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, tok := range tokenize(text) {
		h.add(vec, tok, 1)
		if len(tok) >= 3 {
			padded := "#" + tok + "#"
			for i := 0; i+3 <= len(padded); i++ {
				h.add(vec, padded[i:i+3], 0.5)
			}
		}
	}
	normalize(vec)
	return vec, nil
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// OllamaEmbedder calls the Ollama embeddings API.
type OllamaEmbedder struct {
	endpoint string
	model    string
	dim      int
	client   *http.Client
}

// NewOllamaEmbedder builds an OllamaEmbedder.
func NewOllamaEmbedder(cfg Config) (*OllamaEmbedder, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("ollama embedder needs endpoint and model")
	}
	if cfg.Dim <= 0 {
		cfg.Dim = DefaultDim
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OllamaEmbedder{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		dim:      cfg.Dim,
		client:   telemetry.HTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}, nil
}

// Provider implements intel.Embedder.
func (*OllamaEmbedder) Provider() string { return ProviderOllama }

// Dim implements intel.Embedder.
func (o *OllamaEmbedder) Dim() int { return o.dim }

// Embed implements intel.Embedder. A vector of the wrong dimension is an
// error so a misconfigured model never pollutes the index.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"model": o.model, "prompt": text})
	if err != nil {
		return nil, intel.Internal("marshal embed request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, intel.Internal("new embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, intel.Transient("embed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, intel.Transient("embed", fmt.Errorf("ollama error %s: %s", resp.Status, strings.TrimSpace(string(payload))))
	}
	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, intel.Transient("decode embedding", err)
	}
	if len(out.Embedding) != o.dim {
		return nil, fmt.Errorf("embedding dim mismatch: %d != %d", len(out.Embedding), o.dim)
	}
	normalize(out.Embedding)
	return out.Embedding, nil
}
