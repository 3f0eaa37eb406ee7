// Package ollama classifies crawled pages with a model served by Ollama.
package ollama

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/JakeFAU/fqdn-intel/internal/fetcher/htmltext"
	"github.com/JakeFAU/fqdn-intel/internal/intel"
	"github.com/JakeFAU/fqdn-intel/internal/metrics"
	"github.com/JakeFAU/fqdn-intel/internal/policy/ratelimit"
	"github.com/JakeFAU/fqdn-intel/internal/telemetry"
)

// Component is the health component name for the analyzer.
const Component = "analyzer"

// Config configures the client.
type Config struct {
	Endpoint      string
	Model         string
	Timeout       time.Duration
	RPS           float64
	MaxInputChars int
}

// Analyzer implements intel.Analyzer against the Ollama generate API.
type Analyzer struct {
	cfg     Config
	client  *http.Client
	limiter *ratelimit.Global
	now     func() time.Time
}

var _ intel.Analyzer = (*Analyzer)(nil)

// New builds an Analyzer.
func New(cfg Config) (*Analyzer, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("analyzer endpoint is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("analyzer model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 2000
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &Analyzer{
		cfg:     cfg,
		client:  telemetry.HTTPClient(&http.Client{Timeout: cfg.Timeout}),
		limiter: ratelimit.NewGlobal(ratelimit.Config{Name: "analyzer", RPS: cfg.RPS, Burst: 1}),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Error    string `json:"error"`
}

// verdict is the JSON object the model is asked to produce.
type verdict struct {
	Category     string   `json:"category"`
	CategoryMain string   `json:"category_main"`
	IsMalicious  boolish  `json:"is_malicious"`
	Confidence   *float64 `json:"confidence"`
	Summary      string   `json:"summary"`
}

// boolish accepts true/false as JSON booleans or strings.
type boolish bool

func (b *boolish) UnmarshalJSON(data []byte) error {
	switch strings.ToLower(strings.Trim(string(data), `" `)) {
	case "true", "yes", "1":
		*b = true
	default:
		*b = false
	}
	return nil
}

// Analyze asks the model to classify req. Transport failures, 5xx
// responses and unparseable model output are transient.
func (a *Analyzer) Analyze(ctx context.Context, req intel.AnalysisRequest) (intel.Analysis, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "analyzer.ollama")
	defer span.End()
	span.SetAttributes(attribute.String("fqdn", req.FQDN), attribute.String("model", a.cfg.Model))

	out, err := a.analyze(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		metrics.ObserveAnalysis("error")
		return intel.Analysis{}, err
	}
	metrics.ObserveAnalysis("ok")
	return out, nil
}

func (a *Analyzer) analyze(ctx context.Context, req intel.AnalysisRequest) (intel.Analysis, error) {
	gen, err := a.generate(ctx, "analyze "+req.FQDN, a.prompt(req), "json")
	if err != nil {
		return intel.Analysis{}, err
	}
	v, err := parseVerdict(gen.Response)
	if err != nil {
		return intel.Analysis{}, intel.Transient("parse model output", err)
	}

	model := gen.Model
	if model == "" {
		model = a.cfg.Model
	}
	out := intel.Analysis{
		Category:    strings.TrimSpace(v.Category),
		IsMalicious: bool(v.IsMalicious),
		Confidence:  0.5,
		Summary:     strings.TrimSpace(v.Summary),
		Model:       model,
		AnalyzedAt:  a.now(),
	}
	if out.Category == "" {
		out.Category = strings.TrimSpace(v.CategoryMain)
	}
	if v.Confidence != nil {
		out.Confidence = clamp(*v.Confidence)
	}
	return out, nil
}

// Complete sends a free-form prompt and returns the model's plain text answer.
func (a *Analyzer) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "analyzer.ollama.complete")
	defer span.End()
	span.SetAttributes(attribute.String("model", a.cfg.Model))

	gen, err := a.generate(ctx, "complete", prompt, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", err
	}
	return strings.TrimSpace(gen.Response), nil
}

// generate posts one non-streaming request to /api/generate. An empty format
// asks for free text.
func (a *Analyzer) generate(ctx context.Context, op, prompt, format string) (generateResponse, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return generateResponse{}, fmt.Errorf("analyzer rate limit: %w", err)
	}
	body, err := json.Marshal(generateRequest{
		Model:  a.cfg.Model,
		Prompt: prompt,
		Stream: false,
		Format: format,
	})
	if err != nil {
		return generateResponse{}, intel.Internal("marshal generate request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return generateResponse{}, intel.Internal("new generate request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return generateResponse{}, intel.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("ollama error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return generateResponse{}, intel.Transient(op, err)
		}
		return generateResponse{}, fmt.Errorf("%s: %w", op, err)
	}

	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return generateResponse{}, intel.Transient("decode ollama response", err)
	}
	if gen.Error != "" {
		return generateResponse{}, intel.Transient(op, fmt.Errorf("ollama: %s", gen.Error))
	}
	return gen, nil
}

func (a *Analyzer) prompt(req intel.AnalysisRequest) string {
	var b strings.Builder
	b.WriteString("You classify websites for a threat intelligence knowledge base.\n")
	if len(req.Categories) > 0 {
		b.WriteString("Choose exactly one category from this list:\n")
		for _, c := range req.Categories {
			fmt.Fprintf(&b, "- %s", c.Name)
			if c.Description != "" {
				fmt.Fprintf(&b, ": %s", c.Description)
			}
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "\nSite: %s\n", req.FQDN)
	if req.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", htmltext.Truncate(req.Title, 200))
	}
	fmt.Fprintf(&b, "Content:\n%s\n\n", htmltext.Truncate(req.Content, a.cfg.MaxInputChars))
	b.WriteString(`Respond with a JSON object with keys "category" (string), "is_malicious" (boolean), ` +
		`"confidence" (number between 0 and 1) and "summary" (one or two sentences).`)
	return b.String()
}

// parseVerdict decodes the model output, unwrapping a single-element list or
// a {"result": {...}} style wrapper.
func parseVerdict(raw string) (verdict, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return verdict{}, fmt.Errorf("empty model output")
	}
	var v verdict
	if strings.HasPrefix(raw, "[") {
		var list []verdict
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return verdict{}, err
		}
		if len(list) == 0 {
			return verdict{}, fmt.Errorf("empty verdict list")
		}
		v = list[0]
	} else if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return verdict{}, err
	}
	if v.Category == "" && v.CategoryMain == "" && v.Summary == "" {
		var wrapped map[string]verdict
		if err := json.Unmarshal([]byte(raw), &wrapped); err == nil {
			for _, inner := range wrapped {
				if inner.Category != "" || inner.CategoryMain != "" {
					return inner, nil
				}
			}
		}
		return verdict{}, fmt.Errorf("model output has no category or summary")
	}
	return v, nil
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		// Some models answer in percent.
		if f <= 100 {
			return f / 100
		}
		return 1
	}
	return f
}
