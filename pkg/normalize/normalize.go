// Package normalize drives the language model that rewrites French
// sentences into the 4-8 word target form. It batches sentences per
// tier, enforces JSON output, and degrades from batch calls to
// per-sentence calls when a batch misbehaves.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/fx"
	"golang.org/x/time/rate"

	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/pkg/llm/vertex"
	"github.com/phraseforge/phraseforge/pkg/logger"
	"github.com/phraseforge/phraseforge/pkg/tier"
)

// Module provides the normalizer via fx.
var Module = fx.Module("normalize",
	fx.Provide(NewModel),
	fx.Provide(NewNormalizer),
)

// Model is the slice of the Vertex client the normalizer needs.
type Model interface {
	Generate(ctx context.Context, req vertex.GenerateRequest) (*vertex.GenerateResult, error)
	IsConfigured() bool
}

// NewModel builds the Vertex client from config. When the LLM is not
// configured (tests, local dev without credentials) it returns a
// disabled stub and every normalization call fails fatally.
func NewModel(cfg *config.Config, log *slog.Logger) (Model, error) {
	if !cfg.LLM.IsEnabled() {
		log.Warn("LLM disabled, normalization calls will fail")
		return disabledModel{}, nil
	}

	client, err := vertex.NewClient(context.Background(), vertex.Config{
		ProjectID:       cfg.LLM.GCPProjectID,
		Location:        cfg.LLM.VertexAILocation,
		Model:           cfg.LLM.Model,
		Timeout:         cfg.LLM.Timeout,
		Temperature:     cfg.LLM.Temperature,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
	},
		vertex.WithMaxRetries(cfg.Normalize.MaxRetries),
		vertex.WithBaseDelay(cfg.Normalize.BaseDelay),
		vertex.WithMaxDelay(cfg.Normalize.MaxDelay),
		vertex.WithLogger(log.With(logger.Scope("vertex"))),
	)
	if err != nil {
		return nil, fmt.Errorf("create vertex client: %w", err)
	}
	return client, nil
}

type disabledModel struct{}

func (disabledModel) Generate(ctx context.Context, req vertex.GenerateRequest) (*vertex.GenerateResult, error) {
	return nil, errors.New("llm provider not configured")
}

func (disabledModel) IsConfigured() bool { return false }

// Result is the output of normalizing one batch of sentences.
type Result struct {
	// Sentences is the flat list of normalized sentences. Heavy-tier
	// inputs may each expand to several outputs.
	Sentences []string

	// TokensUsed sums model-reported token usage over all calls.
	TokensUsed int64

	// Calls counts model invocations, including fallback calls.
	Calls int

	// FallbackUsed is true when the batch degraded to per-sentence calls.
	FallbackUsed bool
}

// Normalizer rewrites sentences via the model.
type Normalizer struct {
	model     Model
	limiter   *rate.Limiter
	batchSize int
	timeout   config.NormalizeConfig
	log       *slog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(cfg *config.Config, model Model, log *slog.Logger) *Normalizer {
	var limiter *rate.Limiter
	if cfg.Normalize.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Normalize.RatePerSecond), 1)
	}

	batchSize := cfg.Normalize.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}

	return &Normalizer{
		model:     model,
		limiter:   limiter,
		batchSize: batchSize,
		timeout:   cfg.Normalize,
		log:       log.With(logger.Scope("normalize")),
	}
}

// IsTransient reports whether a normalization error is worth a
// chunk-level retry: provider overload, timeouts, and interrupted calls.
// Everything else (bad credentials, safety blocks, unparseable model
// output after fallback) is fatal for the chunk.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if vertex.IsTransient(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// Normalize rewrites all sentences of one tier. Passthrough sentences
// must not be passed here; the router keeps them away from the model.
func (n *Normalizer) Normalize(ctx context.Context, t tier.Tier, sentences []string) (*Result, error) {
	if len(sentences) == 0 {
		return &Result{}, nil
	}

	heavy := t == tier.Heavy
	result := &Result{}

	for start := 0; start < len(sentences); start += n.batchSize {
		end := start + n.batchSize
		if end > len(sentences) {
			end = len(sentences)
		}
		batch := sentences[start:end]

		outputs, err := n.normalizeBatch(ctx, heavy, batch, result)
		if err != nil {
			return nil, err
		}
		result.Sentences = append(result.Sentences, outputs...)
	}

	return result, nil
}

// normalizeBatch runs one model call for a batch, retrying once on
// malformed output and then degrading to per-sentence calls.
func (n *Normalizer) normalizeBatch(ctx context.Context, heavy bool, batch []string, result *Result) ([]string, error) {
	outputs, err := n.callAndParse(ctx, heavy, batch, false, result)
	if err == nil {
		return outputs, nil
	}
	if IsTransient(err) {
		return nil, err
	}

	// One strict retry for output-shape failures.
	n.log.Warn("batch output malformed, retrying with strict prompt",
		slog.Int("batch_size", len(batch)),
		logger.Error(err),
	)
	outputs, err = n.callAndParse(ctx, heavy, batch, true, result)
	if err == nil {
		return outputs, nil
	}
	if IsTransient(err) {
		return nil, err
	}

	if len(batch) == 1 {
		// Nothing left to split: the original sentence goes through
		// unchanged and the validator decides its fate.
		n.log.Warn("sentence failed normalization, keeping original",
			slog.String("sentence", truncate(batch[0], 120)),
			logger.Error(err),
		)
		return []string{batch[0]}, nil
	}

	// Per-sentence fallback isolates the offending sentence.
	n.log.Warn("batch failed, falling back to per-sentence calls",
		slog.Int("batch_size", len(batch)),
		logger.Error(err),
	)
	result.FallbackUsed = true

	var all []string
	for _, sentence := range batch {
		outputs, err := n.normalizeBatch(ctx, heavy, []string{sentence}, result)
		if err != nil {
			return nil, err
		}
		all = append(all, outputs...)
	}
	return all, nil
}

// callAndParse performs one rate-limited model call and parses the
// JSON array output.
func (n *Normalizer) callAndParse(ctx context.Context, heavy bool, batch []string, strict bool, result *Result) ([]string, error) {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	prompt, err := buildPrompt(heavy, batch, strict)
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	if n.timeout.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, n.timeout.CallTimeout)
		defer cancel()
	}

	resp, err := n.model.Generate(callCtx, vertex.GenerateRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
	})
	result.Calls++
	if err != nil {
		return nil, err
	}
	if resp.Usage != nil {
		result.TokensUsed += int64(resp.Usage.TotalTokens)
	}

	return parseSentenceArray(resp.Content)
}

// parseSentenceArray extracts the JSON string array from model output,
// tolerating code fences and prose around the array.
func parseSentenceArray(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)

	// Strip markdown code fences.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	// Tolerate prose around the array.
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array in model output: %s", truncate(trimmed, 200))
	}

	var sentences []string
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &sentences); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}

	out := sentences[:0]
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
