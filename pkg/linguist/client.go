package linguist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/phraseforge/phraseforge/internal/config"
	"github.com/phraseforge/phraseforge/pkg/logger"
)

// Module provides the annotation engine. The remote client is used when
// configured; otherwise the heuristic engine serves.
var Module = fx.Module("linguist",
	fx.Provide(NewEngine),
)

// NewEngine selects the annotation engine from config.
func NewEngine(cfg *config.Config, log *slog.Logger) Engine {
	if cfg.Linguist.Enabled {
		return NewClient(cfg, log)
	}
	log.Info("linguist service disabled, using heuristic engine")
	return NewHeuristicEngine()
}

// Client is an HTTP client for the linguistic annotation service. The
// service runs a real French POS tagger; the heuristic engine stands in
// when it is unavailable.
type Client struct {
	httpClient *http.Client
	baseURL    string
	fallback   *HeuristicEngine
	log        *slog.Logger
}

// NewClient creates a new annotation client.
func NewClient(cfg *config.Config, log *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Linguist.Timeout(),
		},
		baseURL:  cfg.Linguist.ServiceURL,
		fallback: NewHeuristicEngine(),
		log:      log.With(logger.Scope("linguist")),
	}
}

type annotateRequest struct {
	Sentences []string `json:"sentences"`
	Language  string   `json:"language"`
}

type annotateResponse struct {
	Annotations []struct {
		Tokens            []string `json:"tokens"`
		HasConjugatedVerb bool     `json:"has_conjugated_verb"`
		Subordinators     int      `json:"subordinators"`
		Coordinators      int      `json:"coordinators"`
	} `json:"annotations"`
}

// Annotate implements Engine. On service failure it degrades to the
// heuristic engine rather than failing the chunk.
func (c *Client) Annotate(ctx context.Context, sentences []string) ([]Annotation, error) {
	if len(sentences) == 0 {
		return nil, nil
	}

	result, err := c.annotateRemote(ctx, sentences)
	if err != nil {
		c.log.Warn("annotation service failed, falling back to heuristics",
			logger.Error(err),
			slog.Int("sentences", len(sentences)),
		)
		return c.fallback.Annotate(ctx, sentences)
	}
	return result, nil
}

func (c *Client) annotateRemote(ctx context.Context, sentences []string) ([]Annotation, error) {
	payload, err := json.Marshal(annotateRequest{
		Sentences: sentences,
		Language:  "fr",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/annotate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("annotation request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("annotation service returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var decoded annotateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Annotations) != len(sentences) {
		return nil, fmt.Errorf("annotation count mismatch: got %d, want %d", len(decoded.Annotations), len(sentences))
	}

	out := make([]Annotation, len(decoded.Annotations))
	for i, a := range decoded.Annotations {
		out[i] = Annotation{
			Tokens:            a.Tokens,
			HasConjugatedVerb: a.HasConjugatedVerb,
			Subordinators:     a.Subordinators,
			Coordinators:      a.Coordinators,
		}
	}

	c.log.Debug("sentences annotated",
		slog.Int("count", len(sentences)),
		slog.Duration("duration", time.Since(start)),
	)

	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
