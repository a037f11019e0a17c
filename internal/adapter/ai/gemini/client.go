// Package gemini implements the guidance provider against the Gemini
// generateContent API, with ranked model resolution and bounded retry.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/clinalyze/diag-guidance/internal/adapter/observability"
	"github.com/clinalyze/diag-guidance/internal/config"
	"github.com/clinalyze/diag-guidance/internal/domain"
	obsctx "github.com/clinalyze/diag-guidance/internal/observability"
)

const (
	disabledGuidance  = "Automated guidance generation is currently disabled."
	noContentGuidance = "No guidance content was returned by the model."
)

// Client implements domain.GuidanceClient. One generation request is made per
// diagnostic record; retrieval context is folded into the prompt when the
// retriever has anything to offer.
type Client struct {
	cfg       config.Config
	hc        *http.Client
	baseURL   string
	authorize func(req *http.Request) error
	resolver  *ModelResolver
	retriever domain.ContextRetriever
	prompts   config.PromptConfig
}

// NewClient constructs the guidance client.
func NewClient(cfg config.Config, authorize func(req *http.Request) error, resolver *ModelResolver, retriever domain.ContextRetriever, prompts config.PromptConfig) *Client {
	timeout := 60 * time.Second
	if cfg.IsTest() {
		timeout = 5 * time.Second
	}
	return &Client{
		cfg:       cfg,
		hc:        &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(cfg.GeminiBaseURL, "/"),
		authorize: authorize,
		resolver:  resolver,
		retriever: retriever,
		prompts:   prompts,
	}
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// GetGuidance produces guidance text for sanitized diagnostic input. A
// model-not-found answer invalidates the cached model and retries exactly
// once against the freshly resolved one.
func (c *Client) GetGuidance(ctx context.Context, diagnosticText string) (string, error) {
	lg := obsctx.LoggerFromContext(ctx)

	if !c.cfg.EnableGuidanceProcessing {
		lg.Warn("guidance processing disabled by feature flag")
		return disabledGuidance, nil
	}

	sanitized := sanitizePrompt(diagnosticText, c.cfg.PromptMaxChars)
	if sanitized == "" {
		return "", fmt.Errorf("%w: empty diagnostic text after sanitization", domain.ErrInvalidArgument)
	}

	kbContext := c.retriever.GetContext(ctx, sanitized)
	prompt := c.buildPrompt(sanitized, kbContext)
	temperature := c.temperatureFor(diagnosticText)

	model, err := c.resolver.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("op=gemini.resolve: %w", err)
	}

	guidance, err := c.generate(ctx, model, prompt, temperature)
	if errors.Is(err, domain.ErrModelNotFound) {
		lg.Warn("resolved model rejected by provider, re-resolving once",
			slog.String("model", model))
		c.resolver.Invalidate()
		var rerr error
		model, rerr = c.resolver.Resolve(ctx)
		if rerr != nil {
			return "", fmt.Errorf("op=gemini.reresolve: %w", rerr)
		}
		guidance, err = c.generate(ctx, model, prompt, temperature)
	}
	if err != nil {
		return "", err
	}

	lg.Info("guidance generated",
		slog.String("model", model),
		slog.Int("guidance_chars", len(guidance)),
		slog.Bool("retrieval_context", kbContext != ""))
	return guidance, nil
}

// generate performs one generateContent call under the configured backoff
// envelope. Transport errors, 429 and 5xx are retried; everything else is
// terminal for this attempt.
func (c *Client) generate(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	expo := backoff.NewExponentialBackOff()
	maxElapsed, initial, maxInterval, multiplier := c.cfg.GetAIBackoffConfig()
	expo.MaxElapsedTime = maxElapsed
	expo.InitialInterval = initial
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier

	start := time.Now()
	defer func() {
		observability.AIRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}()

	return backoff.RetryWithData(func() (string, error) {
		out, err := c.doGenerate(ctx, model, prompt, temperature)
		if err != nil {
			if isPermanent(err) {
				return "", backoff.Permanent(err)
			}
			slog.Warn("generation attempt failed, will retry",
				slog.String("model", model),
				slog.Int64("record_id", obsctx.RecordIDFromContext(ctx)),
				slog.Any("error", err))
			return "", err
		}
		return out, nil
	}, backoff.WithContext(expo, ctx))
}

func (c *Client) doGenerate(ctx context.Context, model, prompt string, temperature float64) (string, error) {
	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     temperature,
			TopK:            c.cfg.GenTopK,
			TopP:            c.cfg.GenTopP,
			MaxOutputTokens: c.cfg.GenMaxTokens,
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("op=gemini.generate marshal: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("op=gemini.generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(req); err != nil {
		return "", err
	}

	// Transport failures, client-side timeouts included, are transient: the
	// backoff envelope retries them until its elapsed budget runs out.
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=gemini.generate do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return "", fmt.Errorf("%w: model %q: %s", domain.ErrModelNotFound, model, string(snippet))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return "", fmt.Errorf("op=gemini.generate: transient status=%d body=%s", resp.StatusCode, string(snippet))
		default:
			return "", fmt.Errorf("%w: generateContent status=%d body=%s", domain.ErrInvalidArgument, resp.StatusCode, string(snippet))
		}
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("op=gemini.generate decode: %w", err)
	}

	observability.AITokensTotal.WithLabelValues(model).Add(float64(parsed.UsageMetadata.TotalTokenCount))

	text := strings.TrimSpace(extractText(parsed))
	if text == "" {
		// An empty answer is not a failure; the record still completes with a
		// sentinel so it is not redelivered forever.
		slog.Warn("model returned no guidance content", slog.String("model", model))
		return noContentGuidance, nil
	}
	return text, nil
}

func extractText(resp generateResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// buildPrompt assembles preamble, optional knowledge-base context and the
// diagnostic text from the configured sections.
func (c *Client) buildPrompt(diagnostic, kbContext string) string {
	var b strings.Builder
	b.WriteString(c.prompts.Preamble)
	b.WriteString("\n\n")
	if kbContext != "" {
		b.WriteString(c.prompts.ContextHeader)
		b.WriteString("\n")
		b.WriteString(kbContext)
		b.WriteString("\n")
		b.WriteString(c.prompts.ContextFooter)
		b.WriteString("\n\n")
	}
	b.WriteString(c.prompts.InputHeader)
	b.WriteString("\n")
	b.WriteString(diagnostic)
	b.WriteString("\n")
	b.WriteString(c.prompts.InputFooter)
	return b.String()
}

// temperatureFor picks the generation temperature from the input's apparent
// complexity. Long or word-dense text gets the configured base temperature;
// short text gets the lower simple temperature.
func (c *Client) temperatureFor(text string) float64 {
	if len(text) > c.cfg.ComplexityCharThreshold || len(strings.Fields(text)) > c.cfg.ComplexityWordThreshold {
		return c.cfg.GenTemperature
	}
	return c.cfg.SimpleTemperature
}

// sanitizePrompt collapses runs of whitespace to single spaces and caps the
// text for prompt inclusion.
func sanitizePrompt(text string, maxChars int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if maxChars > 0 && len([]rune(collapsed)) > maxChars {
		collapsed = string([]rune(collapsed)[:maxChars])
	}
	return collapsed
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrModelNotFound) ||
		errors.Is(err, domain.ErrInvalidArgument)
}
