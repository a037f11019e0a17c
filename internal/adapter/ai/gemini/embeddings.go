package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/clinalyze/diag-guidance/internal/config"
)

// Embedder turns text into a dense vector via the embedContent endpoint,
// using the same base URL and credentials as generation.
type Embedder struct {
	hc        *http.Client
	baseURL   string
	model     string
	authorize func(req *http.Request) error
}

// NewEmbedder constructs an embedder for the configured embedding model.
func NewEmbedder(cfg config.Config, authorize func(req *http.Request) error) *Embedder {
	return &Embedder{
		hc:        &http.Client{Timeout: 30 * time.Second},
		baseURL:   strings.TrimRight(cfg.GeminiBaseURL, "/"),
		model:     cfg.EmbeddingModel,
		authorize: authorize,
	}
}

type embedRequest struct {
	Model   string  `json:"model"`
	Content content `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body := embedRequest{
		Model:   "models/" + e.model,
		Content: content{Parts: []part{{Text: text}}},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=gemini.embed marshal: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:embedContent", e.baseURL, e.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("op=gemini.embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := e.authorize(req); err != nil {
		return nil, err
	}

	resp, err := e.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=gemini.embed do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=gemini.embed: status=%d body=%s", resp.StatusCode, string(snippet))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("op=gemini.embed decode: %w", err)
	}
	if len(parsed.Embedding.Values) == 0 {
		return nil, fmt.Errorf("op=gemini.embed: empty embedding returned")
	}
	return parsed.Embedding.Values, nil
}
