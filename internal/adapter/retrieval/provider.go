// Package retrieval assembles knowledge-base context for prompts. It wraps
// embedding plus vector search behind a breaker so a degraded vector store
// can never fail a message.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clinalyze/diag-guidance/internal/adapter/observability"
	"github.com/clinalyze/diag-guidance/internal/adapter/vector/qdrant"
	"github.com/clinalyze/diag-guidance/internal/config"
)

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher runs similarity search over a collection.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]qdrant.ScoredPoint, error)
}

// Provider implements domain.ContextRetriever. When the vector store fails,
// the provider trips unavailable and skips retrieval until the cooldown
// elapses; embedding failures degrade the single lookup without tripping.
type Provider struct {
	embedder   Embedder
	searcher   VectorSearcher
	collection string
	topK       int
	cooldown   time.Duration

	mu          sync.Mutex
	available   bool
	lastChecked time.Time
}

// NewProvider constructs a retrieval provider that starts available.
func NewProvider(cfg config.Config, embedder Embedder, searcher VectorSearcher) *Provider {
	return &Provider{
		embedder:   embedder,
		searcher:   searcher,
		collection: cfg.RetrievalCollection,
		topK:       cfg.RetrievalTopK,
		cooldown:   cfg.RetrievalCooldown,
		available:  true,
	}
}

// GetContext returns a formatted context block for the query, or "" when
// retrieval is skipped or yields nothing. It never returns an error.
func (p *Provider) GetContext(ctx context.Context, query string) string {
	if !p.allowAttempt() {
		slog.Debug("retrieval skipped, vector store in cooldown")
		return ""
	}

	vector, err := p.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("query embedding failed, proceeding without context", slog.Any("error", err))
		return ""
	}

	hits, err := p.searcher.Search(ctx, p.collection, vector, p.topK)
	if err != nil {
		slog.Warn("vector search failed, tripping retrieval breaker",
			slog.String("collection", p.collection),
			slog.Any("error", err))
		p.trip()
		return ""
	}
	p.markHealthy()

	block := formatHits(hits)
	slog.Debug("retrieval complete",
		slog.Int("hits", len(hits)),
		slog.Int("context_chars", len(block)))
	return block
}

// allowAttempt reports whether a retrieval attempt is permitted now. While
// unavailable, one attempt per cooldown window is let through to re-check.
func (p *Provider) allowAttempt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.available {
		return true
	}
	if time.Since(p.lastChecked) >= p.cooldown {
		p.lastChecked = time.Now()
		return true
	}
	return false
}

func (p *Provider) trip() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = false
	p.lastChecked = time.Now()
	observability.RetrievalAvailable.Set(0)
}

func (p *Provider) markHealthy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.available {
		slog.Info("vector store recovered, retrieval re-enabled")
	}
	p.available = true
	observability.RetrievalAvailable.Set(1)
}

// formatHits renders payload text fields as a numbered context block.
func formatHits(hits []qdrant.ScoredPoint) string {
	var parts []string
	for _, h := range hits {
		text, _ := h.Payload["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%d. %s", len(parts)+1, strings.TrimSpace(text)))
	}
	return strings.Join(parts, "\n")
}
