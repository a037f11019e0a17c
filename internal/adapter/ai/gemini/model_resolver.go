package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/clinalyze/diag-guidance/internal/config"
)

// ModelResolver picks the best available Gemini model from a ranked candidate
// list and caches the answer. Resolution happens at most once per TTL window;
// concurrent callers share the in-flight result through the guarded cell.
type ModelResolver struct {
	cfg        config.Config
	hc         *http.Client
	baseURL    string
	authorize  func(req *http.Request) error
	candidates []string
	ttl        time.Duration

	mu         sync.Mutex
	resolved   string
	resolvedAt time.Time
}

type listModelsResponse struct {
	Models []struct {
		Name                       string   `json:"name"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

// NewModelResolver constructs a resolver against the given API base URL.
func NewModelResolver(cfg config.Config, baseURL string, authorize func(req *http.Request) error) *ModelResolver {
	return &ModelResolver{
		cfg:        cfg,
		hc:         &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		authorize:  authorize,
		candidates: cfg.PreferredModels,
		ttl:        cfg.ModelCacheTTL,
	}
}

// Resolve returns the cached model id when it is still fresh, otherwise runs
// the full resolution chain: list the provider's models, match candidates in
// rank order, probe any candidate the listing could not confirm, and fall
// back to the lowest-ranked candidate when nothing can be confirmed.
func (r *ModelResolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved != "" && time.Since(r.resolvedAt) < r.ttl {
		return r.resolved, nil
	}

	model := r.resolveLocked(ctx)
	r.resolved = model
	r.resolvedAt = time.Now()
	slog.Info("model resolved", slog.String("model", model))
	return model, nil
}

// Invalidate discards the cached model so the next Resolve re-runs the chain.
// Called when a generation request comes back model-not-found.
func (r *ModelResolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	slog.Warn("model cache invalidated", slog.String("model", r.resolved))
	r.resolved = ""
	r.resolvedAt = time.Time{}
}

func (r *ModelResolver) resolveLocked(ctx context.Context) string {
	available, err := r.listModels(ctx)
	if err != nil {
		slog.Warn("listing models failed, probing candidates directly", slog.Any("error", err))
	}

	if len(available) > 0 {
		if model, ok := matchCandidate(r.candidates, available); ok {
			return model
		}
		slog.Warn("no preferred model present in provider listing",
			slog.Any("candidates", r.candidates),
			slog.Int("available", len(available)))
	}

	for _, cand := range r.candidates {
		if r.probeModel(ctx, cand) {
			slog.Info("candidate confirmed by probe", slog.String("model", cand))
			return cand
		}
	}

	last := r.candidates[len(r.candidates)-1]
	slog.Warn("no candidate confirmed; falling back to lowest-ranked model",
		slog.String("model", last))
	return last
}

// listModels fetches the provider's model catalog, keeping only models that
// support content generation.
func (r *ModelResolver) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("op=resolver.listModels: %w", err)
	}
	if err := r.authorize(req); err != nil {
		return nil, fmt.Errorf("op=resolver.listModels: %w", err)
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=resolver.listModels: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=resolver.listModels: status=%d body=%s", resp.StatusCode, string(body))
	}

	var parsed listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("op=resolver.listModels decode: %w", err)
	}

	var names []string
	for _, m := range parsed.Models {
		if !supportsGeneration(m.SupportedGenerationMethods) {
			continue
		}
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return names, nil
}

// probeModel checks a single candidate with a lightweight metadata request.
func (r *ModelResolver) probeModel(ctx context.Context, model string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/models/"+model, nil)
	if err != nil {
		return false
	}
	if err := r.authorize(req); err != nil {
		return false
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		slog.Debug("model probe failed", slog.String("model", model), slog.Any("error", err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// matchCandidate walks candidates in rank order and returns the first one the
// listing supports: exact id first, then any listed model the candidate
// prefixes (version pinning), then any listed model sharing the candidate's
// family token.
func matchCandidate(candidates, available []string) (string, bool) {
	for _, cand := range candidates {
		for _, av := range available {
			if av == cand {
				return av, true
			}
		}
		for _, av := range available {
			if strings.HasPrefix(av, cand) {
				return av, true
			}
		}
		family := familyToken(cand)
		for _, av := range available {
			if family != "" && strings.HasPrefix(av, family) {
				return av, true
			}
		}
	}
	return "", false
}

// familyToken strips trailing version qualifiers: "gemini-1.5-pro-002" and
// "gemini-1.5-pro" share the family "gemini-1.5-pro".
func familyToken(model string) string {
	parts := strings.Split(model, "-")
	if len(parts) == 0 {
		return ""
	}
	last := parts[len(parts)-1]
	if isDigits(last) {
		return strings.Join(parts[:len(parts)-1], "-")
	}
	return model
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func supportsGeneration(methods []string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}
