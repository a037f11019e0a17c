package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinalyze/diag-guidance/internal/config"
	"github.com/clinalyze/diag-guidance/internal/domain"
)

type stubRetriever struct {
	context string
	queries []string
}

func (s *stubRetriever) GetContext(_ context.Context, query string) string {
	s.queries = append(s.queries, query)
	return s.context
}

func clientConfig(baseURL string) config.Config {
	return config.Config{
		AppEnv:                   "test",
		GeminiBaseURL:            baseURL,
		PreferredModels:          []string{"gemini-2.5-pro", "gemini-1.5-pro"},
		ModelCacheTTL:            30 * time.Minute,
		EnableGuidanceProcessing: true,
		PromptMaxChars:           2000,
		GenTemperature:           0.4,
		GenTopK:                  1,
		GenTopP:                  0.9,
		GenMaxTokens:             2048,
		ComplexityCharThreshold:  200,
		ComplexityWordThreshold:  30,
		SimpleTemperature:        0.2,
	}
}

func generateOK(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{{"text": text}}}},
			},
			"usageMetadata": map[string]any{"totalTokenCount": 12},
		})
	}
}

func newTestClient(t *testing.T, handler http.Handler, retriever *stubRetriever) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := clientConfig(srv.URL)
	resolver := NewModelResolver(cfg, srv.URL, noAuth)
	return NewClient(cfg, noAuth, resolver, retriever, config.DefaultPromptConfig()), srv
}

func TestGetGuidance_Disabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("no provider call expected when processing is disabled")
	}))
	defer srv.Close()

	cfg := clientConfig(srv.URL)
	cfg.EnableGuidanceProcessing = false
	c := NewClient(cfg, noAuth, NewModelResolver(cfg, srv.URL, noAuth), &stubRetriever{}, config.DefaultPromptConfig())

	out, err := c.GetGuidance(context.Background(), "elevated troponin levels")
	require.NoError(t, err)
	assert.Equal(t, disabledGuidance, out)
}

func TestGetGuidance_HappyPathWithContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/models", listingHandler(t, "gemini-2.5-pro"))

	var gotPrompt string
	mux.HandleFunc("/models/gemini-2.5-pro:generateContent", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		gotPrompt = req.Contents[0].Parts[0].Text
		generateOK("Recommendation: urgent cardiology referral.")(w, r)
	})

	retriever := &stubRetriever{context: "1. Troponin elevation indicates myocardial injury."}
	c, _ := newTestClient(t, mux, retriever)

	out, err := c.GetGuidance(context.Background(), "elevated   troponin\n\nlevels")
	require.NoError(t, err)
	assert.Equal(t, "Recommendation: urgent cardiology referral.", out)

	// Whitespace is collapsed before the text reaches retrieval or the prompt.
	require.Len(t, retriever.queries, 1)
	assert.Equal(t, "elevated troponin levels", retriever.queries[0])
	assert.Contains(t, gotPrompt, "KNOWLEDGE BASE CONTEXT")
	assert.Contains(t, gotPrompt, "Troponin elevation indicates myocardial injury.")
	assert.Contains(t, gotPrompt, "elevated troponin levels")
}

func TestGetGuidance_NoContextOmitsContextBlock(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/models", listingHandler(t, "gemini-2.5-pro"))

	var gotPrompt string
	mux.HandleFunc("/models/gemini-2.5-pro:generateContent", func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotPrompt = req.Contents[0].Parts[0].Text
		generateOK("drink fluids")(w, r)
	})

	c, _ := newTestClient(t, mux, &stubRetriever{context: ""})

	_, err := c.GetGuidance(context.Background(), "mild headache")
	require.NoError(t, err)
	assert.NotContains(t, gotPrompt, "KNOWLEDGE BASE CONTEXT")
}

func TestGetGuidance_ModelNotFoundRetriesOnceAfterReresolve(t *testing.T) {
	mux := http.NewServeMux()

	// First resolution sees only the stale model; after invalidation the
	// listing advertises the replacement.
	listCalls := 0
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		listCalls++
		if listCalls == 1 {
			listingHandler(t, "gemini-2.5-pro")(w, r)
			return
		}
		listingHandler(t, "gemini-1.5-pro")(w, r)
	})
	mux.HandleFunc("/models/gemini-2.5-pro:generateContent", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	gen2 := 0
	mux.HandleFunc("/models/gemini-1.5-pro:generateContent", func(w http.ResponseWriter, r *http.Request) {
		gen2++
		generateOK("guidance from replacement model")(w, r)
	})

	c, _ := newTestClient(t, mux, &stubRetriever{})

	out, err := c.GetGuidance(context.Background(), "elevated troponin levels")
	require.NoError(t, err)
	assert.Equal(t, "guidance from replacement model", out)
	assert.Equal(t, 1, gen2)
	assert.Equal(t, 2, listCalls)
}

func TestGetGuidance_ModelNotFoundTwiceIsTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/models", listingHandler(t, "gemini-2.5-pro"))
	mux.HandleFunc("/models/gemini-2.5-pro:generateContent", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c, _ := newTestClient(t, mux, &stubRetriever{})

	_, err := c.GetGuidance(context.Background(), "elevated troponin levels")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrModelNotFound))
}

func TestGetGuidance_TransientFailureRetriedWithinCall(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/models", listingHandler(t, "gemini-2.5-pro"))

	attempts := 0
	mux.HandleFunc("/models/gemini-2.5-pro:generateContent", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		generateOK("guidance after recovery")(w, r)
	})

	c, _ := newTestClient(t, mux, &stubRetriever{})

	out, err := c.GetGuidance(context.Background(), "elevated troponin levels")
	require.NoError(t, err)
	assert.Equal(t, "guidance after recovery", out)
	assert.Equal(t, 2, attempts)
}

func TestGetGuidance_EmptyCandidatesYieldsSentinel(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/models", listingHandler(t, "gemini-2.5-pro"))
	mux.HandleFunc("/models/gemini-2.5-pro:generateContent", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"candidates": []any{}})
	})

	c, _ := newTestClient(t, mux, &stubRetriever{})

	out, err := c.GetGuidance(context.Background(), "elevated troponin levels")
	require.NoError(t, err)
	assert.Equal(t, noContentGuidance, out)
}

func TestGetGuidance_EmptyAfterSanitization(t *testing.T) {
	c, _ := newTestClient(t, http.NewServeMux(), &stubRetriever{})

	_, err := c.GetGuidance(context.Background(), "   \n\t  ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestTemperatureFor(t *testing.T) {
	cfg := clientConfig("http://unused")
	c := &Client{cfg: cfg}

	assert.Equal(t, 0.2, c.temperatureFor("short text"))

	long := make([]byte, 0, 300)
	for i := 0; i < 300; i++ {
		long = append(long, 'x')
	}
	assert.Equal(t, 0.4, c.temperatureFor(string(long)))

	wordy := ""
	for i := 0; i < 40; i++ {
		wordy += "word "
	}
	assert.Equal(t, 0.4, c.temperatureFor(wordy))
}

func TestSanitizePrompt(t *testing.T) {
	assert.Equal(t, "a b c", sanitizePrompt("  a \n b\t\tc  ", 100))
	assert.Equal(t, "abcde", sanitizePrompt("abcdefgh", 5))
	assert.Equal(t, "", sanitizePrompt("   ", 100))
}
