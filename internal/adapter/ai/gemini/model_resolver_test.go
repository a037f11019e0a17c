package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinalyze/diag-guidance/internal/config"
)

func noAuth(_ *http.Request) error { return nil }

func resolverConfig(models ...string) config.Config {
	return config.Config{
		PreferredModels: models,
		ModelCacheTTL:   30 * time.Minute,
	}
}

func listingHandler(t *testing.T, names ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		type model struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		}
		var out struct {
			Models []model `json:"models"`
		}
		for _, n := range names {
			out.Models = append(out.Models, model{
				Name:                       "models/" + n,
				SupportedGenerationMethods: []string{"generateContent"},
			})
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}

func TestModelResolver_ExactMatchWinsByRank(t *testing.T) {
	srv := httptest.NewServer(listingHandler(t, "gemini-1.5-flash", "gemini-2.5-pro", "gemini-1.5-pro"))
	defer srv.Close()

	r := NewModelResolver(resolverConfig("gemini-2.5-pro", "gemini-1.5-pro", "gemini-1.5-flash"), srv.URL, noAuth)
	model, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", model)
}

func TestModelResolver_PrefixMatchPicksVersionedModel(t *testing.T) {
	srv := httptest.NewServer(listingHandler(t, "gemini-1.5-pro-002"))
	defer srv.Close()

	r := NewModelResolver(resolverConfig("gemini-2.5-pro", "gemini-1.5-pro"), srv.URL, noAuth)
	model, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro-002", model)
}

func TestModelResolver_FamilyMatch(t *testing.T) {
	srv := httptest.NewServer(listingHandler(t, "gemini-1.5-flash-8b"))
	defer srv.Close()

	r := NewModelResolver(resolverConfig("gemini-1.5-flash-002"), srv.URL, noAuth)
	model, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-flash-8b", model)
}

func TestModelResolver_ProbeFallbackWhenListingFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/models/gemini-2.5-pro", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/models/gemini-1.5-pro", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	r := NewModelResolver(resolverConfig("gemini-2.5-pro", "gemini-1.5-pro"), srv.URL, noAuth)
	model, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro", model)
}

func TestModelResolver_FallsBackToLastCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewModelResolver(resolverConfig("gemini-2.5-pro", "gemini-1.5-pro", "gemini-1.5-flash"), srv.URL, noAuth)
	model, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-flash", model)
}

func TestModelResolver_CachesUntilInvalidated(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/models" {
			calls++
			listingHandler(t, "gemini-2.5-pro")(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewModelResolver(resolverConfig("gemini-2.5-pro"), srv.URL, noAuth)

	for i := 0; i < 3; i++ {
		model, err := r.Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "gemini-2.5-pro", model)
	}
	assert.Equal(t, 1, calls)

	r.Invalidate()
	_, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFamilyToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gemini-1.5-pro-002", "gemini-1.5-pro"},
		{"gemini-1.5-pro", "gemini-1.5-pro"},
		{"gemini-2.5-pro", "gemini-2.5-pro"},
		{"gemini-1.5-flash-8b", "gemini-1.5-flash-8b"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, familyToken(tt.in), tt.in)
	}
}
