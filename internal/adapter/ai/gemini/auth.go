package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/clinalyze/diag-guidance/internal/config"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// NewAuthorizer returns a function that attaches credentials to outbound
// provider requests. An API key wins when configured; otherwise a
// service-account token source is built from the credentials file. Having
// neither is a fatal configuration error.
func NewAuthorizer(ctx context.Context, cfg config.Config) (func(req *http.Request) error, error) {
	if cfg.GeminiAPIKey != "" {
		slog.Info("provider auth: API key")
		key := cfg.GeminiAPIKey
		return func(req *http.Request) error {
			q := req.URL.Query()
			q.Set("key", key)
			req.URL.RawQuery = q.Encode()
			return nil
		}, nil
	}

	data, err := os.ReadFile(cfg.GCPCredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("op=gemini.auth: no API key and credentials file unreadable: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("op=gemini.auth: parse credentials: %w", err)
	}
	slog.Info("provider auth: service account", slog.String("file", cfg.GCPCredentialsFile))

	ts := oauth2.ReuseTokenSource(nil, creds.TokenSource)
	return func(req *http.Request) error {
		tok, err := ts.Token()
		if err != nil {
			return fmt.Errorf("op=gemini.auth token: %w", err)
		}
		tok.SetAuthHeader(req)
		return nil
	}, nil
}
