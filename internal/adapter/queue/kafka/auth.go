package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"github.com/clinalyze/diag-guidance/internal/config"
)

// brokerAuthOpts auto-detects the broker authentication mode. Priority: SASL
// credentials present -> SASL_SSL (PLAIN); client cert/key + CA present ->
// mTLS; otherwise an explicit error, which aborts startup.
func brokerAuthOpts(cfg config.Config) ([]kgo.Opt, error) {
	hasSASL := cfg.KafkaSASLUsername != "" && cfg.KafkaSASLPassword != ""
	hasMTLS := fileExists(cfg.KafkaCertLocation) && fileExists(cfg.KafkaKeyLocation) && cfg.KafkaCALocation != ""

	switch {
	case hasSASL:
		slog.Info("broker auth: SASL_SSL (PLAIN) detected (username/password present)")
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.KafkaCALocation != "" {
			pool, err := caPool(cfg.KafkaCALocation)
			if err != nil {
				return nil, err
			}
			tlsCfg.RootCAs = pool
		}
		mech := plain.Auth{
			User: cfg.KafkaSASLUsername,
			Pass: cfg.KafkaSASLPassword,
		}.AsMechanism()
		return []kgo.Opt{kgo.SASL(mech), kgo.DialTLSConfig(tlsCfg)}, nil

	case hasMTLS:
		slog.Info("broker auth: mTLS detected (client certificate present)")
		cert, err := tls.LoadX509KeyPair(cfg.KafkaCertLocation, cfg.KafkaKeyLocation)
		if err != nil {
			return nil, fmt.Errorf("op=kafka.auth load keypair: %w", err)
		}
		pool, err := caPool(cfg.KafkaCALocation)
		if err != nil {
			return nil, err
		}
		tlsCfg := &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
		}
		return []kgo.Opt{kgo.DialTLSConfig(tlsCfg)}, nil

	default:
		return nil, fmt.Errorf("no usable broker authentication: neither SASL (username/password) nor mTLS (service.cert/service.key + CA) configured")
	}
}

func caPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path) // #nosec G304 -- operator-provided CA path
	if err != nil {
		return nil, fmt.Errorf("op=kafka.auth read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("op=kafka.auth: no certificates parsed from %s", path)
	}
	return pool, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// offsetResetOpt maps the configured offset-reset policy to a franz-go option.
func offsetResetOpt(policy string) kgo.Opt {
	if policy == "latest" {
		return kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd())
	}
	return kgo.ConsumeResetOffset(kgo.NewOffset().AtStart())
}
