// Skyfence server — classifies, redacts, and routes LLM-bound payloads,
// and optionally fronts provider APIs as a transparent proxy.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/skyfence/skyfence/pkg/api"
	"github.com/skyfence/skyfence/pkg/audit"
	"github.com/skyfence/skyfence/pkg/classify"
	"github.com/skyfence/skyfence/pkg/config"
	"github.com/skyfence/skyfence/pkg/detect"
	"github.com/skyfence/skyfence/pkg/policy"
	"github.com/skyfence/skyfence/pkg/proxy"
	"github.com/skyfence/skyfence/pkg/safety"
	"github.com/skyfence/skyfence/pkg/token"
	"github.com/skyfence/skyfence/pkg/version"
)

// newSIEMShipper builds the buffered shipper for the configured sink, or
// nil when no SIEM is configured.
func newSIEMShipper(s config.SIEMSettings) (*audit.BufferedShipper, error) {
	var sink audit.Shipper
	switch s.Type {
	case config.SIEMSplunk:
		sink = audit.NewSplunkShipper(s.SplunkHECURL, s.SplunkHECToken)
	case config.SIEMElasticsearch:
		sink = audit.NewElasticsearchShipper(s.ElasticsearchURL, s.ElasticsearchIndex, s.ElasticsearchAPIKey)
	case config.SIEMDatadog:
		sink = audit.NewDatadogShipper(s.DatadogAPIKey, s.DatadogSite)
	case config.SIEMSyslog:
		syslogSink, err := audit.NewSyslogShipper(s.SyslogAddr, s.SyslogFacility)
		if err != nil {
			return nil, err
		}
		sink = syslogSink
	default:
		return nil, nil
	}
	return audit.NewBufferedShipper(sink, s.QueueCapacity, s.BatchSize, s.FlushInterval), nil
}

func main() {
	// Load .env if present; a missing file just means the environment is
	// already populated (containers, CI).
	envPath := os.Getenv("ENV_FILE")
	if envPath == "" {
		envPath = ".env"
	}
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting skyfence", "version", version.Full())

	ctx := context.Background()

	// 1. Configuration. Any validation failure here is fatal: the process
	// must never come up with a partial security configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Policy document
	doc, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		slog.Error("Failed to load policy", "error", err)
		os.Exit(1)
	}
	engine := policy.NewEngine(doc)

	// 3. Detection and classification
	detector := detect.New(detect.Options{
		InternalDomainSuffixes: cfg.InternalDomainSuffixes,
	})
	classifier := classify.New(cfg.ExportControlThreshold)

	// 4. Token store
	var store token.Store
	switch cfg.TokenBackend {
	case config.TokenBackendRemote:
		store, err = token.NewRedisStore(ctx, cfg.RemoteURL, cfg.EncryptionKey, cfg.TokenKDFSalt)
		if err != nil {
			slog.Error("Failed to connect to token backend", "url", cfg.RemoteURL, "error", err)
			os.Exit(1)
		}
	default:
		store = token.NewMemoryStore(0)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing token store", "error", err)
		}
	}()
	slog.Info("Token store initialized", "backend", cfg.TokenBackend, "ttl", cfg.TokenTTL)

	redactor := token.NewRedactor(token.NewSalter(cfg.Salt), store, cfg.TokenTTL)

	// 5. Audit pipeline
	shipper, err := newSIEMShipper(cfg.SIEM)
	if err != nil {
		slog.Error("Failed to initialize SIEM shipper", "type", cfg.SIEM.Type, "error", err)
		os.Exit(1)
	}
	if shipper != nil {
		defer shipper.Close()
		slog.Info("SIEM shipping enabled", "type", cfg.SIEM.Type)
	}

	auditor, err := audit.NewLogger(cfg.AuditPath, shipper)
	if err != nil {
		slog.Error("Failed to open audit log", "path", cfg.AuditPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := auditor.Close(); err != nil {
			slog.Error("Error closing audit log", "error", err)
		}
	}()

	// 6. Output safety filter
	safetyFilter := safety.NewFilter(nil)

	// 7. Proxy pipeline (optional)
	var pipeline *proxy.Pipeline
	if cfg.ProxyEnabled {
		popts := proxy.Options{
			Upstreams: map[proxy.Provider]string{
				proxy.ProviderOpenAI:    cfg.UpstreamOpenAI,
				proxy.ProviderAnthropic: cfg.UpstreamAnthropic,
				proxy.ProviderGoogle:    cfg.UpstreamGoogle,
			},
			DefaultRegion:   cfg.DefaultRegion,
			DefaultEnv:      cfg.DefaultEnv,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
		}
		switch cfg.OutputSafetyMode {
		case config.SafetyWarning:
			popts.Safety, popts.SafetyMode = safetyFilter, safety.ModeWarning
		case config.SafetyBlock:
			popts.Safety, popts.SafetyMode = safetyFilter, safety.ModeBlock
		}
		pipeline = proxy.New(popts, detector, classifier, engine, redactor, auditor)
		slog.Info("Proxy pipeline enabled",
			"openai", cfg.UpstreamOpenAI,
			"anthropic", cfg.UpstreamAnthropic,
			"google", cfg.UpstreamGoogle)
	}

	// 8. HTTP server
	httpServer := api.NewServer(cfg, detector, classifier, engine, redactor, auditor, safetyFilter, pipeline)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Skyfence started successfully",
		"http_port", cfg.HTTPPort,
		"policy_version", doc.Version,
		"proxy_enabled", cfg.ProxyEnabled)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain in-flight requests, then let the
	// deferred closes flush the audit queue and release the store.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
