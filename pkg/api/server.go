// Package api exposes the HTTP surface: the classification, redaction,
// detokenization, routing, and audit-query endpoints, plus the three
// transparent proxy endpoints when proxy mode is enabled.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/skyfence/skyfence/pkg/audit"
	"github.com/skyfence/skyfence/pkg/classify"
	"github.com/skyfence/skyfence/pkg/config"
	"github.com/skyfence/skyfence/pkg/detect"
	"github.com/skyfence/skyfence/pkg/policy"
	"github.com/skyfence/skyfence/pkg/proxy"
	"github.com/skyfence/skyfence/pkg/safety"
	"github.com/skyfence/skyfence/pkg/token"
)

// Server wires the request-processing components behind the HTTP routes.
type Server struct {
	settings   *config.Settings
	detector   *detect.Detector
	classifier *classify.Classifier
	engine     *policy.Engine
	redactor   *token.Redactor
	auditor    *audit.Logger
	safety     *safety.Filter
	pipeline   *proxy.Pipeline

	httpServer *http.Server
}

// NewServer assembles the echo router. pipeline may be nil when proxy mode
// is disabled; the proxy routes are then not registered at all.
func NewServer(settings *config.Settings, detector *detect.Detector, classifier *classify.Classifier, engine *policy.Engine, redactor *token.Redactor, auditor *audit.Logger, safetyFilter *safety.Filter, pipeline *proxy.Pipeline) *Server {
	s := &Server{
		settings:   settings,
		detector:   detector,
		classifier: classifier,
		engine:     engine,
		redactor:   redactor,
		auditor:    auditor,
		safety:     safetyFilter,
		pipeline:   pipeline,
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.POST("/classify", s.classifyHandler)
	e.POST("/redact", s.redactHandler)
	e.POST("/detokenize", s.detokenizeHandler)
	e.POST("/route", s.routeHandler)
	e.POST("/audit/query", s.auditQueryHandler)

	if pipeline != nil {
		e.POST("/v1/chat/completions", s.proxyHandler(proxy.ProviderOpenAI))
		e.POST("/v1/messages", s.proxyHandler(proxy.ProviderAnthropic))
		e.POST("/v1/models/:model", s.proxyHandler(proxy.ProviderGoogle))
		e.POST("/v1beta/models/:model", s.proxyHandler(proxy.ProviderGoogle))
	}

	s.httpServer = &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving HTTP on addr until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	slog.Info("HTTP server listening", "addr", addr, "proxy_enabled", s.pipeline != nil)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// proxyHandler hands the raw request to the provider pipeline. The pipeline
// writes the response itself, streaming included.
func (s *Server) proxyHandler(provider proxy.Provider) echo.HandlerFunc {
	return func(c *echo.Context) error {
		s.pipeline.Serve(c.Response(), c.Request(), provider)
		return nil
	}
}
