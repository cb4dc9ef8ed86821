package api

import (
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/skyfence/skyfence/pkg/audit"
	"github.com/skyfence/skyfence/pkg/config"
	"github.com/skyfence/skyfence/pkg/detect"
	"github.com/skyfence/skyfence/pkg/policy"
	"github.com/skyfence/skyfence/pkg/safety"
	"github.com/skyfence/skyfence/pkg/version"
)

// Default category confidences reported by /classify for detector hits.
var categoryConfidence = map[detect.Category]float64{
	detect.CategorySecret:       0.95,
	detect.CategoryPII:          0.85,
	detect.CategoryOpsSensitive: 0.7,
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       version.Full(),
		TokenBackend:  s.settings.TokenBackend,
		PolicyVersion: s.engine.Document().Version,
		SIEMEnabled:   s.settings.SIEM.Enabled(),
	})
}

// analyze runs detector and classifier over payload. detSpans is what
// redaction may replace; decisionSpans additionally carries the classifier's
// whole-payload advisory span, which only the policy engine ever sees.
func (s *Server) analyze(payload string) (detSpans, decisionSpans []detect.Span, categories []CategoryResult, err error) {
	detSpans, err = s.detector.Detect(payload)
	if err != nil {
		return nil, nil, nil, err
	}
	decisionSpans = detSpans
	if ec, ok := s.classifier.Span(payload); ok {
		decisionSpans = append(append([]detect.Span(nil), detSpans...), ec)
	}

	seen := make(map[detect.Category]bool, 4)
	for _, span := range decisionSpans {
		if seen[span.Category] {
			continue
		}
		seen[span.Category] = true
		confidence, ok := categoryConfidence[span.Category]
		if !ok {
			confidence = span.Confidence
		}
		categories = append(categories, CategoryResult{
			Type:       string(span.Category),
			Confidence: confidence,
		})
	}
	return detSpans, decisionSpans, categories, nil
}

// checkPayload enforces the request boundary: context complete, payload
// within the configured size cap.
func (s *Server) checkPayload(payload string, ctx policy.Context) error {
	if err := ctx.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(payload) > s.settings.MaxPayloadBytes {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("payload exceeds %d bytes", s.settings.MaxPayloadBytes))
	}
	return nil
}

// classifyHandler handles POST /classify: categories plus the decision the
// policy engine would take, without touching the payload.
func (s *Server) classifyHandler(c *echo.Context) error {
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.checkPayload(req.Payload, req.Context); err != nil {
		return err
	}

	_, spans, categories, err := s.analyze(req.Payload)
	if err != nil {
		return mapCoreError(err)
	}
	decision := s.engine.Decide(spans, req.Context)

	record := audit.NewRecord(audit.ActionClassify, req.Context)
	record.Categories = audit.ObserveSpans(spans)
	record.Decision = &decision
	record.PayloadBytes = len(req.Payload)
	s.auditor.Write(record)

	return c.JSON(http.StatusOK, ClassifyResponse{
		OK:              true,
		Categories:      categories,
		Decision:        decision,
		SuggestedAction: decision.Action,
	})
}

// redactHandler handles POST /redact. A block decision returns 451 before
// any token record is created.
func (s *Server) redactHandler(c *echo.Context) error {
	var req RedactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.checkPayload(req.Payload, req.Context); err != nil {
		return err
	}

	detSpans, spans, _, err := s.analyze(req.Payload)
	if err != nil {
		return mapCoreError(err)
	}
	decision := s.engine.Decide(spans, req.Context)

	if decision.Action == policy.ActionBlock {
		record := audit.NewRecord(audit.ActionRedact, req.Context)
		record.Categories = audit.ObserveSpans(spans)
		record.Decision = &decision
		record.PayloadBytes = len(req.Payload)
		s.auditor.Write(record)
		return echo.NewHTTPError(http.StatusUnavailableForLegalReasons,
			"payload blocked by security policy")
	}

	sanitized, handle, mappings, err := s.redactor.Redact(
		c.Request().Context(), req.Payload, detSpans, req.Context.ConversationID)
	if err != nil {
		return mapCoreError(err)
	}

	record := audit.NewRecord(audit.ActionRedact, req.Context)
	record.Categories = audit.ObserveSpans(spans)
	record.Decision = &decision
	record.RedactedCount = len(mappings)
	record.PayloadBytes = len(req.Payload)
	s.auditor.Write(record)

	return c.JSON(http.StatusOK, RedactResponse{
		OK:               true,
		SanitizedPayload: sanitized,
		TokenMapHandle:   handle,
		Redactions:       mappings,
	})
}

// detokenizeHandler handles POST /detokenize. Only trusted callers may
// restore, and only categories allowed for both the request and the caller;
// secret placeholders are never restored for anyone.
func (s *Server) detokenizeHandler(c *echo.Context) error {
	var req DetokenizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.checkPayload(req.Payload, req.Context); err != nil {
		return err
	}

	doc := s.engine.Document()
	if !doc.IsTrustedCaller(req.Context.Caller) {
		return echo.NewHTTPError(http.StatusForbidden, "caller not trusted to detokenize")
	}

	allowed := s.effectiveCategories(req.AllowCategories, req.Context.Caller)
	restored, count, err := s.redactor.Detokenize(
		c.Request().Context(), req.Payload, req.TokenMapHandle, allowed)
	if err != nil {
		return mapCoreError(err)
	}

	// Detokenized text is model output on its way back to the caller; this
	// is where the output safety filter runs.
	if mode, on := s.safetyMode(); on {
		restored = s.safety.Annotate(restored, mode)
	}

	record := audit.NewRecord(audit.ActionDetokenize, req.Context)
	record.RestoredCount = count
	record.PayloadBytes = len(req.Payload)
	s.auditor.Write(record)

	return c.JSON(http.StatusOK, DetokenizeResponse{
		OK:              true,
		RestoredPayload: restored,
	})
}

// safetyMode maps the configured output-safety setting to a filter mode.
func (s *Server) safetyMode() (safety.Mode, bool) {
	switch s.settings.OutputSafetyMode {
	case config.SafetyWarning:
		return safety.ModeWarning, true
	case config.SafetyBlock:
		return safety.ModeBlock, true
	}
	return "", false
}

// effectiveCategories intersects the requested categories with the caller's
// configured allowance. Secret never survives; a caller without a routing
// entry is bounded by the request list alone.
func (s *Server) effectiveCategories(requested []string, caller string) map[detect.Category]bool {
	allowed := make(map[detect.Category]bool, len(requested))
	constraints, hasConstraints := s.engine.Document().CallerConstraints(caller)
	callerSet := make(map[string]bool, len(constraints.AllowCategories))
	for _, c := range constraints.AllowCategories {
		callerSet[c] = true
	}

	for _, c := range requested {
		cat := detect.Category(c)
		if cat == detect.CategorySecret || !cat.Valid() {
			continue
		}
		if hasConstraints && !callerSet[c] {
			continue
		}
		allowed[cat] = true
	}
	return allowed
}

// routeHandler handles POST /route: a dry run of the policy that returns
// the execution plan without contacting any upstream.
func (s *Server) routeHandler(c *echo.Context) error {
	var req RouteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.checkPayload(req.ModelRequest.Text, req.Context); err != nil {
		return err
	}

	_, spans, _, err := s.analyze(req.ModelRequest.Text)
	if err != nil {
		return mapCoreError(err)
	}
	decision := s.engine.Decide(spans, req.Context)

	var pre, post []ExecutionStep
	if decision.Action != policy.ActionBlock {
		if decision.RequiresRedaction {
			pre = append(pre, ExecutionStep{Tool: "redact", Args: map[string]any{}})
			if len(decision.AllowedDetokenizeCategories) > 0 {
				post = append(post, ExecutionStep{Tool: "detokenize", Args: map[string]any{
					"allow_categories": decision.AllowedDetokenizeCategories,
				}})
			}
		}
		post = append(post, ExecutionStep{Tool: "output_safety", Args: map[string]any{
			"mode": s.settings.OutputSafetyMode,
		}})
	}

	record := audit.NewRecord(audit.ActionRoute, req.Context)
	record.Categories = audit.ObserveSpans(spans)
	record.Decision = &decision
	record.PayloadBytes = len(req.ModelRequest.Text)
	s.auditor.Write(record)

	return c.JSON(http.StatusOK, RouteResponse{
		OK:        decision.Action != policy.ActionBlock,
		Decision:  decision,
		PreSteps:  pre,
		PostSteps: post,
	})
}

// auditQueryHandler handles POST /audit/query: substring search over the
// local log, newest first.
func (s *Server) auditQueryHandler(c *echo.Context) error {
	var req AuditQueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	records, err := s.auditor.Query(req.Q, req.Limit)
	if err != nil {
		return mapCoreError(err)
	}
	if records == nil {
		records = []audit.Record{}
	}
	return c.JSON(http.StatusOK, AuditQueryResponse{Records: records})
}
