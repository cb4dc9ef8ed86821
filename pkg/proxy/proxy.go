package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/skyfence/skyfence/pkg/audit"
	"github.com/skyfence/skyfence/pkg/classify"
	"github.com/skyfence/skyfence/pkg/detect"
	"github.com/skyfence/skyfence/pkg/policy"
	"github.com/skyfence/skyfence/pkg/safety"
	"github.com/skyfence/skyfence/pkg/token"
)

const (
	connectTimeout   = 10 * time.Second
	idleFrameTimeout = 60 * time.Second
)

// Custom headers the proxy recognizes on every endpoint.
const (
	HeaderCaller         = "X-MCP-Caller"
	HeaderRegion         = "X-MCP-Region"
	HeaderEnv            = "X-MCP-Env"
	HeaderConversationID = "X-MCP-Conversation-ID"
)

// googleModelPath captures the model segment of generateContent URLs.
var googleModelPath = regexp.MustCompile(`(/v1(?:beta)?/models/)([^:/]+)(:(?:stream)?[Gg]enerateContent)`)

// Options configures pipeline construction.
type Options struct {
	// Upstreams maps each provider to its base URL.
	Upstreams map[Provider]string

	// DefaultRegion and DefaultEnv fill the request context when the
	// corresponding X-MCP header is absent.
	DefaultRegion string
	DefaultEnv    string

	// MaxPayloadBytes caps the inbound request body.
	MaxPayloadBytes int

	// Safety, when non-nil, annotates detokenized text of unary responses
	// per SafetyMode. Streaming responses are never annotated: a warning
	// cannot be spliced into frames that are already on the wire.
	Safety     *safety.Filter
	SafetyMode safety.Mode
}

// Pipeline drives redact → forward → detokenize for all three providers.
// Construct once at startup; Serve is safe for concurrent use.
type Pipeline struct {
	opts       Options
	detector   *detect.Detector
	classifier *classify.Classifier
	engine     *policy.Engine
	redactor   *token.Redactor
	auditor    *audit.Logger
	client     *http.Client
}

// New wires the pipeline. The HTTP client bounds connection setup at 10 s
// and leaves response reading unbounded; streaming reads are watched by a
// per-frame idle deadline instead.
func New(opts Options, detector *detect.Detector, classifier *classify.Classifier, engine *policy.Engine, redactor *token.Redactor, auditor *audit.Logger) *Pipeline {
	return &Pipeline{
		opts:       opts,
		detector:   detector,
		classifier: classifier,
		engine:     engine,
		redactor:   redactor,
		auditor:    auditor,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   connectTimeout,
				ResponseHeaderTimeout: idleFrameTimeout,
			},
		},
	}
}

// requestContext derives the policy context from the proxy headers,
// defaulting the caller to "<provider>-proxy" and minting a fresh
// conversation when the client did not pin one.
func (p *Pipeline) requestContext(r *http.Request, provider Provider) policy.Context {
	ctx := policy.Context{
		Caller:         r.Header.Get(HeaderCaller),
		Region:         r.Header.Get(HeaderRegion),
		Env:            r.Header.Get(HeaderEnv),
		ConversationID: r.Header.Get(HeaderConversationID),
	}
	if ctx.Caller == "" {
		ctx.Caller = string(provider) + "-proxy"
	}
	if ctx.Region == "" {
		ctx.Region = p.opts.DefaultRegion
	}
	if ctx.Env == "" {
		ctx.Env = p.opts.DefaultEnv
	}
	if ctx.ConversationID == "" {
		ctx.ConversationID = uuid.NewString()
	}
	return ctx
}

// Serve runs one proxied request end to end.
func (p *Pipeline) Serve(w http.ResponseWriter, r *http.Request, provider Provider) {
	started := time.Now()

	adapter, err := AdapterFor(provider)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	pctx := p.requestContext(r, provider)

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(p.opts.MaxPayloadBytes)+1))
	if err != nil {
		p.writeError(w, adapter, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > p.opts.MaxPayloadBytes {
		p.writeError(w, adapter, http.StatusBadRequest,
			fmt.Sprintf("payload exceeds %d bytes", p.opts.MaxPayloadBytes))
		return
	}
	if !gjson.ValidBytes(body) {
		p.writeError(w, adapter, http.StatusBadRequest, "request body is not valid JSON")
		return
	}

	// Detect and classify every extracted text, then decide once over the
	// union so a secret in any message governs the whole request. The
	// classifier's whole-payload span is advisory: it feeds the decision
	// but is never redacted, only detector spans are replaced.
	fields := adapter.RequestTexts(body)
	texts := make([]string, len(fields))
	spansPer := make([][]detect.Span, len(fields))
	var decisionSpans []detect.Span
	for i, field := range fields {
		texts[i] = field.Text
		spans, err := p.detector.Detect(field.Text)
		if err != nil {
			p.writeDetectorError(w, adapter, err)
			return
		}
		spansPer[i] = spans
		decisionSpans = append(decisionSpans, spans...)
		if ec, ok := p.classifier.Span(field.Text); ok {
			decisionSpans = append(decisionSpans, ec)
		}
	}

	decision := p.engine.Decide(decisionSpans, pctx)

	if decision.Action == policy.ActionBlock {
		p.writeError(w, adapter, http.StatusUnavailableForLegalReasons,
			"request blocked by security policy: contains sensitive content")
		p.auditRoute(pctx, decisionSpans, decision, http.StatusUnavailableForLegalReasons, started)
		return
	}

	// Redact all messages into one record so the response detokenizes
	// against a single handle regardless of which message a placeholder
	// came from.
	sanitized, handle, mappings, err := p.redactor.RedactBatch(r.Context(), texts, spansPer, pctx.ConversationID)
	if err != nil {
		p.writeStoreError(w, adapter, err)
		return
	}
	for i, field := range fields {
		if sanitized[i] == field.Text {
			continue
		}
		if body, err = sjson.SetBytes(body, field.Path, sanitized[i]); err != nil {
			p.writeError(w, adapter, http.StatusInternalServerError, "failed to rewrite request body")
			return
		}
	}
	p.auditRedact(pctx, decisionSpans, mappings, len(body))

	upstreamPath := r.URL.Path
	if decision.Action == policy.ActionInternalOnly && decision.TargetModel != "" {
		if provider == ProviderGoogle {
			upstreamPath = googleModelPath.ReplaceAllString(upstreamPath, "${1}"+decision.TargetModel+"${3}")
		} else if adapter.Model(body) != decision.TargetModel {
			if body, err = adapter.SetModel(body, decision.TargetModel); err != nil {
				p.writeError(w, adapter, http.StatusInternalServerError, "failed to rewrite model")
				return
			}
		}
	}

	streaming := adapter.IsStream(body) ||
		(provider == ProviderGoogle && strings.Contains(upstreamPath, ":streamGenerateContent"))

	upstreamCtx, cancelUpstream := context.WithCancel(r.Context())
	defer cancelUpstream()

	resp, err := p.forward(upstreamCtx, r, adapter, upstreamPath, body)
	if err != nil {
		p.writeError(w, adapter, http.StatusBadGateway,
			fmt.Sprintf("upstream %s unreachable", provider))
		p.auditRoute(pctx, decisionSpans, decision, http.StatusBadGateway, started)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Error bodies are relayed verbatim; they never contain our
		// placeholders and must not be rewritten.
		p.relayVerbatim(w, resp)
		p.auditRoute(pctx, decisionSpans, decision, resp.StatusCode, started)
		return
	}

	allowed := allowedSet(decision)
	if streaming {
		p.relayStream(w, resp, adapter, handle, allowed, cancelUpstream)
	} else {
		p.relayJSON(w, resp, adapter, handle, allowed, pctx)
	}
	p.auditRoute(pctx, decisionSpans, decision, resp.StatusCode, started)
}

// forward re-serializes the sanitized body and sends it upstream. All
// request headers except hop-by-hop ones pass through verbatim, including
// Authorization and the provider API-key headers.
func (p *Pipeline) forward(ctx context.Context, r *http.Request, adapter Adapter, path string, body []byte) (*http.Response, error) {
	base, ok := p.opts.Upstreams[adapter.Name()]
	if !ok || base == "" {
		return nil, fmt.Errorf("no upstream configured for %s", adapter.Name())
	}
	url := strings.TrimSuffix(base, "/") + path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for name, values := range r.Header {
		switch strings.ToLower(name) {
		case "host", "content-length", "connection", "accept-encoding":
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), "x-mcp-") {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	return p.client.Do(req)
}

// relayJSON detokenizes the text fields of a unary response and splices
// them back into the provider shape.
func (p *Pipeline) relayJSON(w http.ResponseWriter, resp *http.Response, adapter Adapter, handle string, allowed map[detect.Category]bool, pctx policy.Context) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.writeError(w, adapter, http.StatusBadGateway, "failed to read upstream response")
		return
	}

	restored := 0
	for _, field := range adapter.ResponseTexts(body) {
		text, n, err := p.redactor.Detokenize(context.Background(), field.Text, handle, allowed)
		if err != nil {
			// A missing or unreadable record means placeholders stay in
			// place; the response is still well-formed.
			slog.Warn("Detokenization skipped on proxy response", "error", err)
			break
		}
		restored += n
		if p.opts.Safety != nil {
			text = p.opts.Safety.Annotate(text, p.opts.SafetyMode)
		}
		if text != field.Text {
			if body, err = sjson.SetBytes(body, field.Path, text); err != nil {
				p.writeError(w, adapter, http.StatusInternalServerError, "failed to rewrite response body")
				return
			}
		}
	}
	if restored > 0 {
		record := audit.NewRecord(audit.ActionDetokenize, pctx)
		record.RestoredCount = restored
		p.auditor.Write(record)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// relayStream forwards SSE frames, rewriting each textual delta through the
// rolling-buffer detokenizer so a placeholder split across frames is still
// restored whole. The byte sequence delivered to the client is exactly the
// detokenized image of the upstream sequence.
func (p *Pipeline) relayStream(w http.ResponseWriter, resp *http.Response, adapter Adapter, handle string, allowed map[detect.Category]bool, cancelUpstream context.CancelFunc) {
	record, err := p.redactor.Resolve(context.Background(), handle)
	if err != nil {
		record = token.Record{}
	}
	detok := newStreamDetokenizer(record, allowed)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	out := bufio.NewWriter(w)
	in := bufio.NewReader(resp.Body)

	// Per-frame idle deadline: if the upstream stalls, cancel it and emit
	// a provider-shaped error frame instead of hanging the client.
	idle := time.AfterFunc(idleFrameTimeout, cancelUpstream)
	defer idle.Stop()

	// The most recent delta frame, kept as the template for flushing
	// held-back text at stream end.
	var flushTemplate []byte
	var flushPath string

	emit := func(frame sseFrame) {
		_ = frame.writeTo(out)
		_ = out.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}
	flushTail := func() {
		tail := detok.Flush()
		if tail == "" || flushTemplate == nil {
			return
		}
		if data, err := sjson.SetBytes(flushTemplate, flushPath, tail); err == nil {
			emit(sseFrame{data: data})
		}
	}

	for {
		frame, err := readSSEFrame(in)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				flushTail()
				emit(sseFrame{data: adapter.ErrorBody(http.StatusServiceUnavailable, "upstream stream interrupted")})
				return
			}
			flushTail()
			return
		}
		idle.Reset(idleFrameTimeout)

		if frame.done() {
			flushTail()
			emit(frame)
			return
		}

		if frame.data == nil {
			emit(frame)
			continue
		}

		path, text, ok := adapter.DeltaText(frame.data)
		if !ok {
			emit(frame)
			continue
		}
		flushTemplate, flushPath = frame.data, path

		rewritten := detok.Feed(text)
		if rewritten != text {
			if data, err := sjson.SetBytes(frame.data, path, rewritten); err == nil {
				frame.data = data
			}
		}
		emit(frame)
	}
}

// relayVerbatim copies a non-2xx upstream response through unchanged.
func (p *Pipeline) relayVerbatim(w http.ResponseWriter, resp *http.Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (p *Pipeline) writeError(w http.ResponseWriter, adapter Adapter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(adapter.ErrorBody(status, message))
}

func (p *Pipeline) writeDetectorError(w http.ResponseWriter, adapter Adapter, err error) {
	if errors.Is(err, detect.ErrInvalidInput) {
		p.writeError(w, adapter, http.StatusBadRequest, err.Error())
		return
	}
	slog.Error("Detector failed on proxy path", "error", err)
	p.writeError(w, adapter, http.StatusInternalServerError, "detector failed")
}

func (p *Pipeline) writeStoreError(w http.ResponseWriter, adapter Adapter, err error) {
	if errors.Is(err, token.ErrBackendUnavailable) {
		p.writeError(w, adapter, http.StatusServiceUnavailable, "token store unavailable")
		return
	}
	slog.Error("Redaction failed on proxy path", "error", err)
	p.writeError(w, adapter, http.StatusInternalServerError, "redaction failed")
}

func (p *Pipeline) auditRedact(pctx policy.Context, spans []detect.Span, mappings []token.Mapping, payloadBytes int) {
	record := audit.NewRecord(audit.ActionRedact, pctx)
	record.Categories = audit.ObserveSpans(spans)
	record.RedactedCount = len(mappings)
	record.PayloadBytes = payloadBytes
	p.auditor.Write(record)
}

func (p *Pipeline) auditRoute(pctx policy.Context, spans []detect.Span, decision policy.Decision, status int, started time.Time) {
	record := audit.NewRecord(audit.ActionRoute, pctx)
	record.Categories = audit.ObserveSpans(spans)
	record.Decision = &decision
	record.UpstreamStatus = status
	record.DurationMS = time.Since(started).Milliseconds()
	p.auditor.Write(record)
}

func allowedSet(decision policy.Decision) map[detect.Category]bool {
	allowed := make(map[detect.Category]bool, len(decision.AllowedDetokenizeCategories))
	for _, c := range decision.AllowedDetokenizeCategories {
		allowed[c] = true
	}
	return allowed
}
