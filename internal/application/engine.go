package application

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/domain/queue"
	"github.com/modelgate/modelgate/internal/domain/scan"
	"github.com/modelgate/modelgate/internal/infrastructure/backend"
	"github.com/modelgate/modelgate/internal/infrastructure/eventbus"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// Options tunes router behavior that is not owned by a collaborator.
type Options struct {
	RequestTimeout    time.Duration
	DetectLanguage    bool
	HideScannerDetail bool
	Mediator          MediatorOptions
}

// Engine routes a parsed generation request through admission control, the
// input scan, the backend call, and the output scan or stream mediation. It
// owns the full response: handlers parse the wire format and hand over.
type Engine struct {
	queues  *queue.Manager
	backend *backend.Client
	input   *scan.Pipeline
	output  *scan.Pipeline
	bus     eventbus.Bus
	opts    Options
	logger  *zap.Logger
}

// NewEngine wires the router. Either pipeline may be nil (stage disabled).
func NewEngine(queues *queue.Manager, bc *backend.Client, input, output *scan.Pipeline, bus eventbus.Bus, opts Options, logger *zap.Logger) *Engine {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 300 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		queues:  queues,
		backend: bc,
		input:   input,
		output:  output,
		bus:     bus,
		opts:    opts,
		logger:  logger.With(zap.String("component", "request-router")),
	}
}

// Serve handles one generation request end to end and writes the response.
func (e *Engine) Serve(ctx context.Context, w http.ResponseWriter, req ProxyRequest) {
	rc := NewRequestContext(req, e.opts.DetectLanguage)
	log := e.logger.With(
		zap.String("request_id", rc.ID),
		zap.String("model", req.Model),
		zap.String("endpoint", req.Endpoint),
	)

	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	// Admission: a slot in the model's parallel window, or a queue place.
	ticket, err := e.queues.Admit(req.Model)
	if err != nil {
		e.publish(eventbus.EventTypeRequestRejected, eventbus.AdmissionPayload{
			RequestID: rc.ID, ClientID: rc.ClientID, Model: req.Model, Rejected: true,
		})
		log.Warn("Request rejected, queue full")
		e.writeError(w, rc, gwerrors.KindServerBusy, "")
		return
	}

	waitStart := time.Now()
	slot, err := ticket.Acquire(ctx)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			log.Warn("Request timed out waiting for a slot",
				zap.Duration("waited", time.Since(waitStart)))
			e.publish(eventbus.EventTypeRequestCancelled, eventbus.AdmissionPayload{
				RequestID: rc.ID, ClientID: rc.ClientID, Model: req.Model,
				WaitMs: time.Since(waitStart).Milliseconds(),
			})
			e.writeError(w, rc, gwerrors.KindRequestTimeout, "")
			return
		}
		// Client went away while queued; there is nobody to answer.
		log.Debug("Admission cancelled by client")
		e.publish(eventbus.EventTypeRequestCancelled, eventbus.AdmissionPayload{
			RequestID: rc.ID, ClientID: rc.ClientID, Model: req.Model,
			WaitMs: time.Since(waitStart).Milliseconds(),
		})
		return
	}
	e.publish(eventbus.EventTypeRequestAdmitted, eventbus.AdmissionPayload{
		RequestID: rc.ID, ClientID: rc.ClientID, Model: req.Model,
		WaitMs: time.Since(waitStart).Milliseconds(),
	})

	processStart := time.Now()
	defer func() {
		slot.Release(time.Since(processStart))
	}()

	// Input scan, before any backend bytes move.
	if req.Scannable != "" && e.input.Enabled() {
		scanStart := time.Now()
		report, hit, err := e.input.RunCached(ctx, req.Scannable)
		e.publish(eventbus.EventTypeScanCompleted, eventbus.ScanPayload{
			RequestID: rc.ID, Stage: "input", Allowed: report.Allowed,
			CacheHit: hit, Duration: time.Since(scanStart),
		})
		if err != nil {
			log.Error("Input scan failed", zap.Error(err))
			e.writeError(w, rc, gwerrors.KindScannerError, "")
			return
		}
		if !report.Allowed {
			log.Info("Prompt blocked",
				zap.Strings("failed_scanners", report.FailedNames()),
				zap.String("language", string(rc.Language)))
			e.publishBlock(rc, "input", report)
			e.writeBlock(w, rc, gwerrors.KindPromptBlocked, report)
			return
		}
	}

	if req.Stream {
		e.serveStream(ctx, w, rc, req, log)
		return
	}
	e.serveBuffered(ctx, w, rc, req, log)
}

// serveBuffered handles the non-streaming path: one backend round trip, an
// output scan over the full response text, then a verbatim relay.
func (e *Engine) serveBuffered(ctx context.Context, w http.ResponseWriter, rc *RequestContext, req ProxyRequest, log *zap.Logger) {
	resp, err := e.backend.Do(ctx, req.Method, req.Path, req.Body, req.Header)
	if err != nil {
		e.upstreamFailure(w, rc, req, err, log)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Backend errors pass through untouched; the gateway only speaks
		// for its own decisions.
		e.publish(eventbus.EventTypeUpstreamError, eventbus.UpstreamErrorPayload{
			RequestID: rc.ID, Model: req.Model, Status: resp.StatusCode,
		})
		relay(w, resp)
		e.complete(rc, req, resp.StatusCode)
		return
	}

	if !req.SkipOutputScan && e.output.Enabled() {
		text := extractResponseText(req, resp.Body)
		if text != "" {
			scanStart := time.Now()
			report, hit, err := e.output.RunCached(ctx, text)
			e.publish(eventbus.EventTypeScanCompleted, eventbus.ScanPayload{
				RequestID: rc.ID, Stage: "output", Allowed: report.Allowed,
				CacheHit: hit, Duration: time.Since(scanStart),
			})
			if err != nil {
				log.Error("Output scan failed", zap.Error(err))
				e.writeError(w, rc, gwerrors.KindScannerError, "")
				return
			}
			if !report.Allowed {
				log.Info("Response blocked",
					zap.Strings("failed_scanners", report.FailedNames()),
					zap.String("language", string(rc.Language)))
				e.publishBlock(rc, "output", report)
				e.writeBlock(w, rc, gwerrors.KindResponseBlocked, report)
				return
			}
		}
	}

	relay(w, resp)
	e.complete(rc, req, resp.StatusCode)
}

// serveStream handles the streaming path through the mediator.
func (e *Engine) serveStream(ctx context.Context, w http.ResponseWriter, rc *RequestContext, req ProxyRequest, log *zap.Logger) {
	handle, err := e.backend.Stream(ctx, req.Method, req.Path, req.Body, req.Header)
	if err != nil {
		e.upstreamFailure(w, rc, req, err, log)
		return
	}

	if handle.StatusCode() < 200 || handle.StatusCode() >= 300 {
		body, _ := handle.ReadAll()
		handle.Close()
		e.publish(eventbus.EventTypeUpstreamError, eventbus.UpstreamErrorPayload{
			RequestID: rc.ID, Model: req.Model, Status: handle.StatusCode(),
		})
		copyHeader(w.Header(), handle.Header())
		w.WriteHeader(handle.StatusCode())
		_, _ = w.Write(body)
		e.complete(rc, req, handle.StatusCode())
		return
	}

	codec := codecFor(req)
	w.Header().Set("Content-Type", codec.ContentType())
	if req.Format == FormatOpenAI {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
	}
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	output := e.output
	if req.SkipOutputScan {
		output = nil
	}
	var result mediatorResult
	if !output.Enabled() {
		// No output stage: frames flow straight through.
		result = relayStream(ctx, handle, w, flusher)
	} else {
		m := newStreamMediator(handle, output, codec, rc.Language, e.opts.HideScannerDetail, e.opts.Mediator, e.logger)
		result = m.run(ctx, w, flusher)
	}

	switch result.state {
	case stateBlocked:
		log.Info("Response blocked mid-stream",
			zap.Strings("failed_scanners", result.report.FailedNames()),
			zap.Int("bytes_out", result.bytesOut))
		e.publishBlock(rc, "output", result.report)
	case stateAborted:
		log.Warn("Stream aborted", zap.Error(result.err), zap.Int("bytes_out", result.bytesOut))
		e.publish(eventbus.EventTypeStreamAborted, eventbus.UpstreamErrorPayload{
			RequestID: rc.ID, Model: req.Model, Error: errString(result.err),
		})
	default:
		log.Debug("Stream completed", zap.Int("bytes_out", result.bytesOut))
	}
	e.complete(rc, req, http.StatusOK)
}

// upstreamFailure renders a classified backend error.
func (e *Engine) upstreamFailure(w http.ResponseWriter, rc *RequestContext, req ProxyRequest, err error, log *zap.Logger) {
	kind := gwerrors.KindOf(err)
	log.Error("Backend call failed", zap.Error(err), zap.String("kind", string(kind)))
	e.publish(eventbus.EventTypeUpstreamError, eventbus.UpstreamErrorPayload{
		RequestID: rc.ID, Model: req.Model, Error: err.Error(),
	})
	e.writeError(w, rc, kind, "")
}

// complete emits the terminal accounting event for a request.
func (e *Engine) complete(rc *RequestContext, req ProxyRequest, status int) {
	e.publish(eventbus.EventTypeRequestCompleted, eventbus.CompletionPayload{
		RequestID: rc.ID, Model: req.Model, Endpoint: req.Endpoint,
		Status: status, Streamed: req.Stream, Duration: time.Since(rc.StartedAt),
	})
}

func (e *Engine) publishBlock(rc *RequestContext, stage string, report scan.Report) {
	eventType := eventbus.EventTypePromptBlocked
	if stage == "output" {
		eventType = eventbus.EventTypeResponseBlocked
	}
	var risk float64
	for _, v := range report.Failed {
		if v.RiskScore > risk {
			risk = v.RiskScore
		}
	}
	e.publish(eventType, eventbus.BlockPayload{
		RequestID:      rc.ID,
		Model:          rc.Model,
		Stage:          stage,
		Language:       string(rc.Language),
		FailedScanners: report.FailedNames(),
		RiskScore:      risk,
		Reason:         report.FirstReason(),
	})
}

func (e *Engine) publish(eventType string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(context.Background(), eventbus.NewEvent(eventType, payload))
}

// writeBlock renders a scan block decision as a buffered error response.
func (e *Engine) writeBlock(w http.ResponseWriter, rc *RequestContext, kind gwerrors.Kind, report scan.Report) {
	body := NewBlockBody(kind, rc.Language, report, e.opts.HideScannerDetail)
	writeEnvelope(w, rc.Format, gwerrors.HTTPStatus(kind), body)
}

// writeError renders a non-scan failure as a buffered error response.
func (e *Engine) writeError(w http.ResponseWriter, rc *RequestContext, kind gwerrors.Kind, reason string) {
	body := NewErrorBody(kind, rc.Language, reason)
	writeEnvelope(w, rc.Format, gwerrors.HTTPStatus(kind), body)
}

// writeEnvelope marshals the error body inside each API's native error
// shape: bare for Ollama, wrapped under "error" for OpenAI.
func writeEnvelope(w http.ResponseWriter, format WireFormat, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var payload any = body
	if format == FormatOpenAI {
		payload = map[string]any{"error": body}
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// relayStream forwards a streaming response line by line without mediation.
func relayStream(ctx context.Context, handle *backend.StreamHandle, w http.ResponseWriter, flusher http.Flusher) mediatorResult {
	defer handle.Close()
	out := 0
	for {
		if ctx.Err() != nil {
			return mediatorResult{state: stateAborted, err: ctx.Err(), bytesOut: out}
		}
		line, err := handle.Next()
		if err == io.EOF {
			return mediatorResult{state: stateFlushed, bytesOut: out}
		}
		if err != nil {
			return mediatorResult{state: stateAborted, err: err, bytesOut: out}
		}
		n, werr := w.Write(append(line, '\n'))
		out += n
		if werr != nil {
			return mediatorResult{state: stateAborted, err: werr, bytesOut: out}
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// relay copies a buffered backend response to the client verbatim.
func relay(w http.ResponseWriter, resp *backend.Response) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}
	return err.Error()
}
