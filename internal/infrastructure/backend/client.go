package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// Config tunes the outbound connection pool.
type Config struct {
	Timeout             time.Duration // total request deadline fallback; ctx deadline wins
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
}

// Client is the pooled HTTP client for one inference backend.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *Breaker
	logger  *zap.Logger
}

// Response is a fully buffered backend reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// New creates a backend client. baseURL is the upstream base, e.g.
// "http://127.0.0.1:11434".
func New(baseURL string, cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 32
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 16
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		breaker: NewBreaker(0, 0),
		logger:  logger.With(zap.String("component", "backend-client")),
	}
}

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends a buffered request and reads the full response body. Transport
// errors classify as upstream_error, deadline expiry as request_timeout;
// backend 4xx/5xx are returned as a Response, not an error.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	if !c.breaker.Allow() {
		return nil, gwerrors.New(gwerrors.KindUpstreamError, "backend circuit open")
	}
	req, err := c.newRequest(ctx, method, path, bytes.NewReader(body), header)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordOutcome(ctx, err)
		return nil, classify(ctx, err)
	}
	c.recordOutcome(ctx, nil)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: respBody}, nil
}

// Stream sends a request and returns a handle over the response without
// buffering the body. The caller owns the handle and must Close it on every
// exit path; Close aborts the underlying connection promptly.
func (c *Client) Stream(ctx context.Context, method, path string, body []byte, header http.Header) (*StreamHandle, error) {
	if !c.breaker.Allow() {
		return nil, gwerrors.New(gwerrors.KindUpstreamError, "backend circuit open")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(streamCtx, method, path, bytes.NewReader(body), header)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		c.recordOutcome(ctx, err)
		return nil, classify(ctx, err)
	}
	c.recordOutcome(ctx, nil)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line
	return &StreamHandle{resp: resp, cancel: cancel, scanner: scanner}, nil
}

// Passthrough forwards an inbound request verbatim and streams the backend's
// response back, byte-identical modulo connection framing. Idempotent methods
// get one retry on connect failure; anything else is sent at most once.
func (c *Client) Passthrough(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var bodyBytes []byte
	if r.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			return gwerrors.Wrap(gwerrors.KindBadRequest, "failed to read request body", err)
		}
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	req, err := c.newRequest(ctx, r.Method, path, bytes.NewReader(bodyBytes), r.Header)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil && idempotent(r.Method) {
		c.logger.Warn("Pass-through request failed, retrying once",
			zap.String("path", path),
			zap.Error(err),
		)
		req, _ = c.newRequest(ctx, r.Method, path, bytes.NewReader(bodyBytes), r.Header)
		resp, err = c.http.Do(req)
	}
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil // client went away; nothing to surface
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return classify(ctx, rerr)
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, header http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, "failed to build backend request", err)
	}
	for k, vals := range header {
		if hopByHop(k) {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Breaker exposes the circuit for the admin surface and tests.
func (c *Client) Breaker() *Breaker { return c.breaker }

// recordOutcome feeds the breaker. Cancellations and deadlines caused by the
// caller's own context say nothing about backend health, so they don't count.
func (c *Client) recordOutcome(ctx context.Context, err error) {
	if err == nil {
		c.breaker.RecordSuccess()
		return
	}
	if ctx.Err() != nil {
		return
	}
	c.breaker.RecordFailure()
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func hopByHop(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Connection", "Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

// classify maps a transport error onto the wire error taxonomy.
func classify(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return gwerrors.Wrap(gwerrors.KindRequestTimeout, "backend request deadline exceeded", err)
	}
	var netErr net.Error
	if ok := asNetError(err, &netErr); ok && netErr.Timeout() {
		return gwerrors.Wrap(gwerrors.KindRequestTimeout, "backend request timed out", err)
	}
	return gwerrors.Wrap(gwerrors.KindUpstreamError, "backend request failed", err)
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// StreamHandle is a single-consumer iterator over a streaming backend
// response. Both Ollama NDJSON and OpenAI SSE are line-oriented, so the unit
// of iteration is one line without its trailing newline.
type StreamHandle struct {
	resp      *http.Response
	cancel    context.CancelFunc
	scanner   *bufio.Scanner
	closeOnce sync.Once
}

// StatusCode returns the backend's response status.
func (h *StreamHandle) StatusCode() int { return h.resp.StatusCode }

// Header returns the backend's response headers.
func (h *StreamHandle) Header() http.Header { return h.resp.Header }

// Next returns the next line of the stream, or io.EOF at natural end.
func (h *StreamHandle) Next() ([]byte, error) {
	if h.scanner.Scan() {
		// Copy out: the scanner reuses its buffer on the next call.
		line := h.scanner.Bytes()
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := h.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ReadAll drains the remaining body. Used to forward non-2xx error bodies.
func (h *StreamHandle) ReadAll() ([]byte, error) {
	return io.ReadAll(h.resp.Body)
}

// Close aborts the request context and closes the body, terminating the
// upstream connection within milliseconds. Safe to call multiple times and
// required on every exit path.
func (h *StreamHandle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.resp.Body.Close()
	})
}

// String implements fmt.Stringer for log lines.
func (h *StreamHandle) String() string {
	return fmt.Sprintf("stream{status=%d}", h.resp.StatusCode)
}
