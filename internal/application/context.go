package application

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/domain/lang"
)

// WireFormat identifies which API surface a request arrived on.
type WireFormat int

const (
	FormatOllama WireFormat = iota
	FormatOpenAI
)

func (f WireFormat) String() string {
	if f == FormatOpenAI {
		return "openai"
	}
	return "ollama"
}

// ProxyRequest is the parsed, wire-format-independent form of a generation
// request, produced by the HTTP handlers.
type ProxyRequest struct {
	Endpoint  string     // inbound route, for events and metrics
	Path      string     // backend path (usually equals Endpoint)
	Method    string
	Model     string
	Scannable string // role-labeled message concatenation, or the prompt
	Stream    bool
	Format    WireFormat
	ChatStyle bool // shapes the Ollama terminal error frame
	Body      []byte
	Header    http.Header
	ClientID  string

	// SkipOutputScan is set for embeddings: there is no generated text.
	SkipOutputScan bool
}

// RequestContext is created on ingress and lives until the response
// completes. Downstream components read it; only the router mutates it.
type RequestContext struct {
	ID        string
	ClientID  string
	Model     string
	Language  lang.Tag
	Format    WireFormat
	Stream    bool
	StartedAt time.Time
}

// NewRequestContext stamps a fresh request id and detects the language of
// the scannable text when detection is enabled.
func NewRequestContext(req ProxyRequest, detectLanguage bool) *RequestContext {
	tag := lang.TagEN
	if detectLanguage {
		tag = lang.Detect(req.Scannable)
	}
	return &RequestContext{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Model:     req.Model,
		Language:  tag,
		Format:    req.Format,
		Stream:    req.Stream,
		StartedAt: time.Now(),
	}
}
