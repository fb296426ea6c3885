package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/application"
	"github.com/modelgate/modelgate/internal/domain/lang"
	"github.com/modelgate/modelgate/internal/infrastructure/backend"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// OllamaHandler serves the native Ollama API surface. Generation endpoints
// go through the router; management endpoints pass straight through to the
// backend.
type OllamaHandler struct {
	engine         *application.Engine
	backend        *backend.Client
	scanEmbeddings bool
	logger         *zap.Logger
}

func NewOllamaHandler(engine *application.Engine, bc *backend.Client, scanEmbeddings bool, logger *zap.Logger) *OllamaHandler {
	return &OllamaHandler{
		engine:         engine,
		backend:        bc,
		scanEmbeddings: scanEmbeddings,
		logger:         logger.With(zap.String("handler", "ollama")),
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system"`
	Stream *bool  `json:"stream"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   *bool           `json:"stream"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// Generate handles POST /api/generate. Streaming is Ollama's default.
func (h *OllamaHandler) Generate(c *gin.Context) {
	body, ok := readBody(c, application.FormatOllama)
	if !ok {
		return
	}
	var req ollamaGenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, application.FormatOllama, "invalid JSON body")
		return
	}
	if req.Model == "" {
		badRequest(c, application.FormatOllama, "model is required")
		return
	}

	scannable := req.Prompt
	if req.System != "" {
		scannable = "system: " + req.System + "\nuser: " + req.Prompt
	}
	h.engine.Serve(c.Request.Context(), c.Writer, application.ProxyRequest{
		Endpoint:  "/api/generate",
		Path:      "/api/generate",
		Method:    http.MethodPost,
		Model:     req.Model,
		Scannable: scannable,
		Stream:    req.Stream == nil || *req.Stream,
		Format:    application.FormatOllama,
		Body:      body,
		Header:    c.Request.Header,
		ClientID:  c.ClientIP(),
	})
}

// Chat handles POST /api/chat.
func (h *OllamaHandler) Chat(c *gin.Context) {
	body, ok := readBody(c, application.FormatOllama)
	if !ok {
		return
	}
	var req ollamaChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, application.FormatOllama, "invalid JSON body")
		return
	}
	if req.Model == "" {
		badRequest(c, application.FormatOllama, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		badRequest(c, application.FormatOllama, "messages is required")
		return
	}

	h.engine.Serve(c.Request.Context(), c.Writer, application.ProxyRequest{
		Endpoint:  "/api/chat",
		Path:      "/api/chat",
		Method:    http.MethodPost,
		Model:     req.Model,
		Scannable: joinMessages(req.Messages),
		Stream:    req.Stream == nil || *req.Stream,
		Format:    application.FormatOllama,
		ChatStyle: true,
		Body:      body,
		Header:    c.Request.Header,
		ClientID:  c.ClientIP(),
	})
}

// Embed handles POST /api/embed. Embedding inputs are prompts too, so the
// input pipeline applies when scan_embeddings is on; there is no generated
// text, so the output stage never does.
func (h *OllamaHandler) Embed(c *gin.Context) {
	body, ok := readBody(c, application.FormatOllama)
	if !ok {
		return
	}
	var req ollamaEmbedRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, application.FormatOllama, "invalid JSON body")
		return
	}
	if req.Model == "" {
		badRequest(c, application.FormatOllama, "model is required")
		return
	}

	var scannable string
	if h.scanEmbeddings {
		scannable = embedInputText(req.Input)
	}
	h.engine.Serve(c.Request.Context(), c.Writer, application.ProxyRequest{
		Endpoint:       "/api/embed",
		Path:           "/api/embed",
		Method:         http.MethodPost,
		Model:          req.Model,
		Scannable:      scannable,
		Stream:         false,
		Format:         application.FormatOllama,
		Body:           body,
		Header:         c.Request.Header,
		ClientID:       c.ClientIP(),
		SkipOutputScan: true,
	})
}

// Passthrough relays management endpoints (/api/tags, /api/ps, /api/show,
// model lifecycle) byte-identically.
func (h *OllamaHandler) Passthrough(c *gin.Context) {
	if err := h.backend.Passthrough(c.Request.Context(), c.Writer, c.Request); err != nil {
		kind := gwerrors.KindOf(err)
		h.logger.Error("Pass-through failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		c.AbortWithStatusJSON(gwerrors.HTTPStatus(kind),
			application.NewErrorBody(kind, lang.TagEN, ""))
	}
}

// joinMessages flattens a chat history into role-labeled scan text.
func joinMessages(messages []ollamaMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// embedInputText flattens Ollama's string-or-array embed input.
func embedInputText(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// readBody buffers the request body so it can be both parsed and forwarded.
func readBody(c *gin.Context, format application.WireFormat) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, format, "failed to read request body")
		return nil, false
	}
	return body, true
}

// badRequest renders a bad_request envelope in the caller's wire shape.
func badRequest(c *gin.Context, format application.WireFormat, reason string) {
	body := application.NewErrorBody(gwerrors.KindBadRequest, lang.TagEN, reason)
	status := gwerrors.HTTPStatus(gwerrors.KindBadRequest)
	if format == application.FormatOpenAI {
		c.AbortWithStatusJSON(status, gin.H{"error": body})
		return
	}
	c.AbortWithStatusJSON(status, body)
}
