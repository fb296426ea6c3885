package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/application"
	"github.com/modelgate/modelgate/internal/domain/lang"
	"github.com/modelgate/modelgate/internal/infrastructure/backend"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// OpenAIHandler serves the OpenAI-compatible surface that Ollama exposes
// under /v1. Generation goes through the router; /v1/models passes through.
type OpenAIHandler struct {
	engine         *application.Engine
	backend        *backend.Client
	scanEmbeddings bool
	logger         *zap.Logger
}

func NewOpenAIHandler(engine *application.Engine, bc *backend.Client, scanEmbeddings bool, logger *zap.Logger) *OpenAIHandler {
	return &OpenAIHandler{
		engine:         engine,
		backend:        bc,
		scanEmbeddings: scanEmbeddings,
		logger:         logger.With(zap.String("handler", "openai")),
	}
}

type openaiChatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	Stream bool `json:"stream"`
}

type openaiCompletionRequest struct {
	Model  string `json:"model"`
	Prompt any    `json:"prompt"`
	Stream bool   `json:"stream"`
}

type openaiEmbeddingsRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// ChatCompletions handles POST /v1/chat/completions. Unlike the native API,
// streaming is opt-in here.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	body, ok := readBody(c, application.FormatOpenAI)
	if !ok {
		return
	}
	var req openaiChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, application.FormatOpenAI, "invalid JSON body")
		return
	}
	if req.Model == "" {
		badRequest(c, application.FormatOpenAI, "model is required")
		return
	}
	if len(req.Messages) == 0 {
		badRequest(c, application.FormatOpenAI, "messages is required")
		return
	}

	var b strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(contentText(m.Content))
	}

	h.engine.Serve(c.Request.Context(), c.Writer, application.ProxyRequest{
		Endpoint:  "/v1/chat/completions",
		Path:      "/v1/chat/completions",
		Method:    http.MethodPost,
		Model:     req.Model,
		Scannable: b.String(),
		Stream:    req.Stream,
		Format:    application.FormatOpenAI,
		ChatStyle: true,
		Body:      body,
		Header:    c.Request.Header,
		ClientID:  c.ClientIP(),
	})
}

// Completions handles POST /v1/completions.
func (h *OpenAIHandler) Completions(c *gin.Context) {
	body, ok := readBody(c, application.FormatOpenAI)
	if !ok {
		return
	}
	var req openaiCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, application.FormatOpenAI, "invalid JSON body")
		return
	}
	if req.Model == "" {
		badRequest(c, application.FormatOpenAI, "model is required")
		return
	}

	h.engine.Serve(c.Request.Context(), c.Writer, application.ProxyRequest{
		Endpoint:  "/v1/completions",
		Path:      "/v1/completions",
		Method:    http.MethodPost,
		Model:     req.Model,
		Scannable: promptText(req.Prompt),
		Stream:    req.Stream,
		Format:    application.FormatOpenAI,
		Body:      body,
		Header:    c.Request.Header,
		ClientID:  c.ClientIP(),
	})
}

// Embeddings handles POST /v1/embeddings.
func (h *OpenAIHandler) Embeddings(c *gin.Context) {
	body, ok := readBody(c, application.FormatOpenAI)
	if !ok {
		return
	}
	var req openaiEmbeddingsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, application.FormatOpenAI, "invalid JSON body")
		return
	}
	if req.Model == "" {
		badRequest(c, application.FormatOpenAI, "model is required")
		return
	}

	var scannable string
	if h.scanEmbeddings {
		scannable = embedInputText(req.Input)
	}
	h.engine.Serve(c.Request.Context(), c.Writer, application.ProxyRequest{
		Endpoint:       "/v1/embeddings",
		Path:           "/v1/embeddings",
		Method:         http.MethodPost,
		Model:          req.Model,
		Scannable:      scannable,
		Stream:         false,
		Format:         application.FormatOpenAI,
		Body:           body,
		Header:         c.Request.Header,
		ClientID:       c.ClientIP(),
		SkipOutputScan: true,
	})
}

// ListModels relays GET /v1/models.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	if err := h.backend.Passthrough(c.Request.Context(), c.Writer, c.Request); err != nil {
		kind := gwerrors.KindOf(err)
		h.logger.Error("Models pass-through failed", zap.Error(err))
		c.AbortWithStatusJSON(gwerrors.HTTPStatus(kind),
			gin.H{"error": application.NewErrorBody(kind, lang.TagEN, "")})
	}
}

// contentText extracts scan text from an OpenAI message content, which may
// be a plain string or a multimodal part array; only text parts count.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// promptText flattens the string-or-array prompt of /v1/completions.
func promptText(prompt any) string {
	switch v := prompt.(type) {
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
