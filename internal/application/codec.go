package application

import (
	"bytes"
	"encoding/json"
	"time"
)

// frame is one parsed unit of a streaming response: the delta text it
// contributes, whether it is the end-of-stream marker, and the exact bytes
// to forward to the client when it is released.
type frame struct {
	delta string
	done  bool
	skip  bool // framing noise (blank SSE separators), never forwarded
	out   []byte
}

// streamCodec abstracts the two upstream wire formats. ParseLine consumes
// one line from the backend (no trailing newline); terminal frames produce
// the complete bytes of a gateway-originated stream ending.
type streamCodec interface {
	ContentType() string
	ParseLine(line []byte) frame
	TerminalErrorFrame(body ErrorBody) []byte
}

// ollamaCodec handles the NDJSON stream of /api/generate and /api/chat.
// chat selects which field carries the delta and shapes terminal frames.
type ollamaCodec struct {
	chat  bool
	model string
}

type ollamaChunk struct {
	Response string `json:"response"`
	Message  struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

func (c *ollamaCodec) ContentType() string { return "application/x-ndjson" }

func (c *ollamaCodec) ParseLine(line []byte) frame {
	if len(bytes.TrimSpace(line)) == 0 {
		return frame{skip: true}
	}
	var chunk ollamaChunk
	// Unparseable lines are forwarded as-is with no delta; the backend owns
	// its own framing bugs.
	_ = json.Unmarshal(line, &chunk)
	delta := chunk.Response
	if c.chat {
		delta = chunk.Message.Content
	}
	return frame{delta: delta, done: chunk.Done, out: append(line, '\n')}
}

// TerminalErrorFrame emits a final done:true chunk carrying the error
// envelope, so clients that only watch the done flag still terminate.
func (c *ollamaCodec) TerminalErrorFrame(body ErrorBody) []byte {
	type ollamaMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	chunk := map[string]any{
		"model":           c.model,
		"created_at":      time.Now().UTC().Format(time.RFC3339Nano),
		"done":            true,
		"error":           body.Error,
		"language":        body.Language,
		"failed_scanners": body.FailedScanners,
	}
	if body.Scanners != nil {
		chunk["scanners"] = body.Scanners
	}
	if c.chat {
		// "message" is the chat delta slot, so the localized text moves to
		// "error_message" to keep clients' decoders working.
		chunk["message"] = ollamaMessage{Role: "assistant", Content: ""}
		chunk["error_message"] = body.Message
	} else {
		chunk["response"] = ""
		chunk["message"] = body.Message
	}
	out, _ := json.Marshal(chunk)
	return append(out, '\n')
}

// openaiCodec handles the SSE stream of /v1/chat/completions and
// /v1/completions.
type openaiCodec struct{}

var ssePrefix = []byte("data: ")
var sseDone = []byte("[DONE]")

type openaiChunk struct {
	Choices []struct {
		Text  string `json:"text"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (openaiCodec) ContentType() string { return "text/event-stream" }

func (openaiCodec) ParseLine(line []byte) frame {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		// SSE event separator; regenerated when frames are written out.
		return frame{skip: true}
	}
	if !bytes.HasPrefix(trimmed, ssePrefix) {
		// Comment or event: line; forward untouched.
		return frame{out: append(line, '\n', '\n')}
	}
	payload := bytes.TrimSpace(bytes.TrimPrefix(trimmed, ssePrefix))
	if bytes.Equal(payload, sseDone) {
		return frame{done: true, out: []byte("data: [DONE]\n\n")}
	}
	var chunk openaiChunk
	_ = json.Unmarshal(payload, &chunk)
	var delta string
	if len(chunk.Choices) > 0 {
		delta = chunk.Choices[0].Delta.Content
		if delta == "" {
			delta = chunk.Choices[0].Text
		}
	}
	out := make([]byte, 0, len(line)+2)
	out = append(out, line...)
	return frame{delta: delta, out: append(out, '\n', '\n')}
}

// TerminalErrorFrame emits the error as a data event followed by [DONE], so
// SSE consumers see an orderly stream end.
func (openaiCodec) TerminalErrorFrame(body ErrorBody) []byte {
	payload, _ := json.Marshal(map[string]any{"error": body})
	out := make([]byte, 0, len(payload)+24)
	out = append(out, ssePrefix...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	out = append(out, []byte("data: [DONE]\n\n")...)
	return out
}

// codecFor selects the codec for a request's wire shape.
func codecFor(req ProxyRequest) streamCodec {
	if req.Format == FormatOpenAI {
		return openaiCodec{}
	}
	return &ollamaCodec{chat: req.ChatStyle, model: req.Model}
}

// extractResponseText pulls the generated text out of a buffered (non
// streaming) backend body for output scanning.
func extractResponseText(req ProxyRequest, body []byte) string {
	if req.Format == FormatOpenAI {
		var resp struct {
			Choices []struct {
				Text    string `json:"text"`
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
			return ""
		}
		if resp.Choices[0].Message.Content != "" {
			return resp.Choices[0].Message.Content
		}
		return resp.Choices[0].Text
	}
	var resp struct {
		Response string `json:"response"`
		Message  struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	if req.ChatStyle {
		return resp.Message.Content
	}
	return resp.Response
}
