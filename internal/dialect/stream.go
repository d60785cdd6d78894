package dialect

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// StreamTranscoder rewrites a Responses SSE stream into a Chat Completions
// SSE stream on the fly.
//
// Feed accepts raw upstream bytes in arbitrary splits and returns the bytes
// to send downstream. Every complete upstream event produces exactly one
// downstream event; "[DONE]" passes through; events that fail to parse are
// forwarded verbatim so a misbehaving upstream degrades to passthrough
// instead of a stalled stream. Flush drains whatever is left in the buffer
// unchanged (truncated final event).
type StreamTranscoder struct {
	buf []byte

	id      string
	model   string
	created int64

	sentFirst bool
	toolIndex int
}

// NewStreamTranscoder creates a transcoder. model seeds the chunk metadata
// until the stream announces its own.
func NewStreamTranscoder(model string) *StreamTranscoder {
	return &StreamTranscoder{
		id:      NewChatID(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Feed consumes upstream bytes and returns transcoded downstream bytes.
func (t *StreamTranscoder) Feed(p []byte) []byte {
	t.buf = append(t.buf, p...)

	var out []byte
	for {
		idx := bytes.Index(t.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		event := t.buf[:idx+2]
		t.buf = t.buf[idx+2:]
		out = append(out, t.transform(event)...)
	}
	return out
}

// Flush returns any buffered partial event verbatim. Call once at EOF.
func (t *StreamTranscoder) Flush() []byte {
	rest := t.buf
	t.buf = nil
	return rest
}

func (t *StreamTranscoder) transform(event []byte) []byte {
	lines := strings.Split(strings.TrimSuffix(string(event), "\n\n"), "\n")

	var other []string
	var datas []string
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			datas = append(datas, strings.TrimSpace(rest))
		} else {
			other = append(other, line)
		}
	}

	data := strings.Join(datas, "\n")
	if data == "" {
		return event
	}
	if data == "[DONE]" {
		return appendEvent(other, "[DONE]")
	}

	var chunk responsesChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil || chunk.Type == "" {
		return event
	}

	payload, err := json.Marshal(t.toChatChunk(chunk))
	if err != nil {
		return event
	}
	return appendEvent(other, string(payload))
}

func appendEvent(other []string, data string) []byte {
	var b strings.Builder
	for _, line := range other {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.WriteString(data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

// responsesChunk is the subset of Responses SSE events the transcoder
// understands. Delta stays raw because it is a bare string for text events.
type responsesChunk struct {
	Type        string             `json:"type"`
	Delta       json.RawMessage    `json:"delta,omitempty"`
	Item        *OutputItem        `json:"item,omitempty"`
	OutputIndex int                `json:"output_index,omitempty"`
	Response    *ResponsesResponse `json:"response,omitempty"`
}

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          *string         `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []toolCallDelta `json:"tool_calls,omitempty"`
}

type toolCallDelta struct {
	Index    int            `json:"index"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function *functionDelta `json:"function,omitempty"`
}

type functionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

func (t *StreamTranscoder) toChatChunk(chunk responsesChunk) chatChunk {
	var delta chunkDelta
	var finish *string
	var usage *Usage

	switch chunk.Type {
	case "response.created", "response.in_progress":
		if chunk.Response != nil {
			if chunk.Response.ID != "" {
				t.id = chunk.Response.ID
			}
			if chunk.Response.Model != "" {
				t.model = chunk.Response.Model
			}
			if chunk.Response.CreatedAt != 0 {
				t.created = chunk.Response.CreatedAt
			}
		}

	case "response.output_text.delta":
		text := deltaString(chunk.Delta)
		delta.Content = &text

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		delta.ReasoningContent = deltaString(chunk.Delta)

	case "response.output_item.added":
		if chunk.Item != nil && chunk.Item.Type == "function_call" {
			delta.ToolCalls = []toolCallDelta{{
				Index: t.toolIndex,
				ID:    chunk.Item.CallID,
				Type:  "function",
				Function: &functionDelta{
					Name:      chunk.Item.Name,
					Arguments: "",
				},
			}}
			t.toolIndex++
		}

	case "response.function_call_arguments.delta":
		idx := t.toolIndex - 1
		if idx < 0 {
			idx = 0
		}
		delta.ToolCalls = []toolCallDelta{{
			Index:    idx,
			Function: &functionDelta{Arguments: deltaString(chunk.Delta)},
		}}

	case "response.completed", "response.incomplete", "response.failed":
		reason := "stop"
		if t.toolIndex > 0 {
			reason = "tool_calls"
		}
		if chunk.Response != nil && chunk.Response.Status == "incomplete" &&
			chunk.Response.IncompleteDetails != nil &&
			chunk.Response.IncompleteDetails.Reason == "max_output_tokens" {
			reason = "length"
		}
		finish = &reason
		if chunk.Response != nil {
			usage = chatUsage(chunk.Response.Usage)
		}
	}

	if !t.sentFirst {
		delta.Role = "assistant"
		t.sentFirst = true
	}

	return chatChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
}

// deltaString unwraps a Responses delta, which is a bare JSON string for
// text events.
func deltaString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
