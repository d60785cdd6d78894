package dialect

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Chat Completions response shapes.

type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatMessage struct {
	Role             string     `json:"role"`
	Content          *string    `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Usage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type CompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// Responses API response shapes.

type ResponsesResponse struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	CreatedAt         int64              `json:"created_at"`
	Status            string             `json:"status"`
	Model             string             `json:"model"`
	Output            []OutputItem       `json:"output"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
	Usage             *ResponsesUsage    `json:"usage,omitempty"`
}

type IncompleteDetails struct {
	Reason string `json:"reason"`
}

type OutputItem struct {
	Type      string       `json:"type"` // "message", "function_call" or "reasoning"
	ID        string       `json:"id,omitempty"`
	Role      string       `json:"role,omitempty"`
	Status    string       `json:"status,omitempty"`
	Content   []OutputPart `json:"content,omitempty"`
	Summary   []OutputPart `json:"summary,omitempty"`
	Name      string       `json:"name,omitempty"`
	CallID    string       `json:"call_id,omitempty"`
	Arguments string       `json:"arguments,omitempty"`
}

type OutputPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ResponsesUsage struct {
	InputTokens         int                  `json:"input_tokens"`
	OutputTokens        int                  `json:"output_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	InputTokensDetails  *InputTokensDetails  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *OutputTokensDetails `json:"output_tokens_details,omitempty"`
}

type InputTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type OutputTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// chatUsage maps Responses usage counters to the Chat shape. Cached and
// reasoning token counts survive under their Chat detail objects.
func chatUsage(u *ResponsesUsage) *Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	out := &Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
	}
	if u.InputTokensDetails != nil {
		out.PromptTokensDetails = &PromptTokensDetails{CachedTokens: u.InputTokensDetails.CachedTokens}
	}
	if u.OutputTokensDetails != nil {
		out.CompletionTokensDetails = &CompletionTokensDetails{ReasoningTokens: u.OutputTokensDetails.ReasoningTokens}
	}
	return out
}

// responsesUsage is the inverse of chatUsage.
func responsesUsage(u *Usage) *ResponsesUsage {
	if u == nil {
		return nil
	}
	out := &ResponsesUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		out.InputTokensDetails = &InputTokensDetails{CachedTokens: u.PromptTokensDetails.CachedTokens}
	}
	if u.CompletionTokensDetails != nil {
		out.OutputTokensDetails = &OutputTokensDetails{ReasoningTokens: u.CompletionTokensDetails.ReasoningTokens}
	}
	return out
}

// NewChatID mints a chat-style completion id.
func NewChatID() string {
	u := uuid.New()
	return "chatcmpl-" + hex.EncodeToString(u[:])
}

// NewResponseID mints a Responses-style response id.
func NewResponseID() string {
	u := uuid.New()
	return "resp_" + hex.EncodeToString(u[:])
}

// ResponsesToChatResponse converts a non-streaming Responses reply into a
// Chat Completions reply. An error means the payload does not look like a
// Responses reply; callers forward the original bytes verbatim in that case.
func ResponsesToChatResponse(data []byte) ([]byte, error) {
	var resp ResponsesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("dialect: parse responses reply: %w", err)
	}
	if resp.ID == "" && len(resp.Output) == 0 {
		return nil, fmt.Errorf("dialect: not a responses reply")
	}

	var content, reasoning string
	var toolCalls []ToolCall
	for _, item := range resp.Output {
		switch item.Type {
		case "message", "":
			for _, part := range item.Content {
				content += part.Text
			}
		case "reasoning":
			for _, part := range item.Summary {
				reasoning += part.Text
			}
			for _, part := range item.Content {
				reasoning += part.Text
			}
		case "function_call":
			toolCalls = append(toolCalls, ToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: ToolFunction{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
		}
	}

	msg := ChatMessage{
		Role:             "assistant",
		ReasoningContent: reasoning,
		ToolCalls:        toolCalls,
	}
	// Omit content only when the reply is purely tool calls.
	if content != "" || len(toolCalls) == 0 {
		msg.Content = &content
	}

	finish := "stop"
	switch {
	case len(toolCalls) > 0:
		finish = "tool_calls"
	case resp.Status == "incomplete" && resp.IncompleteDetails != nil && resp.IncompleteDetails.Reason == "max_output_tokens":
		finish = "length"
	}

	id := resp.ID
	if id == "" {
		id = NewChatID()
	}
	created := resp.CreatedAt
	if created == 0 {
		created = time.Now().Unix()
	}

	chat := ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   resp.Model,
		Choices: []ChatChoice{{Message: msg, FinishReason: finish}},
	}
	chat.Usage = chatUsage(resp.Usage)

	return json.Marshal(chat)
}

// ChatToResponsesResponse converts a non-streaming Chat Completions reply
// into a Responses reply. An error means the payload does not look like a
// chat reply; callers forward the original bytes verbatim.
func ChatToResponsesResponse(data []byte) ([]byte, error) {
	var resp ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("dialect: parse chat reply: %w", err)
	}
	if resp.ID == "" && len(resp.Choices) == 0 {
		return nil, fmt.Errorf("dialect: not a chat reply")
	}

	out := ResponsesResponse{
		ID:        resp.ID,
		Object:    "response",
		CreatedAt: resp.Created,
		Status:    "completed",
		Model:     resp.Model,
	}
	if out.ID == "" {
		out.ID = NewResponseID()
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = time.Now().Unix()
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]

		if choice.Message.ReasoningContent != "" {
			out.Output = append(out.Output, OutputItem{
				Type:    "reasoning",
				Summary: []OutputPart{{Type: "summary_text", Text: choice.Message.ReasoningContent}},
			})
		}
		if choice.Message.Content != nil {
			out.Output = append(out.Output, OutputItem{
				Type:    "message",
				Role:    "assistant",
				Status:  "completed",
				Content: []OutputPart{{Type: "output_text", Text: *choice.Message.Content}},
			})
		}
		for _, tc := range choice.Message.ToolCalls {
			out.Output = append(out.Output, OutputItem{
				Type:      "function_call",
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
				Status:    "completed",
			})
		}

		if choice.FinishReason == "length" {
			out.Status = "incomplete"
			out.IncompleteDetails = &IncompleteDetails{Reason: "max_output_tokens"}
		}
	}

	out.Usage = responsesUsage(resp.Usage)

	return json.Marshal(out)
}
