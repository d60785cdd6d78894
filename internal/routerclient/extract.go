package routerclient

import (
	"fmt"

	"github.com/tidwall/gjson"
)

const summaryContentLimit = 256

// ExtractRouteRequest derives a RouteRequest from a raw request body.
//
// Capabilities start at ["text"]; "vision" is added when any message content
// is an array carrying image parts, "tools" when the request declares tools.
// The token estimate is a cheap chars/4 heuristic plus fixed per-message and
// per-tool overheads, floored at 1 — policies only need the magnitude.
func ExtractRouteRequest(body []byte, api string, privacyMode string) RouteRequest {
	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	messages := gjson.GetBytes(body, "messages")
	if !messages.Exists() {
		messages = gjson.GetBytes(body, "input")
	}
	tools := gjson.GetBytes(body, "tools")

	caps := []string{"text"}
	if hasImageParts(messages) {
		caps = append(caps, "vision")
	}
	if tools.IsArray() && len(tools.Array()) > 0 {
		caps = append(caps, "tools")
	}

	est := len(messages.Raw) / 4
	if messages.IsArray() {
		est += 10 * len(messages.Array())
	}
	if tools.IsArray() {
		est += 50 * len(tools.Array())
	}
	if est < 1 {
		est = 1
	}

	return RouteRequest{
		RequestID:         newID("req_", 12),
		Alias:             model,
		API:               api,
		Stream:            stream,
		RequiredCaps:      caps,
		EstInputTokens:    est,
		Tokenizer:         "auto",
		PromptFingerprint: fingerprint([]byte(messages.Raw)),
		PlanToken:         gjson.GetBytes(body, "plan_token").String(),
		Content:           contentForMode(messages, privacyMode),
	}
}

func hasImageParts(messages gjson.Result) bool {
	if !messages.IsArray() {
		return false
	}
	for _, msg := range messages.Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		for _, part := range content.Array() {
			switch part.Get("type").String() {
			case "image_url", "input_image", "image":
				return true
			}
		}
	}
	return false
}

func contentForMode(messages gjson.Result, mode string) string {
	switch mode {
	case ContentFull:
		return messages.Raw
	case ContentSummary:
		text := messages.Raw
		if len(text) > summaryContentLimit {
			text = text[:summaryContentLimit]
		}
		return text
	default:
		return ""
	}
}

// fingerprint is a stable non-cryptographic digest of the prompt, used for
// plan affinity rather than security.
func fingerprint(data []byte) string {
	var h uint64 = 5381
	for _, b := range data {
		h = h*33 + uint64(b)
	}
	return fmt.Sprintf("sha256:%016x", h)
}
