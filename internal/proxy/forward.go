package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/routiium/internal/dialect"
	"github.com/nulpointcorp/routiium/internal/routerclient"
	"github.com/nulpointcorp/routiium/internal/routing"
	"github.com/nulpointcorp/routiium/internal/upstream"
	"github.com/nulpointcorp/routiium/pkg/apierr"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"
)

// forward sends a buffered (non-streaming) request upstream and writes the
// reply. Upstream errors pass through with their original status and body so
// clients see what the provider said; route headers are already on the
// response at this point.
func (g *Gateway) forward(ctx *fasthttp.RequestCtx, api string, res resolvedRoute, body []byte, bearer string) int {
	out, err := g.convertRequest(ctx, api, res.plan.Mode, body)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return fasthttp.StatusBadRequest
	}

	status, respBody, err := g.roundTrip(ctx, res.plan, out, bearer)
	if err != nil {
		return g.writeTransportError(ctx, err)
	}

	// Some Responses upstreams reject converted requests that carry no
	// top-level "input". Derive one from the chat messages and retry once.
	if status == fasthttp.StatusBadRequest &&
		res.plan.Mode == routing.ModeResponses && missingInputError(respBody) {
		if fixed, changed := insertDerivedInput(out, body); changed {
			if s, b, rerr := g.roundTrip(ctx, res.plan, fixed, bearer); rerr == nil {
				status, respBody = s, b
			}
		}
	}

	if status < 200 || status >= 300 {
		ctx.SetStatusCode(status)
		ctx.SetContentType("application/json")
		ctx.SetBody(respBody)
		return status
	}

	final := g.convertResponse(api, res.plan.Mode, respBody)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(final)
	return status
}

// convertRequest rewrites the client body into the upstream's dialect.
// Conversation hints (query parameters win over body fields) are re-applied
// for Responses upstreams so session affinity survives the rewrite.
func (g *Gateway) convertRequest(ctx *fasthttp.RequestCtx, api, mode string, body []byte) ([]byte, error) {
	switch {
	case api == dialect.APIChat && mode == routing.ModeResponses:
		out, err := dialect.ChatToResponsesRequest(body)
		if err != nil {
			return nil, fmt.Errorf("cannot convert chat request: %w", err)
		}
		g.recordConversion(dialect.APIChat, dialect.APIResponses)
		return applyConversationHints(ctx, out, body), nil

	case api == dialect.APIResponses && mode == routing.ModeChat:
		out, err := dialect.ResponsesToChatRequest(body)
		if err != nil {
			return nil, fmt.Errorf("cannot convert responses request: %w", err)
		}
		g.recordConversion(dialect.APIResponses, dialect.APIChat)
		return out, nil

	case api == dialect.APIResponses:
		out := dialect.FlattenChatTools(body)
		return applyConversationHints(ctx, out, body), nil

	default: // chat to chat
		return dialect.StripResponsesOnlyFields(body), nil
	}
}

// convertResponse maps the upstream reply back into the client's dialect.
// A reply that fails to parse is forwarded verbatim: a lossy passthrough
// beats swallowing the provider's answer.
func (g *Gateway) convertResponse(api, mode string, respBody []byte) []byte {
	switch {
	case api == dialect.APIChat && mode == routing.ModeResponses:
		if out, err := dialect.ResponsesToChatResponse(respBody); err == nil {
			g.recordConversion(dialect.APIResponses, dialect.APIChat)
			return out
		}
	case api == dialect.APIResponses && mode == routing.ModeChat:
		if out, err := dialect.ChatToResponsesResponse(respBody); err == nil {
			g.recordConversion(dialect.APIChat, dialect.APIResponses)
			return out
		}
	}
	return respBody
}

func (g *Gateway) recordConversion(from, to string) {
	if g.metrics != nil {
		g.metrics.RecordConversion(from, to)
	}
}

// roundTrip performs one buffered upstream exchange. Non-2xx statuses are
// returned as data, not errors.
func (g *Gateway) roundTrip(ctx context.Context, plan routerclient.RoutePlan, body []byte, bearer string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(plan), bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("proxy: build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", upstream.UserAgent(g.version))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range plan.ExtraHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if g.metrics != nil {
		g.metrics.ObserveUpstream(plan.Mode, resp.StatusCode, time.Since(start))
	}
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("proxy: read upstream response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func (g *Gateway) writeTransportError(ctx *fasthttp.RequestCtx, err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return fasthttp.StatusGatewayTimeout
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		"upstream request failed: "+err.Error(),
		apierr.TypeServerError, apierr.CodeUpstreamError)
	return fasthttp.StatusBadGateway
}

// endpointURL joins the plan's base URL with the dialect path.
func endpointURL(plan routerclient.RoutePlan) string {
	base := strings.TrimRight(plan.BaseURL, "/")
	if plan.Mode == routing.ModeResponses {
		return base + "/responses"
	}
	return base + "/chat/completions"
}

// conversationHints extracts conversation affinity markers: query parameters
// take precedence over body fields, and "conversation" may be a bare id or
// an object carrying one.
func conversationHints(ctx *fasthttp.RequestCtx, body []byte) (conv, prev string) {
	q := ctx.QueryArgs()
	conv = string(q.Peek("conversation"))
	if conv == "" {
		conv = string(q.Peek("conversation_id"))
	}
	prev = string(q.Peek("previous_response_id"))

	if conv == "" {
		c := gjson.GetBytes(body, "conversation")
		switch {
		case c.Type == gjson.String:
			conv = c.String()
		case c.IsObject():
			conv = c.Get("id").String()
		}
		if conv == "" {
			conv = gjson.GetBytes(body, "conversation_id").String()
		}
	}
	if prev == "" {
		prev = gjson.GetBytes(body, "previous_response_id").String()
	}
	return conv, prev
}

// applyConversationHints canonicalises hints onto a Responses-bound body.
func applyConversationHints(ctx *fasthttp.RequestCtx, out, orig []byte) []byte {
	conv, prev := conversationHints(ctx, orig)
	out, _ = sjson.DeleteBytes(out, "conversation_id")
	if conv != "" {
		out, _ = sjson.SetBytes(out, "conversation", conv)
	}
	if prev != "" {
		out, _ = sjson.SetBytes(out, "previous_response_id", prev)
	}
	return out
}

// missingInputError recognises a Responses validation failure complaining
// about the "input" field.
func missingInputError(respBody []byte) bool {
	s := string(respBody)
	if strings.Contains(s, "'input'") || strings.Contains(s, "\"input\"") {
		return true
	}
	return strings.Contains(s, "Field required") && strings.Contains(s, "input")
}

// insertDerivedInput adds a top-level "input" derived from the original chat
// messages. Returns false when the body already has one or nothing usable
// can be derived.
func insertDerivedInput(out, orig []byte) ([]byte, bool) {
	if gjson.GetBytes(out, "input").Exists() {
		return out, false
	}
	input := deriveInput(orig)
	if input == "" {
		return out, false
	}
	fixed, err := sjson.SetBytes(out, "input", input)
	if err != nil {
		return out, false
	}
	return fixed, true
}

// deriveInput extracts the text of the last user message: a string content
// directly, an array by joining its text parts.
func deriveInput(body []byte) string {
	messages := gjson.GetBytes(body, "messages").Array()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Get("role").String() != "user" {
			continue
		}
		content := messages[i].Get("content")
		if content.Type == gjson.String {
			return content.String()
		}
		if content.IsArray() {
			var parts []string
			for _, part := range content.Array() {
				switch part.Get("type").String() {
				case "text", "input_text":
					if t := part.Get("text").String(); t != "" {
						parts = append(parts, t)
					}
				}
			}
			return strings.Join(parts, "\n")
		}
		return ""
	}
	return ""
}
