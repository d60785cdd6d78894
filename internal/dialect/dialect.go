// Package dialect converts request and response bodies between the two
// OpenAI-compatible wire dialects the gateway speaks:
//
//   - Chat: POST /v1/chat/completions ("messages", "max_tokens")
//   - Responses: POST /v1/responses ("input", "max_output_tokens")
//
// Request converters work on raw JSON bytes so fields the gateway does not
// know about (sampler knobs, vendor extensions) pass through untouched.
// Response converters parse into typed structs because their shape is fixed.
// The bedrock subpackage handles AWS Bedrock native payloads.
package dialect

// API dialect names, as carried in route plans and tracing headers.
const (
	APIChat      = "chat"
	APIResponses = "responses"
)

// minOutputTokens is the smallest max_output_tokens the Responses API
// accepts. Conversions floor nonzero budgets to it.
const minOutputTokens = 16

// responsesOnlyFields are request keys only the Responses API understands.
// They are stripped when a request is sent to a Chat upstream.
var responsesOnlyFields = []string{
	"conversation",
	"conversation_id",
	"previous_response_id",
}
