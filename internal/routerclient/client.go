// Package routerclient obtains route plans for incoming requests.
//
// A plan names the upstream (base URL, dialect mode, auth env var) plus the
// policy metadata needed for cache invalidation and feedback. Plans come from
// a local policy (the routing engine), a remote policy service, or a hybrid
// of the two, and are memoised in a TTL-bounded decision cache.
package routerclient

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nulpointcorp/routiium/internal/routing"
)

// SchemaVersion is the route plan wire schema carried in tracing headers.
const SchemaVersion = "1.1"

// Content privacy modes: how much request content is shared with a remote
// policy service.
const (
	ContentNone    = "none"
	ContentSummary = "summary"
	ContentFull    = "full"
)

var (
	// ErrNoRoute means the policy has no route for the requested alias.
	ErrNoRoute = errors.New("routerclient: no route for alias")
	// ErrUnavailable means the policy service could not be reached.
	ErrUnavailable = errors.New("routerclient: policy service unavailable")
)

// RemoteError is a non-2xx reply from the remote policy service.
type RemoteError struct {
	Status int
	Body   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("routerclient: policy service returned %d: %s", e.Status, e.Body)
}

// RouteRequest describes one incoming request to the policy layer.
type RouteRequest struct {
	RequestID         string   `json:"request_id"`
	Alias             string   `json:"alias"`
	API               string   `json:"api"` // "chat" or "responses"
	Stream            bool     `json:"stream"`
	RequiredCaps      []string `json:"required_caps"`
	EstInputTokens    int      `json:"est_input_tokens"`
	Tokenizer         string   `json:"tokenizer"`
	PromptFingerprint string   `json:"prompt_fingerprint"`
	PlanToken         string   `json:"plan_token,omitempty"`
	Content           string   `json:"content,omitempty"`
}

// RoutePlan is the policy's answer: where to send the request and under
// which policy revision the answer was made.
type RoutePlan struct {
	SchemaVersion string `json:"schema_version"`
	RouteID       string `json:"route_id"`
	PolicyID      string `json:"policy_id"`
	PolicyRev     string `json:"policy_rev"`
	Model         string `json:"model"`
	BaseURL       string `json:"base_url"`
	Mode          string `json:"mode"` // chat, responses or bedrock
	AuthEnv       string `json:"auth_env,omitempty"`
	// ExtraHeaders are set verbatim on the upstream request. The policy uses
	// them for provider-specific headers such as api versioning.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	TTLMs        int64             `json:"ttl_ms"`
	ContentUsed  string            `json:"content_used"`

	// Local-only fields, set by the in-process policy and never serialized.
	// RuleName is the matched routing rule, Transform its body rewrite, and
	// Passthrough marks a decision to use the caller's default upstream.
	RuleName    string             `json:"-"`
	Transform   *routing.Transform `json:"-"`
	Passthrough bool               `json:"-"`
}

// Feedback reports the outcome of a routed request. Delivery is best effort.
type Feedback struct {
	RouteID      string `json:"route_id"`
	RequestID    string `json:"request_id"`
	Status       int    `json:"status"`
	LatencyMs    int64  `json:"latency_ms"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Client is the policy interface the proxy codes against.
type Client interface {
	// Plan resolves a route. ErrNoRoute when the policy has no answer,
	// ErrUnavailable when the policy backend cannot be reached.
	Plan(ctx context.Context, req RouteRequest) (RoutePlan, error)
	// Feedback reports a request outcome. Never blocks the caller.
	Feedback(fb Feedback)
	// PolicyRevision is the revision of the most recently seen policy,
	// empty before the first successful plan.
	PolicyRevision() string
}

// newID returns prefix plus the first n hex chars of a fresh UUID.
func newID(prefix string, n int) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])[:n]
}
