package routerclient

import (
	"context"
	"errors"
)

// HybridRouter tries the local policy first and falls through to the remote
// one when the local policy has no route. Remote unavailability does not mask
// a local answer: only ErrNoRoute triggers the fallback.
type HybridRouter struct {
	local  Client
	remote Client
}

// NewHybridRouter combines a local and a remote policy router.
func NewHybridRouter(local, remote Client) *HybridRouter {
	return &HybridRouter{local: local, remote: remote}
}

func (h *HybridRouter) Plan(ctx context.Context, req RouteRequest) (RoutePlan, error) {
	plan, err := h.local.Plan(ctx, req)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, ErrNoRoute) {
		return RoutePlan{}, err
	}
	return h.remote.Plan(ctx, req)
}

// Feedback fans out to both policies.
func (h *HybridRouter) Feedback(fb Feedback) {
	h.local.Feedback(fb)
	h.remote.Feedback(fb)
}

// PolicyRevision prefers the remote revision when one has been seen.
func (h *HybridRouter) PolicyRevision() string {
	if rev := h.remote.PolicyRevision(); rev != "" {
		return rev
	}
	return h.local.PolicyRevision()
}
