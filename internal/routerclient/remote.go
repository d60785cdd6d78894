package routerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultRemoteTimeout bounds the plan round trip. Planning sits on the
// request hot path, so the budget is deliberately tiny: a slow policy
// service must not stall proxying.
const DefaultRemoteTimeout = 15 * time.Millisecond

const feedbackTimeout = 2 * time.Second

// RemoteRouter asks an external policy service for plans over HTTP.
//
// POST {base}/route/plan carries a RouteRequest and returns a RoutePlan.
// POST {base}/route/feedback carries a Feedback and is fire-and-forget.
type RemoteRouter struct {
	baseURL string
	// client carries the tiny plan budget as its Timeout; feedback gets its
	// own client because http.Client.Timeout caps the whole exchange no
	// matter how generous the request context is.
	client   *http.Client
	feedback *http.Client
	log      *slog.Logger

	lastRev atomic.Value // string
}

// RemoteOption configures a RemoteRouter.
type RemoteOption func(*RemoteRouter)

// WithTimeout overrides the plan timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteRouter) { r.client.Timeout = d }
}

// WithHTTPClient replaces both underlying HTTP clients (testing).
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteRouter) {
		r.client = c
		r.feedback = c
	}
}

// NewRemoteRouter creates a remote policy router for the given base URL.
func NewRemoteRouter(baseURL string, log *slog.Logger, opts ...RemoteOption) *RemoteRouter {
	if log == nil {
		log = slog.Default()
	}
	r := &RemoteRouter{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: DefaultRemoteTimeout},
		feedback: &http.Client{Timeout: feedbackTimeout},
		log:      log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RemoteRouter) Plan(ctx context.Context, req RouteRequest) (RoutePlan, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return RoutePlan{}, fmt.Errorf("routerclient: marshal plan request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/route/plan", bytes.NewReader(payload))
	if err != nil {
		return RoutePlan{}, fmt.Errorf("routerclient: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return RoutePlan{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RoutePlan{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return RoutePlan{}, ErrNoRoute
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return RoutePlan{}, &RemoteError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var plan RoutePlan
	if err := json.Unmarshal(body, &plan); err != nil {
		return RoutePlan{}, fmt.Errorf("routerclient: parse plan: %w", err)
	}
	if plan.PolicyRev != "" {
		r.lastRev.Store(plan.PolicyRev)
	}
	return plan, nil
}

// Feedback posts the outcome in a background goroutine. Failures are logged
// at debug level and otherwise ignored.
func (r *RemoteRouter) Feedback(fb Feedback) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), feedbackTimeout)
		defer cancel()

		payload, err := json.Marshal(fb)
		if err != nil {
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/route/feedback", bytes.NewReader(payload))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.feedback.Do(req)
		if err != nil {
			r.log.Debug("route feedback failed", slog.String("error", err.Error()))
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

func (r *RemoteRouter) PolicyRevision() string {
	rev, _ := r.lastRev.Load().(string)
	return rev
}
