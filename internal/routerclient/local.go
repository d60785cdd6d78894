package routerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nulpointcorp/routiium/internal/routing"
)

const (
	localPolicyID  = "local_alias_policy"
	localPolicyRev = "local_v1"
	localPlanTTLMs = 15_000
)

// LocalRouter answers plans from the in-process routing engine, falling back
// to a static alias table loaded from a file. The engine is fetched per call
// so hot reloads take effect immediately.
type LocalRouter struct {
	engine      func() *routing.Engine
	privacyMode string

	mu      sync.RWMutex
	aliases map[string]AliasTarget
}

// AliasTarget is one entry in the alias file: where requests for an alias go
// when no routing rule claims it.
type AliasTarget struct {
	BaseURL string `json:"base_url"`
	Mode    string `json:"mode,omitempty"`
	Model   string `json:"model_id,omitempty"`
	AuthEnv string `json:"auth_env,omitempty"`
}

// NewLocalRouter creates a local policy router. privacyMode controls the
// content_used marker on plans (none, summary or full).
func NewLocalRouter(engine func() *routing.Engine, privacyMode string) *LocalRouter {
	if privacyMode == "" {
		privacyMode = ContentNone
	}
	return &LocalRouter{engine: engine, privacyMode: privacyMode}
}

// LoadAliasFile replaces the alias table with the contents of a JSON file
// mapping alias names to targets. Alias names are case sensitive, so the file
// is decoded directly instead of going through the config loader.
func (r *LocalRouter) LoadAliasFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("routerclient: read alias file: %w", err)
	}
	aliases := make(map[string]AliasTarget)
	if err := json.Unmarshal(data, &aliases); err != nil {
		return fmt.Errorf("routerclient: parse alias file %s: %w", path, err)
	}
	r.mu.Lock()
	r.aliases = aliases
	r.mu.Unlock()
	return nil
}

func (r *LocalRouter) Plan(_ context.Context, req RouteRequest) (RoutePlan, error) {
	eng := r.engine()
	if eng == nil || !eng.Enabled() {
		return r.aliasPlan(req)
	}

	dec, err := eng.Resolve(req.Alias)
	if err != nil {
		if errors.Is(err, routing.ErrNoRoute) {
			return r.aliasPlan(req)
		}
		return RoutePlan{}, err
	}
	if dec.Passthrough || dec.Target == nil {
		return RoutePlan{
			SchemaVersion: SchemaVersion,
			RouteID:       newID("rte_", 16),
			PolicyID:      localPolicyID,
			PolicyRev:     localPolicyRev,
			Model:         dec.Model,
			TTLMs:         localPlanTTLMs,
			ContentUsed:   r.privacyMode,
			Passthrough:   true,
		}, nil
	}

	mode := dec.Target.Mode
	if mode == "" {
		mode = routing.ModeChat
	}

	return RoutePlan{
		SchemaVersion: SchemaVersion,
		RouteID:       newID("rte_", 16),
		PolicyID:      localPolicyID,
		PolicyRev:     localPolicyRev,
		Model:         dec.Model,
		BaseURL:       dec.Target.BaseURL,
		Mode:          mode,
		AuthEnv:       dec.Target.APIKeyEnv,
		TTLMs:         localPlanTTLMs,
		ContentUsed:   r.privacyMode,
		RuleName:      dec.Rule,
		Transform:     dec.Transform,
	}, nil
}

// aliasPlan answers from the alias table. ErrNoRoute when the alias is not
// listed.
func (r *LocalRouter) aliasPlan(req RouteRequest) (RoutePlan, error) {
	r.mu.RLock()
	target, ok := r.aliases[req.Alias]
	r.mu.RUnlock()
	if !ok {
		return RoutePlan{}, ErrNoRoute
	}

	model := target.Model
	if model == "" {
		model = req.Alias
	}
	mode := target.Mode
	if mode == "" {
		mode = routing.ModeChat
	}

	return RoutePlan{
		SchemaVersion: SchemaVersion,
		RouteID:       newID("rte_", 16),
		PolicyID:      localPolicyID,
		PolicyRev:     localPolicyRev,
		Model:         model,
		BaseURL:       target.BaseURL,
		Mode:          mode,
		AuthEnv:       target.AuthEnv,
		TTLMs:         localPlanTTLMs,
		ContentUsed:   r.privacyMode,
	}, nil
}

// Feedback is a no-op for the local policy: the routing engine keeps its own
// hit counters.
func (r *LocalRouter) Feedback(Feedback) {}

func (r *LocalRouter) PolicyRevision() string { return localPolicyRev }
