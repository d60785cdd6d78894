package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
)

// ErrNoRoute is returned by Resolve when no alias, rule or default matches
// and passthrough is disabled.
var ErrNoRoute = errors.New("routing: no route for model")

// Decision is the outcome of resolving one model name.
type Decision struct {
	// Model is the resolved model name after alias and rewrite handling.
	Model string
	// Target is nil for passthrough decisions.
	Target *Target
	// Rule is the name of the matched rule, empty for alias-only, default
	// and passthrough decisions.
	Rule string
	// Transform is the matched rule's transform, nil when absent.
	Transform *Transform
	// Passthrough is set when the request should go to the caller's
	// configured upstream untouched.
	Passthrough bool
}

type ruleState struct {
	rrCursor atomic.Uint64
	hits     atomic.Uint64
}

// Engine is a compiled, immutable routing table. Safe for concurrent use;
// the only mutable state is per-rule counters.
type Engine struct {
	cfg   Config
	rules []compiledRule
	log   *slog.Logger

	resolutions atomic.Uint64
	noRoutes    atomic.Uint64
}

// NewEngine compiles a Config. Rules with invalid regexes or no targets are
// disabled with a warning rather than failing the whole load.
func NewEngine(cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	for _, rule := range cfg.Rules {
		switch rule.Match.Type {
		case MatchExact, MatchPrefix, MatchRegex, MatchGlob, MatchAny:
		default:
			return nil, fmt.Errorf("routing: rule %q: unknown match type %q", rule.Name, rule.Match.Type)
		}
		switch rule.LoadBalance {
		case "", LBFirst, LBRoundRobin, LBRandom, LBWeighted:
		default:
			return nil, fmt.Errorf("routing: rule %q: unknown load_balance %q", rule.Name, rule.LoadBalance)
		}
	}

	return &Engine{
		cfg:   cfg,
		rules: normalizeRules(cfg.Rules, log),
		log:   log,
	}, nil
}

// Config returns the config the engine was compiled from.
func (e *Engine) Config() Config { return e.cfg }

// Enabled reports whether routing is active at all.
func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// Resolve maps a requested model to a Decision.
//
// Resolution order: aliases (first enabled exact-name match, applied before
// rules), then rules by descending priority, then the default target, then
// passthrough. ErrNoRoute when nothing applies.
func (e *Engine) Resolve(model string) (Decision, error) {
	e.resolutions.Add(1)

	resolved := model
	for _, alias := range e.cfg.Aliases {
		if alias.Enabled && alias.Name == model {
			resolved = alias.Target
			break
		}
	}

	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.Enabled || !rule.matches(resolved) {
			continue
		}
		rule.state.hits.Add(1)
		target := rule.pickTarget()
		dec := Decision{
			Model:     resolved,
			Target:    target,
			Rule:      rule.Name,
			Transform: rule.Transform,
		}
		if target.Model != "" {
			dec.Model = target.Model
		}
		return dec, nil
	}

	if e.cfg.DefaultTarget != nil {
		dec := Decision{Model: resolved, Target: e.cfg.DefaultTarget}
		if e.cfg.DefaultTarget.Model != "" {
			dec.Model = e.cfg.DefaultTarget.Model
		}
		return dec, nil
	}

	if e.cfg.PassthroughEnabled {
		return Decision{Model: resolved, Passthrough: true}, nil
	}

	e.noRoutes.Add(1)
	return Decision{}, fmt.Errorf("%w: %s", ErrNoRoute, model)
}

// pickTarget applies the rule's load-balancing strategy. Callers guarantee
// at least one target (rules without targets are disabled at compile time).
func (r *compiledRule) pickTarget() *Target {
	targets := r.Targets
	switch r.LoadBalance {
	case LBRoundRobin:
		idx := (r.state.rrCursor.Add(1) - 1) % uint64(len(targets))
		return &targets[idx]
	case LBRandom:
		return &targets[rand.IntN(len(targets))]
	case LBWeighted:
		return pickWeighted(targets)
	default: // LBFirst and unset
		return &targets[0]
	}
}

// pickWeighted draws a target with probability proportional to its weight.
// Non-positive weights count as zero; if all weights are zero the first
// target wins.
func pickWeighted(targets []Target) *Target {
	total := 0
	for _, t := range targets {
		if t.Weight > 0 {
			total += t.Weight
		}
	}
	if total == 0 {
		return &targets[0]
	}
	n := rand.IntN(total)
	for i := range targets {
		w := targets[i].Weight
		if w <= 0 {
			continue
		}
		if n < w {
			return &targets[i]
		}
		n -= w
	}
	return &targets[len(targets)-1]
}

// Stats is a point-in-time snapshot of routing activity.
type Stats struct {
	Enabled      bool              `json:"enabled"`
	RuleCount    int               `json:"rule_count"`
	EnabledRules int               `json:"enabled_rules"`
	AliasCount   int               `json:"alias_count"`
	Resolutions  uint64            `json:"resolutions"`
	NoRoutes     uint64            `json:"no_routes"`
	RuleHits     map[string]uint64 `json:"rule_hits,omitempty"`
}

// Stats returns resolution counters and rule inventory.
func (e *Engine) Stats() Stats {
	st := Stats{
		Enabled:     e.cfg.Enabled,
		RuleCount:   len(e.rules),
		AliasCount:  len(e.cfg.Aliases),
		Resolutions: e.resolutions.Load(),
		NoRoutes:    e.noRoutes.Load(),
		RuleHits:    make(map[string]uint64, len(e.rules)),
	}
	for i := range e.rules {
		rule := &e.rules[i]
		if rule.Enabled {
			st.EnabledRules++
		}
		if hits := rule.state.hits.Load(); hits > 0 {
			st.RuleHits[rule.Name] = hits
		}
	}
	return st
}
