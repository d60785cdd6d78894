// Package routing maps requested model names to upstream targets.
//
// A routing config is a list of aliases plus priority-ordered rules. Each
// rule carries a matcher (exact, prefix, regex, glob or any), one or more
// targets with a load-balancing strategy, and an optional body transform.
// Configs load from JSON or YAML files and are compiled into an immutable
// Engine; hot reload swaps the whole Engine.
package routing

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Match types.
const (
	MatchExact  = "exact"
	MatchPrefix = "prefix"
	MatchRegex  = "regex"
	MatchGlob   = "glob"
	MatchAny    = "any"
)

// Load-balancing strategies.
const (
	LBFirst      = "first"
	LBRoundRobin = "round_robin"
	LBRandom     = "random"
	LBWeighted   = "weighted"
)

// Upstream API dialects.
const (
	ModeChat      = "chat"
	ModeResponses = "responses"
	ModeBedrock   = "bedrock"
)

// Config is the on-disk routing configuration.
type Config struct {
	Enabled            bool    `mapstructure:"enabled" json:"enabled"`
	PassthroughEnabled bool    `mapstructure:"passthrough_enabled" json:"passthrough_enabled"`
	Aliases            []Alias `mapstructure:"aliases" json:"aliases"`
	Rules              []Rule  `mapstructure:"rules" json:"rules"`
	DefaultTarget      *Target `mapstructure:"default_target" json:"default_target,omitempty"`
}

// Alias renames a requested model before rule matching. The first enabled
// alias whose name equals the requested model wins.
type Alias struct {
	Name    string `mapstructure:"name" json:"name"`
	Target  string `mapstructure:"target" json:"target"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
}

// Rule routes models matching its matcher to one of its targets.
type Rule struct {
	Name        string     `mapstructure:"name" json:"name"`
	Enabled     bool       `mapstructure:"enabled" json:"enabled"`
	Priority    int        `mapstructure:"priority" json:"priority"`
	Match       Match      `mapstructure:"match" json:"match"`
	Targets     []Target   `mapstructure:"targets" json:"targets"`
	LoadBalance string     `mapstructure:"load_balance" json:"load_balance"`
	Transform   *Transform `mapstructure:"transform" json:"transform,omitempty"`
}

// Match selects which model names a rule applies to.
type Match struct {
	Type  string `mapstructure:"type" json:"type"`
	Value string `mapstructure:"value" json:"value"`
}

// Target is one upstream destination.
type Target struct {
	Name      string `mapstructure:"name" json:"name"`
	BaseURL   string `mapstructure:"base_url" json:"base_url"`
	Model     string `mapstructure:"model" json:"model,omitempty"`
	APIKeyEnv string `mapstructure:"api_key_env" json:"api_key_env,omitempty"`
	Mode      string `mapstructure:"mode" json:"mode,omitempty"`
	Weight    int    `mapstructure:"weight" json:"weight,omitempty"`
}

// Transform rewrites the request body before it is sent upstream. Steps
// always apply in a fixed order: rewrite_model, add_params, remove_params,
// override_temperature, override_max_tokens.
type Transform struct {
	RewriteModel        string         `mapstructure:"rewrite_model" json:"rewrite_model,omitempty"`
	AddParams           map[string]any `mapstructure:"add_params" json:"add_params,omitempty"`
	RemoveParams        []string       `mapstructure:"remove_params" json:"remove_params,omitempty"`
	OverrideTemperature *float64       `mapstructure:"override_temperature" json:"override_temperature,omitempty"`
	OverrideMaxTokens   *int           `mapstructure:"override_max_tokens" json:"override_max_tokens,omitempty"`
}

// LoadFile reads and compiles a routing config from a JSON or YAML file.
func LoadFile(path string, log *slog.Logger) (*Engine, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("routing: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("routing: parse %s: %w", path, err)
	}
	return NewEngine(cfg, log)
}

// compiledRule is a Rule with its matcher prepared and a per-rule
// round-robin cursor.
type compiledRule struct {
	Rule
	re *regexp.Regexp // set for regex matchers

	state *ruleState
}

func (r *compiledRule) matches(model string) bool {
	switch r.Match.Type {
	case MatchExact:
		return model == r.Match.Value
	case MatchPrefix:
		return strings.HasPrefix(model, r.Match.Value)
	case MatchRegex:
		return r.re != nil && r.re.MatchString(model)
	case MatchGlob:
		return globMatch(r.Match.Value, model)
	case MatchAny:
		return true
	default:
		return false
	}
}

// globMatch implements '*'-only wildcard matching: '*' spans any run of
// characters, everything else matches literally. No '?' or character classes.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")

	first := parts[0]
	if !strings.HasPrefix(s, first) {
		return false
	}
	cursor := len(first)

	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		idx := strings.Index(s[cursor:], mid)
		if idx < 0 {
			return false
		}
		cursor += idx + len(mid)
	}

	last := parts[len(parts)-1]
	if last == "" {
		return true
	}
	return strings.HasSuffix(s[cursor:], last)
}

// normalizeRules validates matchers, drops misconfigured rules with a warning
// and returns the surviving rules sorted by priority, highest first. Order is
// stable for equal priorities.
func normalizeRules(rules []Rule, log *slog.Logger) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		cr := compiledRule{Rule: rule, state: &ruleState{}}

		if rule.Match.Type == MatchRegex {
			re, err := regexp.Compile(rule.Match.Value)
			if err != nil {
				log.Warn("routing rule disabled: invalid regex",
					slog.String("rule", rule.Name),
					slog.String("pattern", rule.Match.Value),
					slog.String("error", err.Error()),
				)
				cr.Enabled = false
			} else {
				cr.re = re
			}
		}
		if len(rule.Targets) == 0 {
			log.Warn("routing rule disabled: no targets", slog.String("rule", rule.Name))
			cr.Enabled = false
		}
		out = append(out, cr)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}
