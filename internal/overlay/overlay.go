// Package overlay injects operator-configured system prompts into requests
// before they leave for the upstream.
//
// A prompt is chosen by precedence: per_model, then per_api, then global.
// The injection mode decides where it lands relative to client-supplied
// system messages: prepend (default), append (after the last system message)
// or replace (drop client system messages entirely).
package overlay

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Injection modes.
const (
	ModePrepend = "prepend"
	ModeAppend  = "append"
	ModeReplace = "replace"
)

// Prompt is one configured system prompt.
type Prompt struct {
	Content       string `mapstructure:"content" json:"content"`
	InjectionMode string `mapstructure:"injection_mode" json:"injection_mode,omitempty"`
}

// Config is the on-disk system prompt configuration.
type Config struct {
	Enabled  bool              `mapstructure:"enabled" json:"enabled"`
	Global   *Prompt           `mapstructure:"global" json:"global,omitempty"`
	PerModel map[string]Prompt `mapstructure:"per_model" json:"per_model,omitempty"`
	PerAPI   map[string]Prompt `mapstructure:"per_api" json:"per_api,omitempty"`
}

// Select returns the prompt for a model/api pair, or false when the overlay
// has nothing to inject.
func (c *Config) Select(model, api string) (Prompt, bool) {
	if c == nil || !c.Enabled {
		return Prompt{}, false
	}
	if p, ok := c.PerModel[model]; ok && p.Content != "" {
		return p, true
	}
	if p, ok := c.PerAPI[api]; ok && p.Content != "" {
		return p, true
	}
	if c.Global != nil && c.Global.Content != "" {
		return *c.Global, true
	}
	return Prompt{}, false
}

// Manager holds the active overlay config and supports hot reload.
type Manager struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewManager loads the config at path. An empty path yields a disabled
// overlay that can never reload.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path, cfg: &Config{}}
	if path == "" {
		return m, nil
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the config file and swaps it in atomically.
func (m *Manager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("overlay: no config path configured")
	}

	v := viper.New()
	v.SetConfigFile(m.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("overlay: read %s: %w", m.path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("overlay: parse %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.cfg = &cfg
	m.mu.Unlock()
	return nil
}

// Current returns the active config.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Path returns the configured file path, empty when the overlay is static.
func (m *Manager) Path() string { return m.path }

// InjectChat applies the prompt to a Chat Completions body ("messages").
func InjectChat(body []byte, prompt Prompt) []byte {
	return injectInto(body, "messages", prompt)
}

// InjectResponses applies the prompt to a Responses body ("input"). A bare
// string input is promoted to an item array first.
func InjectResponses(body []byte, prompt Prompt) []byte {
	input := gjson.GetBytes(body, "input")
	if input.Type == gjson.String {
		promoted, err := sjson.SetBytes(body, "input", []any{
			map[string]any{"role": "user", "content": input.String()},
		})
		if err != nil {
			return body
		}
		body = promoted
	}
	return injectInto(body, "input", prompt)
}

func injectInto(body []byte, field string, prompt Prompt) []byte {
	arr := gjson.GetBytes(body, field)
	if !arr.IsArray() {
		return body
	}

	system := map[string]any{"role": "system", "content": prompt.Content}

	items := make([]any, 0, len(arr.Array())+1)
	switch prompt.InjectionMode {
	case ModeReplace:
		items = append(items, system)
		for _, item := range arr.Array() {
			if item.Get("role").String() == "system" {
				continue
			}
			items = append(items, item.Value())
		}

	case ModeAppend:
		lastSystem := -1
		for i, item := range arr.Array() {
			if item.Get("role").String() == "system" {
				lastSystem = i
			}
		}
		for i, item := range arr.Array() {
			items = append(items, item.Value())
			if i == lastSystem {
				items = append(items, system)
			}
		}
		if lastSystem < 0 {
			items = append([]any{system}, items...)
		}

	default: // ModePrepend
		items = append(items, system)
		for _, item := range arr.Array() {
			items = append(items, item.Value())
		}
	}

	out, err := sjson.SetBytes(body, field, items)
	if err != nil {
		return body
	}
	return out
}
