package config

import "strings"

// Backend is one entry of the legacy prefix routing table.
type Backend struct {
	// Prefix matches the start of the requested model name.
	Prefix string
	// BaseURL is the upstream endpoint for matching models.
	BaseURL string
	// KeyEnv names the environment variable holding the upstream API key.
	KeyEnv string
	// Mode is the upstream dialect: responses, chat or bedrock.
	Mode string
}

// ParseBackends parses the ROUTIIUM_BACKENDS table. Entries are separated by
// semicolons; each entry is a comma-separated list of key=value pairs:
//
//	prefix=claude,base=https://api.anthropic.com/v1,key_env=ANTHROPIC_API_KEY,mode=chat
//
// Accepted keys: prefix, base or base_url, key_env or api_key_env, mode.
// Entries without a prefix or base URL are skipped.
func ParseBackends(s string) []Backend {
	var out []Backend
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		var b Backend
		for _, pair := range strings.Split(entry, ",") {
			k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				continue
			}
			v = strings.TrimSpace(v)
			switch strings.TrimSpace(k) {
			case "prefix":
				b.Prefix = v
			case "base", "base_url":
				b.BaseURL = v
			case "key_env", "api_key_env":
				b.KeyEnv = v
			case "mode":
				b.Mode = strings.ToLower(v)
			}
		}
		if b.Prefix == "" || b.BaseURL == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Match returns the first backend whose prefix matches model, or false.
func Match(backends []Backend, model string) (Backend, bool) {
	for _, b := range backends {
		if strings.HasPrefix(model, b.Prefix) {
			return b, true
		}
	}
	return Backend{}, false
}
