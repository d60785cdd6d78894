// Package upstream owns outbound HTTP: the shared client used to reach
// OpenAI-compatible upstreams and the SigV4-signed AWS Bedrock invoker.
package upstream

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout bounds a full upstream exchange, including streaming reads.
const DefaultTimeout = 300 * time.Second

// UserAgent identifies the gateway to upstreams.
func UserAgent(version string) string {
	return fmt.Sprintf("routiium/%s", version)
}

// ClientOptions configures the outbound HTTP client.
type ClientOptions struct {
	// Timeout for the whole exchange. Zero means DefaultTimeout.
	Timeout time.Duration
	// ProxyURL forces all traffic through one proxy. Empty uses the
	// standard HTTP(S)_PROXY environment handling.
	ProxyURL string
	// NoProxy disables proxying entirely, overriding ProxyURL and env.
	NoProxy bool
}

// NewClient builds the outbound HTTP client. Responses may stream for the
// duration of the timeout, so the response-header timeout is kept short
// while the overall timeout stays generous.
func NewClient(opts ClientOptions) (*http.Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	switch {
	case opts.NoProxy:
		transport.Proxy = nil
	case opts.ProxyURL != "":
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("upstream: bad proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}
