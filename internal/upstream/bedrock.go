package upstream

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	bedrockService = "bedrock"
	sigAlgorithm   = "AWS4-HMAC-SHA256"
	defaultRegion  = "us-east-1"
)

// BedrockInvoker calls the Bedrock runtime InvokeModel API with AWS SigV4
// request signing. No AWS SDK involved: the payloads are opaque bytes built
// by the dialect layer, so a signed plain HTTP POST is all that is needed.
type BedrockInvoker struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpointURL  string // override for tests
	client       *http.Client
	now          func() time.Time
}

// InvokerOption configures a BedrockInvoker.
type InvokerOption func(*BedrockInvoker)

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) InvokerOption {
	return func(b *BedrockInvoker) { b.sessionToken = token }
}

// WithEndpointURL overrides the regional runtime endpoint (testing).
func WithEndpointURL(u string) InvokerOption {
	return func(b *BedrockInvoker) { b.endpointURL = u }
}

// WithInvokerClient replaces the HTTP client.
func WithInvokerClient(c *http.Client) InvokerOption {
	return func(b *BedrockInvoker) { b.client = c }
}

// WithClock overrides the signing clock, for deterministic tests.
func WithClock(now func() time.Time) InvokerOption {
	return func(b *BedrockInvoker) { b.now = now }
}

// NewBedrockInvoker creates an invoker for the given region.
func NewBedrockInvoker(accessKey, secretKey, region string, opts ...InvokerOption) *BedrockInvoker {
	if region == "" {
		region = defaultRegion
	}
	b := &BedrockInvoker{
		accessKey: accessKey,
		secretKey: secretKey,
		region:    region,
		client:    &http.Client{Timeout: DefaultTimeout},
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RegionFromBaseURL extracts the AWS region from a Bedrock runtime URL such
// as https://bedrock-runtime.us-west-2.amazonaws.com. Unparseable inputs
// fall back to us-east-1.
func RegionFromBaseURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return defaultRegion
	}
	parts := strings.Split(u.Host, ".")
	if len(parts) < 2 || parts[1] == "" {
		return defaultRegion
	}
	return parts[1]
}

// Invoke posts a native model payload to InvokeModel and returns the raw
// status and body. Non-2xx statuses are returned, not turned into errors:
// the caller decides how to surface upstream failures.
func (b *BedrockInvoker) Invoke(ctx context.Context, modelID string, payload []byte) (int, []byte, error) {
	endpoint := b.invokeEndpoint(modelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("upstream: bedrock request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if err := b.signRequest(req, payload); err != nil {
		return 0, nil, fmt.Errorf("upstream: bedrock sign: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream: bedrock invoke: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("upstream: bedrock read: %w", err)
	}
	return resp.StatusCode, body, nil
}

func (b *BedrockInvoker) invokeEndpoint(modelID string) string {
	if b.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/invoke", strings.TrimRight(b.endpointURL, "/"), url.PathEscape(modelID))
	}
	return fmt.Sprintf(
		"https://bedrock-runtime.%s.amazonaws.com/model/%s/invoke",
		b.region, url.PathEscape(modelID),
	)
}

func (b *BedrockInvoker) signRequest(req *http.Request, payload []byte) error {
	now := b.now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	if b.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", b.sessionToken)
	}

	payloadHash := sha256Hex(payload)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)
	if b.sessionToken != "" {
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf(
			"content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, b.sessionToken,
		)
	}

	canonicalURI := req.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, b.region, bedrockService)

	stringToSign := strings.Join([]string{
		sigAlgorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(b.secretKey, datestamp, b.region, bedrockService)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigAlgorithm, b.accessKey, credentialScope, signedHeaders, signature,
	))
	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
