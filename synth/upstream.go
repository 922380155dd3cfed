package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxAudioResponse caps upstream responses at 256 MiB.
const maxAudioResponse = 256 << 20

// Upstream calls a remote TTS engine over HTTP. The engine is expected to
// accept a JSON request on POST /synthesize and return raw audio bytes.
type Upstream struct {
	baseURL string
	token   string
	client  *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithAuthToken sends a bearer token with every engine request.
func WithAuthToken(token string) UpstreamOption {
	return func(u *Upstream) {
		u.token = token
	}
}

// NewUpstream creates an Upstream for the engine at baseURL.
func NewUpstream(baseURL string, opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Synthesize implements Synthesizer against the remote engine.
func (u *Upstream) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		u.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if u.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling synthesis engine: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("synthesis engine returned %d: %s", resp.StatusCode, msg)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioResponse))
	if err != nil {
		return nil, fmt.Errorf("reading synthesis response: %w", err)
	}
	return audio, nil
}
