package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

const defaultBaseURL = "https://api.openai.com/v1"

var _ Client = (*NativeClient)(nil)

// NativeClient speaks the native dialect: POST {base}/chat/completions with
// bearer auth and the model named in the body.
type NativeClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewNative creates a native-dialect client. An empty baseURL defaults to
// the public API endpoint.
func NewNative(baseURL, apiKey string, httpClient *http.Client) *NativeClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &NativeClient{baseURL: trimBase(baseURL), apiKey: apiKey, http: httpClient}
}

// ChatCompletions dispatches the request and returns its event channel.
func (c *NativeClient) ChatCompletions(ctx context.Context, req *proxy.ChatRequest) <-chan Event {
	body, err := json.Marshal(req)
	if err != nil {
		return errorChannel(fmt.Errorf("upstream: marshal request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return errorChannel(fmt.Errorf("upstream: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	ch := make(chan Event, 8)
	go run(ctx, c.http, httpReq, req.Stream, ch)
	return ch
}
