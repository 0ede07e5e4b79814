package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

var _ Client = (*DeploymentClient)(nil)

// DeploymentClient speaks the deployment-scoped dialect: the model is fixed
// by the deployment in the URL, auth rides the api-key header, and the
// request body omits the model field.
type DeploymentClient struct {
	endpoint   string
	deployment string
	apiVersion string
	apiKey     string
	http       *http.Client
}

// NewDeployment creates a deployment-scoped client.
func NewDeployment(endpoint, deployment, apiVersion, apiKey string, httpClient *http.Client) *DeploymentClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &DeploymentClient{
		endpoint:   trimBase(endpoint),
		deployment: deployment,
		apiVersion: apiVersion,
		apiKey:     apiKey,
		http:       httpClient,
	}
}

// deploymentRequest shadows the Model field so it marshals away: the
// deployment URL already names the model.
type deploymentRequest struct {
	*proxy.ChatRequest
	Model string `json:"model,omitempty"`
}

// ChatCompletions dispatches the request and returns its event channel.
func (c *DeploymentClient) ChatCompletions(ctx context.Context, req *proxy.ChatRequest) <-chan Event {
	body, err := json.Marshal(deploymentRequest{ChatRequest: req})
	if err != nil {
		return errorChannel(fmt.Errorf("upstream: marshal request: %w", err))
	}
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, url.PathEscape(c.deployment), url.QueryEscape(c.apiVersion))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return errorChannel(fmt.Errorf("upstream: create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	ch := make(chan Event, 8)
	go run(ctx, c.http, httpReq, req.Stream, ch)
	return ch
}
