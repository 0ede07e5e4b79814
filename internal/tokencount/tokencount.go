// Package tokencount provides token estimation for TPM rate limiting and
// quota checks. Uses a character-based heuristic (~4 chars per token) which
// is sufficient for admission control; real usage comes from the upstream
// response.
package tokencount

import (
	"encoding/json"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// defaultCompletionBudget is assumed when the client doesn't cap
// max_tokens. Over-estimating here only tightens admission, never billing.
const defaultCompletionBudget = 1000

// Counter estimates token counts for requests.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the token cost of a chat completion request:
// a quarter token per prompt character plus the completion budget.
func (c *Counter) EstimateRequest(req *proxy.ChatRequest) int {
	est := 0.0
	for _, m := range req.Messages {
		est += float64(contentLen(m.Content)) * 0.25
	}
	if req.MaxTokens != nil {
		est += float64(*req.MaxTokens)
	} else {
		est += defaultCompletionBudget
	}
	return int(est)
}

// contentLen counts the characters of a message's content. Plain string
// content is measured unquoted; structured content-part arrays are measured
// as their raw JSON length, a deliberate over-estimate.
func contentLen(content json.RawMessage) int {
	if len(content) == 0 {
		return 0
	}
	if content[0] == '"' {
		var s string
		if err := json.Unmarshal(content, &s); err == nil {
			return len(s)
		}
	}
	return len(content)
}
