package tokencount

import (
	"encoding/json"
	"strings"
	"testing"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

func TestEstimateRequest(t *testing.T) {
	t.Parallel()
	c := NewCounter()

	maxTokens := 200
	tests := []struct {
		name string
		req  *proxy.ChatRequest
		want int
	}{
		{
			name: "default completion budget",
			req: &proxy.ChatRequest{Messages: []proxy.Message{
				{Role: "user", Content: json.RawMessage(`"` + strings.Repeat("a", 100) + `"`)},
			}},
			want: 1025, // 100*0.25 + 1000
		},
		{
			name: "explicit max_tokens",
			req: &proxy.ChatRequest{
				Messages: []proxy.Message{
					{Role: "user", Content: json.RawMessage(`"` + strings.Repeat("a", 40) + `"`)},
				},
				MaxTokens: &maxTokens,
			},
			want: 210, // 40*0.25 + 200
		},
		{
			name: "multiple messages accumulate",
			req: &proxy.ChatRequest{Messages: []proxy.Message{
				{Role: "system", Content: json.RawMessage(`"` + strings.Repeat("a", 8) + `"`)},
				{Role: "user", Content: json.RawMessage(`"` + strings.Repeat("b", 8) + `"`)},
			}},
			want: 1004, // (8+8)*0.25 + 1000
		},
		{
			name: "fraction truncated",
			req: &proxy.ChatRequest{Messages: []proxy.Message{
				{Role: "user", Content: json.RawMessage(`"abc"`)}, // 0.75 tokens
			}},
			want: 1000,
		},
		{
			name: "no messages",
			req:  &proxy.ChatRequest{},
			want: 1000,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.EstimateRequest(tt.req); got != tt.want {
				t.Errorf("EstimateRequest = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestContentLen(t *testing.T) {
	t.Parallel()

	if got := contentLen(json.RawMessage(`"hello"`)); got != 5 {
		t.Errorf("string content len = %d, want 5 (unquoted)", got)
	}
	parts := json.RawMessage(`[{"type":"text","text":"hi"}]`)
	if got := contentLen(parts); got != len(parts) {
		t.Errorf("array content len = %d, want raw length %d", got, len(parts))
	}
	if got := contentLen(nil); got != 0 {
		t.Errorf("nil content len = %d, want 0", got)
	}
}
