// Package upstream calls provider chat-completion APIs and exposes every
// response, streaming or not, as a uniform event channel.
//
// Two wire dialects are supported: native (bearer auth against
// {base}/chat/completions) and deployment-scoped (api-key auth against a
// per-deployment path, with the model name carried by the URL instead of
// the body). Callers never see the difference.
package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// EventType tags relay events.
type EventType uint8

const (
	// EventData carries one SSE data frame of a streaming response.
	EventData EventType = iota
	// EventDone marks the upstream [DONE] sentinel.
	EventDone
	// EventComplete carries the full body of a non-streaming response.
	EventComplete
	// EventError is terminal: an upstream error status or a transport
	// failure. StatusCode is zero for transport failures and timeouts.
	EventError
)

// Event is one step of an upstream exchange. The channel closes after a
// terminal event (done, complete, error) or on clean stream EOF.
type Event struct {
	Type       EventType
	Data       []byte
	StatusCode int
	Err        error
}

// Client dispatches one chat-completion exchange.
type Client interface {
	ChatCompletions(ctx context.Context, req *proxy.ChatRequest) <-chan Event
}

const doneSentinel = "[DONE]"

// run performs the HTTP exchange and feeds ch. Streaming bodies are consumed
// line by line and never buffered whole.
func run(ctx context.Context, httpClient *http.Client, httpReq *http.Request, stream bool, ch chan<- Event) {
	defer close(ch)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		emit(ctx, ch, Event{Type: EventError, Err: err})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		emit(ctx, ch, Event{
			Type:       EventError,
			StatusCode: resp.StatusCode,
			Err:        parseAPIError(resp),
		})
		return
	}

	if !stream {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			emit(ctx, ch, Event{Type: EventError, Err: err})
			return
		}
		emit(ctx, ch, Event{Type: EventComplete, Data: body})
		return
	}

	sc := newScanner(resp.Body)
	for sc.Scan() {
		data, ok := parseDataLine(sc.Text())
		if !ok {
			continue
		}
		if data == doneSentinel {
			emit(ctx, ch, Event{Type: EventDone})
			return
		}
		// Malformed frames are dropped, not forwarded.
		if !json.Valid([]byte(data)) {
			continue
		}
		if !emit(ctx, ch, Event{Type: EventData, Data: []byte(data)}) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		emit(ctx, ch, Event{Type: EventError, Err: err})
	}
}

// emit delivers ev unless the context is already gone.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// errorChannel returns a pre-failed event channel for setup errors.
func errorChannel(err error) <-chan Event {
	ch := make(chan Event, 1)
	ch <- Event{Type: EventError, Err: err}
	close(ch)
	return ch
}

func trimBase(u string) string {
	return strings.TrimRight(u, "/")
}
