package testutil

import (
	"context"
	"sync"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
	"github.com/ForeverLucky0901/bigModel/internal/upstream"
)

// FakeUpstream is a scripted upstream.Client: every dispatch replays the
// configured events and remembers the requests it saw.
type FakeUpstream struct {
	mu       sync.Mutex
	Events   []upstream.Event
	requests []*proxy.ChatRequest
}

var _ upstream.Client = (*FakeUpstream)(nil)

// ChatCompletions records the request and replays the scripted events.
func (f *FakeUpstream) ChatCompletions(ctx context.Context, req *proxy.ChatRequest) <-chan upstream.Event {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	events := make([]upstream.Event, len(f.Events))
	copy(events, f.Events)
	f.mu.Unlock()

	ch := make(chan upstream.Event, len(events))
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Requests returns a snapshot of dispatched requests.
func (f *FakeUpstream) Requests() []*proxy.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*proxy.ChatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}
