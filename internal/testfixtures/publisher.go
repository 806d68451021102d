package testfixtures

import (
	"context"
	"sync"

	"go-chat-rooms/internal/event"
)

// Published is one event captured by a Recorder.
type Published struct {
	Channel string
	Event   event.Event
}

// Recorder is an event.Publisher that keeps everything it is given.
type Recorder struct {
	mu     sync.Mutex
	events []Published
}

func (r *Recorder) Publish(ctx context.Context, channel string, evt event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, Published{Channel: channel, Event: evt})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Events() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.events...)
}

// Named returns the captured events with the given name, in order.
func (r *Recorder) Named(name string) []Published {
	var out []Published
	for _, p := range r.Events() {
		if p.Event.Name == name {
			out = append(out, p)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
