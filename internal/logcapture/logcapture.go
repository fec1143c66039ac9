// Package logcapture tees structured events raised during a dispatch
// attempt into a durable per-invocation artifact (§4.2).
package logcapture

import (
	"context"
	"sync"
	"time"

	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/platform/ctxutil"
)

// Observer receives every event emitted while an invocation id is set in
// context, for the lifetime of one Capture.
type Observer func(domain.LogEvent)

// Capture is one dispatch attempt's log sink.
type Capture interface {
	// Start installs the subscriber for invocationID. On continuation of a
	// suspended chain, priorURI carries the predecessor's invocation id; if
	// non-empty, the artifact stored under that id is downloaded and
	// appended to rather than overwritten.
	Start(ctx context.Context, invocationID string, priorURI string) error
	// Emit records one event if invocationID is currently set in ctx;
	// otherwise it is dropped (§4.2 contract).
	Emit(ctx context.Context, level domain.LogEventLevel, msg string, fields map[string]any)
	// Subscribe registers an in-process observer for the live stream.
	Subscribe(obs Observer)
	// End flushes and uploads the artifact, returning its address. The
	// in-memory variant always returns (nil, nil).
	End(ctx context.Context) (uri *string, err error)
}

// memoryCapture buffers events in-process and never persists them. It is
// the default for deployments with no object storage configured.
type memoryCapture struct {
	mu        sync.Mutex
	events    []domain.LogEvent
	observers []Observer
	active    string
}

func NewMemoryCapture() Capture {
	return &memoryCapture{}
}

func (c *memoryCapture) Start(ctx context.Context, invocationID string, priorURI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = invocationID
	c.events = nil
	return nil
}

func (c *memoryCapture) Emit(ctx context.Context, level domain.LogEventLevel, msg string, fields map[string]any) {
	if ctxutil.InvocationID(ctx) == "" {
		return
	}
	ev := domain.LogEvent{Timestamp: time.Now().UTC(), Level: level, Message: msg, Fields: fields}
	c.mu.Lock()
	c.events = append(c.events, ev)
	obs := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range obs {
		o(ev)
	}
}

func (c *memoryCapture) Subscribe(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

func (c *memoryCapture) End(ctx context.Context) (*string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = ""
	return nil, nil
}
