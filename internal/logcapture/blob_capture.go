package logcapture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/platform/ctxutil"
	"github.com/yungbote/invocation-scheduler/internal/platform/logger"
)

// blobCapture is the durable Log Capture variant: it buffers events
// in-process for the duration of one dispatch attempt and uploads the
// accumulated artifact to BlobStore on End. On continuation it downloads
// the predecessor's artifact first so the blob reads as one continuous
// log across suspend/resume (§4.2 "append-on-resume idempotency").
type blobCapture struct {
	store BlobStore
	log   *logger.Logger

	mu        sync.Mutex
	active    string
	events    []domain.LogEvent
	observers []Observer
}

func NewBlobCapture(store BlobStore, log *logger.Logger) Capture {
	return &blobCapture{store: store, log: log.With("component", "LogCapture")}
}

func blobKey(invocationID string) string {
	return fmt.Sprintf("invocations/%s.json", invocationID)
}

func (c *blobCapture) Start(ctx context.Context, invocationID string, priorURI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = invocationID
	c.events = nil

	if priorURI == "" {
		return nil
	}
	priorKey := blobKey(priorURI)
	exists, err := c.store.Exists(ctx, priorKey)
	if err != nil {
		c.log.Warn("could not check for prior log artifact, starting fresh", "invocation_id", invocationID, "error", err.Error())
		return nil
	}
	if !exists {
		return nil
	}
	rc, err := c.store.Download(ctx, priorKey)
	if err != nil {
		c.log.Warn("could not download prior log artifact, starting fresh", "invocation_id", invocationID, "error", err.Error())
		return nil
	}
	defer rc.Close()
	body, err := io.ReadAll(rc)
	if err != nil {
		c.log.Warn("could not read prior log artifact, starting fresh", "invocation_id", invocationID, "error", err.Error())
		return nil
	}
	var prior []domain.LogEvent
	if len(body) > 0 {
		if err := json.Unmarshal(body, &prior); err != nil {
			c.log.Warn("prior log artifact unparsable, starting fresh", "invocation_id", invocationID, "error", err.Error())
			return nil
		}
	}
	c.events = prior
	return nil
}

func (c *blobCapture) Emit(ctx context.Context, level domain.LogEventLevel, msg string, fields map[string]any) {
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

func (c *blobCapture) Subscribe(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, obs)
}

func (c *blobCapture) End(ctx context.Context) (*string, error) {
	c.mu.Lock()
	invocationID := c.active
	events := append([]domain.LogEvent(nil), c.events...)
	c.active = ""
	c.mu.Unlock()

	if invocationID == "" {
		return nil, fmt.Errorf("log capture End called without a preceding Start")
	}
	body, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation log artifact: %w", err)
	}
	key := blobKey(invocationID)
	if err := c.store.Upload(ctx, key, bytes.NewReader(body)); err != nil {
		// Upload is fire-and-forget w.r.t. outcome commit (§4.2).
		c.log.Warn("failed to upload invocation log artifact", "invocation_id", invocationID, "error", err.Error())
		return nil, err
	}
	uri := c.store.PublicURL(key)
	return &uri, nil
}
