package logcapture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/platform/ctxutil"
	"github.com/yungbote/invocation-scheduler/internal/platform/logger"
)

// fakeBlobStore is a minimal in-memory BlobStore sufficient to exercise
// blobCapture's resume/append path without a real bucket.
type fakeBlobStore struct {
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (s *fakeBlobStore) Upload(ctx context.Context, key string, data io.Reader) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.objects[key] = body
	return nil
}

func (s *fakeBlobStore) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	body, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such object %q", key)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (s *fakeBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeBlobStore) PublicURL(key string) string { return "memory://" + key }

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

func TestBlobCaptureResumeDownloadsAndAppendsPriorArtifact(t *testing.T) {
	store := newFakeBlobStore()
	log := newTestLogger(t)

	predecessorID := "predecessor-id"
	first := NewBlobCapture(store, log)
	ctx := ctxutil.WithInvocationID(context.Background(), predecessorID)
	if err := first.Start(ctx, predecessorID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	first.Emit(ctx, domain.LogLevelInfo, "first attempt", nil)
	if _, err := first.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}

	continuationID := "continuation-id"
	second := NewBlobCapture(store, log)
	ctx2 := ctxutil.WithInvocationID(context.Background(), continuationID)
	if err := second.Start(ctx2, continuationID, predecessorID); err != nil {
		t.Fatalf("start: %v", err)
	}
	second.Emit(ctx2, domain.LogLevelInfo, "resumed attempt", nil)
	uri, err := second.End(ctx2)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if uri == nil {
		t.Fatal("expected a log URI")
	}

	body, ok := store.objects[blobKey(continuationID)]
	if !ok {
		t.Fatalf("expected artifact uploaded under continuation key %q", blobKey(continuationID))
	}
	if !bytes.Contains(body, []byte("first attempt")) || !bytes.Contains(body, []byte("resumed attempt")) {
		t.Fatalf("expected merged log to contain both entries, got %s", body)
	}
}
