package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/invocation-scheduler/internal/clock"
	"github.com/yungbote/invocation-scheduler/internal/dispatch"
	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/logcapture"
	"github.com/yungbote/invocation-scheduler/internal/platform/logger"
	"github.com/yungbote/invocation-scheduler/internal/store"
)

// fakeStore is a minimal in-memory store.Store sufficient to exercise the
// runner's outcome-commit rule table without a real database.
type fakeStore struct {
	mu         sync.Mutex
	rows       map[uuid.UUID]*domain.Invocation
	enqueued   []*domain.Invocation
	reinitErr  error
	dequeueErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[uuid.UUID]*domain.Invocation{}}
}

func (s *fakeStore) Enqueue(ctx context.Context, jobName, source string, payload domain.Payload, delay time.Duration) (*domain.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := &domain.Invocation{ID: uuid.New(), JobName: jobName, Source: source, Payload: payload, Status: domain.StatusQueued, Result: domain.ResultIncomplete}
	s.rows[inv.ID] = inv
	s.enqueued = append(s.enqueued, inv)
	return inv, nil
}

func (s *fakeStore) Dequeue(ctx context.Context, instanceName string, invisibilityPeriod time.Duration) (*domain.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dequeueErr != nil {
		return nil, s.dequeueErr
	}
	for _, inv := range s.rows {
		if inv.Status == domain.StatusQueued {
			inv.Status = domain.StatusDequeued
			inv.Version++
			return inv, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, inv *domain.Invocation, status domain.Status, result domain.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[inv.ID]
	if row.Version != inv.Version {
		return false, nil
	}
	row.Status = status
	row.Result = result
	row.Version++
	inv.Status, inv.Result, inv.Version = row.Status, row.Result, row.Version
	return true, nil
}

func (s *fakeStore) Complete(ctx context.Context, inv *domain.Invocation, result domain.Result, message *string, logURL *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[inv.ID]
	if row.Version != inv.Version {
		return false, nil
	}
	row.Status = domain.StatusExecuted
	row.Result = result
	row.ResultMessage = message
	row.LogURL = logURL
	row.Version++
	inv.Status, inv.Result, inv.Version = row.Status, row.Result, row.Version
	return true, nil
}

func (s *fakeStore) Suspend(ctx context.Context, inv *domain.Invocation, continuationPayload domain.Payload, waitPeriod time.Duration, logURL *string) (*domain.Invocation, error) {
	s.mu.Lock()
	row := s.rows[inv.ID]
	if row.Version != inv.Version {
		s.mu.Unlock()
		return nil, nil
	}
	row.Status = domain.StatusSuspended
	row.Version++
	inv.Status, inv.Version = row.Status, row.Version
	next := &domain.Invocation{ID: uuid.New(), JobName: inv.JobName, Source: inv.ID.String(), Payload: continuationPayload, Status: domain.StatusQueued, Result: domain.ResultIncomplete, IsContinuation: true}
	s.rows[next.ID] = next
	s.mu.Unlock()
	return next, nil
}

func (s *fakeStore) Extend(ctx context.Context, inv *domain.Invocation, additionalTime time.Duration) error {
	return nil
}
func (s *fakeStore) GetByJob(ctx context.Context, jobName string, start, end *time.Time, limit int) ([]*domain.Invocation, error) {
	return nil, nil
}
func (s *fakeStore) GetLatestForJob(ctx context.Context, jobName string) (*domain.Invocation, error) {
	return nil, nil
}
func (s *fakeStore) GetJobStatistics(ctx context.Context) ([]store.JobStatistics, error) {
	return nil, nil
}
func (s *fakeStore) GetWorkerStatistics(ctx context.Context) ([]store.WorkerStatistics, error) {
	return nil, nil
}
func (s *fakeStore) ReinitializeInvocationState(ctx context.Context, instanceName string) (int64, error) {
	return 0, s.reinitErr
}

type completingHandler struct{}

func (h *completingHandler) Type() string { return "complete-me" }
func (h *completingHandler) Invoke(ctx *dispatch.Context) dispatch.HandlerResult {
	return dispatch.Completed()
}

type suspendingHandler struct{ resumed bool }

func (h *suspendingHandler) Type() string { return "suspend-me" }
func (h *suspendingHandler) Invoke(ctx *dispatch.Context) dispatch.HandlerResult {
	return dispatch.Suspended(dispatch.JobContinuation{WaitPeriod: time.Millisecond, Parameters: domain.Payload{}})
}
func (h *suspendingHandler) Resume(ctx *dispatch.Context) dispatch.HandlerResult {
	h.resumed = true
	return dispatch.Completed()
}

func newTestRunner(t *testing.T, s store.Store, reg *dispatch.Registry, opts ...Option) *Runner {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	fc := clock.NewFake(time.Now())
	captures := func() logcapture.Capture { return logcapture.NewMemoryCapture() }
	return New("test-instance", 0, s, dispatch.NewDispatcher(reg), fc, captures, log, opts...)
}

func TestDispatchOnceCommitsCompleted(t *testing.T) {
	s := newFakeStore()
	inv, _ := s.Enqueue(context.Background(), "complete-me", domain.SourceBackgroundEnqueue, nil, 0)

	reg := dispatch.NewRegistry()
	if err := reg.Register(func() dispatch.Handler { return &completingHandler{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	r := newTestRunner(t, s, reg)

	dequeued, err := s.Dequeue(context.Background(), "test-instance", time.Minute)
	if err != nil || dequeued == nil {
		t.Fatalf("dequeue: %+v %v", dequeued, err)
	}
	r.dispatchOnce(context.Background(), dequeued)

	if inv.Status != domain.StatusExecuted || inv.Result != domain.ResultCompleted {
		t.Fatalf("expected Executed/Completed, got %s/%s", inv.Status, inv.Result)
	}
}

func TestDispatchOnceSuspendsAndInlineResumes(t *testing.T) {
	s := newFakeStore()
	if _, err := s.Enqueue(context.Background(), "suspend-me", domain.SourceBackgroundEnqueue, nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	handler := &suspendingHandler{}
	reg := dispatch.NewRegistry()
	if err := reg.Register(func() dispatch.Handler { return handler }); err != nil {
		t.Fatalf("register: %v", err)
	}
	r := newTestRunner(t, s, reg, WithInlineContinuations())

	// The inline continuation waits on the fake clock, so drive it forward
	// while dispatchOnce blocks in Clock.Delay.
	fc := r.clock.(*clock.Fake)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
				fc.Advance(time.Millisecond)
			}
		}
	}()

	dequeued, err := s.Dequeue(context.Background(), "test-instance", time.Minute)
	if err != nil || dequeued == nil {
		t.Fatalf("dequeue: %+v %v", dequeued, err)
	}
	r.dispatchOnce(context.Background(), dequeued)

	if !handler.resumed {
		t.Fatal("expected inline continuation to resume synchronously")
	}
}

func TestUnknownJobCrashes(t *testing.T) {
	s := newFakeStore()
	if _, err := s.Enqueue(context.Background(), "no-such-job", domain.SourceBackgroundEnqueue, nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	reg := dispatch.NewRegistry()
	r := newTestRunner(t, s, reg)

	dequeued, err := s.Dequeue(context.Background(), "test-instance", time.Minute)
	if err != nil || dequeued == nil {
		t.Fatalf("dequeue: %+v %v", dequeued, err)
	}
	r.dispatchOnce(context.Background(), dequeued)

	if dequeued.Result != domain.ResultCrashed {
		t.Fatalf("expected Crashed, got %s", dequeued.Result)
	}
}
