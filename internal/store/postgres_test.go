package store_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/invocation-scheduler/internal/clock"
	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/store"
	"github.com/yungbote/invocation-scheduler/internal/store/testutil"
)

func newStore(tb testing.TB) (*store.PostgresStore, *clock.Fake) {
	tb.Helper()
	db := testutil.DB(tb)
	tx := testutil.Tx(tb, db)
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return store.NewPostgresStore(tx, testutil.Logger(tb), fc), fc
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	inv, err := s.Enqueue(ctx, "echo", domain.SourceBackgroundEnqueue, domain.Payload{"msg": strPtr("hi")}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if inv.Status != domain.StatusQueued || inv.Version != 0 {
		t.Fatalf("unexpected fresh invocation: %+v", inv)
	}

	got, err := s.Dequeue(ctx, "worker-1", 30*time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil {
		t.Fatal("expected a claimable invocation")
	}
	if got.ID != inv.ID {
		t.Fatalf("dequeued wrong row: got %s want %s", got.ID, inv.ID)
	}
	if got.Status != domain.StatusDequeued {
		t.Fatalf("expected Dequeued, got %s", got.Status)
	}
	if got.Version != 1 {
		t.Fatalf("expected version to advance to 1, got %d", got.Version)
	}
	if got.LeasedBy != "worker-1" {
		t.Fatalf("expected leased_by to be stamped, got %q", got.LeasedBy)
	}
}

func TestDequeueSkipsNotYetVisible(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "echo", domain.SourceBackgroundEnqueue, nil, time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.Dequeue(ctx, "worker-1", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nothing visible yet, got %+v", got)
	}
}

func TestDequeueIsExactlyOnceUnderContention(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "echo", domain.SourceBackgroundEnqueue, nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := s.Dequeue(ctx, "worker-"+strconv.Itoa(i), 30*time.Second)
			if err != nil {
				t.Errorf("dequeue %d: %v", i, err)
				return
			}
			if got != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestUpdateStatusVersionConflictIsNotAnError(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	inv, err := s.Enqueue(ctx, "echo", domain.SourceBackgroundEnqueue, nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stale := *inv
	ok, err := s.UpdateStatus(ctx, inv, domain.StatusExecuting, domain.ResultIncomplete)
	if err != nil || !ok {
		t.Fatalf("first update: ok=%v err=%v", ok, err)
	}

	ok, err = s.UpdateStatus(ctx, &stale, domain.StatusExecuting, domain.ResultIncomplete)
	if err != nil {
		t.Fatalf("stale update should not error: %v", err)
	}
	if ok {
		t.Fatal("stale version CAS should have failed")
	}
}

func TestCompleteSetsTerminalResult(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	inv, err := s.Enqueue(ctx, "echo", domain.SourceBackgroundEnqueue, nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg := "done"
	ok, err := s.Complete(ctx, inv, domain.ResultCompleted, &msg, nil)
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	if inv.Status != domain.StatusExecuted {
		t.Fatalf("expected Executed, got %s", inv.Status)
	}
	if inv.CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}
}

func TestSuspendProducesContinuationRow(t *testing.T) {
	s, fc := newStore(t)
	ctx := context.Background()

	inv, err := s.Enqueue(ctx, "step-job", domain.SourceBackgroundEnqueue, nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fc.Advance(time.Second)

	next, err := s.Suspend(ctx, inv, domain.Payload{"step": strPtr("2")}, time.Minute, nil)
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if next == nil {
		t.Fatal("expected a continuation row")
	}
	if inv.Status != domain.StatusSuspended {
		t.Fatalf("expected original to be Suspended, got %s", inv.Status)
	}
	if inv.Result != domain.ResultIncomplete {
		t.Fatalf("suspended row must keep Result=Incomplete, got %s", inv.Result)
	}
	if !next.IsContinuation {
		t.Fatal("expected continuation flag set")
	}
	if next.Source != inv.ID.String() {
		t.Fatalf("expected continuation Source to reference predecessor id, got %q", next.Source)
	}
	if next.ID == inv.ID {
		t.Fatal("continuation must be a fresh row, not the same id")
	}
	if next.Status != domain.StatusQueued {
		t.Fatalf("expected continuation to start Queued, got %s", next.Status)
	}
}

func TestReinitializeInvocationStateRecoversAbandonedLeases(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	if _, err := s.Enqueue(ctx, "echo", domain.SourceBackgroundEnqueue, nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dequeued, err := s.Dequeue(ctx, "crashed-worker", 30*time.Second)
	if err != nil || dequeued == nil {
		t.Fatalf("dequeue: %+v %v", dequeued, err)
	}

	n, err := s.ReinitializeInvocationState(ctx, "crashed-worker")
	if err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row repaired, got %d", n)
	}

	redequeued, err := s.Dequeue(ctx, "worker-2", 30*time.Second)
	if err != nil {
		t.Fatalf("redequeue: %v", err)
	}
	if redequeued == nil || redequeued.ID != dequeued.ID {
		t.Fatalf("expected the repaired row to be dequeueable again, got %+v", redequeued)
	}
}

func strPtr(s string) *string { return &s }
