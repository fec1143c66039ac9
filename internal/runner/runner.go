// Package runner implements the Job Runner dispatch loop (§4.4): the
// poll -> dispatch -> commit cycle that is the heart of one worker.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/yungbote/invocation-scheduler/internal/clock"
	"github.com/yungbote/invocation-scheduler/internal/dispatch"
	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/logcapture"
	"github.com/yungbote/invocation-scheduler/internal/platform/ctxutil"
	"github.com/yungbote/invocation-scheduler/internal/platform/logger"
	"github.com/yungbote/invocation-scheduler/internal/schedulerr"
	"github.com/yungbote/invocation-scheduler/internal/store"
)

const DefaultInvisibility = 30 * time.Minute

var tracer = otel.Tracer("github.com/yungbote/invocation-scheduler/internal/runner")

// StatusObserver receives a HeartbeatEvent every time the Runner's state
// changes.
type StatusObserver func(domain.HeartbeatEvent)

// CaptureFactory builds a fresh Capture for one dispatch attempt.
type CaptureFactory func() logcapture.Capture

type Option func(*Runner)

// WithInlineContinuations makes the Runner synchronously Clock.Delay the
// continuation's wait period and re-dispatch in the same call instead of
// returning control to the poll loop. Test-only: it lets suspend/resume
// semantics be asserted without waiting on real clock time, and is never
// enabled by the Work Service's default wiring.
func WithInlineContinuations() Option {
	return func(r *Runner) { r.includeContinuationsInline = true }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Runner) { r.retryPolicy = p }
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) { r.pollInterval = d }
}

func WithInvisibilityPeriod(d time.Duration) Option {
	return func(r *Runner) { r.invisibility = d }
}

// Runner is one worker's dispatch loop.
type Runner struct {
	instanceName string
	workerID     int
	store        store.Store
	dispatcher   *dispatch.Dispatcher
	clock        clock.Clock
	captures     CaptureFactory
	log          *logger.Logger

	pollInterval               time.Duration
	invisibility               time.Duration
	retryPolicy                RetryPolicy
	includeContinuationsInline bool

	observers         []StatusObserver
	status            domain.RunnerState
	currentInvocation string
	lastInvocation    string
}

func New(instanceName string, workerID int, st store.Store, d *dispatch.Dispatcher, clk clock.Clock, captures CaptureFactory, log *logger.Logger, opts ...Option) *Runner {
	r := &Runner{
		instanceName: instanceName,
		workerID:     workerID,
		store:        st,
		dispatcher:   d,
		clock:        clk,
		captures:     captures,
		log:          log.With("component", "Runner", "instance", instanceName, "worker_id", workerID),
		pollInterval: 10 * time.Second,
		invisibility: DefaultInvisibility,
		retryPolicy:  DefaultRetryPolicy(),
		status:       domain.RunnerWorking,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) Subscribe(obs StatusObserver) {
	r.observers = append(r.observers, obs)
}

func (r *Runner) setStatus(status domain.RunnerState, errMsg string) {
	r.status = status
	ev := domain.HeartbeatEvent{
		InstanceName:      r.instanceName,
		WorkerID:          r.workerID,
		State:             status,
		CurrentInvocation: r.currentInvocation,
		LastInvocation:    r.lastInvocation,
		Error:             errMsg,
		At:                r.clock.Now(),
	}
	for _, obs := range r.observers {
		obs(ev)
	}
}

func (r *Runner) Status() domain.RunnerState { return r.status }

// Run is the Lifecycle loop described in §4.4. It returns when ctx is
// cancelled, or with an error on a fatal (non-StoreUnavailable) failure.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.store.ReinitializeInvocationState(ctx, r.instanceName); err != nil {
		r.log.Warn("failed to reinitialize crashed-worker invocation state", "error", err.Error())
	}

	failedAttempts := 0
	for {
		select {
		case <-ctx.Done():
			r.setStatus(domain.RunnerStopping, "")
			return nil
		default:
		}

		r.setStatus(domain.RunnerDequeuing, "")
		inv, err := r.store.Dequeue(ctx, r.instanceName, r.invisibility)
		if err != nil {
			if !errors.Is(err, schedulerr.StoreUnavailable(nil)) {
				r.setStatus(domain.RunnerError, err.Error())
				return err
			}
			failedAttempts++
			r.log.Warn("dequeue failed, backing off", "error", err.Error(), "attempt", failedAttempts)
			if delayErr := r.clock.Delay(ctx, computeBackoff(r.retryPolicy, failedAttempts)); delayErr != nil {
				r.setStatus(domain.RunnerStopping, "")
				return nil
			}
			continue
		}
		failedAttempts = 0

		if ctx.Err() != nil {
			r.setStatus(domain.RunnerStopping, "")
			return nil
		}

		if inv == nil {
			r.setStatus(domain.RunnerSleeping, "")
			if delayErr := r.clock.Delay(ctx, r.pollInterval); delayErr != nil {
				r.setStatus(domain.RunnerStopping, "")
				return nil
			}
			continue
		}

		if inv.Status == domain.StatusCancelled {
			r.log.Info("dequeued an already-cancelled invocation", "invocation_id", inv.ID.String())
			continue
		}

		r.setStatus(domain.RunnerDispatching, "")
		r.currentInvocation = inv.ID.String()
		r.dispatchOnce(ctx, inv)
		r.lastInvocation = r.currentInvocation
		r.currentInvocation = ""
		r.setStatus(domain.RunnerWorking, "")
	}
}

// dispatchOnce implements §4.4's Dispatch(inv, capture, cancelToken,
// includeContinuationsInline).
func (r *Runner) dispatchOnce(ctx context.Context, inv *domain.Invocation) {
	ctx = ctxutil.WithInvocationID(ctx, inv.ID.String())

	if inv.IsContinuation {
		r.log.Info("resumed invocation", "invocation_id", inv.ID.String(), "job_name", inv.JobName)
	} else {
		r.log.Info("started invocation", "invocation_id", inv.ID.String(), "job_name", inv.JobName)
	}

	ok, err := r.store.UpdateStatus(ctx, inv, domain.StatusExecuting, domain.ResultIncomplete)
	if err != nil {
		r.log.Warn("failed to mark invocation executing", "invocation_id", inv.ID.String(), "error", err.Error())
		return
	}
	if !ok {
		r.log.Info("aborted: another worker raced this invocation", "invocation_id", inv.ID.String())
		return
	}

	capture := r.captures()
	prior := ""
	if inv.IsContinuation {
		prior = inv.Source
	}
	_ = capture.Start(ctx, inv.ID.String(), prior)

	attrs := []attribute.KeyValue{
		attribute.String("job.name", inv.JobName),
		attribute.String("invocation.id", inv.ID.String()),
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		if td.TraceID != "" {
			attrs = append(attrs, attribute.String("caller.trace_id", td.TraceID))
		}
		if td.RequestID != "" {
			attrs = append(attrs, attribute.String("caller.request_id", td.RequestID))
		}
	}
	spanCtx, span := tracer.Start(ctx, "invocation.dispatch", oteltrace.WithAttributes(attrs...))

	ictx := &dispatch.Context{Ctx: spanCtx, Inv: inv, Store: r.store, Clock: r.clock, Capture: capture}
	result := r.safeDispatch(ictx)

	if r.clock.Now().After(inv.NextVisibleAt) {
		r.log.Warn("invocation exceeded lease", "invocation_id", inv.ID.String())
		span.AddEvent("invocation exceeded lease")
	}

	if result.Result == domain.ResultCrashed {
		span.SetStatus(codes.Error, result.Error)
	}
	span.End()

	logURI, _ := capture.End(ctx)

	r.commit(ctx, inv, result, logURI)
}

func (r *Runner) safeDispatch(ictx *dispatch.Context) (result dispatch.InvocationResult) {
	defer func() {
		if rec := recover(); rec != nil {
			result = dispatch.InvocationResult{Result: domain.ResultCrashed, Error: fmt.Sprintf("dispatch panic: %v", rec)}
		}
	}()
	return r.dispatcher.Dispatch(ictx)
}

// commit applies the outcome-commit rule table (§4.4).
func (r *Runner) commit(ctx context.Context, inv *domain.Invocation, result dispatch.InvocationResult, logURI *string) {
	switch result.Result {
	case domain.ResultCompleted, domain.ResultFaulted:
		var msg *string
		if result.Error != "" {
			msg = &result.Error
		}
		ok, err := r.store.Complete(ctx, inv, result.Result, msg, logURI)
		if err != nil {
			r.log.Warn("failed to commit terminal result", "invocation_id", inv.ID.String(), "error", err.Error())
			return
		}
		if !ok {
			r.log.Info("aborted: version advanced before terminal commit", "invocation_id", inv.ID.String())
			return
		}
		if result.RescheduleIn > 0 {
			if _, err := r.store.Enqueue(ctx, inv.JobName, domain.SourceRepeatingJob, inv.Payload, result.RescheduleIn); err != nil {
				r.log.Warn("failed to enqueue repeat", "invocation_id", inv.ID.String(), "error", err.Error())
			}
		}

	case domain.ResultCrashed:
		msg := result.Error
		if _, err := r.store.Complete(ctx, inv, domain.ResultCrashed, &msg, logURI); err != nil {
			r.log.Warn("failed to commit crash", "invocation_id", inv.ID.String(), "error", err.Error())
		}

	case domain.ResultIncomplete:
		if result.Continuation == nil {
			msg := "incomplete result without continuation"
			if _, err := r.store.Complete(ctx, inv, domain.ResultCrashed, &msg, logURI); err != nil {
				r.log.Warn("failed to commit crash", "invocation_id", inv.ID.String(), "error", err.Error())
			}
			return
		}
		next, err := r.store.Suspend(ctx, inv, result.Continuation.Parameters, result.Continuation.WaitPeriod, logURI)
		if err != nil {
			r.log.Warn("failed to suspend invocation", "invocation_id", inv.ID.String(), "error", err.Error())
			return
		}
		if next == nil {
			r.log.Info("aborted: version advanced before suspend commit", "invocation_id", inv.ID.String())
			return
		}
		if r.includeContinuationsInline {
			if err := r.clock.Delay(ctx, result.Continuation.WaitPeriod); err != nil {
				return
			}
			r.dispatchOnce(ctx, next)
		}

	default:
		msg := fmt.Sprintf("unhandled invocation result %q", result.Result)
		if _, err := r.store.Complete(ctx, inv, domain.ResultCrashed, &msg, logURI); err != nil {
			r.log.Warn("failed to commit crash", "invocation_id", inv.ID.String(), "error", err.Error())
		}
	}
}
