// Package dispatch resolves an invocation's job name to a registered
// handler, rehydrates the handler's configuration from the invocation
// payload, and runs it (§4.3 Job Dispatcher).
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/invocation-scheduler/internal/clock"
	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/logcapture"
	"github.com/yungbote/invocation-scheduler/internal/schedulerr"
	"github.com/yungbote/invocation-scheduler/internal/store"
)

// JobContinuation is what a handler returns to keep its chain alive
// across a suspend/resume boundary (§4.6).
type JobContinuation struct {
	WaitPeriod time.Duration
	Parameters domain.Payload
}

// Outcome is the handler-facing result vocabulary; Dispatch translates it
// into an InvocationResult the Runner commits against the store.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFaulted
	OutcomeIncomplete
)

// HandlerResult is what Invoke/Resume return.
type HandlerResult struct {
	Outcome      Outcome
	Err          error
	RescheduleIn time.Duration
	Continuation *JobContinuation

	// panicked is set only by invoke's recover, never by a handler. It
	// forces translate to produce Crashed instead of Faulted: a raised
	// panic and a returned Faulted(err) are distinct outcomes (§4.3, §7).
	panicked bool
}

func Completed() HandlerResult { return HandlerResult{Outcome: OutcomeCompleted} }
func CompletedRepeating(in time.Duration) HandlerResult {
	return HandlerResult{Outcome: OutcomeCompleted, RescheduleIn: in}
}
func Faulted(err error) HandlerResult { return HandlerResult{Outcome: OutcomeFaulted, Err: err} }
func Suspended(c JobContinuation) HandlerResult {
	return HandlerResult{Outcome: OutcomeIncomplete, Continuation: &c}
}

// Handler is implemented by every registered job. Fields tagged for
// Payload Binding (§4.5) are set via reflection before Invoke is called.
type Handler interface {
	// Type is the case-insensitive job name this handler answers to.
	Type() string
	// Invoke runs a fresh (non-continuation) attempt.
	Invoke(ctx *Context) HandlerResult
}

// ContinuationHandler is implemented by asynchronous/continuation-capable
// handlers (§4.3) in addition to Handler.
type ContinuationHandler interface {
	Handler
	// Resume runs a continuation attempt (inv.IsContinuation == true).
	Resume(ctx *Context) HandlerResult
}

// InvocationResult is the Dispatcher's translation of a HandlerResult,
// consumed by the Runner's outcome-commit rule table.
type InvocationResult struct {
	Result       domain.Result
	Error        string
	RescheduleIn time.Duration
	Continuation *JobContinuation
}

// Context is the Invocation Context handed to every handler: the bound
// invocation, a store handle restricted to the operations a handler may
// use, the cancellation signal, and the active log capture.
type Context struct {
	Ctx     context.Context
	Inv     *domain.Invocation
	Store   store.Store
	Clock   clock.Clock
	Capture logcapture.Capture
}

// Extend pushes the invocation's lease out before it expires (§5).
func (c *Context) Extend(additionalTime time.Duration) error {
	return c.Store.Extend(c.Ctx, c.Inv, additionalTime)
}

func (c *Context) Log(level domain.LogEventLevel, msg string, fields map[string]any) {
	if c.Capture == nil {
		return
	}
	c.Capture.Emit(c.Ctx, level, msg, fields)
}

func (c *Context) Debug(msg string, fields map[string]any) { c.Log(domain.LogLevelDebug, msg, fields) }
func (c *Context) Info(msg string, fields map[string]any)  { c.Log(domain.LogLevelInfo, msg, fields) }
func (c *Context) Warn(msg string, fields map[string]any)  { c.Log(domain.LogLevelWarn, msg, fields) }
func (c *Context) Error(msg string, fields map[string]any) { c.Log(domain.LogLevelError, msg, fields) }

// Factory constructs a fresh handler instance per dispatch attempt so
// bound fields never leak between invocations.
type Factory func() Handler

// Registry is the concurrency-safe job-name → handler-factory map.
// Grounded on the fail-fast, no-silent-overwrite registration contract.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a handler factory under its lowercased Type(). Returns an
// error if that name is already registered.
func (r *Registry) Register(f Factory) error {
	h := f()
	name := normalizeJobName(h.Type())
	if name == "" {
		return fmt.Errorf("dispatch: handler Type() must be non-empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("dispatch: job %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) lookup(jobName string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[normalizeJobName(jobName)]
	return f, ok
}

func normalizeJobName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Dispatcher resolves + invokes handlers against a Registry.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch implements §4.3's Dispatch(context) -> InvocationResult.
func (d *Dispatcher) Dispatch(ictx *Context) InvocationResult {
	factory, ok := d.registry.lookup(ictx.Inv.JobName)
	if !ok {
		err := schedulerr.UnknownJob(ictx.Inv.JobName)
		return InvocationResult{Result: domain.ResultCrashed, Error: err.Error()}
	}
	handler := factory()

	if err := Bind(handler, ictx.Inv.Payload, ictx); err != nil {
		return InvocationResult{Result: domain.ResultCrashed, Error: err.Error()}
	}

	hr := d.invoke(handler, ictx)
	return translate(hr)
}

func (d *Dispatcher) invoke(h Handler, ictx *Context) (result HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			result = HandlerResult{Outcome: OutcomeFaulted, Err: fmt.Errorf("handler panic: %v", r), panicked: true}
		}
	}()
	if ictx.Inv.IsContinuation {
		if ch, ok := h.(ContinuationHandler); ok {
			return ch.Resume(ictx)
		}
	}
	return h.Invoke(ictx)
}

func translate(hr HandlerResult) InvocationResult {
	switch hr.Outcome {
	case OutcomeCompleted:
		return InvocationResult{Result: domain.ResultCompleted, RescheduleIn: hr.RescheduleIn}
	case OutcomeFaulted:
		msg := "faulted"
		if hr.Err != nil {
			msg = hr.Err.Error()
		}
		if hr.panicked {
			return InvocationResult{Result: domain.ResultCrashed, Error: msg}
		}
		return InvocationResult{Result: domain.ResultFaulted, Error: msg, RescheduleIn: hr.RescheduleIn}
	case OutcomeIncomplete:
		if hr.Continuation == nil {
			return InvocationResult{Result: domain.ResultCrashed, Error: "incomplete result without continuation"}
		}
		return InvocationResult{Result: domain.ResultIncomplete, Continuation: hr.Continuation}
	default:
		return InvocationResult{Result: domain.ResultCrashed, Error: fmt.Sprintf("unknown handler outcome %d", hr.Outcome)}
	}
}
