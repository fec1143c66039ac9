// Package examplejobs ships a handful of illustrative handlers used only
// by this repository's own end-to-end tests: Echo, StepJob, TickJob,
// BoomJob, and SlowJob. They are test fixtures, not the job catalog a
// production deployment would register.
package examplejobs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/yungbote/invocation-scheduler/internal/dispatch"
	"github.com/yungbote/invocation-scheduler/internal/domain"
)

func strp(s string) *string { return &s }

// RegisterAll adds every example handler to reg, failing fast on the
// first registration error (there should never be one outside of a
// programmer mistake).
func RegisterAll(reg *dispatch.Registry) error {
	factories := []dispatch.Factory{
		func() dispatch.Handler { return &Echo{} },
		func() dispatch.Handler { return &StepJob{} },
		func() dispatch.Handler { return &TickJob{} },
		func() dispatch.Handler { return &BoomJob{} },
		func() dispatch.Handler { return &SlowJob{} },
	}
	for _, f := range factories {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}

// Echo logs its Message field and completes immediately. The simplest
// possible handler, used to exercise Payload Binding end to end.
type Echo struct {
	Message string `bind:"message"`
}

func (e *Echo) Type() string { return "echo" }

func (e *Echo) Invoke(ctx *dispatch.Context) dispatch.HandlerResult {
	ctx.Info("echo", map[string]any{"message": e.Message})
	return dispatch.Completed()
}

// StepJob suspends once with a continuation carrying its next step
// number, then completes on resume. Exercises the suspend/resume
// continuation protocol (§4.6) with a single hop.
type StepJob struct {
	Step int `bind:"step"`
}

func (s *StepJob) Type() string { return "stepjob" }

func (s *StepJob) Invoke(ctx *dispatch.Context) dispatch.HandlerResult {
	ctx.Info("stepjob starting", map[string]any{"step": s.Step})
	return dispatch.Suspended(dispatch.JobContinuation{
		WaitPeriod: 2 * time.Second,
		Parameters: domain.Payload{"step": strp(strconv.Itoa(s.Step + 1))},
	})
}

func (s *StepJob) Resume(ctx *dispatch.Context) dispatch.HandlerResult {
	ctx.Info("stepjob resumed", map[string]any{"step": s.Step})
	return dispatch.Completed()
}

// TickJob completes and reschedules itself at a fixed interval,
// exercising the repeat-scheduling completion path.
type TickJob struct {
	IntervalSeconds int `bind:"interval_seconds"`
}

func (t *TickJob) Type() string { return "tickjob" }

func (t *TickJob) Invoke(ctx *dispatch.Context) dispatch.HandlerResult {
	interval := time.Duration(t.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ctx.Debug("tick", map[string]any{"interval_seconds": t.IntervalSeconds})
	return dispatch.CompletedRepeating(interval)
}

// BoomJob always faults, with an optional forced panic, exercising the
// Faulted and Crashed outcome-commit paths.
type BoomJob struct {
	Reason string `bind:"reason"`
	Panic  bool   `bind:"panic"`
}

func (b *BoomJob) Type() string { return "boomjob" }

func (b *BoomJob) Invoke(ctx *dispatch.Context) dispatch.HandlerResult {
	if b.Panic {
		panic("boomjob: forced panic")
	}
	reason := b.Reason
	if reason == "" {
		reason = "boomjob always fails"
	}
	return dispatch.Faulted(fmt.Errorf("%s", reason))
}

// SlowJob sleeps past its own lease deadline unless it periodically
// extends it, exercising visibility/lease discipline (§5).
type SlowJob struct {
	SleepSeconds int  `bind:"sleep_seconds"`
	ExtendLease  bool `bind:"extend_lease"`
}

func (s *SlowJob) Type() string { return "slowjob" }

func (s *SlowJob) Invoke(ctx *dispatch.Context) dispatch.HandlerResult {
	remaining := time.Duration(s.SleepSeconds) * time.Second
	tick := time.Second
	for remaining > 0 {
		if err := ctx.Clock.Delay(ctx.Ctx, tick); err != nil {
			return dispatch.Faulted(err)
		}
		remaining -= tick
		if s.ExtendLease {
			if err := ctx.Extend(30 * time.Minute); err != nil {
				return dispatch.Faulted(fmt.Errorf("extend lease: %w", err))
			}
		}
	}
	return dispatch.Completed()
}
