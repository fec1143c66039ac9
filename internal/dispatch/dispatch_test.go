package dispatch

import (
	"fmt"
	"testing"

	"github.com/yungbote/invocation-scheduler/internal/domain"
)

type panickingHandler struct{}

func (h *panickingHandler) Type() string { return "panics" }
func (h *panickingHandler) Invoke(ctx *Context) HandlerResult {
	panic("boom")
}

type faultingHandler struct{}

func (h *faultingHandler) Type() string { return "faults" }
func (h *faultingHandler) Invoke(ctx *Context) HandlerResult {
	return Faulted(fmt.Errorf("explicit fault"))
}

func newDispatchContext(jobName string) *Context {
	return &Context{Inv: &domain.Invocation{JobName: jobName, Payload: domain.Payload{}}}
}

func TestDispatchPanicCommitsCrashed(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(func() Handler { return &panickingHandler{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := NewDispatcher(reg)

	result := d.Dispatch(newDispatchContext("panics"))
	if result.Result != domain.ResultCrashed {
		t.Fatalf("expected Crashed for a raised panic, got %s (%s)", result.Result, result.Error)
	}
}

func TestDispatchExplicitFaultCommitsFaulted(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(func() Handler { return &faultingHandler{} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	d := NewDispatcher(reg)

	result := d.Dispatch(newDispatchContext("faults"))
	if result.Result != domain.ResultFaulted {
		t.Fatalf("expected Faulted for a returned Faulted(err), got %s", result.Result)
	}
}
