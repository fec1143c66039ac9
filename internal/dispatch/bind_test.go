package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/schedulerr"
)

type nestedOptions struct {
	Server string `bind:"server"`
}

type testHandler struct {
	Name     string        `bind:"name" validate:"required"`
	Retries  int           `bind:"retries"`
	Interval time.Duration `bind:"interval"`
	Source   nestedOptions `bind:"source"`
}

func (h *testHandler) Type() string                { return "test-handler" }
func (h *testHandler) Invoke(ctx *Context) HandlerResult { return Completed() }

func strp(s string) *string { return &s }

func TestBindCaseInsensitiveAndNested(t *testing.T) {
	payload := domain.Payload{
		"NAME":          strp("hello"),
		"retries":       strp("3"),
		"Interval":      strp("PT1H30M"),
		"source.server": strp("db-1"),
	}
	h := &testHandler{}
	if err := Bind(h, payload, &Context{Inv: &domain.Invocation{}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if h.Name != "hello" {
		t.Fatalf("Name: got %q", h.Name)
	}
	if h.Retries != 3 {
		t.Fatalf("Retries: got %d", h.Retries)
	}
	if h.Interval != 90*time.Minute {
		t.Fatalf("Interval: got %v", h.Interval)
	}
	if h.Source.Server != "db-1" {
		t.Fatalf("Source.Server: got %q", h.Source.Server)
	}
}

func TestBindMissingRequiredFieldIsMissingPayloadField(t *testing.T) {
	h := &testHandler{}
	err := Bind(h, domain.Payload{}, &Context{Inv: &domain.Invocation{}})
	if err == nil {
		t.Fatal("expected error for missing required field")
	}
	if !errors.Is(err, schedulerr.MissingPayloadField("")) {
		t.Fatalf("expected a MissingPayloadField error, got %v", err)
	}
}

func TestBindNullClearsField(t *testing.T) {
	h := &testHandler{Name: "preset"}
	err := Bind(h, domain.Payload{"name": nil, "retries": strp("1")}, &Context{Inv: &domain.Invocation{}})
	if err == nil {
		t.Fatal("expected validation error since name cleared to empty but required")
	}
	if h.Name != "" {
		t.Fatalf("expected null payload value to clear field, got %q", h.Name)
	}
}
