// Package worker binds one Job Runner to an id and a cancellation token,
// running it as one concurrent task (§4 component 6).
package worker

import (
	"context"

	"github.com/yungbote/invocation-scheduler/internal/runner"
)

// Worker is a runner plus the machinery to start/stop it as one task.
type Worker struct {
	ID     int
	Runner *runner.Runner

	cancel context.CancelFunc
}

func New(id int, r *runner.Runner) *Worker {
	return &Worker{ID: id, Runner: r}
}

// Run blocks until ctx is cancelled or the runner exits with a fatal
// error. It installs its own cancellation token so Stop can be called
// independently of the parent context.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	defer cancel()
	return w.Runner.Run(ctx)
}

// Stop cancels this worker's token without affecting siblings.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}
