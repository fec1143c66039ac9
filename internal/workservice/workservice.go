// Package workservice spawns N Workers on startup and exposes their
// aggregated status (§4 component 7).
package workservice

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/invocation-scheduler/internal/clock"
	"github.com/yungbote/invocation-scheduler/internal/dispatch"
	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/logcapture"
	"github.com/yungbote/invocation-scheduler/internal/platform/logger"
	"github.com/yungbote/invocation-scheduler/internal/runner"
	"github.com/yungbote/invocation-scheduler/internal/store"
	"github.com/yungbote/invocation-scheduler/internal/worker"
)

// Config controls how WorkService builds its runners.
type Config struct {
	InstanceName   string
	WorkerCount    int
	RunnerOptions  []runner.Option
	CaptureFactory runner.CaptureFactory
}

// Service owns the shared Store handle and Log Capture factory, and
// supervises one Worker per configured concurrency slot.
type Service struct {
	cfg        Config
	store      store.Store
	dispatcher *dispatch.Dispatcher
	clock      clock.Clock
	log        *logger.Logger

	mu      sync.RWMutex
	workers []*worker.Worker
	latest  map[int]domain.HeartbeatEvent
}

func New(cfg Config, st store.Store, d *dispatch.Dispatcher, clk clock.Clock, log *logger.Logger) *Service {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.CaptureFactory == nil {
		cfg.CaptureFactory = func() logcapture.Capture { return logcapture.NewMemoryCapture() }
	}
	return &Service{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		clock:      clk,
		log:        log.With("component", "WorkService", "instance", cfg.InstanceName),
		latest:     map[int]domain.HeartbeatEvent{},
	}
}

// Run spawns cfg.WorkerCount workers and blocks until ctx is cancelled or
// any worker returns a fatal error, at which point all siblings are
// cancelled too.
func (s *Service) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.workers = make([]*worker.Worker, s.cfg.WorkerCount)
	for i := 0; i < s.cfg.WorkerCount; i++ {
		instanceName := fmt.Sprintf("%s-%d", s.cfg.InstanceName, i)
		r := runner.New(instanceName, i, s.store, s.dispatcher, s.clock, s.cfg.CaptureFactory, s.log, s.cfg.RunnerOptions...)
		r.Subscribe(s.recordHeartbeat)
		s.workers[i] = worker.New(i, r)
	}
	workers := append([]*worker.Worker(nil), s.workers...)
	s.mu.Unlock()

	for _, w := range workers {
		w := w
		group.Go(func() error {
			if err := w.Run(gctx); err != nil {
				return fmt.Errorf("worker %d: %w", w.ID, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (s *Service) recordHeartbeat(ev domain.HeartbeatEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[ev.WorkerID] = ev
}

// Status returns the latest known heartbeat for every worker.
func (s *Service) Status() []domain.HeartbeatEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.HeartbeatEvent, 0, len(s.latest))
	for _, ev := range s.latest {
		out = append(out, ev)
	}
	return out
}

// Stop cancels every worker's individual token.
func (s *Service) Stop() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workers {
		w.Stop()
	}
}
