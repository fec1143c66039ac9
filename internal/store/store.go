// Package store is the Invocation Store: the durable at-most-one-consumer
// queue over invocations, plus statistics and history queries. All
// operations are atomic with respect to the Version field.
package store

import (
	"context"
	"time"

	"github.com/yungbote/invocation-scheduler/internal/domain"
)

// JobStatistics is the per-job read model exposed by GetJobStatistics.
type JobStatistics struct {
	JobName             string         `json:"job_name"`
	Queued              int64          `json:"queued"`
	Executing           int64          `json:"executing"`
	Suspended           int64          `json:"suspended"`
	Cancelled           int64          `json:"cancelled"`
	TerminatedByResult  map[domain.Result]int64 `json:"terminated_by_result"`
}

// WorkerStatistics is the per-instance read model exposed by
// GetWorkerStatistics, aggregated from the lease/terminal-commit history
// this instance has produced.
type WorkerStatistics struct {
	InstanceName string `json:"instance_name"`
	Dequeues     int64  `json:"dequeues"`
	Completes    int64  `json:"completes"`
	Faults       int64  `json:"faults"`
	Crashes      int64  `json:"crashes"`
	Cancels      int64  `json:"cancels"`
}

// Store is the Invocation Store contract (§4.1).
type Store interface {
	// Enqueue creates a fresh Queued row. jobName must be non-empty;
	// payload may be empty; visibilityDelay must be >= 0.
	Enqueue(ctx context.Context, jobName, source string, payload domain.Payload, visibilityDelay time.Duration) (*domain.Invocation, error)

	// Dequeue atomically leases one eligible row (NextVisibleAt <= now,
	// Status in {Queued, Suspended}), ordered ascending by
	// NextVisibleAt then QueuedAt. instanceName is stamped onto the
	// leased row so ReinitializeInvocationState can later recognize
	// leases this instance abandoned. Returns (nil, nil) when nothing
	// is eligible.
	Dequeue(ctx context.Context, instanceName string, invisibilityPeriod time.Duration) (*domain.Invocation, error)

	// UpdateStatus performs a compare-and-set on inv.Version. Returns
	// false, not an error, when the row's stored version has advanced
	// past inv.Version.
	UpdateStatus(ctx context.Context, inv *domain.Invocation, status domain.Status, result domain.Result) (bool, error)

	// Complete commits a terminal outcome. No-ops (without error) if
	// inv.Version no longer matches the stored row.
	Complete(ctx context.Context, inv *domain.Invocation, result domain.Result, message *string, logURL *string) (bool, error)

	// Suspend terminates inv as Status=Suspended and inserts the
	// continuation row described in §3 Lifecycle. Returns the new row.
	Suspend(ctx context.Context, inv *domain.Invocation, continuationPayload domain.Payload, waitPeriod time.Duration, logURL *string) (*domain.Invocation, error)

	// Extend advances NextVisibleAt by additionalTime. No-op when inv
	// is already terminal.
	Extend(ctx context.Context, inv *domain.Invocation, additionalTime time.Duration) error

	GetByJob(ctx context.Context, jobName string, start, end *time.Time, limit int) ([]*domain.Invocation, error)
	GetLatestForJob(ctx context.Context, jobName string) (*domain.Invocation, error)
	GetJobStatistics(ctx context.Context) ([]JobStatistics, error)
	GetWorkerStatistics(ctx context.Context) ([]WorkerStatistics, error)

	// ReinitializeInvocationState repairs crashed-worker state on
	// startup: any row leased by instanceName still in
	// {Dequeued, Executing} is forced back to Queued, NextVisibleAt=now.
	// Returns the number of rows repaired.
	ReinitializeInvocationState(ctx context.Context, instanceName string) (int64, error)
}
