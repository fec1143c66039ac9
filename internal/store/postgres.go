package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/invocation-scheduler/internal/clock"
	"github.com/yungbote/invocation-scheduler/internal/domain"
	"github.com/yungbote/invocation-scheduler/internal/platform/logger"
	"github.com/yungbote/invocation-scheduler/internal/schedulerr"
)

// DefaultLeaseHardCap bounds how far Extend may push NextVisibleAt into
// the future from the moment Extend is called (§5 "never past a
// configured hard cap").
const DefaultLeaseHardCap = 24 * time.Hour

// PostgresStore is the gorm/Postgres-backed Invocation Store, grounded on
// the teacher's SELECT ... FOR UPDATE SKIP LOCKED claim pattern.
type PostgresStore struct {
	db           *gorm.DB
	log          *logger.Logger
	clock        clock.Clock
	leaseHardCap time.Duration
}

func NewPostgresStore(db *gorm.DB, log *logger.Logger, clk clock.Clock) *PostgresStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &PostgresStore{
		db:           db,
		log:          log.With("component", "InvocationStore"),
		clock:        clk,
		leaseHardCap: DefaultLeaseHardCap,
	}
}

func (s *PostgresStore) Enqueue(ctx context.Context, jobName, source string, payload domain.Payload, visibilityDelay time.Duration) (*domain.Invocation, error) {
	if jobName == "" {
		return nil, schedulerr.New(schedulerr.CodeUnknownJob, fmt.Errorf("jobName must be non-empty"))
	}
	if visibilityDelay < 0 {
		visibilityDelay = 0
	}
	if payload == nil {
		payload = domain.Payload{}
	}
	now := s.clock.Now()
	inv := &domain.Invocation{
		ID:            uuid.New(),
		JobName:       jobName,
		Source:        source,
		Payload:       payload,
		Status:        domain.StatusQueued,
		Result:        domain.ResultIncomplete,
		QueuedAt:      now,
		NextVisibleAt: now.Add(visibilityDelay),
		UpdatedAt:     now,
		Version:       0,
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return nil, schedulerr.StoreUnavailable(err)
	}
	return inv, nil
}

func (s *PostgresStore) Dequeue(ctx context.Context, instanceName string, invisibilityPeriod time.Duration) (*domain.Invocation, error) {
	select {
	case <-ctx.Done():
		return nil, nil
	default:
	}

	var claimed domain.Invocation
	found := false
	now := s.clock.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row domain.Invocation
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status IN ?", []domain.Status{domain.StatusQueued, domain.StatusSuspended}).
			Where("next_visible_at <= ?", now).
			Order("next_visible_at ASC").
			Order("queued_at ASC")
		if err := q.First(&row).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}

		updates := map[string]any{
			"status":           domain.StatusDequeued,
			"next_visible_at":  row.NextVisibleAt.Add(invisibilityPeriod),
			"dequeue_count":    gorm.Expr("dequeue_count + 1"),
			"last_dequeued_at": now,
			"leased_by":        instanceName,
			"version":          gorm.Expr("version + 1"),
			"updated_at":       now,
		}
		if err := tx.Model(&domain.Invocation{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.First(&row, "id = ?", row.ID).Error; err != nil {
			return err
		}
		claimed = row
		found = true
		return nil
	})
	if err != nil {
		return nil, schedulerr.StoreUnavailable(err)
	}
	if !found {
		return nil, nil
	}
	return &claimed, nil
}

// UpdateStatus performs the compare-and-set described in §4.1. On success
// inv is mutated in place to reflect the new stored state.
func (s *PostgresStore) UpdateStatus(ctx context.Context, inv *domain.Invocation, status domain.Status, result domain.Result) (bool, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&domain.Invocation{}).
		Where("id = ? AND version = ?", inv.ID, inv.Version).
		Updates(map[string]any{
			"status":     status,
			"result":     result,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, schedulerr.StoreUnavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	inv.Status = status
	inv.Result = result
	inv.Version++
	inv.UpdatedAt = now
	return true, nil
}

func (s *PostgresStore) Complete(ctx context.Context, inv *domain.Invocation, result domain.Result, message *string, logURL *string) (bool, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&domain.Invocation{}).
		Where("id = ? AND version = ?", inv.ID, inv.Version).
		Updates(map[string]any{
			"status":         domain.StatusExecuted,
			"result":         result,
			"result_message": message,
			"log_url":        logURL,
			"completed_at":   now,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     now,
		})
	if res.Error != nil {
		return false, schedulerr.StoreUnavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	inv.Status = domain.StatusExecuted
	inv.Result = result
	inv.ResultMessage = message
	inv.LogURL = logURL
	inv.CompletedAt = &now
	inv.Version++
	inv.UpdatedAt = now
	return true, nil
}

func (s *PostgresStore) Suspend(ctx context.Context, inv *domain.Invocation, continuationPayload domain.Payload, waitPeriod time.Duration, logURL *string) (*domain.Invocation, error) {
	if waitPeriod <= 0 {
		return nil, fmt.Errorf("suspend: waitPeriod must be > 0")
	}
	now := s.clock.Now()
	var next domain.Invocation

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Invocation{}).
			Where("id = ? AND version = ?", inv.ID, inv.Version).
			Updates(map[string]any{
				"status":            domain.StatusSuspended,
				"log_url":           logURL,
				"last_suspended_at": now,
				"version":           gorm.Expr("version + 1"),
				"updated_at":        now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAborted
		}
		if continuationPayload == nil {
			continuationPayload = domain.Payload{}
		}
		next = domain.Invocation{
			ID:             uuid.New(),
			JobName:        inv.JobName,
			Source:         inv.ID.String(),
			Payload:        continuationPayload,
			Status:         domain.StatusQueued,
			Result:         domain.ResultIncomplete,
			QueuedAt:       now,
			NextVisibleAt:  now.Add(waitPeriod),
			UpdatedAt:      now,
			IsContinuation: true,
			Version:        0,
		}
		return tx.Create(&next).Error
	})
	if err == errAborted {
		return nil, nil
	}
	if err != nil {
		return nil, schedulerr.StoreUnavailable(err)
	}
	inv.Status = domain.StatusSuspended
	inv.LogURL = logURL
	inv.LastSuspendedAt = &now
	inv.Version++
	inv.UpdatedAt = now
	return &next, nil
}

var errAborted = fmt.Errorf("version conflict")

func (s *PostgresStore) Extend(ctx context.Context, inv *domain.Invocation, additionalTime time.Duration) error {
	now := s.clock.Now()
	hardCap := now.Add(s.leaseHardCap)
	res := s.db.WithContext(ctx).Model(&domain.Invocation{}).
		Where("id = ? AND version = ? AND status NOT IN ?", inv.ID, inv.Version, []domain.Status{domain.StatusExecuted, domain.StatusCancelled}).
		Updates(map[string]any{
			"next_visible_at": clause.Expr{
				SQL:  "LEAST(next_visible_at + ?::interval, ?)",
				Vars: []any{fmt.Sprintf("%f seconds", additionalTime.Seconds()), hardCap},
			},
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return schedulerr.StoreUnavailable(res.Error)
	}
	if res.RowsAffected == 1 {
		inv.Version++
		inv.UpdatedAt = now
	}
	return nil
}

func (s *PostgresStore) GetByJob(ctx context.Context, jobName string, start, end *time.Time, limit int) ([]*domain.Invocation, error) {
	q := s.db.WithContext(ctx).Where("job_name = ?", jobName)
	if start != nil {
		q = q.Where("queued_at >= ?", *start)
	}
	if end != nil {
		q = q.Where("queued_at <= ?", *end)
	}
	q = q.Order("queued_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*domain.Invocation
	if err := q.Find(&rows).Error; err != nil {
		return nil, schedulerr.StoreUnavailable(err)
	}
	return rows, nil
}

func (s *PostgresStore) GetLatestForJob(ctx context.Context, jobName string) (*domain.Invocation, error) {
	var row domain.Invocation
	err := s.db.WithContext(ctx).Where("job_name = ?", jobName).Order("queued_at DESC").First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, schedulerr.StoreUnavailable(err)
	}
	return &row, nil
}

func (s *PostgresStore) GetJobStatistics(ctx context.Context) ([]JobStatistics, error) {
	type row struct {
		JobName string
		Status  domain.Status
		Result  domain.Result
		Count   int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&domain.Invocation{}).
		Select("job_name, status, result, count(*) as count").
		Group("job_name, status, result").
		Find(&rows).Error
	if err != nil {
		return nil, schedulerr.StoreUnavailable(err)
	}

	byJob := map[string]*JobStatistics{}
	order := []string{}
	for _, r := range rows {
		stat, ok := byJob[r.JobName]
		if !ok {
			stat = &JobStatistics{JobName: r.JobName, TerminatedByResult: map[domain.Result]int64{}}
			byJob[r.JobName] = stat
			order = append(order, r.JobName)
		}
		switch r.Status {
		case domain.StatusQueued, domain.StatusDequeued:
			stat.Queued += r.Count
		case domain.StatusExecuting:
			stat.Executing += r.Count
		case domain.StatusSuspended:
			stat.Suspended += r.Count
		case domain.StatusCancelled:
			stat.Cancelled += r.Count
		case domain.StatusExecuted:
			stat.TerminatedByResult[r.Result] += r.Count
		}
	}
	out := make([]JobStatistics, 0, len(order))
	for _, name := range order {
		out = append(out, *byJob[name])
	}
	return out, nil
}

func (s *PostgresStore) GetWorkerStatistics(ctx context.Context) ([]WorkerStatistics, error) {
	type row struct {
		LeasedBy string
		Status   domain.Status
		Result   domain.Result
		Count    int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&domain.Invocation{}).
		Select("leased_by, status, result, count(*) as count").
		Where("leased_by <> ''").
		Group("leased_by, status, result").
		Find(&rows).Error
	if err != nil {
		return nil, schedulerr.StoreUnavailable(err)
	}

	byInst := map[string]*WorkerStatistics{}
	order := []string{}
	for _, r := range rows {
		stat, ok := byInst[r.LeasedBy]
		if !ok {
			stat = &WorkerStatistics{InstanceName: r.LeasedBy}
			byInst[r.LeasedBy] = stat
			order = append(order, r.LeasedBy)
		}
		stat.Dequeues += r.Count
		if r.Status != domain.StatusExecuted {
			continue
		}
		switch r.Result {
		case domain.ResultCompleted:
			stat.Completes += r.Count
		case domain.ResultFaulted:
			stat.Faults += r.Count
		case domain.ResultCrashed:
			stat.Crashes += r.Count
		case domain.ResultCancelled:
			stat.Cancels += r.Count
		}
	}
	out := make([]WorkerStatistics, 0, len(order))
	for _, name := range order {
		out = append(out, *byInst[name])
	}
	return out, nil
}

func (s *PostgresStore) ReinitializeInvocationState(ctx context.Context, instanceName string) (int64, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Model(&domain.Invocation{}).
		Where("leased_by = ? AND status IN ?", instanceName, []domain.Status{domain.StatusDequeued, domain.StatusExecuting}).
		Updates(map[string]any{
			"status":          domain.StatusQueued,
			"next_visible_at": now,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, schedulerr.StoreUnavailable(res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("reinitialized crashed-worker invocation state", "instance_name", instanceName, "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
