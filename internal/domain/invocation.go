// Package domain holds the Invocation Scheduler Core's central entity and
// its lifecycle vocabulary.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the invocation's queue-state-machine position. Exactly one of
// these holds at any time.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusDequeued  Status = "dequeued"
	StatusExecuting Status = "executing"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
	StatusExecuted  Status = "executed"
)

// Result is the terminal (or not-yet-terminal) outcome of an invocation.
// It is always Incomplete while Status is not Executed.
type Result string

const (
	ResultIncomplete Result = "incomplete"
	ResultCompleted  Result = "completed"
	ResultFaulted    Result = "faulted"
	ResultCrashed    Result = "crashed"
	ResultAborted    Result = "aborted"
	ResultCancelled  Result = "cancelled"
)

// IsTerminal reports whether r is one of the results permitted on an
// Executed row.
func (r Result) IsTerminal() bool {
	switch r {
	case ResultCompleted, ResultFaulted, ResultCrashed, ResultAborted, ResultCancelled:
		return true
	default:
		return false
	}
}

const (
	// SourceBackgroundEnqueue tags a row created by an ordinary,
	// non-continuation, non-repeat Enqueue call.
	SourceBackgroundEnqueue = "BackgroundEnqueue"
	// SourceRepeatingJob tags a row enqueued as the repeat of a
	// completed invocation (RescheduleIn).
	SourceRepeatingJob = "RepeatingJob"
)

// Payload is the invocation's string-to-nullable-string argument mapping
// (§6 EXTERNAL INTERFACES). A nil value represents JSON null; an absent key
// represents an absent field. It round-trips through jsonb without losing
// the string/null distinction that Payload Binding depends on.
type Payload map[string]*string

// Value implements driver.Valuer so gorm can persist Payload as jsonb.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *Payload) Scan(src any) error {
	if src == nil {
		*p = Payload{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("invocation payload: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*p = Payload{}
		return nil
	}
	m := Payload{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*p = m
	return nil
}

// StringOrEmpty reads a key, treating both "absent" and "present but null"
// as empty — convenient for handlers that don't care about the distinction.
func (p Payload) StringOrEmpty(key string) string {
	for k, v := range p {
		if !equalFoldASCII(k, key) {
			continue
		}
		if v == nil {
			return ""
		}
		return *v
	}
	return ""
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Invocation is the central entity: one row per attempt chain (§3 DATA
// MODEL). A new Id is assigned at Enqueue and at each Suspend continuation.
type Invocation struct {
	ID             uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobName        string     `gorm:"column:job_name;not null;index" json:"job_name"`
	Source         string     `gorm:"column:source;not null;index" json:"source"`
	Payload        Payload    `gorm:"column:payload;type:jsonb;not null;default:'{}'" json:"payload"`
	Status         Status     `gorm:"column:status;not null;index" json:"status"`
	Result         Result     `gorm:"column:result;not null;index" json:"result"`
	QueuedAt       time.Time  `gorm:"column:queued_at;not null;index" json:"queued_at"`
	NextVisibleAt  time.Time  `gorm:"column:next_visible_at;not null;index" json:"next_visible_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
	LastDequeuedAt *time.Time `gorm:"column:last_dequeued_at" json:"last_dequeued_at,omitempty"`
	LastSuspendedAt *time.Time `gorm:"column:last_suspended_at" json:"last_suspended_at,omitempty"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	DequeueCount   int        `gorm:"column:dequeue_count;not null;default:0" json:"dequeue_count"`
	IsContinuation bool       `gorm:"column:is_continuation;not null;default:false" json:"is_continuation"`
	ResultMessage  *string    `gorm:"column:result_message" json:"result_message,omitempty"`
	LogURL         *string    `gorm:"column:log_url" json:"log_url,omitempty"`
	// LeasedBy is the InstanceName of the worker currently (or most
	// recently) holding this row's lease. Used by
	// ReinitializeInvocationState to scope its repair to one instance.
	LeasedBy string `gorm:"column:leased_by;index" json:"leased_by,omitempty"`
	Version  int    `gorm:"column:version;not null;default:0" json:"version"`
}

func (Invocation) TableName() string { return "invocation" }
