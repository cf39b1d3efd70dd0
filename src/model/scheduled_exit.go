package model

import "time"

const (
	ScheduledExitStatusPending   = "pending"
	ScheduledExitStatusExecuting = "executing"
	ScheduledExitStatusCompleted = "completed"
	ScheduledExitStatusFailed    = "failed"
	ScheduledExitStatusCancelled = "cancelled"
)

// Audit actions appended to ScheduledExitAudit rows.
const (
	AuditActionScheduled       = "scheduled"
	AuditActionRescheduled     = "rescheduled"
	AuditActionRestartDetected = "restart_detected"
	AuditActionExecutionStart  = "execution_started"
	AuditActionCompleted       = "completed"
	AuditActionFailed          = "failed"
	AuditActionCancelled       = "cancelled"
	AuditActionForceFailed     = "force_failed"
)

// ScheduledExit is a durable auto square-off task bound 1:1 to a position.
// The in-memory timer is only an optimization; this row is the source of
// truth that survives process restarts.
type ScheduledExit struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	PositionID string `gorm:"size:64;uniqueIndex" json:"position_id"`
	UserID     uint   `gorm:"index" json:"user_id"`
	Symbol     string `gorm:"size:100" json:"symbol"`

	TargetTime string `gorm:"size:5;not null" json:"target_time"` // HH:MM, trading timezone
	Status     string `gorm:"size:20;not null;default:pending;index" json:"status"`

	Attempts     int    `json:"attempts"`
	LastError    string `gorm:"size:500" json:"last_error,omitempty"`
	OwnerProcess string `gorm:"size:120" json:"owner_process"`

	Audits []ScheduledExitAudit `gorm:"foreignKey:ScheduledExitID" json:"audits,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (ScheduledExit) TableName() string {
	return "scheduled_exits"
}

// IsTerminal reports whether the task can no longer execute.
func (s *ScheduledExit) IsTerminal() bool {
	switch s.Status {
	case ScheduledExitStatusCompleted, ScheduledExitStatusFailed, ScheduledExitStatusCancelled:
		return true
	default:
		return false
	}
}

// ScheduledExitAudit is one append-only audit entry for a scheduled exit.
// Entries are never updated or deleted.
type ScheduledExitAudit struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ScheduledExitID uint      `gorm:"index" json:"scheduled_exit_id"`
	Action          string    `gorm:"size:50;not null" json:"action"`
	Detail          string    `gorm:"size:500" json:"detail"`
	ProcessID       string    `gorm:"size:120" json:"process_id"`
	CreatedAt       time.Time `json:"created_at"`
}

func (ScheduledExitAudit) TableName() string {
	return "scheduled_exit_audits"
}
