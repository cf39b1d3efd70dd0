package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradebot/src/database"
	"tradebot/src/model"
)

// ScheduledExitRepository handles the durable auto square-off tasks and
// their append-only audit trail. Every status transition that matters for
// recovery goes through a conditional UPDATE so two processes can never own
// the same execution.
type ScheduledExitRepository struct {
	db *gorm.DB
}

func NewScheduledExitRepository() *ScheduledExitRepository {
	return &ScheduledExitRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ScheduledExitRepository) WithDB(db *gorm.DB) *ScheduledExitRepository {
	return &ScheduledExitRepository{db: db}
}

// FindByPositionID returns the task bound to a position, (nil, nil) when
// none exists.
func (r *ScheduledExitRepository) FindByPositionID(ctx context.Context, positionID string) (*model.ScheduledExit, error) {
	var task model.ScheduledExit

	err := r.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		First(&task).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":        "ScheduledExitRepository",
			"op":          "FindByPositionID",
			"position_id": positionID,
		}).WithError(err).Error("Failed to fetch scheduled exit")
		return nil, err
	}

	return &task, nil
}

// FindByStatus returns all tasks in one status, oldest first.
func (r *ScheduledExitRepository) FindByStatus(ctx context.Context, status string) ([]model.ScheduledExit, error) {
	var tasks []model.ScheduledExit

	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Find(&tasks).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "ScheduledExitRepository",
			"op":     "FindByStatus",
			"status": status,
		}).WithError(err).Error("Failed to fetch scheduled exits by status")
		return nil, err
	}

	return tasks, nil
}

// Upsert creates the task for a position or, when one already exists in a
// non-terminal state, refreshes its target time. Terminal tasks are revived
// back to pending so a re-opened position can be scheduled again. Runs in a
// transaction paired with an audit row.
func (r *ScheduledExitRepository) Upsert(ctx context.Context, task *model.ScheduledExit, processID string) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "ScheduledExitRepository",
		"op":          "Upsert",
		"position_id": task.PositionID,
		"target_time": task.TargetTime,
	}).Info("Upserting scheduled exit")

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.ScheduledExit
		err := tx.Where("position_id = ?", task.PositionID).First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			task.Status = model.ScheduledExitStatusPending
			task.OwnerProcess = processID
			if err := tx.Create(task).Error; err != nil {
				logger.WithError(err).Error("Failed to create scheduled exit inside transaction")
				return err
			}
			return tx.Create(&model.ScheduledExitAudit{
				ScheduledExitID: task.ID,
				Action:          model.AuditActionScheduled,
				Detail:          "target " + task.TargetTime,
				ProcessID:       processID,
			}).Error
		}
		if err != nil {
			return err
		}

		if err := tx.Model(&model.ScheduledExit{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{
				"target_time":   task.TargetTime,
				"status":        model.ScheduledExitStatusPending,
				"owner_process": processID,
				"last_error":    "",
				"updated_at":    time.Now(),
			}).Error; err != nil {
			logger.WithError(err).Error("Failed to update scheduled exit inside transaction")
			return err
		}

		task.ID = existing.ID
		task.Status = model.ScheduledExitStatusPending
		return tx.Create(&model.ScheduledExitAudit{
			ScheduledExitID: existing.ID,
			Action:          model.AuditActionRescheduled,
			Detail:          "target " + task.TargetTime,
			ProcessID:       processID,
		}).Error
	})
}

// ClaimForExecution atomically moves a pending task to executing. Returns
// false when another process already claimed it or the task was cancelled
// in the meantime.
func (r *ScheduledExitRepository) ClaimForExecution(ctx context.Context, taskID uint, processID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.ScheduledExit{}).
		Where("id = ? AND status = ?", taskID, model.ScheduledExitStatusPending).
		Updates(map[string]interface{}{
			"status":        model.ScheduledExitStatusExecuting,
			"owner_process": processID,
			"attempts":      gorm.Expr("attempts + 1"),
			"updated_at":    time.Now(),
		})

	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "ScheduledExitRepository",
			"op":      "ClaimForExecution",
			"task_id": taskID,
		}).WithError(res.Error).Error("Failed to claim scheduled exit")
		return false, res.Error
	}

	claimed := res.RowsAffected == 1
	if claimed {
		r.AppendAudit(ctx, taskID, model.AuditActionExecutionStart, "", processID)
	}
	return claimed, nil
}

// MarkCompleted finalizes a successfully executed task.
func (r *ScheduledExitRepository) MarkCompleted(ctx context.Context, taskID uint, processID string) error {
	err := r.db.WithContext(ctx).
		Model(&model.ScheduledExit{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":     model.ScheduledExitStatusCompleted,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return err
	}
	return r.AppendAudit(ctx, taskID, model.AuditActionCompleted, "", processID)
}

// MarkFailed records a failed execution attempt with its error.
func (r *ScheduledExitRepository) MarkFailed(ctx context.Context, taskID uint, lastError, processID string) error {
	if len(lastError) > 500 {
		lastError = lastError[:500]
	}

	err := r.db.WithContext(ctx).
		Model(&model.ScheduledExit{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"status":     model.ScheduledExitStatusFailed,
			"last_error": lastError,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return err
	}
	return r.AppendAudit(ctx, taskID, model.AuditActionFailed, lastError, processID)
}

// Cancel atomically cancels a pending task. Returns false when the task had
// already started executing or reached a terminal state; the caller must
// not treat that as cancelled.
func (r *ScheduledExitRepository) Cancel(ctx context.Context, positionID, detail, processID string) (bool, error) {
	var task model.ScheduledExit
	err := r.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res := r.db.WithContext(ctx).
		Model(&model.ScheduledExit{}).
		Where("id = ? AND status = ?", task.ID, model.ScheduledExitStatusPending).
		Updates(map[string]interface{}{
			"status":     model.ScheduledExitStatusCancelled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}

	cancelled := res.RowsAffected == 1
	if cancelled {
		r.AppendAudit(ctx, task.ID, model.AuditActionCancelled, detail, processID)
	}
	return cancelled, nil
}

// FindStuckExecuting returns tasks that have sat in executing longer than
// maxAge, evidence of a crash mid-execution.
func (r *ScheduledExitRepository) FindStuckExecuting(ctx context.Context, maxAge time.Duration) ([]model.ScheduledExit, error) {
	var tasks []model.ScheduledExit

	cutoff := time.Now().Add(-maxAge)
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.ScheduledExitStatusExecuting, cutoff).
		Find(&tasks).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "ScheduledExitRepository",
			"op":   "FindStuckExecuting",
		}).WithError(err).Error("Failed to fetch stuck scheduled exits")
		return nil, err
	}

	return tasks, nil
}

// TakeOwnership re-stamps a pending task with the current process after a
// restart, leaving an audit marker naming the process it was taken from.
func (r *ScheduledExitRepository) TakeOwnership(ctx context.Context, taskID uint, previousOwner, processID string) error {
	err := r.db.WithContext(ctx).
		Model(&model.ScheduledExit{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"owner_process": processID,
			"updated_at":    time.Now(),
		}).Error
	if err != nil {
		return err
	}
	detail := "ownership taken after restart"
	if previousOwner != "" {
		detail = "ownership taken from " + previousOwner
	}
	return r.AppendAudit(ctx, taskID, model.AuditActionRestartDetected, detail, processID)
}

// AppendAudit writes one append-only audit entry. Audit failures are logged
// but never fail the operation they describe.
func (r *ScheduledExitRepository) AppendAudit(ctx context.Context, taskID uint, action, detail, processID string) error {
	err := r.db.WithContext(ctx).Create(&model.ScheduledExitAudit{
		ScheduledExitID: taskID,
		Action:          action,
		Detail:          detail,
		ProcessID:       processID,
	}).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "ScheduledExitRepository",
			"op":      "AppendAudit",
			"task_id": taskID,
			"action":  action,
		}).WithError(err).Error("Failed to append scheduled exit audit")
	}
	return err
}
