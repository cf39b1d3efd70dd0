// Package scheduler runs durable auto square-off tasks for intraday
// positions. The database row is the source of truth; in-memory timers are
// a latency optimization that is rebuilt from the rows on every restart.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/model"
)

// taskStore is the slice of the scheduled exit repository the scheduler
// needs.
type taskStore interface {
	FindByPositionID(ctx context.Context, positionID string) (*model.ScheduledExit, error)
	FindByStatus(ctx context.Context, status string) ([]model.ScheduledExit, error)
	Upsert(ctx context.Context, task *model.ScheduledExit, processID string) error
	ClaimForExecution(ctx context.Context, taskID uint, processID string) (bool, error)
	MarkCompleted(ctx context.Context, taskID uint, processID string) error
	MarkFailed(ctx context.Context, taskID uint, lastError, processID string) error
	Cancel(ctx context.Context, positionID, detail, processID string) (bool, error)
	FindStuckExecuting(ctx context.Context, maxAge time.Duration) ([]model.ScheduledExit, error)
	TakeOwnership(ctx context.Context, taskID uint, previousOwner, processID string) error
	AppendAudit(ctx context.Context, taskID uint, action, detail, processID string) error
}

// positionReader gives the scheduler read access to position state so it
// never fires an exit for a position that is already flat.
type positionReader interface {
	FindByPositionID(ctx context.Context, positionID string) (*model.Position, error)
	FindOpen(ctx context.Context) ([]model.Position, error)
}

// exposureValidator answers whether the broker still shows exposure for a
// symbol. Optional; when absent the ledger view is trusted as-is.
type exposureValidator interface {
	HasBrokerPosition(ctx context.Context, symbol string) (bool, error)
}

// squareOffExecutor performs the actual market exit for one position.
type squareOffExecutor interface {
	SquareOff(ctx context.Context, position *model.Position, reason string) error
}

// Scheduler arms one timer per pending task and survives restarts by
// reloading every non-terminal task from storage during Initialize.
type Scheduler struct {
	tasks     taskStore
	positions positionReader
	validator exposureValidator
	executor  squareOffExecutor

	cfg       *Config
	loc       *time.Location
	processID string

	mu     sync.Mutex
	timers map[string]*time.Timer

	stopHealth context.CancelFunc
	wg         sync.WaitGroup
}

func NewScheduler(tasks taskStore, positions positionReader, executor squareOffExecutor, validator exposureValidator) (*Scheduler, error) {
	cfg := GetConfig()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load scheduler timezone %q: %w", cfg.Timezone, err)
	}

	host, _ := os.Hostname()
	return &Scheduler{
		tasks:     tasks,
		positions: positions,
		validator: validator,
		executor:  executor,
		cfg:       cfg,
		loc:       loc,
		processID: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Initialize rebuilds scheduler state from storage after a (re)start:
// orphaned executions are failed, every pending task is re-owned and
// re-armed, overdue tasks fire immediately, and the health check loop
// starts watching for drift between timers and rows.
func (s *Scheduler) Initialize(ctx context.Context) error {
	log := logger.WithField("process_id", s.processID)
	log.Info("Initializing exit scheduler")

	// Tasks stuck in executing belong to a process that died mid-exit.
	stuck, err := s.tasks.FindStuckExecuting(ctx, s.cfg.StallThreshold)
	if err != nil {
		return fmt.Errorf("scan for orphaned executions: %w", err)
	}
	for i := range stuck {
		task := &stuck[i]
		log.WithFields(logger.Fields{
			"position_id": task.PositionID,
			"owner":       task.OwnerProcess,
		}).Warn("Found execution orphaned by a dead process")

		if err := s.tasks.MarkFailed(ctx, task.ID, "orphaned by process restart", s.processID); err != nil {
			log.WithError(err).Error("Failed to fail orphaned execution")
		}
		s.tasks.AppendAudit(ctx, task.ID, model.AuditActionForceFailed, "owner "+task.OwnerProcess+" presumed dead", s.processID)
	}

	pending, err := s.tasks.FindByStatus(ctx, model.ScheduledExitStatusPending)
	if err != nil {
		return fmt.Errorf("load pending exits: %w", err)
	}

	rearmed, dropped := 0, 0
	for i := range pending {
		task := &pending[i]

		position, err := s.positions.FindByPositionID(ctx, task.PositionID)
		if err != nil {
			log.WithError(err).WithField("position_id", task.PositionID).
				Error("Failed to load position for pending exit, keeping task")
		} else if position == nil || !position.IsOpen() {
			// The position went flat while we were down.
			if _, err := s.tasks.Cancel(ctx, task.PositionID, "position no longer open at restart", s.processID); err != nil {
				log.WithError(err).Error("Failed to cancel stale pending exit")
			}
			dropped++
			continue
		}

		if task.OwnerProcess != s.processID {
			if err := s.tasks.TakeOwnership(ctx, task.ID, task.OwnerProcess, s.processID); err != nil {
				log.WithError(err).WithField("position_id", task.PositionID).
					Error("Failed to take ownership of pending exit")
			}
		}

		s.armTimer(task.PositionID, task.TargetTime)
		rearmed++
	}

	log.WithFields(logger.Fields{
		"orphaned":  len(stuck),
		"rearmed":   rearmed,
		"cancelled": dropped,
	}).Info("Exit scheduler initialized")

	healthCtx, cancel := context.WithCancel(context.Background())
	s.stopHealth = cancel
	s.wg.Add(1)
	go s.healthLoop(healthCtx)

	return nil
}

// SchedulePositionExit creates or refreshes the durable square-off task for
// a position and arms its timer. Idempotent: scheduling twice moves the
// target instead of duplicating the task.
func (s *Scheduler) SchedulePositionExit(ctx context.Context, position *model.Position) error {
	if !position.Intraday {
		return nil
	}

	target := position.SquareOffTime
	if target == "" {
		target = s.cfg.DefaultSquareOffTime
	}
	if _, err := parseClock(target); err != nil {
		return fmt.Errorf("invalid square-off time %q: %w", target, err)
	}

	task := &model.ScheduledExit{
		PositionID: position.PositionID,
		UserID:     position.UserID,
		Symbol:     position.Symbol,
		TargetTime: target,
	}
	if err := s.tasks.Upsert(ctx, task, s.processID); err != nil {
		return err
	}

	s.armTimer(position.PositionID, target)

	logger.WithFields(logger.Fields{
		"position_id": position.PositionID,
		"target":      target,
	}).Info("Auto square-off scheduled")
	return nil
}

// CancelPositionExit stops the timer and cancels the durable task. A task
// already claimed for execution is left alone; the executor revalidates the
// position before acting.
func (s *Scheduler) CancelPositionExit(ctx context.Context, positionID, reason string) error {
	s.disarmTimer(positionID)

	cancelled, err := s.tasks.Cancel(ctx, positionID, reason, s.processID)
	if err != nil {
		return err
	}
	if cancelled {
		logger.WithFields(logger.Fields{
			"position_id": positionID,
			"reason":      reason,
		}).Info("Auto square-off cancelled")
	}
	return nil
}

// EmergencyStop squares off every open position immediately and cancels all
// pending tasks. Returns the number of positions it attempted to close and
// the first error encountered; it never stops half way on an error.
func (s *Scheduler) EmergencyStop(ctx context.Context, reason string) (int, error) {
	logger.WithField("reason", reason).Warn("EMERGENCY STOP triggered")

	open, err := s.positions.FindOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open positions: %w", err)
	}

	var firstErr error
	attempted := 0
	for i := range open {
		position := &open[i]
		attempted++

		s.disarmTimer(position.PositionID)
		if _, err := s.tasks.Cancel(ctx, position.PositionID, "emergency stop", s.processID); err != nil {
			logger.WithError(err).WithField("position_id", position.PositionID).
				Error("Failed to cancel task during emergency stop")
		}

		if err := s.executor.SquareOff(ctx, position, model.ExitReasonEmergency); err != nil {
			logger.WithError(err).WithField("position_id", position.PositionID).
				Error("Emergency square-off failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return attempted, firstErr
}

// Shutdown stops timers and the health loop without touching task rows, so
// the next process can pick everything up from storage.
func (s *Scheduler) Shutdown() {
	if s.stopHealth != nil {
		s.stopHealth()
	}

	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("Exit scheduler stopped")
}

// armTimer points the in-memory timer for a position at the next occurrence
// of target. A target already in the past fires immediately: an overdue
// exit must run, not wait for tomorrow.
func (s *Scheduler) armTimer(positionID, target string) {
	delay := s.untilTarget(target)

	s.mu.Lock()
	if old, ok := s.timers[positionID]; ok {
		old.Stop()
	}
	s.timers[positionID] = time.AfterFunc(delay, func() {
		s.executeAutoExit(positionID)
	})
	s.mu.Unlock()

	logger.WithFields(logger.Fields{
		"position_id": positionID,
		"target":      target,
		"fires_in":    delay.Round(time.Second).String(),
	}).Debug("Exit timer armed")
}

func (s *Scheduler) disarmTimer(positionID string) {
	s.mu.Lock()
	if timer, ok := s.timers[positionID]; ok {
		timer.Stop()
		delete(s.timers, positionID)
	}
	s.mu.Unlock()
}

// untilTarget returns the wait until HH:MM today in the trading timezone,
// zero when that moment has already passed.
func (s *Scheduler) untilTarget(target string) time.Duration {
	clock, err := parseClock(target)
	if err != nil {
		return 0
	}

	now := time.Now().In(s.loc)
	fireAt := time.Date(now.Year(), now.Month(), now.Day(), clock.hour, clock.minute, 0, 0, s.loc)
	if !fireAt.After(now) {
		return 0
	}
	return fireAt.Sub(now)
}

type clockTime struct {
	hour, minute int
}

func parseClock(target string) (clockTime, error) {
	parts := strings.Split(target, ":")
	if len(parts) != 2 {
		return clockTime{}, fmt.Errorf("expected HH:MM, got %q", target)
	}
	var ct clockTime
	if _, err := fmt.Sscanf(target, "%d:%d", &ct.hour, &ct.minute); err != nil {
		return clockTime{}, err
	}
	if ct.hour < 0 || ct.hour > 23 || ct.minute < 0 || ct.minute > 59 {
		return clockTime{}, fmt.Errorf("out of range clock time %q", target)
	}
	return ct, nil
}

// executeAutoExit is the timer callback. It claims the durable task,
// revalidates the position against ledger and broker, and only then exits.
// Every outcome lands in the task row and its audit trail.
func (s *Scheduler) executeAutoExit(positionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExecutionTimeout)
	defer cancel()

	log := logger.WithFields(logger.Fields{
		"position_id": positionID,
		"process_id":  s.processID,
	})

	defer s.disarmTimer(positionID)

	task, err := s.tasks.FindByPositionID(ctx, positionID)
	if err != nil {
		log.WithError(err).Error("Failed to load task for auto exit")
		return
	}
	if task == nil || task.IsTerminal() {
		return
	}

	claimed, err := s.tasks.ClaimForExecution(ctx, task.ID, s.processID)
	if err != nil {
		log.WithError(err).Error("Failed to claim auto exit")
		return
	}
	if !claimed {
		log.Debug("Auto exit already claimed elsewhere")
		return
	}

	position, err := s.positions.FindByPositionID(ctx, positionID)
	if err != nil {
		s.tasks.MarkFailed(ctx, task.ID, "load position: "+err.Error(), s.processID)
		return
	}
	if position == nil || !position.IsOpen() {
		log.Info("Position already flat, completing auto exit without action")
		s.tasks.MarkCompleted(ctx, task.ID, s.processID)
		return
	}

	if s.validator != nil {
		has, err := s.validator.HasBrokerPosition(ctx, position.Symbol)
		if err != nil {
			log.WithError(err).Warn("Broker exposure check failed, proceeding on ledger truth")
		} else if !has {
			log.Warn("Broker shows no exposure, completing auto exit; reconciliation will settle the ledger")
			s.tasks.MarkCompleted(ctx, task.ID, s.processID)
			s.tasks.AppendAudit(ctx, task.ID, model.AuditActionCompleted, "no broker exposure", s.processID)
			return
		}
	}

	log.Info("Executing auto square-off")
	if err := s.executor.SquareOff(ctx, position, model.ExitReasonAutoSquareOff); err != nil {
		log.WithError(err).Error("Auto square-off failed")
		s.tasks.MarkFailed(ctx, task.ID, err.Error(), s.processID)
		return
	}

	if err := s.tasks.MarkCompleted(ctx, task.ID, s.processID); err != nil {
		log.WithError(err).Error("Failed to complete auto exit task")
	}
}

// healthLoop periodically repairs drift between in-memory timers and the
// durable rows: pending tasks with no timer are re-armed, executions stuck
// past the stall threshold are failed.
func (s *Scheduler) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthCheck(ctx)
		}
	}
}

func (s *Scheduler) healthCheck(ctx context.Context) {
	pending, err := s.tasks.FindByStatus(ctx, model.ScheduledExitStatusPending)
	if err != nil {
		logger.WithError(err).Error("Health check failed to load pending exits")
		return
	}

	for i := range pending {
		task := &pending[i]
		s.mu.Lock()
		_, armed := s.timers[task.PositionID]
		s.mu.Unlock()

		if !armed {
			logger.WithField("position_id", task.PositionID).
				Warn("Pending exit had no timer, re-arming")
			s.armTimer(task.PositionID, task.TargetTime)
		}
	}

	stuck, err := s.tasks.FindStuckExecuting(ctx, s.cfg.StallThreshold)
	if err != nil {
		logger.WithError(err).Error("Health check failed to scan executing exits")
		return
	}
	for i := range stuck {
		task := &stuck[i]
		logger.WithFields(logger.Fields{
			"position_id": task.PositionID,
			"owner":       task.OwnerProcess,
		}).Error("Execution stalled past threshold, failing task")

		if err := s.tasks.MarkFailed(ctx, task.ID, "execution stalled", s.processID); err != nil {
			logger.WithError(err).Error("Failed to fail stalled execution")
		}
		s.tasks.AppendAudit(ctx, task.ID, model.AuditActionForceFailed, "stalled past threshold", s.processID)
	}
}
