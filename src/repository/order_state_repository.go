package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradebot/src/database"
	"tradebot/src/model"
)

// OrderStateRepository persists order placement/confirmation state and its
// append-only log entries.
type OrderStateRepository struct {
	db *gorm.DB
}

func NewOrderStateRepository() *OrderStateRepository {
	return &OrderStateRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *OrderStateRepository) WithDB(db *gorm.DB) *OrderStateRepository {
	return &OrderStateRepository{db: db}
}

// Create inserts a new order state row. Called before the first broker
// call so a crash leaves a recoverable trail.
func (r *OrderStateRepository) Create(ctx context.Context, state *model.OrderState) error {
	logger.WithFields(map[string]interface{}{
		"repo":         "OrderStateRepository",
		"op":           "Create",
		"execution_id": state.ExecutionID,
		"symbol":       state.Symbol,
		"side":         state.TransactionType,
		"qty":          state.Quantity,
	}).Debug("Creating order state")

	err := r.db.WithContext(ctx).Create(state).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":         "OrderStateRepository",
			"op":           "Create",
			"execution_id": state.ExecutionID,
		}).WithError(err).Error("Failed to create order state")
		return err
	}
	return nil
}

// Save writes back every mutable field of the state.
func (r *OrderStateRepository) Save(ctx context.Context, state *model.OrderState) error {
	err := r.db.WithContext(ctx).Save(state).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":         "OrderStateRepository",
			"op":           "Save",
			"execution_id": state.ExecutionID,
		}).WithError(err).Error("Failed to save order state")
	}
	return err
}

// AppendLog writes one append-only history entry for a state. Log failures
// never fail the operation they describe.
func (r *OrderStateRepository) AppendLog(ctx context.Context, stateID uint, action, status, detail string) {
	if len(detail) > 500 {
		detail = detail[:500]
	}

	err := r.db.WithContext(ctx).Create(&model.OrderStateLog{
		OrderStateID: stateID,
		Action:       action,
		Status:       status,
		Detail:       detail,
	}).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":     "OrderStateRepository",
			"op":       "AppendLog",
			"state_id": stateID,
			"action":   action,
		}).WithError(err).Error("Failed to append order state log")
	}
}

// FindByExecutionID returns the state for one execution attempt, (nil, nil)
// when not found.
func (r *OrderStateRepository) FindByExecutionID(ctx context.Context, executionID string) (*model.OrderState, error) {
	var state model.OrderState

	err := r.db.WithContext(ctx).
		Preload("Logs").
		Where("execution_id = ?", executionID).
		First(&state).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":         "OrderStateRepository",
			"op":           "FindByExecutionID",
			"execution_id": executionID,
		}).WithError(err).Error("Failed to fetch order state")
		return nil, err
	}

	return &state, nil
}

// FindBySignalID returns the most recent state created for a signal, the
// idempotence check for double-delivered webhooks. Returns (nil, nil) when
// the signal has never been executed.
func (r *OrderStateRepository) FindBySignalID(ctx context.Context, signalID uint) (*model.OrderState, error) {
	var state model.OrderState

	err := r.db.WithContext(ctx).
		Where("signal_id = ?", signalID).
		Order("id DESC").
		First(&state).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":      "OrderStateRepository",
			"op":        "FindBySignalID",
			"signal_id": signalID,
		}).WithError(err).Error("Failed to fetch order state by signal")
		return nil, err
	}

	return &state, nil
}

// FindPendingConfirmation returns placed orders whose confirmation never
// reached a terminal state, the population the reconciler re-checks against
// the broker after a restart.
func (r *OrderStateRepository) FindPendingConfirmation(ctx context.Context) ([]model.OrderState, error) {
	var states []model.OrderState

	err := r.db.WithContext(ctx).
		Where("placement_status = ? AND confirmation_status = ?",
			model.PlacementStatusPlaced, model.ConfirmationStatusPending).
		Order("created_at ASC").
		Find(&states).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderStateRepository",
			"op":   "FindPendingConfirmation",
		}).WithError(err).Error("Failed to fetch pending order states")
		return nil, err
	}

	return states, nil
}
