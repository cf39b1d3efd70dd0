package repository

import (
	"context"
	"errors"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradebot/src/database"
	"tradebot/src/model"
)

// TradingSignalRepository handles persistence of incoming webhook signals.
type TradingSignalRepository struct {
	db *gorm.DB
}

func NewTradingSignalRepository() *TradingSignalRepository {
	return &TradingSignalRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *TradingSignalRepository) WithDB(db *gorm.DB) *TradingSignalRepository {
	return &TradingSignalRepository{db: db}
}

// Create persists a freshly received signal.
func (r *TradingSignalRepository) Create(ctx context.Context, signal *model.TradingSignal) error {
	logger.WithFields(map[string]interface{}{
		"repo":   "TradingSignalRepository",
		"op":     "Create",
		"action": signal.Action,
		"symbol": signal.Symbol,
		"source": signal.Source,
	}).Debug("Persisting trading signal")

	err := r.db.WithContext(ctx).Create(signal).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "TradingSignalRepository",
			"op":   "Create",
		}).WithError(err).Error("Failed to create trading signal")
	}
	return err
}

// FindByID fetches a single signal by its primary ID.
// Returns (nil, nil) if not found.
func (r *TradingSignalRepository) FindByID(ctx context.Context, id uint) (*model.TradingSignal, error) {
	var signal model.TradingSignal

	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&signal).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "TradingSignalRepository",
			"op":   "FindByID",
			"id":   id,
		}).WithError(err).Error("Failed to fetch trading signal")
		return nil, err
	}

	return &signal, nil
}

// FindOldestReceived returns the oldest unprocessed signal, the executor
// loop's work item. Returns (nil, nil) when the queue is empty.
func (r *TradingSignalRepository) FindOldestReceived(ctx context.Context) (*model.TradingSignal, error) {
	var signal model.TradingSignal

	err := r.db.WithContext(ctx).
		Where("status = ?", model.SignalStatusReceived).
		Order("id ASC").
		First(&signal).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo": "TradingSignalRepository",
			"op":   "FindOldestReceived",
		}).WithError(err).Error("Failed to fetch next trading signal")
		return nil, err
	}

	return &signal, nil
}

// UpdateStatus moves a signal to a processing outcome.
func (r *TradingSignalRepository) UpdateStatus(ctx context.Context, id uint, status string) error {
	err := r.db.WithContext(ctx).
		Model(&model.TradingSignal{}).
		Where("id = ?", id).
		Update("status", status).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "TradingSignalRepository",
			"op":     "UpdateStatus",
			"id":     id,
			"status": status,
		}).WithError(err).Error("Failed to update trading signal status")
	}
	return err
}
