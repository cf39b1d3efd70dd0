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

// ErrStalePosition is returned when a guarded position write finds the row
// already changed by a concurrent flow. Callers must re-read and retry.
var ErrStalePosition = errors.New("position changed concurrently")

// PositionRepository handles read/write operations for positions and their
// append-only exit rows.
type PositionRepository struct {
	db *gorm.DB
}

// NewPositionRepository creates a new repository instance using the main
// read/write database.
func NewPositionRepository() *PositionRepository {
	return &PositionRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *PositionRepository) WithDB(db *gorm.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// Create inserts a new position. The given position is updated with the
// generated ID and timestamps.
func (r *PositionRepository) Create(ctx context.Context, position *model.Position) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "Create",
		"position_id": position.PositionID,
		"symbol":      position.Symbol,
		"side":        position.Side,
		"qty":         position.EntryQuantity,
	}).Debug("Creating new position")

	err := r.db.WithContext(ctx).Create(position).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "Create",
			"position_id": position.PositionID,
		}).WithError(err).Error("Failed to create position")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "Create",
		"position_id": position.PositionID,
	}).Info("Position created successfully")

	return nil
}

// FindByPositionID fetches a single position with its exits by public ID.
// Returns (nil, nil) when not found.
func (r *PositionRepository) FindByPositionID(ctx context.Context, positionID string) (*model.Position, error) {
	var position model.Position

	err := r.db.WithContext(ctx).
		Preload("Exits", func(db *gorm.DB) *gorm.DB { return db.Order("sequence ASC") }).
		Where("position_id = ?", positionID).
		First(&position).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		logger.WithFields(map[string]interface{}{
			"repo":        "PositionRepository",
			"op":          "FindByPositionID",
			"position_id": positionID,
		}).WithError(err).Error("Failed to fetch position")
		return nil, err
	}

	return &position, nil
}

// FindOpen returns every position still carrying exposure (open or partial),
// oldest first.
func (r *PositionRepository) FindOpen(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{model.PositionStatusOpen, model.PositionStatusPartial}).
		Order("created_at ASC").
		Find(&positions).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindOpen",
		}).WithError(err).Error("Failed to fetch open positions")
		return nil, err
	}

	return positions, nil
}

// FindOpenIntraday returns open intraday positions, the population the
// scheduler must keep square-off tasks for.
func (r *PositionRepository) FindOpenIntraday(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position

	err := r.db.WithContext(ctx).
		Where("status IN ? AND intraday = ?", []string{model.PositionStatusOpen, model.PositionStatusPartial}, true).
		Order("created_at ASC").
		Find(&positions).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "PositionRepository",
			"op":   "FindOpenIntraday",
		}).WithError(err).Error("Failed to fetch open intraday positions")
		return nil, err
	}

	return positions, nil
}

// SaveWithExit persists a mutated position together with its newly appended
// exit row in one transaction, so the ledger never shows an exit without the
// matching quantity/status change.
func (r *PositionRepository) SaveWithExit(ctx context.Context, position *model.Position, exit *model.PositionExit) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "SaveWithExit",
		"position_id": position.PositionID,
		"exit_qty":    exit.Quantity,
		"sequence":    exit.Sequence,
		"new_status":  position.Status,
	}).Info("Appending exit to position")

	// The exit was computed from the remaining quantity the caller read, so
	// the write only lands if that quantity is still what the row holds.
	// A concurrent exit in between rolls everything back.
	expectedRemaining := position.RemainingQuantity + exit.Quantity

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":             position.Status,
			"remaining_quantity": position.RemainingQuantity,
			"realized_pnl":       position.RealizedPnL,
			"close_reason":       position.CloseReason,
			"closed_at":          position.ClosedAt,
			"updated_at":         time.Now(),
		}

		res := tx.Model(&model.Position{}).
			Where("id = ? AND remaining_quantity = ?", position.ID, expectedRemaining).
			Updates(updates)
		if res.Error != nil {
			logger.WithError(res.Error).Error("Failed to update position inside transaction")
			return res.Error
		}
		if res.RowsAffected == 0 {
			logger.WithFields(map[string]interface{}{
				"repo":        "PositionRepository",
				"op":          "SaveWithExit",
				"position_id": position.PositionID,
			}).Warn("Position changed under us, rolling back exit")
			return ErrStalePosition
		}

		exit.PositionRef = position.ID
		if err := tx.Create(exit).Error; err != nil {
			logger.WithError(err).Error("Failed to create position exit inside transaction")
			return err
		}

		return nil
	})
}

// MarkClosedExternally closes a position that no longer exists at the
// broker, zeroing remaining quantity without recording a fill we never saw.
func (r *PositionRepository) MarkClosedExternally(ctx context.Context, positionID, reason string) error {
	logger.WithFields(map[string]interface{}{
		"repo":        "PositionRepository",
		"op":          "MarkClosedExternally",
		"position_id": positionID,
		"reason":      reason,
	}).Warn("Closing position from external evidence")

	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("position_id = ? AND status IN ?", positionID,
			[]string{model.PositionStatusOpen, model.PositionStatusPartial}).
		Updates(map[string]interface{}{
			"status":             model.PositionStatusClosed,
			"remaining_quantity": 0,
			"close_reason":       reason,
			"closed_at":          &now,
			"updated_at":         now,
		}).Error
}

// UpdateMarkToMarket refreshes last price and unrealized P&L from a tick.
func (r *PositionRepository) UpdateMarkToMarket(ctx context.Context, positionID string, lastPrice, unrealizedPnL float64) error {
	return r.db.WithContext(ctx).
		Model(&model.Position{}).
		Where("position_id = ?", positionID).
		Updates(map[string]interface{}{
			"last_price":     lastPrice,
			"unrealized_pnl": unrealizedPnL,
		}).Error
}
