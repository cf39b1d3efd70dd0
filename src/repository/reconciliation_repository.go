package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradebot/src/database"
	"tradebot/src/model"
)

// ReconciliationRepository persists the audited outcome of every
// ledger-versus-broker comparison.
type ReconciliationRepository struct {
	db *gorm.DB
}

func NewReconciliationRepository() *ReconciliationRepository {
	return &ReconciliationRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ReconciliationRepository) WithDB(db *gorm.DB) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

// Create inserts one reconciliation record.
func (r *ReconciliationRepository) Create(ctx context.Context, record *model.ReconciliationRecord) error {
	err := r.db.WithContext(ctx).Create(record).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":        "ReconciliationRepository",
			"op":          "Create",
			"run_id":      record.RunID,
			"position_id": record.PositionID,
		}).WithError(err).Error("Failed to create reconciliation record")
	}
	return err
}

// FindByRunID returns every record from one reconciliation run.
func (r *ReconciliationRepository) FindByRunID(ctx context.Context, runID string) ([]model.ReconciliationRecord, error) {
	var records []model.ReconciliationRecord

	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&records).Error

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "ReconciliationRepository",
			"op":     "FindByRunID",
			"run_id": runID,
		}).WithError(err).Error("Failed to fetch reconciliation records")
		return nil, err
	}

	return records, nil
}
