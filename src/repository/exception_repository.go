package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradebot/src/database"
	"tradebot/src/model"
)

// ExceptionRepository handles persistence of system exceptions.
type ExceptionRepository struct {
	db *gorm.DB
}

// NewExceptionRepository creates a new repository instance.
func NewExceptionRepository() *ExceptionRepository {
	return &ExceptionRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
func (r *ExceptionRepository) WithDB(db *gorm.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// Create persists a new exception in the database.
func (r *ExceptionRepository) Create(ctx context.Context, exc *model.Exception) error {
	logger.WithFields(map[string]interface{}{
		"service":   exc.Service,
		"component": exc.Component,
		"operation": exc.Operation,
		"severity":  exc.Severity,
	}).Error("Persisting system exception")

	return r.db.WithContext(ctx).Create(exc).Error
}

// Capture logs and persists a caught failure in one call. Persistence
// errors are swallowed so exception capture never cascades.
func (r *ExceptionRepository) Capture(ctx context.Context, component, operation string, cause error, detail string) {
	exc := &model.Exception{
		Service:   "tradebot",
		Component: component,
		Operation: operation,
		Severity:  "error",
		Message:   cause.Error(),
		Context:   detail,
	}

	if err := r.db.WithContext(ctx).Create(exc).Error; err != nil {
		logger.WithFields(map[string]interface{}{
			"component": component,
			"operation": operation,
		}).WithError(err).Warn("Failed to persist exception")
	}
}
