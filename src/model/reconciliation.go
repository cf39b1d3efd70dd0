package model

import "time"

// Reconciliation outcomes for one ledger position audited against the broker.
const (
	ReconcileOutcomeKeepOpen     = "KEEP_OPEN"
	ReconcileOutcomeManualReview = "MANUAL_REVIEW"
	ReconcileOutcomeClosed       = "RECONCILE_CLOSED"
)

// ReconciliationRecord is one audited comparison of a ledger position
// against broker-reported truth. Every reconciliation write is paired with
// one of these rows, dry-run or not.
type ReconciliationRecord struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	RunID      string `gorm:"size:64;index" json:"run_id"`
	PositionID string `gorm:"size:64;index" json:"position_id"`
	Symbol     string `gorm:"size:100" json:"symbol"`

	Outcome        string `gorm:"size:30;not null" json:"outcome"`
	LedgerQuantity int    `json:"ledger_quantity"`
	BrokerQuantity int    `json:"broker_quantity"`

	DryRun  bool   `json:"dry_run"`
	Applied bool   `json:"applied"`
	Note    string `gorm:"size:500" json:"note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (ReconciliationRecord) TableName() string {
	return "reconciliation_records"
}
