package model

import "time"

// Placement outcome of the broker call itself.
const (
	PlacementStatusPending = "pending"
	PlacementStatusPlaced  = "placed"
	PlacementStatusFailed  = "placement_failed"
	PlacementStatusError   = "placement_error"
)

// Confirmation outcome of the poll/reconcile phase.
const (
	ConfirmationStatusPending   = "pending"
	ConfirmationStatusConfirmed = "confirmed"
	ConfirmationStatusFailed    = "failed"
)

// OrderState tracks a single order placement and confirmation attempt.
// The row is created before any network call that can fail, so a crash
// mid-confirmation leaves a recoverable trail instead of a silent gap.
type OrderState struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	ExecutionID string `gorm:"size:64;index" json:"execution_id"`
	PositionID  string `gorm:"size:64;index" json:"position_id,omitempty"`
	SignalID    *uint  `gorm:"index" json:"signal_id,omitempty"`

	BrokerOrderID string `gorm:"size:64;index" json:"broker_order_id,omitempty"`

	Symbol          string   `gorm:"size:100" json:"symbol"`
	Exchange        string   `gorm:"size:20" json:"exchange"`
	TransactionType string   `gorm:"size:10" json:"transaction_type"` // BUY, SELL
	OrderType       string   `gorm:"size:20" json:"order_type"`       // MARKET, LIMIT, SL, SL-M
	Product         string   `gorm:"size:10" json:"product"`          // MIS, NRML, CNC
	Validity        string   `gorm:"size:10" json:"validity"`
	Tag             string   `gorm:"size:40" json:"tag,omitempty"`
	Quantity        int      `json:"quantity"`
	Price           *float64 `json:"price,omitempty"`
	TriggerPrice    *float64 `json:"trigger_price,omitempty"`

	PlacementStatus    string `gorm:"size:30;not null;default:pending" json:"placement_status"`
	ConfirmationStatus string `gorm:"size:30;not null;default:pending" json:"confirmation_status"`

	ExecutedQuantity int     `json:"executed_quantity"`
	ExecutedPrice    float64 `json:"executed_price"`
	PendingQuantity  int     `json:"pending_quantity"`

	Attempts   int    `json:"attempts"`
	WaitTimeMs int64  `json:"wait_time_ms"`
	LastError  string `gorm:"size:500" json:"last_error,omitempty"`
	RawPayload string `gorm:"type:text" json:"raw_payload,omitempty"`

	Logs []OrderStateLog `gorm:"foreignKey:OrderStateID" json:"logs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (OrderState) TableName() string {
	return "order_states"
}

// IsTerminal reports whether confirmation reached a final state.
func (o *OrderState) IsTerminal() bool {
	return o.ConfirmationStatus == ConfirmationStatusConfirmed ||
		o.ConfirmationStatus == ConfirmationStatusFailed
}

// OrderStateLog is one append-only history entry for an order state.
type OrderStateLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	OrderStateID uint      `gorm:"index" json:"order_state_id"`
	Action       string    `gorm:"size:50;not null" json:"action"`
	Status       string    `gorm:"size:30" json:"status"`
	Detail       string    `gorm:"size:500" json:"detail"`
	CreatedAt    time.Time `json:"created_at"`
}

func (OrderStateLog) TableName() string {
	return "order_state_logs"
}
