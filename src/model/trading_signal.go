package model

import "time"

// Signal processing states.
const (
	SignalStatusReceived = "received"
	SignalStatusExecuted = "executed"
	SignalStatusRejected = "rejected"
	SignalStatusSkipped  = "skipped"
)

// TradingSignal is one webhook payload from a signal provider
// (TradingView-style alert), persisted before execution so the executor
// loop and the webhook path share one idempotence key.
type TradingSignal struct {
	ID     uint `gorm:"primaryKey" json:"id"`
	UserID uint `gorm:"index" json:"user_id"`

	Action string  `gorm:"size:20;not null" json:"action"` // BUY, SELL, LONG, SHORT, CALL, PUT, EXIT
	Symbol string  `gorm:"size:100;not null" json:"symbol"`
	Price  float64 `json:"price"`

	Capital        float64 `json:"capital"`
	RiskPercentage float64 `json:"riskPercentage"`
	LotSize        int     `json:"lotSize"`
	Quantity       int     `json:"quantity"` // fixed-quantity mode when > 0

	Source     string    `gorm:"size:60" json:"source"`
	Status     string    `gorm:"size:20;not null;default:received" json:"status"`
	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (TradingSignal) TableName() string {
	return "trading_signals"
}
