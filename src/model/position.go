package model

import "time"

const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
)

const (
	PositionStatusOpen    = "open"
	PositionStatusPartial = "partial"
	PositionStatusClosed  = "closed"
)

// Exit reasons recorded on PositionExit rows and on the closing position.
const (
	ExitReasonSignal         = "signal"
	ExitReasonAutoSquareOff  = "auto_square_off"
	ExitReasonEmergency      = "emergency"
	ExitReasonManual         = "manual"
	ExitReasonExternalManual = "external_manual_exit"
)

// Position is one open-or-closed directional exposure in one instrument,
// owned by a (user, bot, allocation) triple. Positions are never deleted,
// only soft-closed.
type Position struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	PositionID   string `gorm:"size:64;uniqueIndex" json:"position_id"`
	UserID       uint   `gorm:"index" json:"user_id"`
	BotID        string `gorm:"size:60;index" json:"bot_id"`
	AllocationID string `gorm:"size:60" json:"allocation_id"`

	Symbol          string `gorm:"size:100;index" json:"symbol"`
	Exchange        string `gorm:"size:20" json:"exchange"`
	InstrumentType  string `gorm:"size:10" json:"instrument_type"` // CE, PE, FUT, EQ
	InstrumentToken uint32 `json:"instrument_token"`
	Side            string `gorm:"size:10;not null" json:"side"` // LONG, SHORT

	EntryPrice    float64   `json:"entry_price"`
	EntryQuantity int       `json:"entry_quantity"`
	EntryTime     time.Time `json:"entry_time"`
	EntryOrderID  string    `gorm:"size:64" json:"entry_order_id"`
	AveragePrice  float64   `json:"average_price"`

	Status            string  `gorm:"size:20;not null;default:open;index" json:"status"`
	RemainingQuantity int     `json:"remaining_quantity"`
	RealizedPnL       float64 `gorm:"column:realized_pnl" json:"realized_pnl"`
	UnrealizedPnL     float64 `gorm:"column:unrealized_pnl" json:"unrealized_pnl"`
	LastPrice         float64 `json:"last_price"`

	Intraday      bool       `json:"intraday"`
	SquareOffTime string     `gorm:"size:5" json:"square_off_time"` // HH:MM, trading timezone
	CloseReason   string     `gorm:"size:50" json:"close_reason,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`

	// Ordered exit executions; sequence assigned on append.
	Exits []PositionExit `gorm:"foreignKey:PositionRef" json:"exits,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// IsOpen reports whether the position still carries exposure.
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen || p.Status == PositionStatusPartial
}

// Direction returns +1 for LONG and -1 for SHORT, the sign applied to
// realized P&L on exits.
func (p *Position) Direction() int {
	if p.Side == PositionSideShort {
		return -1
	}
	return 1
}

// PositionExit is a single exit execution appended to a position. Rows are
// append-only and ordered by Sequence within one position.
type PositionExit struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PositionRef uint      `gorm:"index" json:"position_ref"`
	Sequence    int       `gorm:"not null" json:"sequence"`
	Quantity    int       `gorm:"not null" json:"quantity"`
	Price       float64   `json:"price"`
	ExecutedAt  time.Time `json:"executed_at"`
	OrderID     string    `gorm:"size:64" json:"order_id"`
	Reason      string    `gorm:"size:50" json:"reason"`
	RealizedPnL float64   `gorm:"column:realized_pnl" json:"realized_pnl"`
	CreatedAt   time.Time `json:"created_at"`
}

func (PositionExit) TableName() string {
	return "position_exits"
}
