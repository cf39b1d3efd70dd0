package connectors

import (
	"context"
	"time"
)

// Broker transaction/order vocabulary (Kite conventions).
const (
	TransactionTypeBuy  = "BUY"
	TransactionTypeSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"

	ProductIntraday = "MIS"
	ProductNormal   = "NRML"

	ValidityDay = "DAY"

	VarietyRegular = "regular"
)

// Broker order statuses surfaced by the gateway.
const (
	OrderStatusComplete  = "COMPLETE"
	OrderStatusRejected  = "REJECTED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusOpen      = "OPEN"
)

// OrderParams describes one order placement request.
type OrderParams struct {
	Exchange        string
	TradingSymbol   string
	TransactionType string
	OrderType       string
	Product         string
	Validity        string
	Quantity        int
	Price           float64
	TriggerPrice    float64
	Tag             string
}

// OrderReceipt is the broker acknowledgment of a placement.
type OrderReceipt struct {
	OrderID string
	Status  string
}

// BrokerOrder is the broker-side view of an order used during confirmation
// polling.
type BrokerOrder struct {
	OrderID         string
	Status          string
	StatusMessage   string
	TradingSymbol   string
	Exchange        string
	TransactionType string
	OrderType       string
	Product         string
	Quantity        int
	FilledQuantity  int
	PendingQuantity int
	Price           float64
	AveragePrice    float64
	TriggerPrice    float64
	OrderTimestamp  time.Time
}

// BrokerTrade is one fill reported by the broker.
type BrokerTrade struct {
	TradeID       string
	OrderID       string
	TradingSymbol string
	Exchange      string
	Quantity      int
	AveragePrice  float64
	FillTimestamp time.Time
}

// BrokerPosition is the broker-side view of a position, day and net books
// merged.
type BrokerPosition struct {
	TradingSymbol string
	Exchange      string
	Product       string
	Quantity      int
	AveragePrice  float64
	LastPrice     float64
	PnL           float64
}

// Quote is a single-instrument market snapshot.
type Quote struct {
	Instrument        string
	LastPrice         float64
	OpenInterest      int64
	Volume            int64
	ImpliedVolatility float64
}

// Instrument is one row of the broker instrument dump, the sole source for
// resolving a strike/expiry pair to a tradable symbol and token.
type Instrument struct {
	Token          uint32
	TradingSymbol  string
	Name           string
	Exchange       string
	Segment        string
	InstrumentType string // CE, PE, FUT, EQ
	Expiry         time.Time
	Strike         float64
	LotSize        int
	TickSize       float64
}

// Margins is the account margin snapshot for the equity segment.
type Margins struct {
	AvailableCash float64
	UsedMargin    float64
	Net           float64
}

// Broker is the gateway contract required by the trading core. All calls
// are I/O wait boundaries and take a context.
type Broker interface {
	PlaceOrder(ctx context.Context, variety string, params OrderParams) (*OrderReceipt, error)
	GetOrder(ctx context.Context, orderID string) (*BrokerOrder, error)
	GetOrders(ctx context.Context) ([]BrokerOrder, error)
	GetTrades(ctx context.Context) ([]BrokerTrade, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	GetQuote(ctx context.Context, instruments ...string) (map[string]Quote, error)
	GetInstruments(ctx context.Context, exchange string) ([]Instrument, error)
	GetMargins(ctx context.Context) (*Margins, error)
}
