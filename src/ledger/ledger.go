// Package ledger owns position lifecycle truth: creation, partial and full
// exits, realized P&L, and mark-to-market. Every exit is an append-only row
// written atomically with the position mutation it causes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/model"
)

var (
	ErrPositionNotFound     = errors.New("position not found")
	ErrPositionClosed       = errors.New("position already closed")
	ErrExitExceedsRemaining = errors.New("exit quantity exceeds remaining quantity")
)

// positionStore is the slice of the position repository the ledger needs.
type positionStore interface {
	Create(ctx context.Context, position *model.Position) error
	FindByPositionID(ctx context.Context, positionID string) (*model.Position, error)
	FindOpen(ctx context.Context) ([]model.Position, error)
	SaveWithExit(ctx context.Context, position *model.Position, exit *model.PositionExit) error
	MarkClosedExternally(ctx context.Context, positionID, reason string) error
	UpdateMarkToMarket(ctx context.Context, positionID string, lastPrice, unrealizedPnL float64) error
}

// exitCanceller cancels a scheduled auto square-off. Kept as a local
// interface so the ledger never imports the scheduler.
type exitCanceller interface {
	CancelPositionExit(ctx context.Context, positionID, reason string) error
}

// Ledger applies lifecycle transitions to positions.
type Ledger struct {
	positions positionStore
	canceller exitCanceller
}

func NewLedger(positions positionStore) *Ledger {
	return &Ledger{positions: positions}
}

// SetExitCanceller wires the scheduler in after construction; the two are
// built in dependency order at startup.
func (l *Ledger) SetExitCanceller(c exitCanceller) {
	l.canceller = c
}

// NewPositionParams carries everything needed to open a position.
type NewPositionParams struct {
	UserID          uint
	BotID           string
	AllocationID    string
	Symbol          string
	Exchange        string
	InstrumentType  string
	InstrumentToken uint32
	Side            string
	EntryPrice      float64
	EntryQuantity   int
	EntryOrderID    string
	Intraday        bool
	SquareOffTime   string
}

// CreatePosition opens a new position with a generated public ID.
func (l *Ledger) CreatePosition(ctx context.Context, params NewPositionParams) (*model.Position, error) {
	if params.EntryQuantity <= 0 {
		return nil, fmt.Errorf("entry quantity must be positive, got %d", params.EntryQuantity)
	}

	position := &model.Position{
		PositionID:        uuid.NewString(),
		UserID:            params.UserID,
		BotID:             params.BotID,
		AllocationID:      params.AllocationID,
		Symbol:            params.Symbol,
		Exchange:          params.Exchange,
		InstrumentType:    params.InstrumentType,
		InstrumentToken:   params.InstrumentToken,
		Side:              params.Side,
		EntryPrice:        params.EntryPrice,
		EntryQuantity:     params.EntryQuantity,
		EntryTime:         time.Now(),
		EntryOrderID:      params.EntryOrderID,
		AveragePrice:      params.EntryPrice,
		Status:            model.PositionStatusOpen,
		RemainingQuantity: params.EntryQuantity,
		LastPrice:         params.EntryPrice,
		Intraday:          params.Intraday,
		SquareOffTime:     params.SquareOffTime,
	}

	if err := l.positions.Create(ctx, position); err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"position_id": position.PositionID,
		"symbol":      position.Symbol,
		"side":        position.Side,
		"qty":         position.EntryQuantity,
		"price":       position.EntryPrice,
	}).Info("Position opened")

	return position, nil
}

// ApplyExit mutates the position in memory for one exit and returns the
// exit row to persist. Pure with respect to storage, so the transition math
// is testable without a database.
func ApplyExit(position *model.Position, quantity int, price float64, orderID, reason string, at time.Time) (*model.PositionExit, error) {
	if !position.IsOpen() {
		return nil, ErrPositionClosed
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("exit quantity must be positive, got %d", quantity)
	}
	if quantity > position.RemainingQuantity {
		return nil, fmt.Errorf("%w: %d > %d", ErrExitExceedsRemaining, quantity, position.RemainingQuantity)
	}

	realized := (price - position.AveragePrice) * float64(quantity) * float64(position.Direction())

	exit := &model.PositionExit{
		PositionRef: position.ID,
		Sequence:    len(position.Exits) + 1,
		Quantity:    quantity,
		Price:       price,
		ExecutedAt:  at,
		OrderID:     orderID,
		Reason:      reason,
		RealizedPnL: realized,
	}

	position.RemainingQuantity -= quantity
	position.RealizedPnL += realized
	position.Exits = append(position.Exits, *exit)

	if position.RemainingQuantity == 0 {
		position.Status = model.PositionStatusClosed
		position.CloseReason = reason
		closedAt := at
		position.ClosedAt = &closedAt
		position.UnrealizedPnL = 0
	} else {
		position.Status = model.PositionStatusPartial
	}

	return exit, nil
}

// RecordExit loads a position, applies one exit and persists both sides
// atomically. A full close also cancels any scheduled auto square-off;
// that cancel is best-effort because the durable task row is revalidated
// against the position before every execution anyway.
func (l *Ledger) RecordExit(ctx context.Context, positionID string, quantity int, price float64, orderID, reason string) (*model.Position, error) {
	position, err := l.positions.FindByPositionID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, ErrPositionNotFound
	}

	exit, err := ApplyExit(position, quantity, price, orderID, reason, time.Now())
	if err != nil {
		return nil, err
	}

	if err := l.positions.SaveWithExit(ctx, position, exit); err != nil {
		return nil, err
	}

	logger.WithFields(logger.Fields{
		"position_id": position.PositionID,
		"sequence":    exit.Sequence,
		"qty":         exit.Quantity,
		"price":       exit.Price,
		"realized":    exit.RealizedPnL,
		"status":      position.Status,
	}).Info("Exit recorded")

	if position.Status == model.PositionStatusClosed && l.canceller != nil {
		if err := l.canceller.CancelPositionExit(ctx, position.PositionID, "position closed"); err != nil {
			logger.WithField("position_id", position.PositionID).
				WithError(err).Warn("Failed to cancel scheduled exit for closed position")
		}
	}

	return position, nil
}

// GetPosition returns one position with its exit history, or
// ErrPositionNotFound.
func (l *Ledger) GetPosition(ctx context.Context, positionID string) (*model.Position, error) {
	position, err := l.positions.FindByPositionID(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, ErrPositionNotFound
	}
	return position, nil
}

// GetOpenPositions returns every position still carrying exposure.
func (l *Ledger) GetOpenPositions(ctx context.Context) ([]model.Position, error) {
	return l.positions.FindOpen(ctx)
}

// CloseExternally closes a position on broker evidence alone, without a
// fill of our own. Used by reconciliation when the broker shows the
// exposure is gone.
func (l *Ledger) CloseExternally(ctx context.Context, positionID, reason string) error {
	if err := l.positions.MarkClosedExternally(ctx, positionID, reason); err != nil {
		return err
	}

	if l.canceller != nil {
		if err := l.canceller.CancelPositionExit(ctx, positionID, reason); err != nil {
			logger.WithField("position_id", positionID).
				WithError(err).Warn("Failed to cancel scheduled exit for externally closed position")
		}
	}
	return nil
}

// UpdateUnrealizedPnL refreshes mark-to-market from the latest trade price.
func (l *Ledger) UpdateUnrealizedPnL(ctx context.Context, position *model.Position, lastPrice float64) error {
	unrealized := (lastPrice - position.AveragePrice) *
		float64(position.RemainingQuantity) * float64(position.Direction())

	position.LastPrice = lastPrice
	position.UnrealizedPnL = unrealized

	return l.positions.UpdateMarkToMarket(ctx, position.PositionID, lastPrice, unrealized)
}
