// Package execution turns an order intent into a durable, confirmed fill.
// State is written to the database before and after every broker call, so a
// crash at any point leaves a trail the reconciler can pick up instead of a
// silent gap between ledger and broker.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/connectors"
	"tradebot/src/model"
)

// stateStore is the slice of the order state repository the engine needs.
type stateStore interface {
	Create(ctx context.Context, state *model.OrderState) error
	Save(ctx context.Context, state *model.OrderState) error
	AppendLog(ctx context.Context, stateID uint, action, status, detail string)
	FindPendingConfirmation(ctx context.Context) ([]model.OrderState, error)
}

// Engine places orders and confirms them by polling the broker until the
// order reaches a terminal status or the wait budget runs out.
type Engine struct {
	broker connectors.Broker
	states stateStore

	pollInterval time.Duration
	waitBudget   time.Duration
}

// Request is one order intent.
type Request struct {
	PositionID string
	SignalID   *uint
	Params     connectors.OrderParams
}

// Result is the outcome of one execution attempt. Success means the order
// was accepted by the broker; Executed means the fill was confirmed within
// the wait budget. An accepted-but-unconfirmed order yields Success=true,
// Executed=false and stays pending in the order state table.
type Result struct {
	Success          bool    `json:"success"`
	Executed         bool    `json:"executed"`
	OrderID          string  `json:"orderId,omitempty"`
	ExecutedQuantity int     `json:"executedQuantity"`
	ExecutedPrice    float64 `json:"executedPrice"`
	PendingQuantity  int     `json:"pendingQuantity"`
	NeedsReauth      bool    `json:"needsReauth,omitempty"`
	Reason           string  `json:"reason,omitempty"`
	OrderStateID     uint    `json:"-"`
}

func NewEngine(broker connectors.Broker, states stateStore) *Engine {
	cfg := GetConfig()
	return &Engine{
		broker:       broker,
		states:       states,
		pollInterval: cfg.PollInterval,
		waitBudget:   cfg.WaitBudget,
	}
}

// ExecuteOrder runs the full placement and confirmation cycle for one order.
func (e *Engine) ExecuteOrder(ctx context.Context, req Request) (*Result, error) {
	state := &model.OrderState{
		ExecutionID:        uuid.NewString(),
		PositionID:         req.PositionID,
		SignalID:           req.SignalID,
		Symbol:             req.Params.TradingSymbol,
		Exchange:           req.Params.Exchange,
		TransactionType:    req.Params.TransactionType,
		OrderType:          req.Params.OrderType,
		Product:            req.Params.Product,
		Validity:           req.Params.Validity,
		Tag:                req.Params.Tag,
		Quantity:           req.Params.Quantity,
		PlacementStatus:    model.PlacementStatusPending,
		ConfirmationStatus: model.ConfirmationStatusPending,
	}
	if req.Params.Price > 0 {
		p := req.Params.Price
		state.Price = &p
	}
	if req.Params.TriggerPrice > 0 {
		tp := req.Params.TriggerPrice
		state.TriggerPrice = &tp
	}

	// Durable intent first. If this write fails we place nothing.
	if err := e.states.Create(ctx, state); err != nil {
		return nil, fmt.Errorf("persist order intent: %w", err)
	}

	log := logger.WithFields(logger.Fields{
		"execution_id": state.ExecutionID,
		"symbol":       req.Params.TradingSymbol,
		"side":         req.Params.TransactionType,
		"qty":          req.Params.Quantity,
	})
	log.Info("Placing order")

	receipt, err := e.broker.PlaceOrder(ctx, connectors.VarietyRegular, req.Params)
	if err != nil {
		return e.failPlacement(ctx, state, err, log)
	}

	state.BrokerOrderID = receipt.OrderID
	state.PlacementStatus = model.PlacementStatusPlaced
	if err := e.states.Save(ctx, state); err != nil {
		log.WithError(err).Error("Failed to persist placement, order is live at broker")
	}
	e.states.AppendLog(ctx, state.ID, "placed", model.PlacementStatusPlaced, "broker order "+receipt.OrderID)

	return e.confirm(ctx, state, log)
}

func (e *Engine) failPlacement(ctx context.Context, state *model.OrderState, cause error, log *logger.Entry) (*Result, error) {
	reason := cause.Error()
	needsReauth := connectors.IsAuthError(cause)

	if needsReauth {
		state.PlacementStatus = model.PlacementStatusError
		reason = "needs re-auth"
	} else {
		state.PlacementStatus = model.PlacementStatusFailed
	}
	state.LastError = truncate(cause.Error(), 500)

	if err := e.states.Save(ctx, state); err != nil {
		log.WithError(err).Error("Failed to persist placement failure")
	}
	e.states.AppendLog(ctx, state.ID, "placement_failed", state.PlacementStatus, cause.Error())
	log.WithError(cause).Error("Order placement failed")

	return &Result{
		Success:      false,
		NeedsReauth:  needsReauth,
		Reason:       reason,
		OrderStateID: state.ID,
	}, nil
}

// confirm polls the broker at pollInterval until the order goes terminal or
// the wait budget expires. Transient poll errors are tolerated; only an
// auth failure aborts early, because no further poll can succeed.
func (e *Engine) confirm(ctx context.Context, state *model.OrderState, log *logger.Entry) (*Result, error) {
	started := time.Now()
	deadline := started.Add(e.waitBudget)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	var lastSeen *connectors.BrokerOrder

	for {
		select {
		case <-ctx.Done():
			return e.leavePending(ctx, state, lastSeen, started, "context cancelled during confirmation", log)
		case <-ticker.C:
		}

		order, err := e.broker.GetOrder(ctx, state.BrokerOrderID)
		state.Attempts++

		if err != nil {
			if connectors.IsAuthError(err) {
				res, rerr := e.leavePending(ctx, state, lastSeen, started, "needs re-auth", log)
				if res != nil {
					res.NeedsReauth = true
				}
				return res, rerr
			}
			log.WithError(err).Warn("Confirmation poll failed, retrying")
		} else {
			lastSeen = order

			switch order.Status {
			case connectors.OrderStatusComplete:
				return e.completeConfirmation(ctx, state, order, started, log)
			case connectors.OrderStatusRejected, connectors.OrderStatusCancelled:
				return e.failConfirmation(ctx, state, order, started, log)
			}
		}

		if time.Now().After(deadline) {
			return e.leavePending(ctx, state, lastSeen, started, "confirmation pending after wait budget", log)
		}
	}
}

func (e *Engine) completeConfirmation(ctx context.Context, state *model.OrderState, order *connectors.BrokerOrder, started time.Time, log *logger.Entry) (*Result, error) {
	state.ConfirmationStatus = model.ConfirmationStatusConfirmed
	state.ExecutedQuantity = order.FilledQuantity
	state.ExecutedPrice = order.AveragePrice
	state.PendingQuantity = 0
	state.WaitTimeMs = time.Since(started).Milliseconds()

	if err := e.states.Save(ctx, state); err != nil {
		log.WithError(err).Error("Failed to persist confirmed fill")
	}
	e.states.AppendLog(ctx, state.ID, "confirmed", model.ConfirmationStatusConfirmed,
		fmt.Sprintf("filled %d @ %.2f", order.FilledQuantity, order.AveragePrice))

	log.WithFields(logger.Fields{
		"filled":  order.FilledQuantity,
		"price":   order.AveragePrice,
		"wait_ms": state.WaitTimeMs,
	}).Info("Order confirmed")

	return &Result{
		Success:          true,
		Executed:         true,
		OrderID:          state.BrokerOrderID,
		ExecutedQuantity: order.FilledQuantity,
		ExecutedPrice:    order.AveragePrice,
		OrderStateID:     state.ID,
	}, nil
}

func (e *Engine) failConfirmation(ctx context.Context, state *model.OrderState, order *connectors.BrokerOrder, started time.Time, log *logger.Entry) (*Result, error) {
	state.ConfirmationStatus = model.ConfirmationStatusFailed
	state.LastError = truncate(order.StatusMessage, 500)
	state.WaitTimeMs = time.Since(started).Milliseconds()

	if err := e.states.Save(ctx, state); err != nil {
		log.WithError(err).Error("Failed to persist rejected order")
	}
	e.states.AppendLog(ctx, state.ID, "terminal", order.Status, order.StatusMessage)

	log.WithFields(logger.Fields{
		"status": order.Status,
		"detail": order.StatusMessage,
	}).Warn("Order rejected by broker")

	reason := order.StatusMessage
	if reason == "" {
		reason = "order " + order.Status
	}

	return &Result{
		Success:      false,
		OrderID:      state.BrokerOrderID,
		Reason:       reason,
		OrderStateID: state.ID,
	}, nil
}

// leavePending records a partial view and returns without forcing a
// terminal state. The order is live at the broker; declaring it failed here
// would let the ledger drift from broker truth.
func (e *Engine) leavePending(ctx context.Context, state *model.OrderState, lastSeen *connectors.BrokerOrder, started time.Time, reason string, log *logger.Entry) (*Result, error) {
	// The caller's context may already be dead; the pending row must still
	// be written or the order is lost to the reconciler.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	result := &Result{
		Success:      true,
		Executed:     false,
		OrderID:      state.BrokerOrderID,
		Reason:       reason,
		OrderStateID: state.ID,
	}

	if lastSeen != nil {
		state.ExecutedQuantity = lastSeen.FilledQuantity
		state.PendingQuantity = lastSeen.PendingQuantity
		state.ExecutedPrice = lastSeen.AveragePrice
		result.ExecutedQuantity = lastSeen.FilledQuantity
		result.PendingQuantity = lastSeen.PendingQuantity
		result.ExecutedPrice = lastSeen.AveragePrice
	} else {
		state.PendingQuantity = state.Quantity
		result.PendingQuantity = state.Quantity
	}
	state.WaitTimeMs = time.Since(started).Milliseconds()

	if err := e.states.Save(ctx, state); err != nil {
		log.WithError(err).Error("Failed to persist pending confirmation")
	}
	e.states.AppendLog(ctx, state.ID, "left_pending", model.ConfirmationStatusPending, reason)

	log.WithField("reason", reason).Warn("Leaving order confirmation pending")
	return result, nil
}

// PendingOutcome pairs an order state that outlived its confirmation budget
// with the result its broker re-check produced.
type PendingOutcome struct {
	State  *model.OrderState
	Result *Result
}

// ResolvePending re-checks every placed-but-unconfirmed order against the
// broker. An order that went terminal while nobody was polling is settled
// exactly like an in-budget confirmation; an order still open at the broker
// stays pending for the next pass. Only an auth failure aborts the sweep.
func (e *Engine) ResolvePending(ctx context.Context) ([]PendingOutcome, error) {
	pending, err := e.states.FindPendingConfirmation(ctx)
	if err != nil {
		return nil, err
	}

	var outcomes []PendingOutcome
	for i := range pending {
		state := &pending[i]
		log := logger.WithFields(logger.Fields{
			"execution_id": state.ExecutionID,
			"order_id":     state.BrokerOrderID,
			"symbol":       state.Symbol,
		})

		order, err := e.broker.GetOrder(ctx, state.BrokerOrderID)
		if err != nil {
			if connectors.IsAuthError(err) {
				return outcomes, err
			}
			log.WithError(err).Warn("Pending order re-check failed, will retry")
			continue
		}

		var result *Result
		switch order.Status {
		case connectors.OrderStatusComplete:
			result, err = e.completeConfirmation(ctx, state, order, state.CreatedAt, log)
		case connectors.OrderStatusRejected, connectors.OrderStatusCancelled:
			result, err = e.failConfirmation(ctx, state, order, state.CreatedAt, log)
		default:
			continue
		}
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, PendingOutcome{State: state, Result: result})
	}
	return outcomes, nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
