package executors

import (
	"context"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradebot/src/connectors"
	"tradebot/src/model"
)

// StartLoop runs the executor: it drains the signal queue at LoopPeriod,
// keeps the tick stream subscribed to every open position, and marks
// positions to market on each tick. Blocks until ctx is cancelled.
func StartLoop(ctx context.Context, stack *Stack) error {
	config := GetConfig()

	ticker := time.NewTicker(config.LoopPeriod)
	defer ticker.Stop()

	marks := &markWatcher{
		stack:      stack,
		byToken:    make(map[uint32]model.Position),
		subscribed: make(map[uint32]bool),
	}
	stack.Ticker.OnTick = marks.handleTick

	go func() {
		if err := stack.Ticker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Tick stream stopped")
		}
	}()

	logger.WithField("period", config.LoopPeriod.String()).Info("Executor loop started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Executor loop stopped")
			return nil

		case <-ticker.C:
			processNextSignal(ctx, stack)
			settlePendingOrders(ctx, stack)
			marks.refresh(ctx)
		}
	}
}

// processNextSignal executes the oldest unprocessed signal, if any. Status
// transitions happen inside the controller.
func processNextSignal(ctx context.Context, stack *Stack) {
	signal, err := stack.Signals.FindOldestReceived(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to poll signal queue")
		return
	}
	if signal == nil {
		return
	}

	response, err := stack.Controller.ExecuteSignal(ctx, signal)
	if err != nil {
		logger.WithError(err).WithField("signal_id", signal.ID).
			Error("Signal execution errored")
		stack.Signals.UpdateStatus(ctx, signal.ID, model.SignalStatusRejected)
		return
	}

	logger.WithFields(logger.Fields{
		"signal_id": signal.ID,
		"success":   response.Success,
		"skipped":   response.Skipped,
		"position":  response.PositionID,
		"error":     response.Error,
	}).Info("Signal processed")
}

// settlePendingOrders re-checks orders whose confirmation outlived the wait
// budget, so a fill that lands late still reaches the ledger instead of
// sitting as invisible exposure.
func settlePendingOrders(ctx context.Context, stack *Stack) {
	if err := stack.Controller.SettlePendingOrders(ctx); err != nil {
		logger.WithError(err).Warn("Pending order settlement failed")
	}
}

// markWatcher maps streaming ticks back to open positions and refreshes
// their unrealized P&L.
type markWatcher struct {
	stack *Stack

	mu         sync.Mutex
	byToken    map[uint32]model.Position
	subscribed map[uint32]bool
}

// refresh reloads the open position set and subscribes any instruments the
// tick stream does not cover yet. Stale entries are dropped from the map;
// the feed keeps sending their ticks but they no longer match anything.
func (m *markWatcher) refresh(ctx context.Context) {
	open, err := m.stack.Ledger.GetOpenPositions(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to refresh mark-to-market watch list")
		return
	}

	var newTokens []uint32

	m.mu.Lock()
	current := make(map[uint32]model.Position, len(open))
	for _, position := range open {
		if position.InstrumentToken == 0 {
			continue
		}
		current[position.InstrumentToken] = position
		if !m.subscribed[position.InstrumentToken] {
			m.subscribed[position.InstrumentToken] = true
			newTokens = append(newTokens, position.InstrumentToken)
		}
	}
	m.byToken = current
	m.mu.Unlock()

	if len(newTokens) > 0 {
		if err := m.stack.Ticker.Subscribe(newTokens...); err != nil {
			logger.WithError(err).Error("Failed to subscribe tick stream")
		}
	}
}

func (m *markWatcher) handleTick(tick connectors.Tick) {
	m.mu.Lock()
	position, ok := m.byToken[tick.Token]
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.stack.Ledger.UpdateUnrealizedPnL(ctx, &position, tick.LastPrice); err != nil {
		logger.WithError(err).WithField("position_id", position.PositionID).
			Warn("Failed to update unrealized P&L")
	}
}
