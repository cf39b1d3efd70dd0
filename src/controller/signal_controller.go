// Package controller glues signals to executions: it turns one trading
// signal into a contract selection, a sized entry order, a ledger position
// and a scheduled square-off, or into the exits that unwind them.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/connectors"
	"tradebot/src/execution"
	"tradebot/src/ledger"
	"tradebot/src/model"
	"tradebot/src/options"
)

// orderExecutor places and confirms orders, and re-checks the ones whose
// confirmation outlived the wait budget.
type orderExecutor interface {
	ExecuteOrder(ctx context.Context, req execution.Request) (*execution.Result, error)
	ResolvePending(ctx context.Context) ([]execution.PendingOutcome, error)
}

// positionLedger is the slice of the ledger the controller needs.
type positionLedger interface {
	CreatePosition(ctx context.Context, params ledger.NewPositionParams) (*model.Position, error)
	RecordExit(ctx context.Context, positionID string, quantity int, price float64, orderID, reason string) (*model.Position, error)
	GetOpenPositions(ctx context.Context) ([]model.Position, error)
}

// exitScheduler arms the durable square-off for a fresh position.
type exitScheduler interface {
	SchedulePositionExit(ctx context.Context, position *model.Position) error
}

// signalStore updates signal processing status.
type signalStore interface {
	FindByID(ctx context.Context, id uint) (*model.TradingSignal, error)
	UpdateStatus(ctx context.Context, id uint, status string) error
}

// orderStateReader answers the idempotence question for a signal.
type orderStateReader interface {
	FindBySignalID(ctx context.Context, signalID uint) (*model.OrderState, error)
}

// exceptionStore captures failures for post-mortem.
type exceptionStore interface {
	Capture(ctx context.Context, component, operation string, cause error, detail string)
}

// ExecutionResponse is the webhook-facing outcome of one signal.
type ExecutionResponse struct {
	Success          bool                `json:"success"`
	Skipped          bool                `json:"skipped,omitempty"`
	PositionID       string              `json:"positionId,omitempty"`
	SelectedContract *options.Contract   `json:"selectedContract,omitempty"`
	PositionSize     *options.SizeResult `json:"positionSize,omitempty"`
	ExecutionDetails *execution.Result   `json:"executionDetails,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// SignalController executes the main trading flow for incoming signals.
type SignalController struct {
	broker     connectors.Broker
	engine     orderExecutor
	ledger     positionLedger
	scheduler  exitScheduler
	signals    signalStore
	states     orderStateReader
	exceptions exceptionStore
	cfg        *Config
	now        func() time.Time
}

func NewSignalController(
	broker connectors.Broker,
	engine orderExecutor,
	positionLedger positionLedger,
	signals signalStore,
	states orderStateReader,
	exceptions exceptionStore,
) *SignalController {
	return &SignalController{
		broker:     broker,
		engine:     engine,
		ledger:     positionLedger,
		signals:    signals,
		states:     states,
		exceptions: exceptions,
		cfg:        GetConfig(),
		now:        time.Now,
	}
}

// SetScheduler wires the exit scheduler in after construction; the
// scheduler itself needs this controller as its square-off executor.
func (c *SignalController) SetScheduler(s exitScheduler) {
	c.scheduler = s
}

// ExecuteSignal runs the complete flow for one persisted signal.
func (c *SignalController) ExecuteSignal(ctx context.Context, signal *model.TradingSignal) (*ExecutionResponse, error) {
	log := logger.WithFields(logger.Fields{
		"signal_id": signal.ID,
		"action":    signal.Action,
		"symbol":    signal.Symbol,
	})
	log.Info("Executing trading signal")

	// ------------------------------------------------------------------
	// 1) Idempotence: a signal that already produced an order is done.
	// ------------------------------------------------------------------
	if signal.ID != 0 {
		existing, err := c.states.FindBySignalID(ctx, signal.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.WithField("execution_id", existing.ExecutionID).
				Warn("Signal already executed, skipping duplicate delivery")
			return &ExecutionResponse{Success: true, Skipped: true}, nil
		}
	}

	// ------------------------------------------------------------------
	// 2) Exit signals unwind open positions instead of opening new ones.
	// ------------------------------------------------------------------
	if strings.EqualFold(strings.TrimSpace(signal.Action), "EXIT") {
		return c.executeExit(ctx, signal, log)
	}

	return c.executeEntry(ctx, signal, log)
}

func (c *SignalController) executeExit(ctx context.Context, signal *model.TradingSignal, log *logger.Entry) (*ExecutionResponse, error) {
	open, err := c.ledger.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	exited := 0
	var lastErr error
	for i := range open {
		position := &open[i]
		if !strings.HasPrefix(position.Symbol, c.cfg.UnderlyingName) {
			continue
		}
		if err := c.SquareOff(ctx, position, model.ExitReasonSignal); err != nil {
			log.WithError(err).WithField("position_id", position.PositionID).
				Error("Signal exit failed")
			lastErr = err
			continue
		}
		exited++
	}

	if exited == 0 && lastErr == nil {
		log.Info("Exit signal with no matching open positions")
		c.signals.UpdateStatus(ctx, signal.ID, model.SignalStatusSkipped)
		return &ExecutionResponse{Success: true, Skipped: true}, nil
	}
	if lastErr != nil {
		c.signals.UpdateStatus(ctx, signal.ID, model.SignalStatusRejected)
		return &ExecutionResponse{Success: false, Error: lastErr.Error()}, nil
	}

	c.signals.UpdateStatus(ctx, signal.ID, model.SignalStatusExecuted)
	return &ExecutionResponse{Success: true}, nil
}

func (c *SignalController) executeEntry(ctx context.Context, signal *model.TradingSignal, log *logger.Entry) (*ExecutionResponse, error) {
	// ------------------------------------------------------------------
	// 3) One exposure per underlying: an open position blocks re-entry.
	// ------------------------------------------------------------------
	open, err := c.ledger.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if strings.HasPrefix(open[i].Symbol, c.cfg.UnderlyingName) {
			log.WithField("position_id", open[i].PositionID).
				Warn("Open position exists for underlying, skipping entry")
			c.signals.UpdateStatus(ctx, signal.ID, model.SignalStatusSkipped)
			return &ExecutionResponse{Success: true, Skipped: true}, nil
		}
	}

	// ------------------------------------------------------------------
	// 4) Contract selection: spot, strike ladder, expiry, delta filter.
	// ------------------------------------------------------------------
	best, err := c.selectContract(ctx, signal, log)
	if err != nil {
		return c.rejectEntry(ctx, signal, err, log)
	}

	// ------------------------------------------------------------------
	// 5) Position sizing from capital and risk budget.
	// ------------------------------------------------------------------
	size, err := c.sizePosition(signal, best)
	if err != nil {
		return c.rejectEntry(ctx, signal, err, log)
	}

	log.WithFields(logger.Fields{
		"contract": best.TradingSymbol,
		"strike":   best.Strike,
		"delta":    best.Delta,
		"premium":  best.Premium,
		"lots":     size.Lots,
		"qty":      size.Quantity,
	}).Info("Contract selected and sized")

	// ------------------------------------------------------------------
	// 6) Entry order through the confirmation engine.
	// ------------------------------------------------------------------
	signalID := signal.ID
	result, err := c.engine.ExecuteOrder(ctx, execution.Request{
		SignalID: &signalID,
		Params: connectors.OrderParams{
			Exchange:        c.cfg.OptionsExchange,
			TradingSymbol:   best.TradingSymbol,
			TransactionType: connectors.TransactionTypeBuy,
			OrderType:       connectors.OrderTypeMarket,
			Product:         c.product(),
			Validity:        connectors.ValidityDay,
			Quantity:        size.Quantity,
			Tag:             fmt.Sprintf("sig-%d", signal.ID),
		},
	})
	if err != nil {
		c.exceptions.Capture(ctx, "SignalController", "engine.ExecuteOrder", err, best.TradingSymbol)
		return nil, err
	}

	response := &ExecutionResponse{
		SelectedContract: best,
		PositionSize:     size,
		ExecutionDetails: result,
	}

	if !result.Success {
		reason := result.Reason
		if result.NeedsReauth {
			reason = "needs re-auth"
		}
		c.signals.UpdateStatus(ctx, signal.ID, model.SignalStatusRejected)
		response.Error = reason
		return response, nil
	}

	if !result.Executed {
		// Order is live but unconfirmed; the ledger stays untouched until
		// reconciliation or a later confirmation settles it.
		log.WithField("order_id", result.OrderID).
			Warn("Entry accepted but unconfirmed within wait budget")
		c.signals.UpdateStatus(ctx, signal.ID, model.SignalStatusExecuted)
		response.Success = true
		return response, nil
	}

	// ------------------------------------------------------------------
	// 7) Ledger position and durable square-off.
	// ------------------------------------------------------------------
	position, err := c.ledger.CreatePosition(ctx, ledger.NewPositionParams{
		UserID:          signal.UserID,
		BotID:           signal.Source,
		Symbol:          best.TradingSymbol,
		Exchange:        c.cfg.OptionsExchange,
		InstrumentType:  string(best.Type),
		InstrumentToken: best.Token,
		Side:            model.PositionSideLong,
		EntryPrice:      result.ExecutedPrice,
		EntryQuantity:   result.ExecutedQuantity,
		EntryOrderID:    result.OrderID,
		Intraday:        c.cfg.Intraday,
		SquareOffTime:   c.cfg.SquareOffTime,
	})
	if err != nil {
		// The fill is real even if the ledger write failed; reconciliation
		// will surface the orphan.
		c.exceptions.Capture(ctx, "SignalController", "ledger.CreatePosition", err, result.OrderID)
		return nil, err
	}

	if c.scheduler != nil {
		if err := c.scheduler.SchedulePositionExit(ctx, position); err != nil {
			log.WithError(err).WithField("position_id", position.PositionID).
				Error("Failed to schedule auto square-off")
			c.exceptions.Capture(ctx, "SignalController", "scheduler.SchedulePositionExit", err, position.PositionID)
		}
	}

	c.signals.UpdateStatus(ctx, signal.ID, model.SignalStatusExecuted)
	response.Success = true
	response.PositionID = position.PositionID
	return response, nil
}

func (c *SignalController) rejectEntry(ctx context.Context, signal *model.TradingSignal, cause error, log *logger.Entry) (*ExecutionResponse, error) {
	log.WithError(cause).Warn("Entry rejected before order placement")
	c.signals.UpdateStatus(ctx, signal.ID, model.SignalStatusRejected)
	return &ExecutionResponse{Success: false, Error: cause.Error()}, nil
}

// selectContract runs the full selection pipeline against live market data.
func (c *SignalController) selectContract(ctx context.Context, signal *model.TradingSignal, log *logger.Entry) (*options.Contract, error) {
	optType := options.ResolveOptionType(signal.Action, "")

	spot, err := c.spotPrice(ctx, signal)
	if err != nil {
		return nil, err
	}

	atm := options.ATMStrike(spot)
	ladder := options.StrikeLadder(atm)
	log.WithFields(logger.Fields{
		"spot": spot,
		"atm":  atm,
		"type": optType,
	}).Debug("Strike ladder built")

	instruments, err := c.broker.GetInstruments(ctx, c.cfg.OptionsExchange)
	if err != nil {
		return nil, fmt.Errorf("fetch instrument dump: %w", err)
	}

	candidates, expiries := c.filterInstruments(instruments, optType, ladder)
	if len(candidates) == 0 {
		return nil, options.ErrNoViableContract
	}

	now := c.now()
	expiry, ok := options.SelectExpiry(now, expiries)
	if !ok {
		return nil, errors.New("no viable expiry in current or next month")
	}

	contracts, err := c.quoteCandidates(ctx, candidates, expiry)
	if err != nil {
		return nil, err
	}

	for i := range contracts {
		contracts[i].Delta = options.Delta(contracts[i], spot, now, options.DefaultRiskFreeRate)
	}

	best := options.SelectBestContract(contracts)
	if best == nil {
		return nil, options.ErrNoViableContract
	}
	return best, nil
}

// spotPrice quotes the underlying, falling back to the signal's own price
// when the quote is unusable.
func (c *SignalController) spotPrice(ctx context.Context, signal *model.TradingSignal) (float64, error) {
	quotes, err := c.broker.GetQuote(ctx, c.cfg.UnderlyingQuote)
	if err == nil {
		if q, ok := quotes[c.cfg.UnderlyingQuote]; ok && q.LastPrice > 0 {
			return q.LastPrice, nil
		}
	}

	if signal.Price > 0 {
		logger.WithError(err).WithField("fallback", signal.Price).
			Warn("Spot quote unavailable, using signal price")
		return signal.Price, nil
	}
	if err != nil {
		return 0, fmt.Errorf("fetch spot quote: %w", err)
	}
	return 0, errors.New("no usable spot price")
}

// filterInstruments keeps options on the configured underlying with a
// strike on the ladder, returning them with the distinct expiries seen.
func (c *SignalController) filterInstruments(instruments []connectors.Instrument, optType options.OptionType, ladder []float64) ([]connectors.Instrument, []time.Time) {
	onLadder := make(map[float64]bool, len(ladder))
	for _, s := range ladder {
		onLadder[s] = true
	}

	var candidates []connectors.Instrument
	expirySet := make(map[time.Time]bool)
	for _, inst := range instruments {
		if inst.Name != c.cfg.UnderlyingName || inst.InstrumentType != string(optType) {
			continue
		}
		if !onLadder[inst.Strike] {
			continue
		}
		candidates = append(candidates, inst)
		expirySet[inst.Expiry] = true
	}

	expiries := make([]time.Time, 0, len(expirySet))
	for e := range expirySet {
		expiries = append(expiries, e)
	}
	return candidates, expiries
}

// quoteCandidates batches one quote call for every candidate on the chosen
// expiry and assembles Contract values with live premium, OI and IV.
func (c *SignalController) quoteCandidates(ctx context.Context, candidates []connectors.Instrument, expiry time.Time) ([]options.Contract, error) {
	keys := make([]string, 0, len(candidates))
	byKey := make(map[string]connectors.Instrument, len(candidates))
	for _, inst := range candidates {
		if !sameDay(inst.Expiry, expiry) {
			continue
		}
		key := inst.Exchange + ":" + inst.TradingSymbol
		keys = append(keys, key)
		byKey[key] = inst
	}
	if len(keys) == 0 {
		return nil, options.ErrNoViableContract
	}

	quotes, err := c.broker.GetQuote(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("quote option chain: %w", err)
	}

	contracts := make([]options.Contract, 0, len(keys))
	for key, inst := range byKey {
		q, ok := quotes[key]
		if !ok || q.LastPrice <= 0 {
			continue
		}

		lotSize := inst.LotSize
		if lotSize <= 0 {
			lotSize = c.cfg.DefaultLotSize
		}

		contracts = append(contracts, options.Contract{
			TradingSymbol: inst.TradingSymbol,
			Token:         inst.Token,
			Strike:        inst.Strike,
			Expiry:        inst.Expiry,
			Type:          options.OptionType(inst.InstrumentType),
			Premium:       q.LastPrice,
			OpenInterest:  q.OpenInterest,
			IV:            q.ImpliedVolatility,
			LotSize:       lotSize,
		})
	}
	return contracts, nil
}

// sizePosition applies risk-based sizing, or fixed-lot validation when the
// signal dictates a quantity.
func (c *SignalController) sizePosition(signal *model.TradingSignal, contract *options.Contract) (*options.SizeResult, error) {
	lotSize := contract.LotSize
	if signal.LotSize > 0 {
		lotSize = signal.LotSize
	}

	capital := decimal.NewFromFloat(signal.Capital)
	premiumPerLot := decimal.NewFromFloat(contract.Premium).Mul(decimal.NewFromInt(int64(lotSize)))

	if signal.Quantity > 0 {
		lots := int64(signal.Quantity)
		if err := options.ValidateFixedQuantity(capital, lots, premiumPerLot); err != nil {
			return nil, err
		}
		return &options.SizeResult{
			Lots:               lots,
			Quantity:           int(lots) * lotSize,
			Amount:             premiumPerLot.Mul(decimal.NewFromInt(lots)),
			CanTrade:           true,
			MinCapitalRequired: premiumPerLot,
		}, nil
	}

	riskPct := decimal.NewFromFloat(signal.RiskPercentage)
	size := options.CalculateLots(capital, riskPct, premiumPerLot, lotSize)
	if !size.CanTrade {
		return nil, &options.InsufficientCapitalError{Required: size.MinCapitalRequired}
	}
	return &size, nil
}

// SquareOff closes out a position's remaining quantity at market and
// records the exit in the ledger. Implements the scheduler's executor.
func (c *SignalController) SquareOff(ctx context.Context, position *model.Position, reason string) error {
	log := logger.WithFields(logger.Fields{
		"position_id": position.PositionID,
		"symbol":      position.Symbol,
		"qty":         position.RemainingQuantity,
		"reason":      reason,
	})
	log.Info("Squaring off position")

	side := connectors.TransactionTypeSell
	if position.Side == model.PositionSideShort {
		side = connectors.TransactionTypeBuy
	}

	result, err := c.engine.ExecuteOrder(ctx, execution.Request{
		PositionID: position.PositionID,
		Params: connectors.OrderParams{
			Exchange:        position.Exchange,
			TradingSymbol:   position.Symbol,
			TransactionType: side,
			OrderType:       connectors.OrderTypeMarket,
			Product:         c.product(),
			Validity:        connectors.ValidityDay,
			Quantity:        position.RemainingQuantity,
			Tag:             "sqoff-" + reason,
		},
	})
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("square-off order failed: %s", result.Reason)
	}
	if !result.Executed {
		return fmt.Errorf("square-off order %s unconfirmed: %s", result.OrderID, result.Reason)
	}

	_, err = c.ledger.RecordExit(ctx, position.PositionID,
		result.ExecutedQuantity, result.ExecutedPrice, result.OrderID, reason)
	if err != nil {
		c.exceptions.Capture(ctx, "SignalController", "ledger.RecordExit", err, position.PositionID)
		return err
	}

	log.WithFields(logger.Fields{
		"exit_price": result.ExecutedPrice,
		"exit_qty":   result.ExecutedQuantity,
	}).Info("Position squared off")
	return nil
}

// SettlePendingOrders drains orders that went terminal after their
// confirmation budget ran out. A late entry fill becomes a ledger position
// with its square-off scheduled, a late exit fill is recorded against its
// position, and a late rejection releases the signal.
func (c *SignalController) SettlePendingOrders(ctx context.Context) error {
	outcomes, err := c.engine.ResolvePending(ctx)

	for i := range outcomes {
		state, result := outcomes[i].State, outcomes[i].Result
		log := logger.WithFields(logger.Fields{
			"execution_id": state.ExecutionID,
			"order_id":     state.BrokerOrderID,
			"symbol":       state.Symbol,
		})

		switch {
		case state.PositionID != "":
			c.settleLateExit(ctx, state, result, log)
		case state.SignalID != nil:
			c.settleLateEntry(ctx, state, result, log)
		default:
			log.Warn("Settled order belongs to neither a signal nor a position")
		}
	}
	return err
}

func (c *SignalController) settleLateExit(ctx context.Context, state *model.OrderState, result *execution.Result, log *logger.Entry) {
	if !result.Executed {
		// The exit order died; the position still carries exposure and the
		// scheduler or an operator must retry.
		c.exceptions.Capture(ctx, "SignalController", "settleLateExit",
			errors.New(result.Reason), state.PositionID)
		return
	}

	reason := model.ExitReasonManual
	if strings.HasPrefix(state.Tag, "sqoff-") {
		reason = strings.TrimPrefix(state.Tag, "sqoff-")
	}

	if _, err := c.ledger.RecordExit(ctx, state.PositionID,
		result.ExecutedQuantity, result.ExecutedPrice, result.OrderID, reason); err != nil {
		c.exceptions.Capture(ctx, "SignalController", "settleLateExit.RecordExit", err, state.PositionID)
		return
	}
	log.WithField("position_id", state.PositionID).Info("Late exit fill recorded")
}

func (c *SignalController) settleLateEntry(ctx context.Context, state *model.OrderState, result *execution.Result, log *logger.Entry) {
	signalID := *state.SignalID

	if !result.Executed {
		log.WithField("reason", result.Reason).Warn("Late entry order died at the broker")
		c.signals.UpdateStatus(ctx, signalID, model.SignalStatusRejected)
		return
	}

	side := model.PositionSideLong
	if state.TransactionType == connectors.TransactionTypeSell {
		side = model.PositionSideShort
	}

	var userID uint
	var botID string
	if signal, err := c.signals.FindByID(ctx, signalID); err == nil && signal != nil {
		userID = signal.UserID
		botID = signal.Source
	}

	position, err := c.ledger.CreatePosition(ctx, ledger.NewPositionParams{
		UserID:         userID,
		BotID:          botID,
		Symbol:         state.Symbol,
		Exchange:       state.Exchange,
		InstrumentType: instrumentTypeFromSymbol(state.Symbol),
		Side:           side,
		EntryPrice:     result.ExecutedPrice,
		EntryQuantity:  result.ExecutedQuantity,
		EntryOrderID:   result.OrderID,
		Intraday:       c.cfg.Intraday,
		SquareOffTime:  c.cfg.SquareOffTime,
	})
	if err != nil {
		c.exceptions.Capture(ctx, "SignalController", "settleLateEntry.CreatePosition", err, result.OrderID)
		return
	}

	if c.scheduler != nil {
		if err := c.scheduler.SchedulePositionExit(ctx, position); err != nil {
			c.exceptions.Capture(ctx, "SignalController", "settleLateEntry.SchedulePositionExit", err, position.PositionID)
		}
	}

	c.signals.UpdateStatus(ctx, signalID, model.SignalStatusExecuted)
	log.WithField("position_id", position.PositionID).Info("Late entry fill settled into ledger")
}

// instrumentTypeFromSymbol recovers the option type from a trading symbol
// suffix.
func instrumentTypeFromSymbol(symbol string) string {
	switch {
	case strings.HasSuffix(symbol, "CE"):
		return "CE"
	case strings.HasSuffix(symbol, "PE"):
		return "PE"
	default:
		return ""
	}
}

func (c *SignalController) product() string {
	if c.cfg.Intraday {
		return connectors.ProductIntraday
	}
	return connectors.ProductNormal
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
