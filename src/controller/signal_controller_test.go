package controller

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/src/connectors"
	"tradebot/src/execution"
	"tradebot/src/ledger"
	"tradebot/src/model"
)

type fakeBroker struct {
	connectors.Broker

	spot        float64
	instruments []connectors.Instrument
	chainQuotes map[string]connectors.Quote
}

func (f *fakeBroker) GetQuote(_ context.Context, instruments ...string) (map[string]connectors.Quote, error) {
	if len(instruments) == 1 && strings.HasPrefix(instruments[0], "NSE:") {
		return map[string]connectors.Quote{
			instruments[0]: {Instrument: instruments[0], LastPrice: f.spot},
		}, nil
	}
	return f.chainQuotes, nil
}

func (f *fakeBroker) GetInstruments(_ context.Context, _ string) ([]connectors.Instrument, error) {
	return f.instruments, nil
}

type fakeEngine struct {
	result   *execution.Result
	requests []execution.Request
	pending  []execution.PendingOutcome
}

func (f *fakeEngine) ExecuteOrder(_ context.Context, req execution.Request) (*execution.Result, error) {
	f.requests = append(f.requests, req)
	return f.result, nil
}

func (f *fakeEngine) ResolvePending(_ context.Context) ([]execution.PendingOutcome, error) {
	return f.pending, nil
}

type fakeLedger struct {
	open        []model.Position
	created     []ledger.NewPositionParams
	exits       []string
	exitReasons map[string]string
}

func (f *fakeLedger) CreatePosition(_ context.Context, params ledger.NewPositionParams) (*model.Position, error) {
	f.created = append(f.created, params)
	return &model.Position{
		PositionID:        "pos-new",
		Symbol:            params.Symbol,
		Side:              params.Side,
		Status:            model.PositionStatusOpen,
		RemainingQuantity: params.EntryQuantity,
		Intraday:          params.Intraday,
		SquareOffTime:     params.SquareOffTime,
	}, nil
}

func (f *fakeLedger) RecordExit(_ context.Context, positionID string, _ int, _ float64, _, reason string) (*model.Position, error) {
	f.exits = append(f.exits, positionID)
	if f.exitReasons == nil {
		f.exitReasons = make(map[string]string)
	}
	f.exitReasons[positionID] = reason
	return &model.Position{PositionID: positionID, Status: model.PositionStatusClosed}, nil
}

func (f *fakeLedger) GetOpenPositions(_ context.Context) ([]model.Position, error) {
	return f.open, nil
}

type fakeScheduler struct {
	scheduled []string
}

func (f *fakeScheduler) SchedulePositionExit(_ context.Context, position *model.Position) error {
	f.scheduled = append(f.scheduled, position.PositionID)
	return nil
}

type fakeSignals struct {
	statuses map[uint]string
	byID     map[uint]*model.TradingSignal
}

func (f *fakeSignals) FindByID(_ context.Context, id uint) (*model.TradingSignal, error) {
	return f.byID[id], nil
}

func (f *fakeSignals) UpdateStatus(_ context.Context, id uint, status string) error {
	if f.statuses == nil {
		f.statuses = make(map[uint]string)
	}
	f.statuses[id] = status
	return nil
}

type fakeStates struct {
	existing *model.OrderState
}

func (f *fakeStates) FindBySignalID(_ context.Context, _ uint) (*model.OrderState, error) {
	return f.existing, nil
}

type fakeExceptions struct{}

func (fakeExceptions) Capture(_ context.Context, _, _ string, _ error, _ string) {}

type controllerFixture struct {
	broker    *fakeBroker
	engine    *fakeEngine
	ledger    *fakeLedger
	scheduler *fakeScheduler
	signals   *fakeSignals
	states    *fakeStates
	ctrl      *SignalController
}

func newFixture(t *testing.T) *controllerFixture {
	t.Helper()

	expiry := time.Date(2024, time.January, 25, 0, 0, 0, 0, time.UTC)
	instrument := func(symbol string, strike float64) connectors.Instrument {
		return connectors.Instrument{
			Token:          uint32(strike),
			TradingSymbol:  symbol,
			Name:           "NIFTY",
			Exchange:       "NFO",
			InstrumentType: "CE",
			Expiry:         expiry,
			Strike:         strike,
			LotSize:        50,
		}
	}

	f := &controllerFixture{
		broker: &fakeBroker{
			spot: 18500,
			instruments: []connectors.Instrument{
				instrument("NIFTY24JAN18350CE", 18350),
				instrument("NIFTY24JAN18400CE", 18400),
				instrument("NIFTY24JAN18450CE", 18450),
			},
			chainQuotes: map[string]connectors.Quote{
				"NFO:NIFTY24JAN18350CE": {LastPrice: 150, OpenInterest: 500000, ImpliedVolatility: 0.12},
				"NFO:NIFTY24JAN18400CE": {LastPrice: 120, OpenInterest: 400000, ImpliedVolatility: 0.12},
				"NFO:NIFTY24JAN18450CE": {LastPrice: 95, OpenInterest: 300000, ImpliedVolatility: 0.12},
			},
		},
		engine: &fakeEngine{result: &execution.Result{
			Success:          true,
			Executed:         true,
			OrderID:          "ord-1",
			ExecutedQuantity: 50,
			ExecutedPrice:    150.5,
		}},
		ledger:    &fakeLedger{},
		scheduler: &fakeScheduler{},
		signals:   &fakeSignals{},
		states:    &fakeStates{},
	}

	f.ctrl = NewSignalController(f.broker, f.engine, f.ledger, f.signals, f.states, fakeExceptions{})
	f.ctrl.SetScheduler(f.scheduler)
	f.ctrl.now = func() time.Time {
		return time.Date(2024, time.January, 10, 10, 0, 0, 0, time.UTC)
	}
	return f
}

func entrySignal() *model.TradingSignal {
	return &model.TradingSignal{
		ID:             7,
		Action:         "BUY",
		Symbol:         "NIFTY",
		Capital:        100000,
		RiskPercentage: 10,
	}
}

func TestExecuteSignalEntry(t *testing.T) {
	f := newFixture(t)

	resp, err := f.ctrl.ExecuteSignal(context.Background(), entrySignal())
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "pos-new", resp.PositionID)
	require.NotNil(t, resp.SelectedContract)
	// Deepest ITM strike on the ladder carries the highest delta.
	assert.Equal(t, "NIFTY24JAN18350CE", resp.SelectedContract.TradingSymbol)
	assert.GreaterOrEqual(t, resp.SelectedContract.Delta, 0.60)

	require.NotNil(t, resp.PositionSize)
	// 10% of 100000 = 10000 budget against 7500 per lot.
	assert.EqualValues(t, 1, resp.PositionSize.Lots)
	assert.Equal(t, 50, resp.PositionSize.Quantity)

	require.Len(t, f.engine.requests, 1)
	params := f.engine.requests[0].Params
	assert.Equal(t, connectors.TransactionTypeBuy, params.TransactionType)
	assert.Equal(t, connectors.OrderTypeMarket, params.OrderType)
	assert.Equal(t, connectors.ProductIntraday, params.Product)
	assert.Equal(t, "sig-7", params.Tag)

	require.Len(t, f.ledger.created, 1)
	assert.Equal(t, 150.5, f.ledger.created[0].EntryPrice)
	assert.Equal(t, []string{"pos-new"}, f.scheduler.scheduled)
	assert.Equal(t, model.SignalStatusExecuted, f.signals.statuses[7])
}

func TestExecuteSignalSkipsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.states.existing = &model.OrderState{ID: 1, ExecutionID: "exec-1"}

	resp, err := f.ctrl.ExecuteSignal(context.Background(), entrySignal())
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.True(t, resp.Skipped)
	assert.Empty(t, f.engine.requests, "duplicate delivery must not place an order")
}

func TestExecuteSignalBlocksOnOpenExposure(t *testing.T) {
	f := newFixture(t)
	f.ledger.open = []model.Position{{
		PositionID:        "pos-old",
		Symbol:            "NIFTY24JAN18400CE",
		Status:            model.PositionStatusOpen,
		RemainingQuantity: 50,
	}}

	resp, err := f.ctrl.ExecuteSignal(context.Background(), entrySignal())
	require.NoError(t, err)

	assert.True(t, resp.Skipped)
	assert.Empty(t, f.engine.requests)
	assert.Equal(t, model.SignalStatusSkipped, f.signals.statuses[7])
}

func TestExecuteSignalRejectsInsufficientCapital(t *testing.T) {
	f := newFixture(t)

	signal := entrySignal()
	signal.Capital = 10000
	signal.Quantity = 2 // fixed-lot mode, needs 2*7500

	resp, err := f.ctrl.ExecuteSignal(context.Background(), signal)
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "insufficient funds")
	assert.Empty(t, f.engine.requests, "underfunded entry must stop before the broker")
	assert.Equal(t, model.SignalStatusRejected, f.signals.statuses[7])
}

func TestExecuteSignalUnconfirmedEntryLeavesLedgerAlone(t *testing.T) {
	f := newFixture(t)
	f.engine.result = &execution.Result{
		Success:  true,
		Executed: false,
		OrderID:  "ord-slow",
	}

	resp, err := f.ctrl.ExecuteSignal(context.Background(), entrySignal())
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Empty(t, resp.PositionID)
	assert.Empty(t, f.ledger.created, "unconfirmed fill must not create a position")
	assert.Empty(t, f.scheduler.scheduled)
}

func TestExecuteSignalExitUnwindsMatchingPositions(t *testing.T) {
	f := newFixture(t)
	f.ledger.open = []model.Position{
		{PositionID: "pos-a", Symbol: "NIFTY24JAN18400CE", Exchange: "NFO",
			Side: model.PositionSideLong, Status: model.PositionStatusOpen, RemainingQuantity: 50},
		{PositionID: "pos-b", Symbol: "BANKNIFTY24JAN45000CE", Exchange: "NFO",
			Side: model.PositionSideLong, Status: model.PositionStatusOpen, RemainingQuantity: 25},
	}

	signal := &model.TradingSignal{ID: 9, Action: "EXIT", Symbol: "NIFTY"}
	resp, err := f.ctrl.ExecuteSignal(context.Background(), signal)
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, []string{"pos-a"}, f.ledger.exits, "only the configured underlying unwinds")
	assert.Equal(t, model.SignalStatusExecuted, f.signals.statuses[9])
}

func TestExecuteSignalExitWithNothingOpen(t *testing.T) {
	f := newFixture(t)

	signal := &model.TradingSignal{ID: 9, Action: "EXIT", Symbol: "NIFTY"}
	resp, err := f.ctrl.ExecuteSignal(context.Background(), signal)
	require.NoError(t, err)

	assert.True(t, resp.Skipped)
	assert.Equal(t, model.SignalStatusSkipped, f.signals.statuses[9])
}

func TestSettlePendingOrders(t *testing.T) {
	t.Run("late entry fill becomes a position", func(t *testing.T) {
		f := newFixture(t)
		sigID := uint(7)
		f.signals.byID = map[uint]*model.TradingSignal{7: {ID: 7, UserID: 3, Source: "tradingview"}}
		f.engine.pending = []execution.PendingOutcome{{
			State: &model.OrderState{
				ID:              1,
				ExecutionID:     "exec-1",
				SignalID:        &sigID,
				Symbol:          "NIFTY24JAN18350CE",
				Exchange:        "NFO",
				TransactionType: connectors.TransactionTypeBuy,
				Tag:             "sig-7",
			},
			Result: &execution.Result{
				Success:          true,
				Executed:         true,
				OrderID:          "ord-late",
				ExecutedQuantity: 50,
				ExecutedPrice:    151,
			},
		}}

		require.NoError(t, f.ctrl.SettlePendingOrders(context.Background()))

		require.Len(t, f.ledger.created, 1)
		created := f.ledger.created[0]
		assert.Equal(t, "NIFTY24JAN18350CE", created.Symbol)
		assert.Equal(t, "CE", created.InstrumentType)
		assert.Equal(t, model.PositionSideLong, created.Side)
		assert.Equal(t, 151.0, created.EntryPrice)
		assert.EqualValues(t, 3, created.UserID)
		assert.Equal(t, []string{"pos-new"}, f.scheduler.scheduled, "late entry still gets its square-off")
		assert.Equal(t, model.SignalStatusExecuted, f.signals.statuses[7])
	})

	t.Run("late exit fill lands against its position", func(t *testing.T) {
		f := newFixture(t)
		f.engine.pending = []execution.PendingOutcome{{
			State: &model.OrderState{
				ID:         2,
				PositionID: "pos-a",
				Symbol:     "NIFTY24JAN18400CE",
				Tag:        "sqoff-" + model.ExitReasonAutoSquareOff,
			},
			Result: &execution.Result{
				Success:          true,
				Executed:         true,
				OrderID:          "ord-late",
				ExecutedQuantity: 50,
				ExecutedPrice:    140,
			},
		}}

		require.NoError(t, f.ctrl.SettlePendingOrders(context.Background()))

		assert.Equal(t, []string{"pos-a"}, f.ledger.exits)
		assert.Equal(t, model.ExitReasonAutoSquareOff, f.ledger.exitReasons["pos-a"],
			"exit reason must survive the round trip through the order tag")
		assert.Empty(t, f.ledger.created)
	})

	t.Run("late rejection releases the signal", func(t *testing.T) {
		f := newFixture(t)
		sigID := uint(7)
		f.engine.pending = []execution.PendingOutcome{{
			State:  &model.OrderState{ID: 3, SignalID: &sigID, Symbol: "NIFTY24JAN18350CE"},
			Result: &execution.Result{Success: false, Reason: "cancelled by rms"},
		}}

		require.NoError(t, f.ctrl.SettlePendingOrders(context.Background()))

		assert.Empty(t, f.ledger.created)
		assert.Empty(t, f.scheduler.scheduled)
		assert.Equal(t, model.SignalStatusRejected, f.signals.statuses[7])
	})

	t.Run("nothing pending is a no-op", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ctrl.SettlePendingOrders(context.Background()))
		assert.Empty(t, f.ledger.created)
		assert.Empty(t, f.ledger.exits)
	})
}

func TestSquareOff(t *testing.T) {
	t.Run("confirmed exit lands in the ledger", func(t *testing.T) {
		f := newFixture(t)
		f.engine.result = &execution.Result{
			Success:          true,
			Executed:         true,
			OrderID:          "ord-x",
			ExecutedQuantity: 50,
			ExecutedPrice:    140,
		}

		position := &model.Position{
			PositionID:        "pos-a",
			Symbol:            "NIFTY24JAN18400CE",
			Exchange:          "NFO",
			Side:              model.PositionSideLong,
			Status:            model.PositionStatusOpen,
			RemainingQuantity: 50,
		}

		require.NoError(t, f.ctrl.SquareOff(context.Background(), position, model.ExitReasonAutoSquareOff))

		require.Len(t, f.engine.requests, 1)
		params := f.engine.requests[0].Params
		assert.Equal(t, connectors.TransactionTypeSell, params.TransactionType)
		assert.Equal(t, 50, params.Quantity)
		assert.Equal(t, "sqoff-"+model.ExitReasonAutoSquareOff, params.Tag)
		assert.Equal(t, []string{"pos-a"}, f.ledger.exits)
	})

	t.Run("short positions buy to cover", func(t *testing.T) {
		f := newFixture(t)
		position := &model.Position{
			PositionID:        "pos-s",
			Symbol:            "NIFTY24JAN18400PE",
			Side:              model.PositionSideShort,
			Status:            model.PositionStatusOpen,
			RemainingQuantity: 50,
		}

		require.NoError(t, f.ctrl.SquareOff(context.Background(), position, model.ExitReasonManual))
		assert.Equal(t, connectors.TransactionTypeBuy, f.engine.requests[0].Params.TransactionType)
	})

	t.Run("unconfirmed exit is an error", func(t *testing.T) {
		f := newFixture(t)
		f.engine.result = &execution.Result{Success: true, Executed: false, OrderID: "ord-y"}

		position := &model.Position{
			PositionID:        "pos-a",
			Symbol:            "NIFTY24JAN18400CE",
			Side:              model.PositionSideLong,
			Status:            model.PositionStatusOpen,
			RemainingQuantity: 50,
		}

		err := f.ctrl.SquareOff(context.Background(), position, model.ExitReasonAutoSquareOff)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unconfirmed")
		assert.Empty(t, f.ledger.exits)
	})
}
