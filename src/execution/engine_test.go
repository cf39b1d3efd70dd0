package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/src/connectors"
	"tradebot/src/model"
)

type fakeBroker struct {
	connectors.Broker

	placeFn func(params connectors.OrderParams) (*connectors.OrderReceipt, error)
	orderFn func(call int) (*connectors.BrokerOrder, error)
	calls   int
}

func (f *fakeBroker) PlaceOrder(_ context.Context, _ string, params connectors.OrderParams) (*connectors.OrderReceipt, error) {
	return f.placeFn(params)
}

func (f *fakeBroker) GetOrder(_ context.Context, _ string) (*connectors.BrokerOrder, error) {
	f.calls++
	return f.orderFn(f.calls)
}

type fakeStates struct {
	created []*model.OrderState
	saved   []model.OrderState
	logs    []string
	pending []model.OrderState
}

func (f *fakeStates) Create(_ context.Context, state *model.OrderState) error {
	state.ID = uint(len(f.created) + 1)
	f.created = append(f.created, state)
	return nil
}

func (f *fakeStates) Save(_ context.Context, state *model.OrderState) error {
	f.saved = append(f.saved, *state)
	return nil
}

func (f *fakeStates) AppendLog(_ context.Context, _ uint, action, _, _ string) {
	f.logs = append(f.logs, action)
}

func (f *fakeStates) FindPendingConfirmation(_ context.Context) ([]model.OrderState, error) {
	return f.pending, nil
}

func newTestEngine(broker connectors.Broker, states stateStore) *Engine {
	return &Engine{
		broker:       broker,
		states:       states,
		pollInterval: time.Millisecond,
		waitBudget:   100 * time.Millisecond,
	}
}

func marketBuy(qty int) Request {
	return Request{
		Params: connectors.OrderParams{
			Exchange:        "NFO",
			TradingSymbol:   "NIFTY24JAN18500CE",
			TransactionType: connectors.TransactionTypeBuy,
			OrderType:       connectors.OrderTypeMarket,
			Quantity:        qty,
		},
	}
}

func TestExecuteOrderConfirmedFill(t *testing.T) {
	broker := &fakeBroker{
		placeFn: func(connectors.OrderParams) (*connectors.OrderReceipt, error) {
			return &connectors.OrderReceipt{OrderID: "ord-1"}, nil
		},
		orderFn: func(call int) (*connectors.BrokerOrder, error) {
			if call < 3 {
				return &connectors.BrokerOrder{OrderID: "ord-1", Status: connectors.OrderStatusOpen}, nil
			}
			return &connectors.BrokerOrder{
				OrderID:        "ord-1",
				Status:         connectors.OrderStatusComplete,
				FilledQuantity: 50,
				AveragePrice:   151.25,
			}, nil
		},
	}
	states := &fakeStates{}

	result, err := newTestEngine(broker, states).ExecuteOrder(context.Background(), marketBuy(50))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Executed)
	assert.Equal(t, "ord-1", result.OrderID)
	assert.Equal(t, 50, result.ExecutedQuantity)
	assert.Equal(t, 151.25, result.ExecutedPrice)

	final := states.saved[len(states.saved)-1]
	assert.Equal(t, model.PlacementStatusPlaced, final.PlacementStatus)
	assert.Equal(t, model.ConfirmationStatusConfirmed, final.ConfirmationStatus)
	assert.GreaterOrEqual(t, final.Attempts, 3)
	assert.Contains(t, states.logs, "confirmed")
}

func TestExecuteOrderRejected(t *testing.T) {
	broker := &fakeBroker{
		placeFn: func(connectors.OrderParams) (*connectors.OrderReceipt, error) {
			return &connectors.OrderReceipt{OrderID: "ord-2"}, nil
		},
		orderFn: func(int) (*connectors.BrokerOrder, error) {
			return &connectors.BrokerOrder{
				OrderID:       "ord-2",
				Status:        connectors.OrderStatusRejected,
				StatusMessage: "insufficient margin",
			}, nil
		},
	}
	states := &fakeStates{}

	result, err := newTestEngine(broker, states).ExecuteOrder(context.Background(), marketBuy(50))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.False(t, result.Executed)
	assert.Equal(t, "insufficient margin", result.Reason)

	final := states.saved[len(states.saved)-1]
	assert.Equal(t, model.ConfirmationStatusFailed, final.ConfirmationStatus)
}

func TestExecuteOrderLeftPendingAfterBudget(t *testing.T) {
	broker := &fakeBroker{
		placeFn: func(connectors.OrderParams) (*connectors.OrderReceipt, error) {
			return &connectors.OrderReceipt{OrderID: "ord-3"}, nil
		},
		orderFn: func(int) (*connectors.BrokerOrder, error) {
			return &connectors.BrokerOrder{
				OrderID:         "ord-3",
				Status:          connectors.OrderStatusOpen,
				FilledQuantity:  20,
				PendingQuantity: 30,
				AveragePrice:    150.5,
			}, nil
		},
	}
	states := &fakeStates{}

	result, err := newTestEngine(broker, states).ExecuteOrder(context.Background(), marketBuy(50))
	require.NoError(t, err)

	// Unconfirmed is not failed: the order is still live at the broker.
	assert.True(t, result.Success)
	assert.False(t, result.Executed)
	assert.Equal(t, 20, result.ExecutedQuantity)
	assert.Equal(t, 30, result.PendingQuantity)

	final := states.saved[len(states.saved)-1]
	assert.Equal(t, model.ConfirmationStatusPending, final.ConfirmationStatus)
	assert.Contains(t, states.logs, "left_pending")
}

func TestExecuteOrderPlacementFailures(t *testing.T) {
	t.Run("auth failure asks for re-auth", func(t *testing.T) {
		broker := &fakeBroker{
			placeFn: func(connectors.OrderParams) (*connectors.OrderReceipt, error) {
				return nil, connectors.ErrTokenExpired
			},
		}
		states := &fakeStates{}

		result, err := newTestEngine(broker, states).ExecuteOrder(context.Background(), marketBuy(50))
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.True(t, result.NeedsReauth)
		assert.Equal(t, "needs re-auth", result.Reason)
		assert.Equal(t, model.PlacementStatusError, states.saved[0].PlacementStatus)
	})

	t.Run("broker rejection fails placement", func(t *testing.T) {
		broker := &fakeBroker{
			placeFn: func(connectors.OrderParams) (*connectors.OrderReceipt, error) {
				return nil, errors.New("quantity not a lot multiple")
			},
		}
		states := &fakeStates{}

		result, err := newTestEngine(broker, states).ExecuteOrder(context.Background(), marketBuy(50))
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.False(t, result.NeedsReauth)
		assert.Equal(t, model.PlacementStatusFailed, states.saved[0].PlacementStatus)
	})
}

func TestResolvePendingSettlesLateTerminalOrders(t *testing.T) {
	pendingState := func(id uint, orderID string) model.OrderState {
		return model.OrderState{
			ID:                 id,
			BrokerOrderID:      orderID,
			Quantity:           50,
			PlacementStatus:    model.PlacementStatusPlaced,
			ConfirmationStatus: model.ConfirmationStatusPending,
		}
	}

	broker := &fakeBroker{
		orderFn: func(call int) (*connectors.BrokerOrder, error) {
			switch call {
			case 1:
				return &connectors.BrokerOrder{
					OrderID:        "ord-1",
					Status:         connectors.OrderStatusComplete,
					FilledQuantity: 50,
					AveragePrice:   149.8,
				}, nil
			case 2:
				return &connectors.BrokerOrder{OrderID: "ord-2", Status: connectors.OrderStatusOpen}, nil
			default:
				return &connectors.BrokerOrder{
					OrderID:       "ord-3",
					Status:        connectors.OrderStatusRejected,
					StatusMessage: "cancelled by rms",
				}, nil
			}
		},
	}
	states := &fakeStates{pending: []model.OrderState{
		pendingState(1, "ord-1"),
		pendingState(2, "ord-2"),
		pendingState(3, "ord-3"),
	}}

	outcomes, err := newTestEngine(broker, states).ResolvePending(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 2, "the still-open order must stay pending")

	assert.True(t, outcomes[0].Result.Executed)
	assert.Equal(t, 50, outcomes[0].Result.ExecutedQuantity)
	assert.Equal(t, 149.8, outcomes[0].Result.ExecutedPrice)
	assert.Equal(t, model.ConfirmationStatusConfirmed, outcomes[0].State.ConfirmationStatus)

	assert.Equal(t, uint(3), outcomes[1].State.ID)
	assert.False(t, outcomes[1].Result.Success)
	assert.Equal(t, "cancelled by rms", outcomes[1].Result.Reason)
	assert.Equal(t, model.ConfirmationStatusFailed, outcomes[1].State.ConfirmationStatus)
}

func TestResolvePendingAbortsOnAuthFailure(t *testing.T) {
	broker := &fakeBroker{
		orderFn: func(int) (*connectors.BrokerOrder, error) {
			return nil, connectors.ErrTokenExpired
		},
	}
	states := &fakeStates{pending: []model.OrderState{{
		ID:                 1,
		BrokerOrderID:      "ord-1",
		PlacementStatus:    model.PlacementStatusPlaced,
		ConfirmationStatus: model.ConfirmationStatusPending,
	}}}

	_, err := newTestEngine(broker, states).ResolvePending(context.Background())
	assert.ErrorIs(t, err, connectors.ErrTokenExpired)
}

func TestExecuteOrderAuthFailureDuringConfirmation(t *testing.T) {
	broker := &fakeBroker{
		placeFn: func(connectors.OrderParams) (*connectors.OrderReceipt, error) {
			return &connectors.OrderReceipt{OrderID: "ord-4"}, nil
		},
		orderFn: func(int) (*connectors.BrokerOrder, error) {
			return nil, connectors.ErrTokenExpired
		},
	}
	states := &fakeStates{}

	result, err := newTestEngine(broker, states).ExecuteOrder(context.Background(), marketBuy(50))
	require.NoError(t, err)

	// Order is placed; losing the session must not declare it failed.
	assert.True(t, result.Success)
	assert.False(t, result.Executed)
	assert.True(t, result.NeedsReauth)

	final := states.saved[len(states.saved)-1]
	assert.Equal(t, model.PlacementStatusPlaced, final.PlacementStatus)
	assert.Equal(t, model.ConfirmationStatusPending, final.ConfirmationStatus)
}
