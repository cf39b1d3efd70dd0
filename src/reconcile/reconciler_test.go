package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/src/connectors"
	"tradebot/src/model"
)

type fakeBroker struct {
	connectors.Broker

	positions []connectors.BrokerPosition
	err       error
}

func (f *fakeBroker) GetPositions(_ context.Context) ([]connectors.BrokerPosition, error) {
	return f.positions, f.err
}

type fakeLedger struct {
	open   []model.Position
	closed []string
}

func (f *fakeLedger) GetOpenPositions(_ context.Context) ([]model.Position, error) {
	return f.open, nil
}

func (f *fakeLedger) CloseExternally(_ context.Context, positionID, _ string) error {
	f.closed = append(f.closed, positionID)
	return nil
}

type fakeRecords struct {
	created []model.ReconciliationRecord
}

func (f *fakeRecords) Create(_ context.Context, record *model.ReconciliationRecord) error {
	f.created = append(f.created, *record)
	return nil
}

func openLong(id, symbol string, qty int) model.Position {
	return model.Position{
		PositionID:        id,
		Symbol:            symbol,
		Side:              model.PositionSideLong,
		Status:            model.PositionStatusOpen,
		RemainingQuantity: qty,
	}
}

func TestRunOutcomes(t *testing.T) {
	broker := &fakeBroker{positions: []connectors.BrokerPosition{
		{TradingSymbol: "NIFTY24JAN18500CE", Quantity: 50},
		{TradingSymbol: "NIFTY24JAN18600CE", Quantity: 25},
	}}
	ledger := &fakeLedger{open: []model.Position{
		openLong("pos-match", "NIFTY24JAN18500CE", 50),
		openLong("pos-gone", "BANKNIFTY24JAN45000PE", 15),
		openLong("pos-mismatch", "NIFTY24JAN18600CE", 50),
	}}
	records := &fakeRecords{}

	got, err := NewReconciler(broker, ledger, records).Run(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, got, 3)

	byID := make(map[string]model.ReconciliationRecord, len(got))
	for _, r := range got {
		byID[r.PositionID] = r
	}

	assert.Equal(t, model.ReconcileOutcomeKeepOpen, byID["pos-match"].Outcome)
	assert.False(t, byID["pos-match"].Applied)

	assert.Equal(t, model.ReconcileOutcomeClosed, byID["pos-gone"].Outcome)
	assert.True(t, byID["pos-gone"].Applied)
	assert.Equal(t, []string{"pos-gone"}, ledger.closed)

	assert.Equal(t, model.ReconcileOutcomeManualReview, byID["pos-mismatch"].Outcome)
	assert.Contains(t, byID["pos-mismatch"].Note, "ledger 50 vs broker 25")

	// Every outcome is persisted, matches included.
	assert.Len(t, records.created, 3)
	for _, r := range records.created {
		assert.NotEmpty(t, r.RunID)
		assert.False(t, r.DryRun)
	}
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	broker := &fakeBroker{}
	ledger := &fakeLedger{open: []model.Position{
		openLong("pos-gone", "NIFTY24JAN18500CE", 50),
	}}
	records := &fakeRecords{}

	got, err := NewReconciler(broker, ledger, records).Run(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, model.ReconcileOutcomeClosed, got[0].Outcome)
	assert.False(t, got[0].Applied)
	assert.True(t, got[0].DryRun)
	assert.Empty(t, ledger.closed, "dry run must not close positions")
	assert.Len(t, records.created, 1, "dry run still records its findings")
}

func TestRunNetsBrokerLegsPerSymbol(t *testing.T) {
	// Two broker legs for the same contract net out to the ledger view.
	broker := &fakeBroker{positions: []connectors.BrokerPosition{
		{TradingSymbol: "NIFTY24JAN18500CE", Quantity: 100},
		{TradingSymbol: "NIFTY24JAN18500CE", Quantity: -50},
	}}
	ledger := &fakeLedger{open: []model.Position{
		openLong("pos-1", "NIFTY24JAN18500CE", 50),
	}}
	records := &fakeRecords{}

	got, err := NewReconciler(broker, ledger, records).Run(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.ReconcileOutcomeKeepOpen, got[0].Outcome)
}

func TestRunShortPositionSigns(t *testing.T) {
	broker := &fakeBroker{positions: []connectors.BrokerPosition{
		{TradingSymbol: "NIFTY24JAN18500PE", Quantity: -75},
	}}
	short := openLong("pos-short", "NIFTY24JAN18500PE", 75)
	short.Side = model.PositionSideShort
	ledger := &fakeLedger{open: []model.Position{short}}
	records := &fakeRecords{}

	got, err := NewReconciler(broker, ledger, records).Run(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, model.ReconcileOutcomeKeepOpen, got[0].Outcome)
	assert.Equal(t, -75, got[0].LedgerQuantity)
	assert.Equal(t, -75, got[0].BrokerQuantity)
}

func TestHasBrokerPosition(t *testing.T) {
	broker := &fakeBroker{positions: []connectors.BrokerPosition{
		{TradingSymbol: "NIFTY24JAN18500CE", Quantity: 50},
		{TradingSymbol: "NIFTY24JAN18600CE", Quantity: 0},
	}}
	r := NewReconciler(broker, &fakeLedger{}, &fakeRecords{})

	has, err := r.HasBrokerPosition(context.Background(), "NIFTY24JAN18500CE")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = r.HasBrokerPosition(context.Background(), "NIFTY24JAN18600CE")
	require.NoError(t, err)
	assert.False(t, has, "zero quantity is no exposure")

	has, err = r.HasBrokerPosition(context.Background(), "UNKNOWN")
	require.NoError(t, err)
	assert.False(t, has)
}
