// Package reconcile audits ledger positions against broker-reported truth.
// The broker always wins: the ledger is only ever closed down to match it,
// never adjusted up, and ambiguous differences go to manual review.
package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"tradebot/src/connectors"
	"tradebot/src/model"
)

// positionLedger is the slice of the ledger the reconciler needs.
type positionLedger interface {
	GetOpenPositions(ctx context.Context) ([]model.Position, error)
	CloseExternally(ctx context.Context, positionID, reason string) error
}

// recordStore persists reconciliation outcomes.
type recordStore interface {
	Create(ctx context.Context, record *model.ReconciliationRecord) error
}

// Reconciler compares every open ledger position with the broker book.
type Reconciler struct {
	broker  connectors.Broker
	ledger  positionLedger
	records recordStore
}

func NewReconciler(broker connectors.Broker, ledger positionLedger, records recordStore) *Reconciler {
	return &Reconciler{broker: broker, ledger: ledger, records: records}
}

// HasBrokerPosition reports whether the broker currently shows non-zero
// exposure for a symbol. Used by the exit scheduler as a pre-flight check.
func (r *Reconciler) HasBrokerPosition(ctx context.Context, symbol string) (bool, error) {
	positions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range positions {
		if p.TradingSymbol == symbol && p.Quantity != 0 {
			return true, nil
		}
	}
	return false, nil
}

// Run executes one reconciliation pass. With dryRun set, outcomes are
// recorded but nothing is written to the ledger; this is the default mode
// so an operator reviews a run before letting it close positions.
func (r *Reconciler) Run(ctx context.Context, dryRun bool) ([]model.ReconciliationRecord, error) {
	runID := uuid.NewString()
	log := logger.WithFields(logger.Fields{
		"run_id":  runID,
		"dry_run": dryRun,
	})
	log.Info("Starting reconciliation run")

	brokerPositions, err := r.broker.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch broker positions: %w", err)
	}

	// Signed net quantity per symbol; long positive, short negative.
	brokerQty := make(map[string]int, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerQty[p.TradingSymbol] += p.Quantity
	}

	open, err := r.ledger.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch open ledger positions: %w", err)
	}

	records := make([]model.ReconciliationRecord, 0, len(open))
	for i := range open {
		position := &open[i]
		record := r.reconcileOne(ctx, position, brokerQty[position.Symbol], runID, dryRun)
		records = append(records, *record)
	}

	log.WithField("positions", len(records)).Info("Reconciliation run finished")
	return records, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, position *model.Position, brokerSigned int, runID string, dryRun bool) *model.ReconciliationRecord {
	ledgerSigned := position.RemainingQuantity * position.Direction()

	record := &model.ReconciliationRecord{
		RunID:          runID,
		PositionID:     position.PositionID,
		Symbol:         position.Symbol,
		LedgerQuantity: ledgerSigned,
		BrokerQuantity: brokerSigned,
		DryRun:         dryRun,
	}

	log := logger.WithFields(logger.Fields{
		"run_id":      runID,
		"position_id": position.PositionID,
		"symbol":      position.Symbol,
		"ledger_qty":  ledgerSigned,
		"broker_qty":  brokerSigned,
	})

	switch {
	case brokerSigned == ledgerSigned:
		record.Outcome = model.ReconcileOutcomeKeepOpen
		log.Debug("Ledger matches broker")

	case brokerSigned == 0:
		record.Outcome = model.ReconcileOutcomeClosed
		record.Note = "broker shows no exposure, position closed externally"
		log.Warn("Broker shows no exposure for open ledger position")

		if !dryRun {
			if err := r.ledger.CloseExternally(ctx, position.PositionID, model.ExitReasonExternalManual); err != nil {
				record.Note = "close failed: " + err.Error()
				log.WithError(err).Error("Failed to close position during reconciliation")
			} else {
				record.Applied = true
			}
		}

	default:
		// Partial external exits, strategy overlap, anything we cannot
		// attribute: a human decides.
		record.Outcome = model.ReconcileOutcomeManualReview
		record.Note = fmt.Sprintf("quantity mismatch: ledger %d vs broker %d", ledgerSigned, brokerSigned)
		log.Error("Ledger/broker quantity mismatch, flagging for manual review")
	}

	if err := r.records.Create(ctx, record); err != nil {
		log.WithError(err).Error("Failed to persist reconciliation record")
	}
	return record
}
