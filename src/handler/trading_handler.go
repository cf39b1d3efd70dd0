package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradebot/src/controller"
	"tradebot/src/model"
)

type signalExecutor interface {
	ExecuteSignal(ctx context.Context, signal *model.TradingSignal) (*controller.ExecutionResponse, error)
}

type signalWriter interface {
	Create(ctx context.Context, signal *model.TradingSignal) error
}

type positionLister interface {
	GetOpenPositions(ctx context.Context) ([]model.Position, error)
}

type reconcileRunner interface {
	Run(ctx context.Context, dryRun bool) ([]model.ReconciliationRecord, error)
}

type emergencyStopper interface {
	EmergencyStop(ctx context.Context, reason string) (int, error)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WithError(err).Error("Failed to write response")
	}
}

// ExecuteSignalHandler accepts a webhook signal, persists it and runs the
// full execution flow synchronously. Duplicate deliveries come back as
// skipped successes.
func ExecuteSignalHandler(signals signalWriter, executor signalExecutor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var signal model.TradingSignal
		if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
			http.Error(w, "invalid signal payload", http.StatusBadRequest)
			return
		}
		if signal.Action == "" || signal.Symbol == "" {
			http.Error(w, "action and symbol are required", http.StatusBadRequest)
			return
		}

		signal.Status = model.SignalStatusReceived
		signal.ReceivedAt = time.Now()
		if err := signals.Create(r.Context(), &signal); err != nil {
			logger.WithError(err).Error("Failed to persist signal")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		response, err := executor.ExecuteSignal(r.Context(), &signal)
		if err != nil {
			logger.WithError(err).Error("Signal execution failed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		status := http.StatusOK
		if !response.Success {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, response)
	}
}

// ListPositionsHandler returns every position still carrying exposure.
func ListPositionsHandler(positions positionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		open, err := positions.GetOpenPositions(r.Context())
		if err != nil {
			logger.WithError(err).Error("Failed to list positions")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, open)
	}
}

// ReconcileHandler triggers one reconciliation run. Dry-run unless
// apply=true is passed explicitly.
func ReconcileHandler(reconciler reconcileRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dryRun := r.URL.Query().Get("apply") != "true"

		records, err := reconciler.Run(r.Context(), dryRun)
		if err != nil {
			logger.WithError(err).Error("Reconciliation run failed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dryRun":  dryRun,
			"records": records,
		})
	}
}

// EmergencyStopHandler squares off everything open, immediately.
func EmergencyStopHandler(stopper emergencyStopper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "manual emergency stop"
		}

		attempted, err := stopper.EmergencyStop(r.Context(), reason)
		payload := map[string]interface{}{
			"attempted": attempted,
			"success":   err == nil,
		}
		if err != nil {
			payload["error"] = err.Error()
			writeJSON(w, http.StatusInternalServerError, payload)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}
