package executors

import (
	logger "github.com/sirupsen/logrus"

	"tradebot/src/connectors"
	"tradebot/src/controller"
	"tradebot/src/execution"
	"tradebot/src/ledger"
	"tradebot/src/reconcile"
	"tradebot/src/repository"
	"tradebot/src/scheduler"
	"tradebot/src/security"
)

// Stack is the fully wired trading core, shared by the API server and the
// executor loop.
type Stack struct {
	Broker     connectors.Broker
	Kite       *connectors.KiteClient
	Ticker     *connectors.Ticker
	Engine     *execution.Engine
	Ledger     *ledger.Ledger
	Scheduler  *scheduler.Scheduler
	Controller *controller.SignalController
	Reconciler *reconcile.Reconciler
	Signals    *repository.TradingSignalRepository
	Positions  *repository.PositionRepository
}

// BuildStack wires every component in dependency order. The database must
// be initialized first.
func BuildStack() (*Stack, error) {
	connCfg := connectors.GetConfig()
	kite := connectors.NewKiteClient(connCfg)

	if sealed := GetConfig().SealedAccessToken; sealed != "" {
		token, err := security.DecryptString(sealed)
		if err != nil {
			return nil, err
		}
		kite.SetAccessToken(token)
		logger.Info("Unsealed broker access token")
	}

	broker := connectors.NewCircuitBreakerBroker(kite)

	states := repository.NewOrderStateRepository()
	positions := repository.NewPositionRepository()
	signals := repository.NewTradingSignalRepository()
	exceptions := repository.NewExceptionRepository()

	engine := execution.NewEngine(broker, states)
	positionLedger := ledger.NewLedger(positions)
	reconciler := reconcile.NewReconciler(broker, positionLedger, repository.NewReconciliationRepository())

	signalController := controller.NewSignalController(
		broker, engine, positionLedger, signals, states, exceptions)

	exitScheduler, err := scheduler.NewScheduler(
		repository.NewScheduledExitRepository(), positions, signalController, reconciler)
	if err != nil {
		return nil, err
	}

	// Scheduler and controller/ledger reference each other; close the loop
	// after construction.
	signalController.SetScheduler(exitScheduler)
	positionLedger.SetExitCanceller(exitScheduler)

	return &Stack{
		Broker:     broker,
		Kite:       kite,
		Ticker:     connectors.NewTicker(connCfg),
		Engine:     engine,
		Ledger:     positionLedger,
		Scheduler:  exitScheduler,
		Controller: signalController,
		Reconciler: reconciler,
		Signals:    signals,
		Positions:  positions,
	}, nil
}
