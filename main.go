package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradebot/src/database"
	"tradebot/src/executors"
	"tradebot/src/handler"
	"tradebot/src/server"
)

var (
	APP_NAME = os.Getenv("APP_NAME")
)

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.DebugLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()
	defer handlePanic()

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	stack, err := executors.BuildStack()
	if err != nil {
		logger.WithError(err).Fatal("Failed to build trading stack")
	}

	// Recover durable exit schedules before accepting any traffic.
	if err := stack.Scheduler.Initialize(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to initialize exit scheduler")
	}
	defer stack.Scheduler.Shutdown()

	server.StartServer(server.GetConfig(), server.Routes{
		ExecuteSignal: handler.ExecuteSignalHandler(stack.Signals, stack.Controller),
		ListPositions: handler.ListPositionsHandler(stack.Ledger),
		Reconcile:     handler.ReconcileHandler(stack.Reconciler),
		EmergencyStop: handler.EmergencyStopHandler(stack.Scheduler),
	})
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
	}
	//nolint
	time.Sleep(time.Second * 5)
}
