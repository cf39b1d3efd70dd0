package executor

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"tradebot/src/database"
	"tradebot/src/executors"
)

type Executor struct {
}

func (t *Executor) Start() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	// Initialize main (read/write) database
	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to main database")
		return err
	}

	stack, err := executors.BuildStack()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build trading stack")
		return err
	}

	if err := stack.Scheduler.Initialize(ctx); err != nil {
		logrus.WithError(err).Error("Failed to initialize exit scheduler")
		return err
	}
	defer stack.Scheduler.Shutdown()

	if err := executors.StartLoop(ctx, stack); err != nil {
		logrus.WithError(err).Error("Failed to run executor loop")
		return err
	}

	return nil
}
