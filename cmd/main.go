package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tradebot/cmd/executor"
	"tradebot/src/database"
	"tradebot/src/executors"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Name = "Tradebot CMD"
	app.Usage = "The tradebot command line interface"

	app.Commands = []cli.Command{
		executorCMD,
		reconcileCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	executorCMD = cli.Command{
		Name:        "executor",
		Usage:       "run Executor",
		Action:      executorAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run Executor CMD`,
	}
	reconcileCMD = cli.Command{
		Name:      "reconcile",
		Usage:     "run one reconciliation pass",
		Action:    reconcileAction,
		ArgsUsage: "",
		Flags: []cli.Flag{
			cli.BoolFlag{
				Name:  "apply",
				Usage: "apply reconciliation outcomes instead of dry-run",
			},
		},
		Description: `Audit ledger positions against broker truth`,
	}
)

func executorAction(_ *cli.Context) error {

	logrus.Info("Starting executor CMD")
	logrus.WithField("cmd", "executor")

	executorLoop := &executor.Executor{}
	err := executorLoop.Start()
	if err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

func reconcileAction(c *cli.Context) error {

	logrus.Info("Starting reconcile CMD")

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	stack, err := executors.BuildStack()
	if err != nil {
		logrus.WithError(err).Error("Failed to build trading stack")
		return err
	}

	dryRun := !c.Bool("apply")
	records, err := stack.Reconciler.Run(context.Background(), dryRun)
	if err != nil {
		logrus.WithError(err).Error("Reconciliation run failed")
		return err
	}

	for _, record := range records {
		logrus.WithFields(logrus.Fields{
			"position_id": record.PositionID,
			"outcome":     record.Outcome,
			"ledger_qty":  record.LedgerQuantity,
			"broker_qty":  record.BrokerQuantity,
			"applied":     record.Applied,
		}).Info("Reconciliation outcome")
	}

	return nil
}
