package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/workflow"
)

// alert-dispatcher drains the variance alert outbox until interrupted.
func main() {
	batchSize := flag.Int("batch-size", 50, "Rows claimed per poll")
	pollInterval := flag.Duration("poll-interval", 500*time.Millisecond, "Delay between polls")
	maxAttempts := flag.Int("max-attempts", 20, "Publish attempts before a row goes DEAD")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()

	if _, err := config.GetPubSubClient(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "pubsub init: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := workflow.NewAlertDispatcher(db, logger)
	d.BatchSize = *batchSize
	d.PollInterval = *pollInterval
	d.MaxAttempts = *maxAttempts

	logger.WithField("dispatcher_id", d.DispatcherID).Info("alert dispatcher started")
	d.Run(ctx)
	logger.Info("alert dispatcher stopped")
}
