package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dkruthoff/membership-billing/internal/core/events"
	"github.com/dkruthoff/membership-billing/pkg/logger"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Background workers",
	Long:  `Start background workers that react to settlement events.`,
}

// Event Bus worker command
var eventWorkerCmd = &cobra.Command{
	Use:   "events",
	Short: "Start the settlement event worker",
	Long:  `Subscribes to payment settlement events. Receipt mail and member notifications hang off these subscriptions.`,
	Run: func(cmd *cobra.Command, args []string) {
		startEventWorker()
	},
}

func startEventWorker() {
	config, err := loadConfig(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	log := logger.LoggerWrapper()

	eventBus := events.NewEventBus(log)

	eventBus.Subscribe(events.TypePaymentSettled, func(ctx context.Context, event events.Event) error {
		log.Info("payment settled",
			"event_id", event.EventID(),
			"payload", event.Payload())
		return nil
	})

	eventBus.Subscribe(events.TypePaymentFailed, func(ctx context.Context, event events.Event) error {
		log.Warn("payment failed",
			"event_id", event.EventID(),
			"payload", event.Payload())
		return nil
	})

	eventBus.Subscribe(events.TypeSubscriptionChanged, func(ctx context.Context, event events.Event) error {
		log.Info("subscription changed",
			"event_id", event.EventID(),
			"payload", event.Payload())
		return nil
	})

	log.Info("event worker started. Waiting for events...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("received signal, shutting down event worker", "signal", sig)
}

func init() {
	workerCmd.AddCommand(eventWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
