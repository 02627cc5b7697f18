package cmd

import (
	"context"
	"fmt"

	"example.com/backstage/services/branchops/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var replayDryRun bool

var replayCmd = &cobra.Command{
	Use:   "replay-events",
	Short: "Replay spooled domain events to the message bus",
	Long: `Sends the domain events that were spooled to disk while the message bus was
unavailable. The server does this periodically; this command is for recovering
after an outage without waiting, or for inspecting the spool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "List spooled events without sending them")
}

func runReplay(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	spool, err := infrastructure.NewEventSpool(cfg.ServiceBus.SpoolPath, cfg.ServiceBus.SpoolMaxBytes, cfg.ServiceBus.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to open event spool: %w", err)
	}
	defer spool.Close()

	if replayDryRun {
		entries, err := spool.Entries()
		if err != nil {
			return err
		}
		for _, e := range entries {
			logger.WithFields(logrus.Fields{
				"id":         e.ID,
				"event_type": e.Event.Type,
				"subject":    e.Event.Subject,
				"spooled_at": e.SpooledAt,
				"attempts":   e.Attempts,
			}).Info("Spooled event")
		}
		logger.WithField("count", len(entries)).Info("Dry run complete")
		return nil
	}

	if cfg.ServiceBus.ConnectionString == "" {
		return fmt.Errorf("service_bus.connection_string is required to replay events")
	}

	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus, logger)
	if err != nil {
		return fmt.Errorf("messaging connection failed: %w", err)
	}
	defer messaging.Close()

	stats, err := messaging.WithSpool(spool).Replay(ctx)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"sent":      stats.Sent,
		"retained":  stats.Retained,
		"discarded": stats.Discarded,
	}).Info("Replay completed")

	if stats.Retained > 0 {
		logger.Warnf("%d events could not be sent and remain spooled", stats.Retained)
	}
	return nil
}
