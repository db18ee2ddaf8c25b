package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish outbox events to the Redis stream",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := newApp(cfg)
		defer a.close()

		relay, err := a.relay(ctx)
		if err != nil {
			return err
		}
		if relayRequeue {
			if _, err := relay.RequeueDeadLetters(ctx); err != nil {
				return err
			}
		}
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

var relayRequeue bool

func init() {
	relayCmd.Flags().BoolVar(&relayRequeue, "requeue-dead", false, "Give dead-lettered events a fresh set of attempts before starting")
	rootCmd.AddCommand(relayCmd)
}
