package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maltedev/catalog-extractor/internal/events"
	"github.com/maltedev/catalog-extractor/internal/models"
	"github.com/maltedev/catalog-extractor/internal/pipeline"
	"github.com/maltedev/catalog-extractor/internal/scraper"
)

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Extract products from every category published to the stream",
	Long: `follow joins a consumer group on the catalog stream and runs a product job
for each CATEGORY_DISCOVERED event. Events whose products cannot be stored stay
pending in the group.`,
	RunE: follow,
}

var (
	followGroup string
	followName  string
	followSink  string
)

func init() {
	host, _ := os.Hostname()
	if host == "" {
		host = "follower"
	}
	followCmd.Flags().StringVar(&followGroup, "group", "catalog-followers", "Consumer group name")
	followCmd.Flags().StringVar(&followName, "consumer", host, "Consumer name within the group")
	followCmd.Flags().StringVar(&followSink, "sink", "", "Sink for extracted products (overrides SINK_TYPE)")
	rootCmd.AddCommand(followCmd)
}

func follow(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sinkKind := cfg.Sink.Type
	if followSink != "" {
		sinkKind = followSink
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg)
	defer a.close()

	client, err := a.redis(ctx)
	if err != nil {
		return err
	}
	orch, err := a.pipeline(ctx, sinkKind, nil)
	if err != nil {
		return err
	}

	consumer := events.NewConsumer(client, events.ConsumerConfig{
		Stream: cfg.Relay.Stream,
		Group:  followGroup,
		Name:   followName,
		Types:  []events.EventType{events.EventTypeCategoryDiscovered},
	}, a.logger)

	err = consumer.Run(ctx, productJobs(orch))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type batchRunner interface {
	RunBatch(ctx context.Context, jobs []models.ExtractionJob, concurrency int) []models.Outcome
}

// productJobs turns each discovered category into a product job. Persistence
// failures and cancelled jobs keep the event pending; extraction failures are
// final.
func productJobs(runner batchRunner) events.Handler {
	return func(ctx context.Context, ev events.StreamEvent) error {
		category, err := ev.DecodeCategory()
		if err != nil {
			return err
		}

		job := models.NewExtractionJob(category.URL, models.KindProductPage)
		outcomes := runner.RunBatch(ctx, []models.ExtractionJob{*job}, 1)
		if len(outcomes) == 0 {
			return fmt.Errorf("no outcome for %s", category.URL)
		}
		switch o := outcomes[0]; scraper.ErrorKind(o.ErrorKind) {
		case scraper.KindPersistenceFailure, scraper.KindCancelled:
			return fmt.Errorf("category %s: %s: %s", category.URL, o.ErrorKind, o.Error)
		}
		return nil
	}
}

var _ batchRunner = (*pipeline.Orchestrator)(nil)
