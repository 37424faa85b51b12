package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MischaAhrens/rawstore/pkg/bridge"
	"github.com/MischaAhrens/rawstore/pkg/ingest"
	"github.com/MischaAhrens/rawstore/pkg/metrics"
	"github.com/MischaAhrens/rawstore/pkg/mongostore"
	"github.com/MischaAhrens/rawstore/pkg/mqttsource"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the ingestion bridge",
	Long:         `Connects to the store, subscribes to the configured topic filter and persists every message until terminated.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogging()

		m := metrics.New(nil)
		if err := m.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}

		srcCfg, err := sourceConfig()
		if err != nil {
			return err
		}
		pipeCfg, err := pipelineConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// The store comes first: broker traffic is never accepted while
		// persistence is unproven.
		startupCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("startup_timeout"))
		store, err := mongostore.Connect(startupCtx, storeConfig(), logger)
		cancel()
		if err != nil {
			return fmt.Errorf("store startup failed: %w", err)
		}

		writer, err := mongostore.NewWriter(writerConfig(), store.Inserter(), m, logger)
		if err != nil {
			return err
		}
		pipeline, err := ingest.NewPipeline(pipeCfg, mqttsource.Normalize, writer, m, logger)
		if err != nil {
			return err
		}
		source, err := mqttsource.New(srcCfg, pipeline.Enqueue, logger)
		if err != nil {
			return err
		}

		svc, err := bridge.New(bridgeConfig(), store, source, pipeline, m, logger)
		if err != nil {
			return err
		}
		source.OnStateChange(svc.HandleBrokerState)

		if err := svc.Start(); err != nil {
			return err
		}
		return svc.Run(ctx)
	},
}
