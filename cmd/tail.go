package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MischaAhrens/rawstore/pkg/mongostore"
)

var (
	tailTopic string
	tailLimit int64
)

var tailCmd = &cobra.Command{
	Use:          "tail",
	Short:        "Print the newest stored raw messages as JSON lines",
	Long:         `Reads the most recent records from the store so operators can verify the end-to-end path. Payloads are base64 in the JSON output.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogging()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		startupCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("startup_timeout"))
		store, err := mongostore.Connect(startupCtx, storeConfig(), logger)
		cancel()
		if err != nil {
			return fmt.Errorf("store startup failed: %w", err)
		}
		defer func() { _ = store.Close(context.Background()) }()

		records, err := store.Reader().Tail(ctx, tailTopic, tailLimit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		// Oldest first reads naturally in a terminal.
		for i := len(records) - 1; i >= 0; i-- {
			if err := enc.Encode(records[i]); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().StringVar(&tailTopic, "topic", "", "only records for this exact topic")
	tailCmd.Flags().Int64Var(&tailLimit, "limit", 20, "maximum number of records")
}
