package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "rawstore",
	Short: "Raw message ingestion bridge",
	Long:  `rawstore subscribes to a wildcard MQTT topic space and persists every message verbatim into MongoDB.`,
}

// Execute runs the command tree. Any error exits the process non-zero.
func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}

func init() {
	viper.AutomaticEnv()
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tailCmd)
}

// setupLogging builds the root logger. An absent or unrecognized level name
// falls back to debug so misconfiguration surfaces everything rather than
// hiding it.
func setupLogging() zerolog.Logger {
	levelName := strings.ToLower(viper.GetString("log_level"))
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "rawstore").Logger()
	if err != nil {
		logger.Warn().Str("log_level", levelName).Msg("Unrecognized log level, falling back to debug.")
	}
	logger.Info().Str("log_level", level.String()).Msg("Logging configured.")
	return logger
}
