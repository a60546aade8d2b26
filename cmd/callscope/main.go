package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/snarg/callscope/internal/config"
	"github.com/spf13/cobra"
)

var version = "dev"

var overrides config.Overrides

var rootCmd = &cobra.Command{
	Use:   "callscope",
	Short: "Interruption and latency analytics for voice agent calls",
	Long: `callscope ingests finished voice agent calls over MQTT, HTTP and a watch
directory, finds interruptions and response latency in each transcript, and
serves per-call and rolled-up percentiles over a REST and streaming API.

Running callscope without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	pf.StringVar(&overrides.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&overrides.DatabaseURL, "database-url", "", "PostgreSQL connection URL")

	f := rootCmd.Flags()
	f.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address")
	f.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL")
	f.StringVar(&overrides.WatchDir, "watch-dir", "", "directory to watch for transcript files")
	f.StringVar(&overrides.ArchiveDir, "archive-dir", "", "directory for archived raw transcripts")
	serveCmd.Flags().AddFlagSet(f)

	rootCmd.AddCommand(serveCmd, migrateCmd, analyzeCmd, versionCmd)
}

// loadConfig resolves configuration and builds the process logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(overrides)
	if err != nil {
		return nil, zerolog.New(os.Stderr).With().Timestamp().Logger(), err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func newLogger(levelName string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil || levelName == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "callscope", version)
	},
}
