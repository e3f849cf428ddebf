package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sealor/ops-assistant/pkg/backend"
	"github.com/sealor/ops-assistant/pkg/config"
	"github.com/sealor/ops-assistant/pkg/conversation"
	"github.com/sealor/ops-assistant/pkg/logger"
	"github.com/sealor/ops-assistant/pkg/metrics"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "assistant",
	Short: "Terminal client for the restaurant operations assistant",
	Long: `assistant talks to the operations assistant backend: it streams answers,
shows tool and sub-agent progress, lets you confirm or reject actions the
assistant wants to take, and manages saved conversations.

Configuration is read from ASSISTANT_* environment variables and .env files.

Examples:
  assistant chat
  assistant chat --message "How were sales yesterday?"
  assistant conversations list`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(conversationsCmd)

	rootCmd.PersistentFlags().StringSlice("env-file", []string{".env"}, "dotenv files to load before reading the environment")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level")
}

// app bundles the collaborators every command needs.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Recorder
	client   *backend.Client
	store    *conversation.Store
}

func newApp(cmd *cobra.Command) (*app, error) {
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	rec := metrics.New(registry)

	client := backend.NewClient(backend.Options{
		BaseURL:           cfg.BaseURL,
		StreamPath:        cfg.StreamPath,
		ConversationsPath: cfg.ConversationsPath,
		AuthToken:         cfg.AuthToken,
		Cookie:            cfg.Cookie,
		RequestTimeout:    cfg.RequestTimeout,
	}, log)

	return &app{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  rec,
		client:   client,
		store:    conversation.NewStore(client, log, rec),
	}, nil
}
