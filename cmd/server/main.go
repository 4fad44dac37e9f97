// Package main implements the mediaq server: an in-process download queue with a
// throttled worker pool and an HTTP admin API.
//
// API Endpoints:
//
//	POST /enqueue          - Enqueues a download
//	POST /schedule         - Enqueues a download on a cron spec
//	POST /cancel?id=       - Cancels a queued or running download
//	POST /pause, /resume   - Stops or resumes task pickup
//	GET  /status?id=       - Task record
//	GET  /result?id=       - Stored download result
//	GET  /stats            - Queue statistics
//	GET  /workers          - Worker and coordinator state
//	GET  /recommendations  - Scaling recommendations
//	GET  /ratelimits       - Rate limiter statistics (?category=&account= for one status)
//	GET  /tasks?list=      - Recent completed (history) or failed (dead_letter) records
//	GET  /metrics          - Prometheus metrics
//
// Request Format:
//
//	{
//	  "url": "https://cdn.example.com/video.mp4",
//	  "category": "download",
//	  "priority": "high",
//	  "thumbnail": true
//	}
//
// Usage:
//
//	go run ./cmd/server run --config config/config.yaml
package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/guido-cesarano/mediaq/pkg/config"
	"github.com/guido-cesarano/mediaq/pkg/logger"
)

const configFlag = "config"

// rootCmd is the mediaq command tree.
func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mediaq",
		SilenceUsage: true,
		Short:        "Throttled media download scheduler",
	}
	cmd.PersistentFlags().String(configFlag, "", "Path to the YAML configuration file")

	cmd.AddCommand(runCmd(), configCmd())
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the queue workers and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.HTTP.APIKey = redact(cfg.HTTP.APIKey)
			cfg.Redis.Password = redact(cfg.Redis.Password)
			logger.Log.Info().Interface("config", cfg).Msg("Effective configuration")
			return nil
		},
	}
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func loadConfig(cmd *cobra.Command) (config.Configuration, error) {
	path, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return config.Configuration{}, err
	}
	return config.Load(path)
}

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		logger.Log.Error().Err(err).Msg("mediaq failed")
		os.Exit(1)
	}
}
