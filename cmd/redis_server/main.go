// Command redis_server runs an in-memory Redis for local development, so the server can
// persist task records without a real Redis install.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"

	"github.com/guido-cesarano/mediaq/pkg/logger"
)

func main() {
	var addr string
	cmd := &cobra.Command{
		Use:          "redis_server",
		Short:        "Run an in-memory Redis for development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := miniredis.NewMiniRedis()
			if err := s.StartAddr(addr); err != nil {
				return err
			}
			defer s.Close()

			logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logger.Log.Info().Msg("Shutting down MiniRedis")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6379", "Listen address")

	if err := cmd.Execute(); err != nil {
		logger.Log.Error().Err(err).Msg("Failed to start miniredis")
		os.Exit(1)
	}
}
