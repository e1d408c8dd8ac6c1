package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/k8ika0s/image-store-uploader/internal/service"
)

func newServeCmd(cfg *service.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue-draining upload worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return service.Run(ctx, *cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address")
	return cmd
}
