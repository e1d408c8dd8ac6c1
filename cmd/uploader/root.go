package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/k8ika0s/image-store-uploader/internal/service"
	"github.com/k8ika0s/image-store-uploader/internal/store"
)

func newRootCmd(cfg *service.Config) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:           "uploader",
		Short:         "Upload raw images, sidecars and processed images to the image store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("log-level") {
				service.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfg.StoreURL, "store-url", cfg.StoreURL, "store base endpoint (scheme://host:port)")
	cmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")

	for _, kind := range store.Kinds {
		cmd.AddCommand(newUploadCmd(cfg, kind, &jsonOutput))
	}
	cmd.AddCommand(
		newEnqueueCmd(cfg, &jsonOutput),
		newServeCmd(cfg),
	)
	return cmd
}
