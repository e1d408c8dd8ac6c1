package main

import (
	"os"

	"github.com/rs/zerolog/log"

	"github.com/k8ika0s/image-store-uploader/internal/service"
)

func main() {
	cfg := service.LoadConfig()
	service.SetupLogging(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err := newRootCmd(&cfg).Execute(); err != nil {
		log.Error().Err(err).Msg("uploader exited")
		os.Exit(1)
	}
}
