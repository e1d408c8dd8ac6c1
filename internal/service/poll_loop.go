package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// startPollLoop runs pollLoop in the background. The returned channel is
// closed once the loop has exited, including any drain it was running.
func startPollLoop(ctx context.Context, cfg Config, drain func(context.Context) (DrainSummary, bool, error)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		pollLoop(ctx, cfg, drain)
	}()
	return done
}

func pollLoop(ctx context.Context, cfg Config, drain func(context.Context) (DrainSummary, bool, error)) {
	interval := time.Duration(cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		runCtx, cancel := context.WithTimeout(ctx, 30*time.Minute)
		summary, ran, err := drain(runCtx)
		cancel()
		switch {
		case err != nil:
			log.Error().Err(err).Msg("poll loop: drain failed")
		case !ran:
			log.Debug().Msg("poll loop: skip (drain already running)")
		case summary.Popped > 0:
			log.Info().Int("popped", summary.Popped).Int("uploaded", summary.Uploaded).
				Int("failed", summary.Failed).Int("requeued", summary.Requeued).Msg("poll loop: drained")
		}
		timer.Reset(interval)
	}
}
