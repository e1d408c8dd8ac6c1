package service

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/k8ika0s/image-store-uploader/internal/queue"
	"github.com/k8ika0s/image-store-uploader/internal/store"
)

// Run starts the worker HTTP server and the background poll loop and blocks until ctx ends.
// It returns only after the poll loop has settled its in-flight jobs and the queue is closed.
func Run(ctx context.Context, cfg Config) error {
	w, err := BuildWorker(ctx, cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	pollDone := startPollLoop(ctx, cfg, w.TryDrain)
	defer func() {
		cancel()
		<-pollDone
		if err := w.Queue.Close(); err != nil {
			log.Warn().Err(err).Msg("close queue")
		}
		log.Info().Msg("uploader stopped")
	}()

	// Requests inherit ctx so a /trigger drain is interrupted, and its jobs requeued, on shutdown.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           newMux(cfg, w),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", w.Client.Endpoint()).Msg("starting uploader")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newMux(cfg Config, w *Worker) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(wr http.ResponseWriter, r *http.Request) {
		writeJSON(wr, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/ready", func(wr http.ResponseWriter, r *http.Request) {
		if _, err := w.Queue.Stats(r.Context()); err != nil {
			writeJSON(wr, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(wr, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/queue/stats", func(wr http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			wr.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stats, err := w.Queue.Stats(r.Context())
		if err != nil {
			writeJSON(wr, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(wr, http.StatusOK, stats)
	})
	mux.HandleFunc("/enqueue", func(wr http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			wr.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !authorized(cfg, r) {
			wr.WriteHeader(http.StatusForbidden)
			return
		}
		var req queue.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(wr, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
			return
		}
		kind, err := store.ParseKind(req.Kind)
		if err != nil {
			writeJSON(wr, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if strings.TrimSpace(req.Key) == "" {
			writeJSON(wr, http.StatusBadRequest, map[string]string{"error": "key is required"})
			return
		}
		req.Kind = string(kind)
		if err := w.Queue.Enqueue(r.Context(), req); err != nil {
			writeJSON(wr, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(wr, http.StatusAccepted, map[string]string{"detail": "queued"})
	})
	mux.HandleFunc("/trigger", func(wr http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			wr.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !authorized(cfg, r) {
			wr.WriteHeader(http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
		defer cancel()
		summary, ran, err := w.TryDrain(ctx)
		if err != nil {
			writeJSON(wr, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if !ran {
			writeJSON(wr, http.StatusConflict, map[string]string{"detail": "drain already running"})
			return
		}
		writeJSON(wr, http.StatusOK, summary)
	})
	return mux
}

func authorized(cfg Config, r *http.Request) bool {
	if cfg.WorkerToken == "" {
		return true
	}
	tok := r.Header.Get("X-Worker-Token")
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	return tok == cfg.WorkerToken
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
