package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/k8ika0s/image-store-uploader/internal/objectstore"
	"github.com/k8ika0s/image-store-uploader/internal/queue"
	"github.com/k8ika0s/image-store-uploader/internal/reporter"
	"github.com/k8ika0s/image-store-uploader/internal/store"
)

const (
	// popTimeout bounds a single Pop; the kafka backend blocks until max messages arrive.
	popTimeout = 5 * time.Second
	// settleTimeout bounds the requeue and report that follow each job.
	settleTimeout = 5 * time.Second
)

// Worker drains the upload queue into the store.
type Worker struct {
	Queue    queue.Backend
	Payloads objectstore.Store
	Client   *store.Client
	Reporter *reporter.Client
	Cfg      Config
	drainMu  sync.Mutex
}

// DrainSummary counts what one drain did.
type DrainSummary struct {
	Popped   int `json:"popped"`
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Requeued int `json:"requeued"`
}

// BuildWorker constructs a worker from config.
func BuildWorker(ctx context.Context, cfg Config) (*Worker, error) {
	q, err := cfg.Queue()
	if err != nil {
		return nil, err
	}
	payloads, err := cfg.ObjectStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	client, err := cfg.StoreClient(nil)
	if err != nil {
		return nil, err
	}
	return &Worker{Queue: q, Payloads: payloads, Client: client, Reporter: cfg.Reporter(), Cfg: cfg}, nil
}

// TryDrain runs Drain unless another drain is in progress; ran reports which.
func (w *Worker) TryDrain(ctx context.Context) (summary DrainSummary, ran bool, err error) {
	if !w.drainMu.TryLock() {
		return DrainSummary{}, false, nil
	}
	defer w.drainMu.Unlock()
	summary, err = w.Drain(ctx)
	return summary, true, err
}

// Drain pops one batch and uploads it. Per-job failures are reported, not returned.
func (w *Worker) Drain(ctx context.Context) (DrainSummary, error) {
	popCtx, cancel := context.WithTimeout(ctx, popTimeout)
	reqs, popErr := w.Queue.Pop(popCtx, w.Cfg.BatchSize)
	cancel()
	if popErr != nil {
		popErr = fmt.Errorf("pop: %w", popErr)
	}
	summary := DrainSummary{Popped: len(reqs)}
	if len(reqs) == 0 {
		return summary, popErr
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	pool := w.Cfg.UploadPoolSize
	if pool <= 0 {
		pool = 4
	}
	g.SetLimit(pool)
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			res := w.process(ctx, req)
			mu.Lock()
			defer mu.Unlock()
			if res.Status == reporter.StatusUploaded {
				summary.Uploaded++
			} else {
				summary.Failed++
			}
			if res.Requeued {
				summary.Requeued++
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary, popErr
}

func (w *Worker) process(ctx context.Context, req queue.Request) reporter.Result {
	start := time.Now()
	res := reporter.Result{JobID: req.ID, Kind: req.Kind, Key: req.Key, Attempt: req.Attempts + 1}
	id, size, err := w.upload(ctx, req)
	res.Bytes = size
	res.DurationMS = time.Since(start).Milliseconds()

	// The job has already left the queue; once ctx is gone, the requeue and
	// the report still need a live context of their own.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err != nil {
		res.Status = reporter.StatusFailed
		res.Error = err.Error()
		var se *store.StatusError
		if errors.As(err, &se) {
			res.StatusCode = se.StatusCode
		}
		next, requeue := req, false
		switch {
		case interrupted(ctx, err):
			requeue = true
		case w.shouldRequeue(req, err):
			next.Attempts++
			requeue = true
		}
		if requeue {
			if qerr := w.Queue.Enqueue(settleCtx, next); qerr != nil {
				log.Error().Err(qerr).Str("job", req.ID).Str("key", req.Key).Msg("requeue failed; job dropped")
			} else {
				res.Requeued = true
			}
		}
		log.Warn().Err(err).Str("job", req.ID).Str("key", req.Key).Int("attempt", res.Attempt).
			Bool("requeued", res.Requeued).Msg("upload job failed")
	} else {
		res.Status = reporter.StatusUploaded
		res.StoreID = id
	}
	if err := w.Reporter.PostResult(settleCtx, res); err != nil {
		log.Warn().Err(err).Str("job", req.ID).Msg("report result failed")
	}
	return res
}

// interrupted reports whether err is the worker's own context ending rather
// than a failure of the job. Such jobs go back on the queue without using an attempt.
func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (w *Worker) upload(ctx context.Context, req queue.Request) (string, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	kind, err := store.ParseKind(req.Kind)
	if err != nil {
		return "", 0, err
	}
	data, err := w.Payloads.Get(ctx, req.Key)
	if err != nil {
		return "", 0, fmt.Errorf("load payload %s: %w", req.Key, err)
	}
	id, err := w.Client.Upload(ctx, kind, data).Wait(ctx)
	return id, len(data), err
}

func (w *Worker) shouldRequeue(req queue.Request, err error) bool {
	return w.Cfg.RequeueOnFailure && store.IsRetryable(err) && req.Attempts+1 < w.Cfg.MaxRequeueAttempts
}
