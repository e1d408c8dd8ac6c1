package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Request is an upload job: the payload stored under Key is posted to the store as Kind.
type Request struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Key        string `json:"key"`
	EnqueuedAt int64  `json:"enqueued_at,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

// Backend is the job queue the worker drains.
type Backend interface {
	Enqueue(ctx context.Context, req Request) error
	Stats(ctx context.Context) (Stats, error)
	// Pop removes up to max jobs. An empty result with a nil error means the queue is drained.
	Pop(ctx context.Context, max int) ([]Request, error)
	Close() error
}

// Stats summarizes how much work is waiting. For kafka, Length is the
// consumer group's lag and OldestAge is not tracked.
type Stats struct {
	Length    int   `json:"length"`
	OldestAge int64 `json:"oldest_age_seconds"`
}

// NewBackend builds the backend named by kind ("redis" or "kafka").
func NewBackend(kind, redisURL, redisKey, kafkaBrokers, kafkaTopic string) (Backend, error) {
	switch strings.ToLower(kind) {
	case "", "redis":
		return NewRedisQueue(redisURL, redisKey), nil
	case "kafka":
		return NewKafkaQueue(kafkaBrokers, kafkaTopic), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", kind)
	}
}

// prepare fills the ID and enqueue time of a request about to be stored.
func prepare(req Request, now time.Time) Request {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.EnqueuedAt == 0 {
		req.EnqueuedAt = now.Unix()
	}
	return req
}

func encodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", req.Key, err)
	}
	return data, nil
}

// decodeRequests drops entries that are not valid jobs; a bad entry must not wedge the queue.
func decodeRequests(raw [][]byte) []Request {
	out := make([]Request, 0, len(raw))
	for _, data := range raw {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Key == "" {
			log.Warn().Err(err).Int("bytes", len(data)).Msg("queue: dropping malformed job")
			continue
		}
		out = append(out, req)
	}
	return out
}
