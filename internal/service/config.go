package service

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/k8ika0s/image-store-uploader/internal/objectstore"
	"github.com/k8ika0s/image-store-uploader/internal/queue"
	"github.com/k8ika0s/image-store-uploader/internal/reporter"
	"github.com/k8ika0s/image-store-uploader/internal/store"
)

// Config holds uploader settings.
type Config struct {
	StoreURL            string
	StoreHTTPTimeout    time.Duration
	HTTPAddr            string
	WorkerToken         string
	QueueBackend        string
	RedisURL            string
	RedisKey            string
	KafkaBrokers        string
	KafkaTopic          string
	InputDir            string
	ObjectStoreEndpoint string
	ObjectStoreBucket   string
	ObjectStorePrefix   string
	ObjectStoreAccess   string
	ObjectStoreSecret   string
	ObjectStoreUseSSL   bool
	ResultURL           string
	ResultToken         string
	BatchSize           int
	UploadPoolSize      int
	PollIntervalSec     int
	RequeueOnFailure    bool
	MaxRequeueAttempts  int
	LogLevel            string
	LogFormat           string
}

// LoadConfig reads an optional .env file and then the environment.
func LoadConfig() Config {
	_ = godotenv.Load()
	return fromEnv()
}

func fromEnv() Config {
	return Config{
		StoreURL:            getenv("STORE_URL", ""),
		StoreHTTPTimeout:    getenvDuration("STORE_HTTP_TIMEOUT", 60*time.Second),
		HTTPAddr:            getenv("UPLOADER_HTTP_ADDR", ":9100"),
		WorkerToken:         getenv("WORKER_TOKEN", ""),
		QueueBackend:        getenv("QUEUE_BACKEND", "redis"),
		RedisURL:            getenv("REDIS_URL", ""),
		RedisKey:            getenv("REDIS_KEY", "uploader:queue"),
		KafkaBrokers:        getenv("KAFKA_BROKERS", ""),
		KafkaTopic:          getenv("KAFKA_TOPIC", "uploader.queue"),
		InputDir:            getenv("INPUT_DIR", "/input"),
		ObjectStoreEndpoint: getenv("OBJECT_STORE_ENDPOINT", ""),
		ObjectStoreBucket:   getenv("OBJECT_STORE_BUCKET", ""),
		ObjectStorePrefix:   getenv("OBJECT_STORE_PREFIX", ""),
		ObjectStoreAccess:   getenv("OBJECT_STORE_ACCESS_KEY", ""),
		ObjectStoreSecret:   getenv("OBJECT_STORE_SECRET_KEY", ""),
		ObjectStoreUseSSL:   getenvBool("OBJECT_STORE_USE_SSL", false),
		ResultURL:           getenv("RESULT_URL", ""),
		ResultToken:         getenv("RESULT_TOKEN", ""),
		BatchSize:           getenvInt("BATCH_SIZE", 50),
		UploadPoolSize:      getenvInt("UPLOAD_POOL_SIZE", 4),
		PollIntervalSec:     getenvInt("POLL_INTERVAL_SEC", 5),
		RequeueOnFailure:    getenvBool("REQUEUE_ON_FAILURE", false),
		MaxRequeueAttempts:  getenvInt("MAX_REQUEUE_ATTEMPTS", 3),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogFormat:           getenv("LOG_FORMAT", "console"),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "y":
			return true
		case "0", "false", "no", "n":
			return false
		}
	}
	return def
}

// getenvDuration accepts Go durations ("45s") or whole seconds ("45"); "0" disables.
func getenvDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

// HTTPClient is the transport handle shared by every store upload.
func (c Config) HTTPClient() *http.Client {
	return &http.Client{
		Timeout: c.StoreHTTPTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// StoreClient builds the store upload client, logging through the global logger.
func (c Config) StoreClient(exec store.Executor) (*store.Client, error) {
	return store.New(c.StoreURL, exec,
		store.WithHTTPClient(c.HTTPClient()),
		store.WithObserver(store.LogObserver{Logger: log.Logger}),
	)
}

// ObjectStore returns the payload source: MinIO when configured, INPUT_DIR otherwise.
func (c Config) ObjectStore(ctx context.Context) (objectstore.Store, error) {
	if c.ObjectStoreEndpoint == "" || c.ObjectStoreBucket == "" {
		if c.InputDir == "" {
			return objectstore.NullStore{}, nil
		}
		return objectstore.DirStore{Root: c.InputDir}, nil
	}
	s, err := objectstore.NewMinIOStore(ctx, c.ObjectStoreEndpoint, c.ObjectStoreAccess, c.ObjectStoreSecret, c.ObjectStoreBucket, c.ObjectStoreUseSSL)
	if err != nil {
		return nil, err
	}
	s.BasePath = c.ObjectStorePrefix
	return s, nil
}

// Queue builds the configured job queue backend.
func (c Config) Queue() (queue.Backend, error) {
	return queue.NewBackend(c.QueueBackend, c.RedisURL, c.RedisKey, c.KafkaBrokers, c.KafkaTopic)
}

// Reporter returns the result poster; it is a no-op when RESULT_URL is unset.
func (c Config) Reporter() *reporter.Client {
	return &reporter.Client{
		BaseURL: strings.TrimRight(c.ResultURL, "/"),
		Token:   c.ResultToken,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}
