package store

import (
	"errors"

	"github.com/rs/zerolog"
)

// Observer receives diagnostics for each upload. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	UploadStarted(kind Kind, size int)
	UploadSucceeded(kind Kind, id string)
	UploadFailed(kind Kind, err error)
}

// NopObserver discards diagnostics.
type NopObserver struct{}

func (NopObserver) UploadStarted(Kind, int)      {}
func (NopObserver) UploadSucceeded(Kind, string) {}
func (NopObserver) UploadFailed(Kind, error)     {}

// LogObserver writes diagnostics to a zerolog logger.
type LogObserver struct {
	Logger zerolog.Logger
}

func (o LogObserver) UploadStarted(kind Kind, size int) {
	o.Logger.Info().Str("kind", string(kind)).Int("bytes", size).
		Msgf("uploading %s to store", kind.label())
}

func (o LogObserver) UploadSucceeded(kind Kind, id string) {
	o.Logger.Info().Str("kind", string(kind)).Str("id", id).
		Msgf("%s uploaded", kind.label())
}

func (o LogObserver) UploadFailed(kind Kind, err error) {
	ev := o.Logger.Warn().Str("kind", string(kind)).Err(err)
	var se *StatusError
	if errors.As(err, &se) {
		ev = ev.Int("status", se.StatusCode)
	}
	ev.Msgf("%s upload failed", kind.label())
}
