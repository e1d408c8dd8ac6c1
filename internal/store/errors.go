package store

import (
	"errors"
	"fmt"
	"net/http"
)

// ConfigError reports a base endpoint (or a URI composed from it) that cannot be used.
type ConfigError struct {
	Endpoint string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("store endpoint %q: %v", e.Endpoint, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError wraps a failure below HTTP: dial, DNS, TLS or I/O while reading the body.
type TransportError struct {
	Kind Kind
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s upload: transport: %v", e.Kind.label(), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is returned when the store answers with anything other than 200.
type StatusError struct {
	Kind       Kind
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s upload: unexpected status %d %s", e.Kind.label(), e.StatusCode, http.StatusText(e.StatusCode))
}

// DecodeError is returned when a 200 response carries an identifier that is not valid UTF-8.
type DecodeError struct {
	Kind Kind
	Body []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s upload: identifier is not valid utf-8 (%d bytes)", e.Kind.label(), len(e.Body))
}

// IsRetryable reports whether err is a failure a caller may reasonably try again:
// transport errors and 5xx answers. The client never retries on its own.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return false
}
