package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Kind selects the store resource a payload is posted to.
type Kind string

const (
	RawImage Kind = "raw"
	Sidecar  Kind = "sidecar"
	Image    Kind = "image"
)

// Kinds lists every resource the store accepts.
var Kinds = []Kind{RawImage, Sidecar, Image}

// ErrUnknownKind is wrapped by every error about a Kind outside Kinds.
var ErrUnknownKind = errors.New("unknown upload kind")

// ParseKind maps "raw", "sidecar" or "image" to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case RawImage, Sidecar, Image:
		return k, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, s)
}

// Path is the resource path appended to the store endpoint.
func (k Kind) Path() string { return "/" + string(k) }

func (k Kind) label() string {
	switch k {
	case RawImage:
		return "raw image"
	case Sidecar:
		return "sidecar"
	case Image:
		return "image"
	}
	return string(k)
}

// Client uploads payloads to the store service. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	exec     Executor
	observer Observer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport handle.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithObserver installs a diagnostics sink.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// New validates endpoint (scheme://host[:port]) and returns a client whose uploads run on exec.
// A nil exec runs each upload on its own goroutine. No I/O happens here.
func New(endpoint string, exec Executor, opts ...Option) (*Client, error) {
	base, err := normalizeEndpoint(endpoint)
	if err != nil {
		return nil, &ConfigError{Endpoint: endpoint, Err: err}
	}
	if exec == nil {
		exec = Goroutines{}
	}
	c := &Client{
		endpoint: base,
		http:     defaultHTTPClient(),
		exec:     exec,
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// defaultHTTPClient has no overall timeout and hands redirects back as responses,
// so a 3xx surfaces as a StatusError.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func normalizeEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("endpoint must not carry a path, got %q", u.Path)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", errors.New("endpoint must not carry a query or fragment")
	}
	return u.Scheme + "://" + u.Host, nil
}

// Endpoint returns the normalized base endpoint.
func (c *Client) Endpoint() string { return c.endpoint }

// UploadRawImage posts data to /raw.
func (c *Client) UploadRawImage(ctx context.Context, data []byte) *Pending {
	return c.upload(ctx, RawImage, data)
}

// UploadSidecar posts data to /sidecar.
func (c *Client) UploadSidecar(ctx context.Context, data []byte) *Pending {
	return c.upload(ctx, Sidecar, data)
}

// UploadImage posts data to /image.
func (c *Client) UploadImage(ctx context.Context, data []byte) *Pending {
	return c.upload(ctx, Image, data)
}

// Upload routes data to the entry point for kind. A kind outside Kinds yields a
// Pending that has already failed with ErrUnknownKind; nothing is sent.
func (c *Client) Upload(ctx context.Context, kind Kind, data []byte) *Pending {
	switch kind {
	case RawImage:
		return c.UploadRawImage(ctx, data)
	case Sidecar:
		return c.UploadSidecar(ctx, data)
	case Image:
		return c.UploadImage(ctx, data)
	}
	p := newPending(kind)
	c.finish(p, "", fmt.Errorf("%w %q", ErrUnknownKind, string(kind)))
	return p
}

func (c *Client) upload(ctx context.Context, kind Kind, data []byte) *Pending {
	p := newPending(kind)
	c.observer.UploadStarted(kind, len(data))
	target, err := c.buildURI(kind)
	if err != nil {
		c.finish(p, "", err)
		return p
	}
	c.exec.Go(func() {
		id, err := c.post(ctx, kind, target, data)
		c.finish(p, id, err)
	})
	return p
}

func (c *Client) buildURI(kind Kind) (string, error) {
	raw := c.endpoint + kind.Path()
	if _, err := url.Parse(raw); err != nil {
		return "", &ConfigError{Endpoint: raw, Err: err}
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, kind Kind, target string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return "", &ConfigError{Endpoint: target, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransportError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Kind: kind, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Kind: kind, Err: err}
	}
	if !utf8.Valid(body) {
		return "", &DecodeError{Kind: kind, Body: body}
	}
	return string(body), nil
}

func (c *Client) finish(p *Pending, id string, err error) {
	if err != nil {
		c.observer.UploadFailed(p.kind, err)
	} else {
		c.observer.UploadSucceeded(p.kind, id)
	}
	p.resolve(id, err)
}
