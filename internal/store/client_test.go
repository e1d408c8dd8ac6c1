package store

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type uploadFunc func(c *Client, ctx context.Context, data []byte) *Pending

var entryPoints = map[Kind]uploadFunc{
	RawImage: (*Client).UploadRawImage,
	Sidecar:  (*Client).UploadSidecar,
	Image:    (*Client).UploadImage,
}

// manualExecutor queues work until the test runs it.
type manualExecutor struct {
	mu     sync.Mutex
	queued []func()
}

func (m *manualExecutor) Go(fn func()) {
	m.mu.Lock()
	m.queued = append(m.queued, fn)
	m.mu.Unlock()
}

func (m *manualExecutor) runAll() {
	m.mu.Lock()
	fns := m.queued
	m.queued = nil
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type event struct {
	name string
	kind Kind
	size int
	id   string
	err  error
}

type recordingObserver struct {
	mu     sync.Mutex
	events []event
}

func (r *recordingObserver) add(e event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingObserver) UploadStarted(kind Kind, size int) {
	r.add(event{name: "started", kind: kind, size: size})
}

func (r *recordingObserver) UploadSucceeded(kind Kind, id string) {
	r.add(event{name: "succeeded", kind: kind, id: id})
}

func (r *recordingObserver) UploadFailed(kind Kind, err error) {
	r.add(event{name: "failed", kind: kind, err: err})
}

func (r *recordingObserver) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func newTestClient(t *testing.T, endpoint string, opts ...Option) *Client {
	t.Helper()
	c, err := New(endpoint, nil, opts...)
	require.NoError(t, err)
	return c
}

func TestUploadReturnsIdentifier(t *testing.T) {
	for kind, upload := range entryPoints {
		t.Run(string(kind), func(t *testing.T) {
			var gotPath, gotMethod, gotType string
			var gotBody []byte
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath, gotMethod, gotType = r.URL.Path, r.Method, r.Header.Get("Content-Type")
				gotBody, _ = io.ReadAll(r.Body)
				_, _ = w.Write([]byte("abc123"))
			}))
			defer ts.Close()

			c := newTestClient(t, ts.URL)
			id, err := upload(c, context.Background(), []byte("payload")).Wait(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "abc123", id)
			assert.Equal(t, http.MethodPost, gotMethod)
			assert.Equal(t, kind.Path(), gotPath)
			assert.Equal(t, "application/octet-stream", gotType)
			assert.Equal(t, "payload", string(gotBody))
		})
	}
}

func TestUploadPathsUnderEndpoint(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Host+r.URL.RequestURI())
		mu.Unlock()
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	// trailing slash on the endpoint must not double up
	c := newTestClient(t, ts.URL+"/")
	ctx := context.Background()
	for _, p := range []*Pending{c.UploadRawImage(ctx, nil), c.UploadSidecar(ctx, nil), c.UploadImage(ctx, nil)} {
		_, err := p.Wait(ctx)
		require.NoError(t, err)
	}
	host := ts.Listener.Addr().String()
	assert.ElementsMatch(t, []string{host + "/raw", host + "/sidecar", host + "/image"}, seen)
	assert.Equal(t, ts.URL, c.Endpoint())
}

func TestUploadNonOKStatusSkipsDecode(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusCreated} {
		for kind, upload := range entryPoints {
			t.Run(http.StatusText(code)+"/"+string(kind), func(t *testing.T) {
				ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(code)
					_, _ = w.Write([]byte{0xff, 0xfe, 0xfd})
				}))
				defer ts.Close()

				obs := &recordingObserver{}
				c := newTestClient(t, ts.URL, WithObserver(obs))
				id, err := upload(c, context.Background(), []byte("x")).Wait(context.Background())
				require.Error(t, err)
				assert.Empty(t, id)

				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, code, se.StatusCode)
				assert.Equal(t, kind, se.Kind)
				var de *DecodeError
				assert.False(t, errors.As(err, &de))

				events := obs.snapshot()
				require.Len(t, events, 2)
				assert.Equal(t, "failed", events[1].name)
			})
		}
	}
}

func TestUploadRedirectIsStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/moved" {
			_, _ = w.Write([]byte("should-not-follow"))
			return
		}
		http.Redirect(w, r, "/moved", http.StatusTemporaryRedirect)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.UploadImage(context.Background(), []byte("x")).Wait(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTemporaryRedirect, se.StatusCode)
}

func TestUploadInvalidUTF8IsDecodeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{'i', 'd', 0xc3, 0x28})
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	_, err := c.UploadSidecar(context.Background(), []byte("meta")).Wait(context.Background())
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, Sidecar, de.Kind)
	assert.Len(t, de.Body, 4)
	assert.False(t, IsRetryable(err))
}

func TestUploadConcatenatesChunkedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, part := range []string{"abc", "12", "3", "-é"} {
			_, _ = w.Write([]byte(part))
			flusher.Flush()
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	id, err := c.UploadRawImage(context.Background(), []byte("raw")).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123-é", id)
}

func TestUploadEmptyPayload(t *testing.T) {
	var gotLen int64 = -1
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLen = r.ContentLength
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("empty-1"))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	id, err := c.UploadImage(context.Background(), []byte{}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "empty-1", id)
	assert.Equal(t, int64(0), gotLen)
	assert.Empty(t, gotBody)
}

func TestUploadStalledResponseFailsOnTransportTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	c := newTestClient(t, ts.URL, WithHTTPClient(&http.Client{Timeout: 300 * time.Millisecond}))
	p := c.UploadRawImage(context.Background(), []byte("slow"))

	select {
	case <-p.Done():
		t.Fatalf("upload finished before the transport gave up")
	case <-time.After(50 * time.Millisecond):
	}
	_, err := p.Result()
	require.ErrorIs(t, err, ErrPending)

	_, err = p.Wait(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, RawImage, te.Kind)
	assert.NotNil(t, errors.Unwrap(te))
	assert.True(t, IsRetryable(err))
}

func TestUploadConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := ts.URL
	ts.Close()

	obs := &recordingObserver{}
	c := newTestClient(t, endpoint, WithObserver(obs))
	_, err := c.UploadImage(context.Background(), []byte("x")).Wait(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)

	events := obs.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].name)
	assert.Equal(t, "failed", events[1].name)
	assert.Same(t, te, events[1].err)
}

func TestConcurrentUploadsAreIndependent(t *testing.T) {
	rawEntered := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/raw":
			close(rawEntered)
			time.Sleep(50 * time.Millisecond)
			w.WriteHeader(http.StatusInternalServerError)
		case "/image":
			<-rawEntered
			_, _ = w.Write([]byte("image-7"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	ctx := context.Background()
	raw := c.UploadRawImage(ctx, []byte("r"))
	img := c.UploadImage(ctx, []byte("i"))

	id, err := img.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "image-7", id)

	_, err = raw.Wait(ctx)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, RawImage, raw.Kind())
	assert.Equal(t, Image, img.Kind())
}

func TestConcurrentUploadsKeepTheirIdentifiers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write([]byte(r.URL.Path + ":" + string(body)))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	ctx := context.Background()
	const n = 20
	pending := make([]*Pending, 0, 2*n)
	for i := 0; i < n; i++ {
		pending = append(pending, c.UploadRawImage(ctx, []byte{byte('a' + i)}), c.UploadImage(ctx, []byte{byte('a' + i)}))
	}
	for i, p := range pending {
		id, err := p.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, p.Kind().Path()+":"+string(rune('a'+i/2)), id)
	}
}

func TestUploadIsDrivenByExecutor(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("queued-1"))
	}))
	defer ts.Close()

	exec := &manualExecutor{}
	obs := &recordingObserver{}
	c, err := New(ts.URL, exec, WithObserver(obs))
	require.NoError(t, err)

	p := c.UploadSidecar(context.Background(), []byte("meta"))
	_, err = p.Result()
	require.ErrorIs(t, err, ErrPending)
	assert.Equal(t, int32(0), hits.Load())
	require.Len(t, obs.snapshot(), 1)
	assert.Equal(t, event{name: "started", kind: Sidecar, size: 4}, obs.snapshot()[0])

	exec.runAll()
	id, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, "queued-1", id)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, event{name: "succeeded", kind: Sidecar, id: "queued-1"}, obs.snapshot()[1])
}

func TestUploadRoutesByKind(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		_, _ = w.Write([]byte("id" + r.URL.Path))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	ctx := context.Background()
	for _, kind := range Kinds {
		id, err := c.Upload(ctx, kind, []byte("x")).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, "id"+kind.Path(), id)
	}
	assert.Equal(t, []string{"/raw", "/sidecar", "/image"}, paths)
}

func TestUploadUnknownKindFailsWithoutRequest(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("should-not-happen"))
	}))
	defer ts.Close()

	exec := &manualExecutor{}
	obs := &recordingObserver{}
	c, err := New(ts.URL, exec, WithObserver(obs))
	require.NoError(t, err)

	for _, kind := range []Kind{"thumbnail", ""} {
		p := c.Upload(context.Background(), kind, []byte("x"))
		select {
		case <-p.Done():
		default:
			t.Fatalf("upload of kind %q should already be resolved", kind)
		}
		id, err := p.Result()
		require.ErrorIs(t, err, ErrUnknownKind)
		assert.Empty(t, id)
		assert.Equal(t, kind, p.Kind())
	}
	assert.Empty(t, exec.queued)
	assert.Equal(t, int32(0), hits.Load())
	events := obs.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "failed", events[0].name)
}

func TestWaitReturnsWhenContextEnds(t *testing.T) {
	exec := &manualExecutor{}
	c, err := New("http://store.invalid:8000", exec)
	require.NoError(t, err)

	p := c.UploadImage(context.Background(), []byte("x"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = p.Result()
	require.ErrorIs(t, err, ErrPending)
}

func TestNewValidatesEndpoint(t *testing.T) {
	bad := []string{
		"",
		"localhost:8000",
		"ftp://store:21",
		"http://",
		"http://store:8000/api",
		"http://store:8000?x=1",
		"http://store:8000/#frag",
		"http://store:port",
		"://store",
	}
	for _, endpoint := range bad {
		t.Run(endpoint, func(t *testing.T) {
			c, err := New(endpoint, nil)
			assert.Nil(t, c)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, endpoint, ce.Endpoint)
		})
	}

	good := map[string]string{
		"http://store:8000":      "http://store:8000",
		"http://store:8000/":     "http://store:8000",
		" https://store.example ": "https://store.example",
		"http://[::1]:9000":      "http://[::1]:9000",
	}
	for in, want := range good {
		c, err := New(in, nil)
		require.NoError(t, err, in)
		assert.Equal(t, want, c.Endpoint())
	}
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(" " + string(k) + " ")
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := ParseKind("RAW")
	require.NoError(t, err)
	assert.Equal(t, RawImage, got)

	_, err = ParseKind("thumbnail")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TransportError{Kind: Image, Err: io.ErrUnexpectedEOF}))
	assert.True(t, IsRetryable(&StatusError{Kind: Image, StatusCode: http.StatusBadGateway}))
	assert.False(t, IsRetryable(&StatusError{Kind: Image, StatusCode: http.StatusBadRequest}))
	assert.False(t, IsRetryable(&ConfigError{Endpoint: "x", Err: io.EOF}))
	assert.False(t, IsRetryable(nil))
}
