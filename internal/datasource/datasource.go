// Package datasource opens input files by location: a local path, a file://
// URL or an http(s):// URL.
package datasource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"claimprep/internal/metrics"
)

// OpenFn opens a location for reading. The pipeline depends on this type so
// tests can substitute in-memory sources.
type OpenFn func(ctx context.Context, location string) (io.ReadCloser, error)

// Opener opens locations. The zero value uses http.DefaultClient.
type Opener struct {
	Client *http.Client
	// Job labels the HTTP metrics.
	Job string
}

// Open is Opener{}.Open.
func Open(ctx context.Context, location string) (io.ReadCloser, error) {
	return Opener{}.Open(ctx, location)
}

// Open returns a reader for location. HTTP responses other than 2xx are
// errors. The returned reader must be closed.
func (o Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("datasource: empty location")
	}

	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain path (a one-letter scheme is a Windows drive).
		return openFile(location)
	}

	switch u.Scheme {
	case "file":
		p := u.Path
		if p == "" {
			p = u.Opaque
		}
		return openFile(p)
	case "http", "https":
		return o.openHTTP(ctx, location)
	default:
		return nil, fmt.Errorf("datasource: unsupported scheme %q", u.Scheme)
	}
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datasource: %w", err)
	}
	return f, nil
}

func (o Opener) openHTTP(ctx context.Context, location string) (io.ReadCloser, error) {
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("datasource: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	reqDur := time.Since(start)
	if err != nil {
		metrics.RecordHTTP(o.Job, 0, err, reqDur, 0, 0)
		return nil, fmt.Errorf("datasource: GET %s: %w", location, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		metrics.RecordHTTP(o.Job, resp.StatusCode, nil, reqDur, time.Since(start), 0)
		return nil, fmt.Errorf("datasource: GET %s: unexpected status %s", location, resp.Status)
	}

	return &meteredBody{
		ReadCloser: resp.Body,
		job:        o.Job,
		status:     resp.StatusCode,
		start:      start,
		reqDur:     reqDur,
	}, nil
}

// meteredBody counts downloaded bytes and records the HTTP metrics once, on
// Close.
type meteredBody struct {
	io.ReadCloser
	job    string
	status int
	start  time.Time
	reqDur time.Duration

	n       int64
	readErr error
	once    sync.Once
}

func (m *meteredBody) Read(p []byte) (int, error) {
	n, err := m.ReadCloser.Read(p)
	m.n += int64(n)
	if err != nil && err != io.EOF {
		m.readErr = err
	}
	return n, err
}

func (m *meteredBody) Close() error {
	err := m.ReadCloser.Close()
	m.once.Do(func() {
		metrics.RecordHTTP(m.job, m.status, m.readErr, m.reqDur, time.Since(m.start), m.n)
	})
	return err
}
