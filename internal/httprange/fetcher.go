// Package httprange reads byte ranges of objects served over plain HTTP(S),
// including pre-signed object storage URLs.
package httprange

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	"gitlab.com/gitlab-org/cogrange/internal/httptransport"
	"gitlab.com/gitlab-org/cogrange/internal/logging"
	"gitlab.com/gitlab-org/cogrange/internal/source"
	"gitlab.com/gitlab-org/cogrange/metrics"
)

// Name is the backend name reported in logs and metrics
const Name = "http"

// NewClient returns an http.Client whose transport reports range request
// metrics and connection traces
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: httptransport.NewMeteredRoundTripper(
			httptransport.DefaultTransport,
			"httprange",
			metrics.HTTPRangeTraceDuration,
			metrics.HTTPRangeRequestDuration,
			metrics.HTTPRangeRequestsTotal,
			httptransport.DefaultTTFBTimeout,
		),
	}
}

// Fetcher implements backend.Fetcher on top of HTTP Range requests. The
// Resource is opened lazily on first use and kept for the lifetime of the
// Fetcher, so every range is validated against the same ETag.
type Fetcher struct {
	src    source.Source
	url    string
	client *http.Client

	mux      sync.Mutex
	resource *Resource
}

var _ backend.Fetcher = (*Fetcher)(nil)

// New creates a Fetcher for src. A nil client uses NewClient without a
// timeout.
func New(src source.Source, client *http.Client) (*Fetcher, error) {
	url, err := src.ResolveURL()
	if err != nil {
		return nil, err
	}

	if client == nil {
		client = NewClient(0)
	}

	return &Fetcher{src: src, url: url, client: client}, nil
}

func (f *Fetcher) Name() string {
	return Name
}

func (f *Fetcher) open(ctx context.Context) (*Resource, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	if f.resource != nil {
		return f.resource, nil
	}

	resource, err := NewResource(ctx, f.url, f.client)
	if err != nil {
		return nil, err
	}

	f.resource = resource

	return resource, nil
}

// Stat opens the resource if needed and reports its identity
func (f *Fetcher) Stat(ctx context.Context) (backend.Identity, error) {
	resource, err := f.open(ctx)
	if err != nil {
		return backend.Identity{}, err
	}

	etag := resource.ETag
	if etag == "" {
		etag = resource.LastModified
	}

	return backend.Identity{
		Source: f.src,
		URL:    logging.CleanURL(resource.URL()),
		Size:   resource.Size,
		ETag:   etag,
	}, nil
}

// Fetch reads [offset, offset+length) with one range request. Ranges
// running past the end of the object are cut short at the end.
func (f *Fetcher) Fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	resource, err := f.open(ctx)
	if err != nil {
		return nil, err
	}

	if err := resource.Err(); err != nil {
		return nil, err
	}

	if resource.Size >= 0 {
		if offset >= resource.Size {
			return nil, backend.ErrRangeNotSatisfiable
		}

		length = min(length, resource.Size-offset)
	}

	reader := NewReader(ctx, resource, offset, length)
	defer reader.Close()

	buf := make([]byte, length)

	n, err := io.ReadFull(reader, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}

	return buf[:n], nil
}
