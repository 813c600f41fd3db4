package httprange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
)

// Resource represents any HTTP resource that can be read by a GET operation.
// It holds the resource's URL and metadata about it.
type Resource struct {
	ETag         string
	LastModified string
	// Size is -1 when the server does not report it
	Size int64

	url        atomic.Value
	err        atomic.Value
	httpClient *http.Client
}

func (r *Resource) URL() string {
	url, _ := r.url.Load().(string)
	return url
}

// SetURL replaces the URL the resource is read from, e.g. once a pre-signed
// URL has been rotated. The identity of the resource is unchanged.
func (r *Resource) SetURL(url string) {
	if r.URL() == url {
		// We want to avoid cache lines invalidation
		// on CPU due to value change
		return
	}

	r.url.Store(url)
}

func (r *Resource) Err() error {
	err, _ := r.err.Load().(error)
	return err
}

func (r *Resource) Valid() bool {
	return r.Err() == nil
}

func (r *Resource) setError(err error) {
	r.err.Store(err)
}

// Request prepares a GET for the resource, conditional on the validator
// learned when the resource was opened
func (r *Resource) Request(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL(), nil)
	if err != nil {
		return nil, err
	}

	if r.ETag != "" {
		req.Header.Set("If-Range", r.ETag)
	} else if r.LastModified != "" {
		// Last-Modified should be a fallback mechanism in case ETag is not present
		// https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/Last-Modified
		req.Header.Set("If-Range", r.LastModified)
	}

	return req, nil
}

// NewResource opens url with a single byte range request to learn its size
// and validators, and to ensure range requests are supported.
func NewResource(ctx context.Context, url string, httpClient *http.Client) (*Resource, error) {
	// the url is likely a pre-signed URL that only supports GET requests
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	// we fetch a single byte and ensure that range requests is additionally supported
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", 0, 0))

	// nolint: bodyclose
	// body will be closed by discardAndClose
	res, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() {
		io.CopyN(io.Discard, res.Body, 1) // since we want to read a single byte
		res.Body.Close()
	}()

	resource := &Resource{
		ETag:         res.Header.Get("ETag"),
		LastModified: res.Header.Get("Last-Modified"),
		httpClient:   httpClient,
	}

	resource.SetURL(url)

	switch res.StatusCode {
	case http.StatusOK:
		resource.Size = res.ContentLength
		return resource, nil

	case http.StatusPartialContent:
		resource.Size, err = parseContentRangeSize(res.Header.Get("Content-Range"))
		if err != nil {
			return nil, err
		}

		return resource, nil

	case http.StatusRequestedRangeNotSatisfiable:
		// an empty object cannot satisfy bytes=0-0 and reports its size as `*/0`
		size, err := parseContentRangeSize(res.Header.Get("Content-Range"))
		if err != nil || size != 0 {
			return nil, backend.ErrRangeRequestsNotSupported
		}

		resource.Size = 0
		return resource, nil

	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("httprange: new resource %d: %w", res.StatusCode, backend.ErrUnauthorized)

	case http.StatusNotFound:
		return nil, backend.ErrNotFound

	default:
		return nil, fmt.Errorf("httprange: new resource %d: %q", res.StatusCode, res.Status)
	}
}

// parseContentRangeSize returns the complete length of a `Content-Range`
// value such as `bytes 0-0/67589` or `bytes */0`
func parseContentRangeSize(contentRange string) (int64, error) {
	ranges := strings.SplitN(contentRange, "/", 2)
	if len(ranges) != 2 {
		return 0, fmt.Errorf("invalid `Content-Range`: %q", contentRange)
	}

	if ranges[1] == "*" {
		return -1, nil
	}

	size, err := strconv.ParseInt(ranges[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid `Content-Range`: %q %w", contentRange, err)
	}

	return size, nil
}
