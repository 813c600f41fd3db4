// Package gcs reads byte ranges of objects in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	"gitlab.com/gitlab-org/cogrange/internal/source"
)

// Name is the backend name reported in logs and metrics
const Name = "gcs"

// Object is the part of *storage.ObjectHandle used for range reads
type Object interface {
	NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error)
	Attrs(ctx context.Context) (*storage.ObjectAttrs, error)
	Generation(gen int64) Object
}

type handle struct {
	*storage.ObjectHandle
}

func (h handle) NewRangeReader(ctx context.Context, offset, length int64) (io.ReadCloser, error) {
	return h.ObjectHandle.NewRangeReader(ctx, offset, length)
}

func (h handle) Generation(gen int64) Object {
	return handle{h.ObjectHandle.Generation(gen)}
}

// ClientConfig selects the credentials of a GCS client
type ClientConfig struct {
	// CredentialsFile is a service account JSON key. Without one the client
	// is anonymous and can only read public buckets.
	CredentialsFile string
	// Endpoint overrides the storage endpoint, for emulators
	Endpoint string
}

// NewClient creates a read-only storage client
func NewClient(ctx context.Context, cfg ClientConfig) (*storage.Client, error) {
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadOnly)}

	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	} else {
		opts = append(opts, option.WithoutAuthentication())
	}

	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return client, nil
}

// Fetcher implements backend.Fetcher on top of an object handle. After
// Stat every read is pinned to the generation it reported.
type Fetcher struct {
	src source.Source
	obj Object

	mux        sync.RWMutex
	generation int64
}

var _ backend.Fetcher = (*Fetcher)(nil)

// New creates a Fetcher for a gs:// Source
func New(client *storage.Client, src source.Source) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("gcs: client is required")
	}

	return NewWithObject(handle{client.Bucket(src.Bucket).Object(src.Key)}, src)
}

// NewWithObject creates a Fetcher reading from obj
func NewWithObject(obj Object, src source.Source) (*Fetcher, error) {
	if src.Kind != source.KindGCS {
		return nil, fmt.Errorf("%w: %s is not a gcs source", source.ErrInvalidSource, src)
	}

	return &Fetcher{src: src, obj: obj}, nil
}

func (f *Fetcher) Name() string {
	return Name
}

func (f *Fetcher) object() (Object, bool) {
	f.mux.RLock()
	defer f.mux.RUnlock()

	if f.generation == 0 {
		return f.obj, false
	}

	return f.obj.Generation(f.generation), true
}

// Stat reads the object attributes and pins the generation
func (f *Fetcher) Stat(ctx context.Context) (backend.Identity, error) {
	attrs, err := f.obj.Attrs(ctx)
	if err != nil {
		return backend.Identity{}, mapError("stat", err)
	}

	f.mux.Lock()
	f.generation = attrs.Generation
	f.mux.Unlock()

	url, _ := f.src.ResolveURL()

	etag := attrs.Etag
	if etag == "" && attrs.Generation != 0 {
		etag = strconv.FormatInt(attrs.Generation, 10)
	}

	return backend.Identity{
		Source: f.src,
		URL:    url,
		Size:   attrs.Size,
		ETag:   etag,
	}, nil
}

// Fetch reads [offset, offset+length) with one ranged read
func (f *Fetcher) Fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, backend.ErrInvalidRange
	}

	obj, pinned := f.object()

	r, err := obj.NewRangeReader(ctx, offset, length)
	if err != nil {
		// the pinned generation is gone once the object is overwritten
		if pinned && errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gcs: range read: %w", backend.ErrContentHasChanged)
		}

		return nil, mapError("range read", err)
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, length))
	if err != nil {
		return nil, fmt.Errorf("gcs: read body: %w", err)
	}

	if len(data) == 0 {
		return nil, backend.ErrRangeNotSatisfiable
	}

	return data, nil
}

func mapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("gcs: %s: %w", op, backend.ErrNotFound)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("gcs: %s: %w", op, backend.ErrUnauthorized)
		case http.StatusNotFound:
			return fmt.Errorf("gcs: %s: %w", op, backend.ErrNotFound)
		case http.StatusRequestedRangeNotSatisfiable:
			return fmt.Errorf("gcs: %s: %w", op, backend.ErrRangeNotSatisfiable)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("gcs: %s: %w", op, backend.ErrContentHasChanged)
		}
	}

	return fmt.Errorf("gcs: %s: %w", op, err)
}
