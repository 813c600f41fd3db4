// Package gocloud reads byte ranges through gocloud.dev/blob. It serves Azure
// Blob Storage containers and local files.
package gocloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/blob/azureblob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	"gitlab.com/gitlab-org/cogrange/internal/source"
)

// Fetcher implements backend.Fetcher on top of a blob.Bucket
type Fetcher struct {
	name   string
	src    source.Source
	bucket *blob.Bucket

	mux  sync.RWMutex
	size int64
}

var _ backend.Fetcher = (*Fetcher)(nil)

// OpenAzure opens the container of an Azure Source. The storage account
// comes from the Source, or from AZURE_STORAGE_ACCOUNT when the Source has
// none. Credentials follow the Azure default credential chain.
func OpenAzure(ctx context.Context, src source.Source) (*Fetcher, error) {
	if src.Kind != source.KindAzure {
		return nil, fmt.Errorf("%w: %s is not an azure source", source.ErrInvalidSource, src)
	}

	opts := azureblob.NewDefaultServiceURLOptions()
	if src.Account != "" {
		opts.AccountName = src.Account
	}

	serviceURL, err := azureblob.NewServiceURL(opts)
	if err != nil {
		return nil, fmt.Errorf("azure: service url: %w", err)
	}

	client, err := azureblob.NewDefaultClient(serviceURL, azureblob.ContainerName(src.Bucket))
	if err != nil {
		return nil, fmt.Errorf("azure: client: %w", err)
	}

	bucket, err := azureblob.OpenBucket(ctx, client, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: open bucket: %w", err)
	}

	return New("azure", bucket, src), nil
}

// OpenFile opens the directory holding a file Source
func OpenFile(src source.Source) (*Fetcher, error) {
	if src.Kind != source.KindFile {
		return nil, fmt.Errorf("%w: %s is not a file source", source.ErrInvalidSource, src)
	}

	bucket, err := fileblob.OpenBucket(src.Bucket, nil)
	if err != nil {
		return nil, fmt.Errorf("file: open bucket: %w", err)
	}

	return New("file", bucket, src), nil
}

// New wraps an already opened bucket. name is the backend name reported in
// logs and metrics.
func New(name string, bucket *blob.Bucket, src source.Source) *Fetcher {
	return &Fetcher{
		name:   name,
		src:    src,
		bucket: bucket,
		size:   -1,
	}
}

func (f *Fetcher) Name() string {
	return f.name
}

// Close releases the bucket
func (f *Fetcher) Close() error {
	return f.bucket.Close()
}

// Stat reads the blob attributes
func (f *Fetcher) Stat(ctx context.Context) (backend.Identity, error) {
	attrs, err := f.bucket.Attributes(ctx, f.src.Key)
	if err != nil {
		return backend.Identity{}, f.mapError("stat", err)
	}

	f.mux.Lock()
	f.size = attrs.Size
	f.mux.Unlock()

	url, _ := f.src.ResolveURL()

	etag := attrs.ETag
	if etag == "" {
		etag = attrs.ModTime.UTC().String()
	}

	return backend.Identity{
		Source: f.src,
		URL:    url,
		Size:   attrs.Size,
		ETag:   etag,
	}, nil
}

func (f *Fetcher) statSize() int64 {
	f.mux.RLock()
	defer f.mux.RUnlock()

	return f.size
}

// Fetch reads [offset, offset+length) with one range reader
func (f *Fetcher) Fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, backend.ErrInvalidRange
	}

	size := f.statSize()
	if size >= 0 && offset >= size {
		return nil, backend.ErrRangeNotSatisfiable
	}

	r, err := f.bucket.NewRangeReader(ctx, f.src.Key, offset, length, nil)
	if err != nil {
		return nil, f.mapError("range read", err)
	}
	defer r.Close()

	// blobs have no validator on reads, a different size means the blob
	// was replaced
	if size >= 0 && r.Size() != size {
		return nil, fmt.Errorf("%s: range read: %w", f.name, backend.ErrContentHasChanged)
	}

	data, err := io.ReadAll(io.LimitReader(r, length))
	if err != nil {
		return nil, f.mapError("read body", err)
	}

	if len(data) == 0 {
		return nil, backend.ErrRangeNotSatisfiable
	}

	return data, nil
}

func (f *Fetcher) mapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%s: %s: %w", f.name, op, backend.ErrNotFound)
	case gcerrors.PermissionDenied:
		return fmt.Errorf("%s: %s: %w", f.name, op, backend.ErrUnauthorized)
	case gcerrors.InvalidArgument:
		return fmt.Errorf("%s: %s: %w", f.name, op, backend.ErrRangeNotSatisfiable)
	case gcerrors.FailedPrecondition:
		return fmt.Errorf("%s: %s: %w", f.name, op, backend.ErrContentHasChanged)
	}

	return fmt.Errorf("%s: %s: %w", f.name, op, err)
}
