// Package s3 reads byte ranges of objects in Amazon S3 and S3 compatible
// object stores.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	"gitlab.com/gitlab-org/cogrange/internal/source"
)

// Name is the backend name reported in logs and metrics
const Name = "s3"

// API is the subset of the S3 client used for range reads.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Fetcher implements backend.Fetcher with ranged GetObject calls.
// Once Stat has seen an ETag every range is requested with If-Match, so a
// replaced object fails with backend.ErrContentHasChanged.
type Fetcher struct {
	client API
	src    source.Source

	mux  sync.RWMutex
	etag string
}

var _ backend.Fetcher = (*Fetcher)(nil)

// New creates a Fetcher for an s3:// Source
func New(client API, src source.Source) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}

	if src.Kind != source.KindS3 {
		return nil, fmt.Errorf("%w: %s is not an s3 source", source.ErrInvalidSource, src)
	}

	return &Fetcher{client: client, src: src}, nil
}

func (f *Fetcher) Name() string {
	return Name
}

// Stat issues a HeadObject request
func (f *Fetcher) Stat(ctx context.Context) (backend.Identity, error) {
	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(f.src.Bucket),
		Key:    aws.String(f.src.Key),
	})
	if err != nil {
		return backend.Identity{}, mapError("stat", err)
	}

	etag := aws.ToString(out.ETag)

	f.mux.Lock()
	f.etag = etag
	f.mux.Unlock()

	url, _ := f.src.ResolveURL()

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}

	return backend.Identity{
		Source: f.src,
		URL:    url,
		Size:   size,
		ETag:   etag,
	}, nil
}

// Fetch reads [offset, offset+length) with one GetObject call
func (f *Fetcher) Fetch(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 {
		return nil, backend.ErrInvalidRange
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(f.src.Bucket),
		Key:    aws.String(f.src.Key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	}

	f.mux.RLock()
	if f.etag != "" {
		input.IfMatch = aws.String(f.etag)
	}
	f.mux.RUnlock()

	out, err := f.client.GetObject(ctx, input)
	if err != nil {
		return nil, mapError("get object", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, length))
	if err != nil {
		return nil, fmt.Errorf("s3: read body: %w", err)
	}

	return data, nil
}

// mapError translates S3 API errors into backend errors
func mapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if isNotFound(err) {
		return fmt.Errorf("s3: %s: %w", op, backend.ErrNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidRange":
			return fmt.Errorf("s3: %s: %w", op, backend.ErrRangeNotSatisfiable)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "Forbidden":
			return fmt.Errorf("s3: %s: %w: %s", op, backend.ErrUnauthorized, apiErr.ErrorCode())
		case "PreconditionFailed":
			return fmt.Errorf("s3: %s: %w", op, backend.ErrContentHasChanged)
		}
	}

	// HeadObject errors carry no body, only the status code
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("s3: %s: %w", op, backend.ErrUnauthorized)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("s3: %s: %w", op, backend.ErrContentHasChanged)
		case http.StatusRequestedRangeNotSatisfiable:
			return fmt.Errorf("s3: %s: %w", op, backend.ErrRangeNotSatisfiable)
		}
	}

	return fmt.Errorf("s3: %s: %w", op, err)
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "NoSuchBucket" || code == "404"
	}

	return false
}
