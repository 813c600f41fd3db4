// Package factory builds the Fetcher serving a Source from the backend
// configuration.
package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"cloud.google.com/go/storage"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	"gitlab.com/gitlab-org/cogrange/internal/backend/gcs"
	"gitlab.com/gitlab-org/cogrange/internal/backend/gocloud"
	"gitlab.com/gitlab-org/cogrange/internal/backend/s3"
	"gitlab.com/gitlab-org/cogrange/internal/config"
	"gitlab.com/gitlab-org/cogrange/internal/httprange"
	"gitlab.com/gitlab-org/cogrange/internal/httptransport"
	"gitlab.com/gitlab-org/cogrange/internal/source"
)

// Factory creates Fetchers. Clients are created on first use and shared by
// every Fetcher of the same backend.
type Factory struct {
	cfg config.Backends

	mux        sync.Mutex
	httpClient *http.Client
	s3Client   *awss3.Client
	gcsClient  *storage.Client
}

// New returns a Factory for cfg
func New(cfg config.Backends) *Factory {
	return &Factory{cfg: cfg}
}

// Resolve fills in the parts of src that come from configuration. Sources
// must be resolved before their String is used as an identity.
func (f *Factory) Resolve(src source.Source) source.Source {
	if src.Kind == source.KindAzure && src.Account == "" && f.cfg.Azure.Account != "" {
		return src.WithAccount(f.cfg.Azure.Account)
	}

	return src
}

// Open returns the Fetcher for src with retries, per attempt timeouts, rate
// limiting and metrics applied
func (f *Factory) Open(ctx context.Context, src source.Source) (backend.Fetcher, error) {
	src = f.Resolve(src)

	fetcher, err := f.open(ctx, src)
	if err != nil {
		return nil, err
	}

	return f.wrap(fetcher), nil
}

func (f *Factory) open(ctx context.Context, src source.Source) (backend.Fetcher, error) {
	switch src.Kind {
	case source.KindHTTP:
		return httprange.New(src, f.sharedHTTPClient())

	case source.KindS3:
		client, err := f.sharedS3Client(ctx)
		if err != nil {
			return nil, err
		}

		return s3.New(client, src)

	case source.KindGCS:
		client, err := f.sharedGCSClient(ctx)
		if err != nil {
			return nil, err
		}

		return gcs.New(client, src)

	case source.KindAzure:
		return gocloud.OpenAzure(ctx, src)

	case source.KindFile:
		return gocloud.OpenFile(src)

	default:
		return nil, fmt.Errorf("%w: %q", source.ErrUnsupportedScheme, src.Kind)
	}
}

func (f *Factory) wrap(fetcher backend.Fetcher) backend.Fetcher {
	fetcher = backend.WithMetrics(fetcher)
	fetcher = backend.WithTimeout(fetcher, f.cfg.Timeout)
	fetcher = backend.WithRateLimit(fetcher, f.cfg.RateLimit, f.cfg.RateLimitBurst)

	return backend.WithRetry(fetcher, f.cfg.Retry)
}

func (f *Factory) sharedHTTPClient() *http.Client {
	f.mux.Lock()
	defer f.mux.Unlock()

	if f.httpClient == nil {
		// timeouts are applied per attempt by backend.WithTimeout
		client := httprange.NewClient(0)
		client.Transport = httptransport.NewHeaderRoundTripper(client.Transport, f.cfg.HTTP.Headers)
		f.httpClient = client
	}

	return f.httpClient
}

func (f *Factory) sharedS3Client(ctx context.Context) (*awss3.Client, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	if f.s3Client != nil {
		return f.s3Client, nil
	}

	client, err := s3.NewClient(ctx, s3.ClientConfig{
		Region:          f.cfg.S3.Region,
		Endpoint:        f.cfg.S3.Endpoint,
		UsePathStyle:    f.cfg.S3.UsePathStyle,
		AccessKeyID:     f.cfg.S3.AccessKeyID,
		SecretAccessKey: f.cfg.S3.SecretAccessKey,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}

	f.s3Client = client

	return client, nil
}

func (f *Factory) sharedGCSClient(ctx context.Context) (*storage.Client, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	if f.gcsClient != nil {
		return f.gcsClient, nil
	}

	client, err := gcs.NewClient(ctx, gcs.ClientConfig{CredentialsFile: f.cfg.GCS.CredentialsFile})
	if err != nil {
		return nil, err
	}

	f.gcsClient = client

	return client, nil
}

// Close releases the shared clients
func (f *Factory) Close() error {
	f.mux.Lock()
	defer f.mux.Unlock()

	if f.gcsClient != nil {
		err := f.gcsClient.Close()
		f.gcsClient = nil
		return err
	}

	return nil
}
