package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	"gitlab.com/gitlab-org/cogrange/internal/config"
	"gitlab.com/gitlab-org/cogrange/internal/source"
)

const testData = "1234567890abcdefghij0987654321"

func testBackends() config.Backends {
	cfg := config.Default().Backends
	cfg.Retry = backend.RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	return cfg
}

func mustParse(t *testing.T, uri string) source.Source {
	t.Helper()

	src, err := source.Parse(uri)
	require.NoError(t, err)

	return src
}

func TestOpenHTTP(t *testing.T) {
	authorization := make(chan string, 4)

	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization <- r.Header.Get("Authorization")
		http.ServeContent(w, r, r.URL.Path, time.Time{}, strings.NewReader(testData))
	}))
	defer testServer.Close()

	cfg := testBackends()
	cfg.HTTP.Headers = http.Header{"Authorization": []string{"Bearer token"}}

	f := New(cfg)
	defer f.Close()

	fetcher, err := f.Open(context.Background(), mustParse(t, testServer.URL+"/a.tif"))
	require.NoError(t, err)
	require.Equal(t, "http", fetcher.Name())

	data, err := fetcher.Fetch(context.Background(), 10, 5)
	require.NoError(t, err)
	require.Equal(t, "abcde", string(data))
	require.Equal(t, "Bearer token", <-authorization)
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tif")
	require.NoError(t, os.WriteFile(path, []byte(testData), 0644))

	f := New(testBackends())
	defer f.Close()

	fetcher, err := f.Open(context.Background(), mustParse(t, "file://"+path))
	require.NoError(t, err)
	require.Equal(t, "file", fetcher.Name())

	id, err := fetcher.Stat(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(len(testData)), id.Size)

	_, err = fetcher.Fetch(context.Background(), 100, 1)
	require.ErrorIs(t, err, backend.ErrRangeNotSatisfiable)
}

func TestOpenObjectStores(t *testing.T) {
	cfg := testBackends()
	cfg.S3 = config.S3{
		Region:          "us-east-1",
		Endpoint:        "http://127.0.0.1:1",
		UsePathStyle:    true,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	}

	f := New(cfg)
	defer f.Close()

	tests := map[string]struct {
		uri  string
		name string
	}{
		"s3": {
			uri:  "s3://bucket/a.tif",
			name: "s3",
		},
		"gcs": {
			uri:  "gs://bucket/a.tif",
			name: "gcs",
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			fetcher, err := f.Open(context.Background(), mustParse(t, tt.uri))
			require.NoError(t, err)
			require.Equal(t, tt.name, fetcher.Name())
		})
	}

	require.NotNil(t, f.s3Client)
	require.NotNil(t, f.gcsClient)
}

func TestOpenUnsupported(t *testing.T) {
	f := New(testBackends())

	_, err := f.Open(context.Background(), source.Source{Kind: "ftp"})
	require.ErrorIs(t, err, source.ErrUnsupportedScheme)
}

func TestResolveAzureAccount(t *testing.T) {
	cfg := testBackends()
	cfg.Azure.Account = "defaultacc"

	f := New(cfg)

	src := f.Resolve(mustParse(t, "az://container/a.tif"))
	require.Equal(t, "defaultacc", src.Account)

	src = f.Resolve(mustParse(t, "az://container/a.tif?account=own"))
	require.Equal(t, "own", src.Account)

	src = f.Resolve(mustParse(t, "s3://bucket/a.tif"))
	require.Empty(t, src.Account)
}
