package config

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/gitlab-org/cogrange/internal/coalesce"
	"gitlab.com/gitlab-org/cogrange/internal/source"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("COGRANGE_S3_REGION", "eu-west-1")
	t.Setenv("COGRANGE_CACHE_TTL", "10m")

	cfg, err := LoadConfig([]string{
		"-header-length", "4096",
		"-parallelism", "2",
		"-http-header", "authorization: Bearer secret;;X-Trace: 1",
		"read", "s3://bucket/a.tif", "0-99",
	})
	require.NoError(t, err)

	require.Equal(t, int64(4096), cfg.Reader.HeaderLength)
	require.Equal(t, 2, cfg.Reader.Parallelism)
	require.Equal(t, "eu-west-1", cfg.Backends.S3.Region)
	require.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	require.Equal(t, "Bearer secret", cfg.Backends.HTTP.Headers.Get("Authorization"))
	require.Equal(t, "1", cfg.Backends.HTTP.Headers.Get("X-Trace"))
	require.Equal(t, []string{"read", "s3://bucket/a.tif", "0-99"}, cfg.General.Args)
	require.Equal(t, uint64(3), cfg.Backends.Retry.MaxRetries)

	LogConfig(cfg)
}

func TestHeaderLengthFor(t *testing.T) {
	s3Src, err := source.Parse("s3://bucket/a.tif")
	require.NoError(t, err)

	azSrc, err := source.Parse("az://container/a.tif?account=acc")
	require.NoError(t, err)

	tests := map[string]struct {
		reader   Reader
		src      source.Source
		expected int64
	}{
		"s3_default": {
			src:      s3Src,
			expected: 16384,
		},
		"azure_default": {
			src:      azSrc,
			expected: 4096,
		},
		"configured": {
			reader:   Reader{HeaderLength: 1024},
			src:      azSrc,
			expected: 1024,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.reader.HeaderLengthFor(tt.src))
		})
	}
}

func TestCoalesceFor(t *testing.T) {
	require.Equal(t, coalesce.DefaultFor(source.KindHTTP), Coalesce{}.For(source.KindHTTP))

	cfg := Coalesce{MaxFetchSize: 1 << 20}.For(source.KindS3)
	require.Equal(t, coalesce.DefaultFor(source.KindS3).WasteThreshold, cfg.WasteThreshold)
	require.Equal(t, int64(1<<20), cfg.MaxFetchSize)
}

func TestCacheConfig(t *testing.T) {
	cfg := Cache{MaxBytes: 100, TTL: time.Second, FetchTimeout: time.Minute}.CacheConfig()
	require.Equal(t, int64(100), cfg.MaxBytes)
	require.Equal(t, time.Second, cfg.TTL)
	require.Equal(t, time.Minute, cfg.FetchTimeout)
}

func TestParseHeaderString(t *testing.T) {
	tests := map[string]struct {
		headers     []string
		expected    http.Header
		expectedErr error
	}{
		"empty": {
			expected: http.Header{},
		},
		"single": {
			headers:  []string{"X-Test: value"},
			expected: http.Header{"X-Test": []string{"value"}},
		},
		"canonical_and_repeated": {
			headers:  []string{"x-test: a", "X-Test:b"},
			expected: http.Header{"X-Test": []string{"a", "b"}},
		},
		"value_with_colon": {
			headers:  []string{"Authorization: Basic a:b"},
			expected: http.Header{"Authorization": []string{"Basic a:b"}},
		},
		"invalid": {
			headers:     []string{"no-colon"},
			expectedErr: errInvalidHeaderParameter,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseHeaderString(tt.headers)
			if tt.expectedErr != nil {
				require.ErrorIs(t, err, tt.expectedErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}
