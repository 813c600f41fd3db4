package config

import (
	"net/http"
	"time"

	"github.com/namsral/flag"
	log "github.com/sirupsen/logrus"

	"gitlab.com/gitlab-org/cogrange/internal/backend"
	"gitlab.com/gitlab-org/cogrange/internal/cache"
	"gitlab.com/gitlab-org/cogrange/internal/coalesce"
	"gitlab.com/gitlab-org/cogrange/internal/source"
)

// Config stores all the config options relevant to cogrange.
type Config struct {
	General  General
	Log      Log
	Sentry   Sentry
	Reader   Reader
	Coalesce Coalesce
	Cache    Cache
	Backends Backends
}

// General groups settings that can not be categorized under other head.
type General struct {
	MetricsAddress string

	// Args are the positional arguments left after the flags
	Args []string
}

// Log groups settings related to configuring logging
type Log struct {
	Format  string
	Verbose bool
}

// Sentry groups settings related to configuring Sentry
type Sentry struct {
	DSN         string
	Environment string
}

// Reader groups settings of the Range Reader
type Reader struct {
	// HeaderLength of 0 selects the default of the source kind
	HeaderLength int64
	Parallelism  int
}

// Coalesce groups the range merging settings. Zero values select the
// defaults of the source kind.
type Coalesce struct {
	WasteThreshold int64
	MaxFetchSize   int64
}

// Cache groups settings of the process wide byte cache
type Cache struct {
	MaxBytes     int64
	TTL          time.Duration
	FetchTimeout time.Duration
}

// Backends groups settings shared by every storage adapter plus the
// adapter specific ones
type Backends struct {
	Timeout        time.Duration
	Retry          backend.RetryPolicy
	RateLimit      float64
	RateLimitBurst int

	HTTP  HTTP
	S3    S3
	GCS   GCS
	Azure Azure
}

// HTTP groups settings of the http(s) backend
type HTTP struct {
	Headers http.Header
}

// S3 groups settings of the S3 backend
type S3 struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// GCS groups settings of the Google Cloud Storage backend
type GCS struct {
	CredentialsFile string
}

// Azure groups settings of the Azure Blob Storage backend
type Azure struct {
	Account string
}

// HeaderLengthFor returns the header length to use for src
func (r Reader) HeaderLengthFor(src source.Source) int64 {
	if r.HeaderLength > 0 {
		return r.HeaderLength
	}

	return src.DefaultHeaderLength()
}

// For returns the coalescing settings for a source kind, falling back to
// its defaults for unset values
func (c Coalesce) For(kind source.Kind) coalesce.Config {
	cfg := coalesce.DefaultFor(kind)

	if c.WasteThreshold > 0 {
		cfg.WasteThreshold = c.WasteThreshold
	}

	if c.MaxFetchSize > 0 {
		cfg.MaxFetchSize = c.MaxFetchSize
	}

	return cfg
}

// CacheConfig converts the settings for cache.New
func (c Cache) CacheConfig() cache.Config {
	return cache.Config{
		MaxBytes:     c.MaxBytes,
		TTL:          c.TTL,
		FetchTimeout: c.FetchTimeout,
	}
}

// Default returns the configuration used when no flag is set
func Default() *Config {
	return &Config{
		Log:    Log{Format: "text"},
		Reader: Reader{Parallelism: 8},
		Cache: Cache{
			MaxBytes:     cache.DefaultConfig.MaxBytes,
			FetchTimeout: cache.DefaultConfig.FetchTimeout,
		},
		Backends: Backends{
			Timeout:        30 * time.Second,
			Retry:          backend.DefaultRetryPolicy,
			RateLimitBurst: 10,
			S3:             S3{Region: "us-east-1"},
		},
	}
}

func loadConfig() (*Config, error) {
	config := &Config{
		General: General{
			MetricsAddress: *metricsAddress,
			Args:           fs.Args(),
		},
		Log: Log{
			Format:  *logFormat,
			Verbose: *logVerbose,
		},
		Sentry: Sentry{
			DSN:         *sentryDSN,
			Environment: *sentryEnvironment,
		},
		Reader: Reader{
			HeaderLength: *headerLength,
			Parallelism:  *parallelism,
		},
		Coalesce: Coalesce{
			WasteThreshold: *wasteThreshold,
			MaxFetchSize:   *maxFetchSize,
		},
		Cache: Cache{
			MaxBytes:     *cacheMaxBytes,
			TTL:          *cacheTTL,
			FetchTimeout: *cacheFetchTimeout,
		},
		Backends: Backends{
			Timeout: *fetchTimeout,
			Retry: backend.RetryPolicy{
				MaxRetries:      *fetchRetries,
				InitialInterval: *fetchInitialBackoff,
				MaxInterval:     *fetchMaxBackoff,
				MaxElapsedTime:  *cacheFetchTimeout,
			},
			RateLimit:      *rateLimit,
			RateLimitBurst: *rateLimitBurst,
			S3: S3{
				Region:          *s3Region,
				Endpoint:        *s3Endpoint,
				UsePathStyle:    *s3PathStyle,
				AccessKeyID:     *s3AccessKeyID,
				SecretAccessKey: *s3SecretAccessKey,
			},
			GCS: GCS{
				CredentialsFile: *gcsCredentialsFile,
			},
			Azure: Azure{
				Account: *azureAccount,
			},
		},
	}

	headers, err := ParseHeaderString(httpHeader.Split())
	if err != nil {
		return nil, err
	}

	config.Backends.HTTP.Headers = headers

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// LogConfig logs the effective configuration, secrets excluded
func LogConfig(config *Config) {
	log.WithFields(log.Fields{
		"default-config-filename": flag.DefaultConfigFlagname,
		"header-length":           config.Reader.HeaderLength,
		"parallelism":             config.Reader.Parallelism,
		"waste-threshold":         config.Coalesce.WasteThreshold,
		"max-fetch-size":          config.Coalesce.MaxFetchSize,
		"cache-max-bytes":         config.Cache.MaxBytes,
		"cache-ttl":               config.Cache.TTL,
		"cache-fetch-timeout":     config.Cache.FetchTimeout,
		"fetch-timeout":           config.Backends.Timeout,
		"fetch-retries":           config.Backends.Retry.MaxRetries,
		"fetch-initial-backoff":   config.Backends.Retry.InitialInterval,
		"fetch-max-backoff":       config.Backends.Retry.MaxInterval,
		"rate-limit":              config.Backends.RateLimit,
		"rate-limit-burst":        config.Backends.RateLimitBurst,
		"http-headers":            len(config.Backends.HTTP.Headers),
		"s3-region":               config.Backends.S3.Region,
		"s3-endpoint":             config.Backends.S3.Endpoint,
		"s3-path-style":           config.Backends.S3.UsePathStyle,
		"s3-static-credentials":   config.Backends.S3.AccessKeyID != "",
		"gcs-credentials-file":    config.Backends.GCS.CredentialsFile,
		"azure-account":           config.Backends.Azure.Account,
		"log-format":              config.Log.Format,
		"metrics-address":         config.General.MetricsAddress,
	}).Debug("Start cogrange with configuration")
}

// LoadConfig parses configuration settings passed as command line arguments,
// COGRANGE_* environment variables or via config file, and populates a
// Config object with those values
func LoadConfig(args []string) (*Config, error) {
	if err := initFlags(args); err != nil {
		return nil, err
	}

	return loadConfig()
}
