package config

import (
	"time"

	"github.com/namsral/flag"
)

// EnvPrefix prefixes the environment variable of every flag, e.g.
// COGRANGE_HEADER_LENGTH for -header-length
const EnvPrefix = "COGRANGE"

var (
	fs = flag.NewFlagSetWithEnvPrefix("cogrange", EnvPrefix, flag.ContinueOnError)

	// Range reading
	headerLength   = fs.Int64("header-length", 0, "Number of leading bytes fetched eagerly, 0 selects the backend default (azure 4096, others 16384)")
	wasteThreshold = fs.Int64("waste-threshold", 0, "Largest gap in bytes between two ranges that are merged into one fetch, 0 selects the backend default")
	maxFetchSize   = fs.Int64("max-fetch-size", 0, "Largest single physical fetch in bytes, 0 selects the backend default")
	parallelism    = fs.Int("parallelism", 8, "Maximum number of concurrent physical fetches per read, 0 means no limit")

	// Cache
	cacheMaxBytes     = fs.Int64("cache-max-bytes", 512<<20, "Total size of cached bytes before the least recently used are evicted")
	cacheTTL          = fs.Duration("cache-ttl", 0, "Expire cached bytes after this duration, 0 keeps them until evicted")
	cacheFetchTimeout = fs.Duration("cache-fetch-timeout", time.Minute, "Upper bound of a shared fetch, retries included")

	// Backends
	fetchTimeout        = fs.Duration("fetch-timeout", 30*time.Second, "Timeout of a single physical fetch attempt")
	fetchRetries        = fs.Uint64("fetch-retries", 3, "Retries of a transient fetch failure")
	fetchInitialBackoff = fs.Duration("fetch-initial-backoff", 100*time.Millisecond, "Wait before the first retry, doubled on every attempt")
	fetchMaxBackoff     = fs.Duration("fetch-max-backoff", 2*time.Second, "Longest wait between two retries")
	rateLimit           = fs.Float64("rate-limit", 0, "Physical fetches per second per source, 0 means no limit")
	rateLimitBurst      = fs.Int("rate-limit-burst", 10, "Fetches allowed above -rate-limit in a burst")

	s3Region          = fs.String("s3-region", "us-east-1", "AWS region of s3:// sources")
	s3Endpoint        = fs.String("s3-endpoint", "", "Custom endpoint for S3 compatible object stores, e.g. http://localhost:9000")
	s3PathStyle       = fs.Bool("s3-path-style", false, "Use path-style addressing for S3")
	s3AccessKeyID     = fs.String("s3-access-key-id", "", "Static S3 access key, the default credential chain is used when empty")
	s3SecretAccessKey = fs.String("s3-secret-access-key", "", "Static S3 secret key")

	gcsCredentialsFile = fs.String("gcs-credentials-file", "", "Service account key for gs:// sources, anonymous access when empty")
	azureAccount       = fs.String("azure-account", "", "Storage account of az:// sources without ?account=")

	// Ambient
	metricsAddress    = fs.String("metrics-address", "", "The address to listen on for metrics requests")
	logFormat         = fs.String("log-format", "text", "The log output format: 'text' or 'json'")
	logVerbose        = fs.Bool("log-verbose", false, "Verbose logging")
	sentryDSN         = fs.String("sentry-dsn", "", "The address for sending sentry crash reporting to")
	sentryEnvironment = fs.String("sentry-environment", "", "The environment for sentry crash reporting")

	// read from -config=/path/to/cogrange-config
	_ = fs.String(flag.DefaultConfigFlagname, "", "path to config file")

	// See init()
	httpHeader = MultiStringFlag{separator: ";;"}
)

func init() {
	fs.Var(&httpHeader, "http-header", "Additional header(s) sent with every http(s) range request, e.g. 'Authorization: Bearer x', separated by ';;'")
}

// initFlags will be called from LoadConfig
func initFlags(args []string) error {
	return fs.Parse(args)
}

// PrintDefaults prints the usage of every flag
func PrintDefaults() {
	fs.PrintDefaults()
}
