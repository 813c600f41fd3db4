package config

import (
	"errors"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrNegativeHeaderLength = errors.New("header-length must not be negative")
	ErrNegativeCoalesce     = errors.New("waste-threshold and max-fetch-size must not be negative")
	ErrNegativeParallelism  = errors.New("parallelism must not be negative")
	ErrCacheMaxBytes        = errors.New("cache-max-bytes must be greater than 0")
	ErrNegativeTimeout      = errors.New("timeouts must not be negative")
	ErrBackoffInterval      = errors.New("fetch-initial-backoff must not exceed fetch-max-backoff")
	ErrRateLimit            = errors.New("rate-limit must not be negative and rate-limit-burst must be at least 1")
	ErrS3PartialCredentials = errors.New("s3-access-key-id and s3-secret-access-key must be set together")
	ErrUnsupportedLogFormat = errors.New("log-format must be either 'text' or 'json'")
)

func validateConfig(config *Config) error {
	var result *multierror.Error

	for _, err := range []error{
		validateReaderConfig(config),
		validateCacheConfig(config),
		validateBackendsConfig(config),
		validateLogConfig(config),
	} {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func validateReaderConfig(config *Config) error {
	var result *multierror.Error

	if config.Reader.HeaderLength < 0 {
		result = multierror.Append(result, ErrNegativeHeaderLength)
	}
	if config.Reader.Parallelism < 0 {
		result = multierror.Append(result, ErrNegativeParallelism)
	}
	if config.Coalesce.WasteThreshold < 0 || config.Coalesce.MaxFetchSize < 0 {
		result = multierror.Append(result, ErrNegativeCoalesce)
	}

	return result.ErrorOrNil()
}

func validateCacheConfig(config *Config) error {
	var result *multierror.Error

	if config.Cache.MaxBytes <= 0 {
		result = multierror.Append(result, ErrCacheMaxBytes)
	}
	if config.Cache.TTL < 0 || config.Cache.FetchTimeout < 0 {
		result = multierror.Append(result, ErrNegativeTimeout)
	}

	return result.ErrorOrNil()
}

func validateBackendsConfig(config *Config) error {
	var result *multierror.Error

	backends := config.Backends

	if backends.Timeout < 0 {
		result = multierror.Append(result, ErrNegativeTimeout)
	}
	if backends.Retry.InitialInterval > backends.Retry.MaxInterval {
		result = multierror.Append(result, ErrBackoffInterval)
	}
	if backends.RateLimit < 0 || (backends.RateLimit > 0 && backends.RateLimitBurst < 1) {
		result = multierror.Append(result, ErrRateLimit)
	}
	if (backends.S3.AccessKeyID == "") != (backends.S3.SecretAccessKey == "") {
		result = multierror.Append(result, ErrS3PartialCredentials)
	}

	return result.ErrorOrNil()
}

func validateLogConfig(config *Config) error {
	switch config.Log.Format {
	case "", "text", "json":
		return nil
	default:
		return ErrUnsupportedLogFormat
	}
}
