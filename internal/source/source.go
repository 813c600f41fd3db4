package source

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Kind names the storage backend a Source lives on
type Kind string

const (
	// KindHTTP is any server honouring HTTP Range requests
	KindHTTP Kind = "http"
	// KindS3 is Amazon S3 or an S3 compatible object store
	KindS3 Kind = "s3"
	// KindGCS is Google Cloud Storage
	KindGCS Kind = "gcs"
	// KindAzure is Azure Blob Storage
	KindAzure Kind = "azure"
	// KindFile is a file on the local filesystem
	KindFile Kind = "file"
)

const (
	defaultHeaderLength = 16384
	azureHeaderLength   = 4096
)

var (
	// ErrUnsupportedScheme is returned by Parse for URI schemes without a backend
	ErrUnsupportedScheme = errors.New("unsupported source scheme")

	// ErrInvalidSource is returned by Parse when the URI lacks a bucket, a key or a host
	ErrInvalidSource = errors.New("invalid source")
)

// Source identifies a remote object. It is a value type and must not be
// mutated after Parse returns it.
type Source struct {
	Kind Kind

	// Scheme is http or https for KindHTTP sources
	Scheme string
	// Host is the HTTP host, including the port if any
	Host string
	// Bucket is the bucket, container or, for files, the parent directory
	Bucket string
	// Key is the object key, blob name, HTTP path or file name
	Key string
	// Account is the Azure storage account
	Account string
	// RawQuery is kept for HTTP sources because pre-signed URLs carry their
	// signature there. It is not part of the identity.
	RawQuery string
}

// Parse normalizes a URI into a Source
func Parse(uri string) (Source, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	scheme := strings.ToLower(u.Scheme)

	switch scheme {
	case "http", "https":
		if u.Host == "" {
			return Source{}, fmt.Errorf("%w: missing host in %q", ErrInvalidSource, scheme+"://")
		}

		return Source{
			Kind:     KindHTTP,
			Scheme:   scheme,
			Host:     u.Host,
			Key:      u.EscapedPath(),
			RawQuery: u.RawQuery,
		}, nil

	case "s3":
		return bucketSource(KindS3, u)

	case "gs", "gcs":
		return bucketSource(KindGCS, u)

	case "az", "azure", "azblob":
		s, err := bucketSource(KindAzure, u)
		if err != nil {
			return Source{}, err
		}

		s.Account = u.Query().Get("account")
		return s, nil

	case "file":
		p := path.Clean(u.Path)
		if u.Path == "" || p == "/" {
			return Source{}, fmt.Errorf("%w: missing file path", ErrInvalidSource)
		}

		return Source{
			Kind:   KindFile,
			Bucket: path.Dir(p),
			Key:    path.Base(p),
		}, nil

	default:
		return Source{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func bucketSource(kind Kind, u *url.URL) (Source, error) {
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return Source{}, fmt.Errorf("%w: %s sources need a bucket and a key", ErrInvalidSource, kind)
	}

	return Source{
		Kind:   kind,
		Bucket: u.Host,
		Key:    key,
	}, nil
}

// String returns the canonical identity of the Source. It never contains
// credentials or query signatures and is stable across pre-signed URL
// rotations, so it is used as the cache namespace.
func (s Source) String() string {
	switch s.Kind {
	case KindHTTP:
		return s.Scheme + "://" + s.Host + s.Key
	case KindS3:
		return "s3://" + s.Bucket + "/" + s.Key
	case KindGCS:
		return "gs://" + s.Bucket + "/" + s.Key
	case KindAzure:
		id := "az://" + s.Bucket + "/" + s.Key
		if s.Account != "" {
			id += "?account=" + url.QueryEscape(s.Account)
		}
		return id
	case KindFile:
		return "file://" + s.Path()
	default:
		return ""
	}
}

// Path returns the local path of a file Source
func (s Source) Path() string {
	return path.Join(s.Bucket, s.Key)
}

// URL returns the URL to request for an HTTP Source, query string included
func (s Source) URL() string {
	if s.RawQuery == "" {
		return s.String()
	}

	return s.String() + "?" + s.RawQuery
}

// WithAccount returns a copy of s bound to an Azure storage account
func (s Source) WithAccount(account string) Source {
	s.Account = account
	return s
}

// ResolveURL translates the Source into the concrete endpoint serving it
func (s Source) ResolveURL() (string, error) {
	switch s.Kind {
	case KindHTTP:
		return s.URL(), nil
	case KindS3:
		return "https://" + s.Bucket + ".s3.amazonaws.com/" + s.Key, nil
	case KindGCS:
		return "https://storage.googleapis.com/" + s.Bucket + "/" + s.Key, nil
	case KindAzure:
		if s.Account == "" {
			return "", fmt.Errorf("%w: azure source %q has no storage account", ErrInvalidSource, s.String())
		}
		return "https://" + s.Account + ".blob.core.windows.net/" + s.Bucket + "/" + s.Key, nil
	case KindFile:
		return s.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, s.Kind)
	}
}

// DefaultHeaderLength is the number of leading bytes eagerly fetched
// when no header length is configured
func (s Source) DefaultHeaderLength() int64 {
	if s.Kind == KindAzure {
		return azureHeaderLength
	}

	return defaultHeaderLength
}
