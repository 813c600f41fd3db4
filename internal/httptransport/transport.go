package httptransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTTFBTimeout is the timeout used in the meteredRoundTripper
	// when calling http.Transport.RoundTrip. The request will be cancelled
	// if the response takes longer than this.
	DefaultTTFBTimeout = 15 * time.Second

	// certFileEnv identifies an extra PEM bundle to trust
	certFileEnv = "SSL_CERT_FILE"
	// certDirEnv is a colon separated list of directories holding extra certificates
	certDirEnv = "SSL_CERT_DIR"
)

var (
	sysPoolOnce = &sync.Once{}
	sysPool     *x509.CertPool

	// DefaultTransport can be used with http.Client with TLS and certificates
	DefaultTransport = NewTransport()
)

// NewTransport with default settings. Range requests against object storage
// open many short lived responses to the same host, so the idle pool per
// host is raised well above net/http's default of 2.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &tls.Dialer{Config: &tls.Config{RootCAs: pool()}}
			return dialer.DialContext(ctx, network, addr)
		},
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 15 * time.Second,
	}
}

func pool() *x509.CertPool {
	sysPoolOnce.Do(loadPool)
	return sysPool
}

func loadPool() {
	var err error

	sysPool, err = x509.SystemCertPool()
	if err != nil {
		log.WithError(err).Error("failed to load system cert pool for http client")
		sysPool = x509.NewCertPool()
	}

	if err := loadCertFile(); err != nil {
		log.WithError(err).Error("failed to read SSL_CERT_FILE")
	}

	if err := loadCertDir(); err != nil {
		log.WithError(err).Error("failed to load SSL_CERT_DIR")
	}
}

func loadCertFile() error {
	sslCertFile := os.Getenv(certFileEnv)
	if sslCertFile == "" {
		return nil
	}

	data, err := os.ReadFile(sslCertFile)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	sysPool.AppendCertsFromPEM(data)

	return nil
}

func loadCertDir() error {
	d := os.Getenv(certDirEnv)
	if d == "" {
		return nil
	}

	var firstErr error

	for _, directory := range strings.Split(d, ":") {
		entries, err := os.ReadDir(directory)
		if err != nil {
			if firstErr == nil && !os.IsNotExist(err) {
				firstErr = err
			}
			continue
		}

		for _, de := range entries {
			if de.IsDir() {
				continue
			}

			data, err := os.ReadFile(filepath.Join(directory, de.Name()))
			if err != nil {
				log.WithError(err).Warnf("failed to open cert, skipping: %q", de.Name())
				continue
			}

			if !sysPool.AppendCertsFromPEM(data) {
				log.Warnf("failed to append to sysPool, skipping: %q", de.Name())
			}
		}
	}

	return firstErr
}
