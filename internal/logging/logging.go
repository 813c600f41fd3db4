package logging

import (
	"net/url"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/log"
)

// ConfigureLogging will initialize the system logger.
func ConfigureLogging(format string, verbose bool) error {
	var levelOption log.LoggerOption

	if format == "" {
		format = "json"
	}

	if verbose {
		levelOption = log.WithLogLevel("trace")
	} else {
		levelOption = log.WithLogLevel("info")
	}

	_, err := log.Initialize(
		log.WithFormatter(format),
		levelOption,
	)
	return err
}

// CleanURL removes the userinfo, query and fragment parts of a URL.
// Pre-signed object storage URLs carry their signature in the query string
// so this must be applied to every URL before it is logged.
func CleanURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}

// WithSource returns a log entry annotated with the source identity and
// the name of the backend serving it
func WithSource(source, backend string) *logrus.Entry {
	return log.WithFields(log.Fields{
		"source":  source,
		"backend": backend,
	})
}
