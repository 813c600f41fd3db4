package httptransport

import "net/http"

type headerRoundTripper struct {
	next    http.RoundTripper
	headers http.Header
}

// NewHeaderRoundTripper adds headers to every request that does not set
// them already, e.g. an Authorization header for private servers
func NewHeaderRoundTripper(next http.RoundTripper, headers http.Header) http.RoundTripper {
	if len(headers) == 0 {
		return next
	}

	return &headerRoundTripper{next: next, headers: headers}
}

func (hrt *headerRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the request
	r = r.Clone(r.Context())

	for key, values := range hrt.headers {
		if r.Header.Get(key) != "" {
			continue
		}

		for _, value := range values {
			r.Header.Add(key, value)
		}
	}

	return hrt.next.RoundTrip(r)
}
