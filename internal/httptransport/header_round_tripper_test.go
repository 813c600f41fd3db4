package httptransport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripper(t *testing.T) {
	received := make(chan http.Header, 2)

	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Clone()
	}))
	defer testServer.Close()

	client := &http.Client{
		Transport: NewHeaderRoundTripper(http.DefaultTransport, http.Header{
			"Authorization": []string{"Bearer token"},
			"X-Trace":       []string{"a", "b"},
		}),
	}

	req, err := http.NewRequest(http.MethodGet, testServer.URL, nil)
	require.NoError(t, err)

	res, err := client.Do(req)
	require.NoError(t, err)
	res.Body.Close()

	got := <-received
	require.Equal(t, "Bearer token", got.Get("Authorization"))
	require.Equal(t, []string{"a", "b"}, got.Values("X-Trace"))
	require.Empty(t, req.Header, "the caller's request is left untouched")

	req.Header.Set("Authorization", "Bearer own")

	res, err = client.Do(req)
	require.NoError(t, err)
	res.Body.Close()

	got = <-received
	require.Equal(t, "Bearer own", got.Get("Authorization"))
}

func TestHeaderRoundTripperWithoutHeaders(t *testing.T) {
	require.Same(t, http.DefaultTransport, NewHeaderRoundTripper(http.DefaultTransport, nil))
}
