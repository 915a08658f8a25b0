package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/transparenciahub/procurement-cli/internal/resilience"
)

// newHTTPClient returns the shared transport configuration for adapters.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// getJSON performs a GET and decodes the JSON body into out. Retryable
// HTTP statuses surface as TransientError; other failure modes surface
// as HTTPStatusError or DecodeError so callers can tell "upstream said
// no" apart from "response was garbage" and from transport failures.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return eris.Wrap(err, "adapter: build request")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(client, req, out)
}

// postJSON performs a POST with a JSON body and decodes the response.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "adapter: marshal request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "adapter: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doJSON(client, req, out)
}

func doJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		// Transport errors: IsTransient picks out timeouts and resets.
		return eris.Wrapf(err, "adapter: %s %s", req.Method, req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		statusErr := &resilience.HTTPStatusError{StatusCode: resp.StatusCode, URL: req.URL.String()}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return statusErr
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrapf(err, "adapter: read body from %s", req.URL)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &resilience.DecodeError{Err: err, URL: req.URL.String()}
	}
	return nil
}
