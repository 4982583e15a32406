// Package remote provides a client for the remote bus-stop survey service:
// record upload, nearby route lookup and the read-only listing of stops
// already registered.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/resilience"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// Gateway uploads survey records.
type Gateway interface {
	// Upsert creates or updates the record identified by p.LocalID and
	// returns the remote id. Sending the same LocalID twice yields the same
	// remote record.
	Upsert(ctx context.Context, p Payload) (string, error)
}

// Client is the full remote survey service API.
type Client interface {
	Gateway
	// NearbyRoutes returns the transit routes passing near center.
	NearbyRoutes(ctx context.Context, center geo.Coordinate) ([]geo.Route, error)
	// ListPoints returns stops already registered remotely.
	ListPoints(ctx context.Context, filter PointFilter) ([]RemotePoint, error)
}

// RemoteError is a non-2xx response from the remote service.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("remote: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, body)
}

// ErrMalformedResponse is returned when a 2xx response cannot be decoded.
var ErrMalformedResponse = eris.New("remote: malformed response")

// Option configures the remote client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *httpClient) {
		c.token = token
	}
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do sends one request and returns the body of a 2xx response. Failures are
// classified: 408, 429, 5xx and network errors come back wrapped in
// resilience.TransientError; other statuses are a plain *RemoteError.
func (c *httpClient) do(ctx context.Context, method, path string, in any, header http.Header) ([]byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, eris.Wrap(err, "remote: marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, eris.Wrap(err, "remote: create request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrapf(ctx.Err(), "remote: %s %s", method, path)
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "remote: %s %s", method, path), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "remote: read response body"), resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &RemoteError{StatusCode: resp.StatusCode, Body: string(data)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(rerr, resp.StatusCode)
		}
		return nil, rerr
	}
	return data, nil
}
