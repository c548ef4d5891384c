// Package apiclient is the HTTP client of the list and mutation endpoints.
//
// Client implements grid.Fetcher and annotate.Poster. Requests are
// throttled with a token bucket; transport failures are reported as
// *models.TransportError and server errors as *models.APIError.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maruel/reconsole/internal/filter"
	"github.com/maruel/reconsole/internal/models"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds each HTTP request.
	DefaultTimeout = 30 * time.Second
	// DefaultRate is the default number of requests per second.
	DefaultRate = 20
	// DefaultBurst is the default request burst.
	DefaultBurst = 10

	maxResponseBytes = 32 << 20
)

// Options configure a Client. Zero values select the defaults.
type Options struct {
	Timeout time.Duration
	// Rate is the sustained number of requests per second. Negative disables
	// throttling.
	Rate  float64
	Burst int
	// HTTPClient replaces the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to a reconsole API server.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
}

// New returns a client resolving endpoint URLs against baseURL.
func New(baseURL string, opts Options) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q must be http or https", baseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	limit := rate.Limit(opts.Rate)
	switch {
	case opts.Rate == 0:
		limit = DefaultRate
	case opts.Rate < 0:
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Client{base: base, httpClient: hc, limiter: rate.NewLimiter(limit, burst)}, nil
}

// resolve turns an endpoint reference, usually a path with a query string,
// into an absolute URL.
func (c *Client) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", ref, err)
	}
	return c.base.ResolveReference(u), nil
}

// Fetch implements grid.Fetcher: it posts the list request as JSON to the
// endpoint with the filter expression added to the query string.
func (c *Client) Fetch(ctx context.Context, req models.RequestDescriptor) (*models.ResponseEnvelope, error) {
	u, err := c.resolve(req.EndpointURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Del(filter.ParamJSONFilter)
	if req.Filter != "" {
		q.Set(filter.ParamFilter, req.Filter)
	} else {
		q.Del(filter.ParamFilter)
	}
	u.RawQuery = q.Encode()
	body, err := json.Marshal(&req.ListRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	var env models.ResponseEnvelope
	if err := c.do(ctx, http.MethodPost, u.String(), "application/json", body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// PostForm implements annotate.Poster.
func (c *Client) PostForm(ctx context.Context, endpointURL string, form url.Values) (*models.MessageResponse, error) {
	u, err := c.resolve(endpointURL)
	if err != nil {
		return nil, err
	}
	var resp models.MessageResponse
	if err := c.do(ctx, http.MethodPost, u.String(), "application/x-www-form-urlencoded", []byte(form.Encode()), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health queries the health endpoint.
func (c *Client) Health(ctx context.Context) (*models.HealthResponse, error) {
	u, err := c.resolve("/api/health")
	if err != nil {
		return nil, err
	}
	var resp models.HealthResponse
	if err := c.do(ctx, http.MethodGet, u.String(), "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FilterSchema returns the JSON schema of the filter rule-tree served by the
// API.
func (c *Client) FilterSchema(ctx context.Context) (json.RawMessage, error) {
	u, err := c.resolve("/api/schema/filter")
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, u.String(), "", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// do performs one throttled request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, u, contentType string, body []byte, out any) error {
	op := method
	if err := c.limiter.Wait(ctx); err != nil {
		return &models.TransportError{Op: op, URL: u, Err: err}
	}
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransportError{Op: op, URL: u, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &models.TransportError{Op: op, URL: u, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &models.TransportError{Op: op, URL: u, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return nil
}

// decodeError rebuilds the APIError encoded in an error response body.
func decodeError(status int, body []byte) error {
	var er models.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error.Code == "" {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return models.NewAPIError(status, models.ErrorCodeInternal, fmt.Sprintf("API error (status %d): %s", status, msg))
	}
	apiErr := models.NewAPIError(status, er.Error.Code, er.Error.Message)
	if len(er.Details) != 0 {
		apiErr = apiErr.WithDetails(er.Details)
	}
	return apiErr
}

// AsAPIError returns err as an *models.APIError when it is one.
func AsAPIError(err error) (*models.APIError, bool) {
	var apiErr *models.APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
