package platform

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rflorenc/org-migrator/internal/metrics"
	"github.com/rflorenc/org-migrator/internal/models"
)

// DefaultPageLimit is the page size requested from list endpoints.
const DefaultPageLimit = 100

// RetryPolicy bounds the retries of transient failures.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Options tunes a Client.
type Options struct {
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
	Retry     RetryPolicy
	PageLimit int
	CACert    string
	Logger    *zap.Logger
	Clock     clock.Clock
}

// Client is a shared HTTP client for one cloud connection.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryPolicy
	pageLimit  int
	clock      clock.Clock
	logger     *zap.Logger
}

// NewClient creates a Client from a Connection.
func NewClient(conn *models.Connection, opts Options) *Client {
	transport := &http.Transport{}
	if conn.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else if opts.CACert != "" {
		caCertPool := x509.NewCertPool()
		if caCertPool.AppendCertsFromPEM([]byte(opts.CACert)) {
			transport.TLSClientConfig = &tls.Config{RootCAs: caCertPool}
		}
	}
	c := &Client{
		baseURL: strings.TrimSuffix(conn.BaseURL(), "/"),
		token:   conn.Token,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   2 * time.Minute,
		},
		retry:     opts.Retry,
		pageLimit: opts.PageLimit,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	c.applyDefaults()
	return c
}

func (c *Client) applyDefaults() {
	if c.retry.Attempts <= 0 {
		c.retry.Attempts = 3
	}
	if c.retry.Delay <= 0 {
		c.retry.Delay = time.Second
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 30 * time.Second
	}
	if c.pageLimit <= 0 {
		c.pageLimit = DefaultPageLimit
	}
	if c.clock == nil {
		c.clock = clock.WallClock
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// do performs a request, retrying transient failures. A POST is only
// resent when the server cannot have applied it.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body []byte, contentType string) ([]byte, http.Header, error) {
	retryable := IsTransient
	if method == http.MethodPost {
		retryable = IsResendable
	}
	var (
		respBody []byte
		header   http.Header
		lastErr  error
	)
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			respBody, header, lastErr = c.doOnce(ctx, method, path, params, body, contentType)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !retryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			c.logger.Debug("retrying request",
				zap.String("method", method), zap.String("path", path),
				zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts:    c.retry.Attempts,
		Delay:       c.retry.Delay,
		MaxDelay:    c.retry.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return respBody, header, ctx.Err()
		}
		if lastErr != nil {
			return respBody, header, lastErr
		}
		return respBody, header, err
	}
	return respBody, header, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, body []byte, contentType string) ([]byte, http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	u := path
	sameHost := true
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		sameHost = strings.HasPrefix(path, c.baseURL+"/")
	} else {
		u = c.baseURL + path
	}
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	if sameHost && c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
	if contentType == "" {
		contentType = "application/json"
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIRequests.WithLabelValues(method, "error").Inc()
		return nil, nil, &APIError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()
	metrics.APIRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &APIError{Method: method, Path: path, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return data, resp.Header, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(data), 200),
		}
	}
	return data, resp.Header, nil
}

// Get performs an authenticated GET request and returns the response body.
func (c *Client) Get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodGet, path, params, nil, "")
	return body, err
}

// GetJSON performs an authenticated GET and unmarshals the response into dest.
func (c *Client) GetJSON(ctx context.Context, path string, params url.Values, dest interface{}) error {
	body, err := c.Get(ctx, path, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("parsing response of %s: %w", path, err)
	}
	return nil
}

// GetAll fetches all pages of a list endpoint. Paging stops when the
// X-Page-Total header is absent or reached.
func (c *Client) GetAll(ctx context.Context, path string, params url.Values) ([]models.Record, error) {
	all := make([]models.Record, 0)
	for page := 1; ; page++ {
		p := url.Values{}
		for k, v := range params {
			p[k] = append([]string(nil), v...)
		}
		p.Set("limit", strconv.Itoa(c.pageLimit))
		p.Set("page", strconv.Itoa(page))

		body, header, err := c.do(ctx, http.MethodGet, path, p, nil, "")
		if err != nil {
			return nil, err
		}
		var items []models.Record
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("parsing response of %s: %w", path, err)
		}
		all = append(all, items...)

		total, err := strconv.Atoi(header.Get("X-Page-Total"))
		if err != nil || len(items) == 0 || len(all) >= total {
			return all, nil
		}
	}
}

// Post performs an authenticated POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	return c.sendJSON(ctx, http.MethodPost, path, payload)
}

// Put performs an authenticated PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	return c.sendJSON(ctx, http.MethodPut, path, payload)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	data := []byte("{}")
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling body: %w", err)
		}
	}
	body, _, err := c.do(ctx, method, path, nil, data, "application/json")
	return body, err
}

// Delete performs an authenticated DELETE request. A missing object is not
// an error.
func (c *Client) Delete(ctx context.Context, path string) error {
	_, _, err := c.do(ctx, http.MethodDelete, path, nil, nil, "")
	if err != nil && IsNotFound(err) {
		return nil // already gone
	}
	return err
}

// Upload posts a file as multipart/form-data under the given field name.
func (c *Client) Upload(ctx context.Context, path, field, filename string, data []byte, fields map[string]string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("writing form field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("writing form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}
	_, _, err = c.do(ctx, http.MethodPost, path, nil, buf.Bytes(), w.FormDataContentType())
	return err
}

// Download fetches an absolute or API-relative URL. The token is only sent
// to the API host.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodGet, rawURL, nil, nil, "")
	return body, err
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
