package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

const (
	// maxJSONResponseBytes caps API response bodies (32 MB; the WoWI file
	// list is the largest).
	maxJSONResponseBytes = 32 << 20

	defaultUserAgent = "addonpkg (https://github.com/addonpkg/addonpkg)"
)

// Client is the HTTP plumbing shared by the hosted adapters.
type Client struct {
	source      addon.Source
	httpClient  *http.Client
	baseURL     string
	token       string
	tokenHeader string
	userAgent   string
	cache       *ResponseCache
	now         func() time.Time
}

// Option configures an adapter's HTTP client during construction.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client, useful for tests or proxies.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithBaseURL overrides the API base URL, primarily for test servers.
func WithBaseURL(base string) Option {
	return func(cl *Client) {
		if base != "" {
			cl.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithToken sets the credential sent with every API request.
func WithToken(token string) Option {
	return func(cl *Client) {
		cl.token = token
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// WithCache enables response caching for GET requests.
func WithCache(c *ResponseCache) Option {
	return func(cl *Client) {
		cl.cache = c
	}
}

func newClient(src addon.Source, baseURL, tokenHeader string, opts ...Option) *Client {
	c := &Client{
		source:      src,
		httpClient:  http.DefaultClient,
		baseURL:     baseURL,
		tokenHeader: tokenHeader,
		userAgent:   defaultUserAgent,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// getJSON fetches path (relative to the base URL, or absolute) and decodes
// the body into out. Cached bodies are served without a request.
func (c *Client) getJSON(ctx context.Context, path string, out any) (http.Header, error) {
	reqURL := c.url(path)
	if body, ok := c.cache.Get(reqURL); ok {
		return nil, decode(body, out)
	}

	resp, err := c.do(ctx, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJSONResponseBytes))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	if err := decode(body, out); err != nil {
		return nil, err
	}
	if err := c.cache.Put(reqURL, body); err != nil {
		return nil, fmt.Errorf("caching response: %w", err)
	}
	return resp.Header, nil
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", addon.ErrSourceError, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, reqURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" && c.tokenHeader != "" {
		value := c.token
		if c.tokenHeader == "Authorization" {
			value = "Bearer " + c.token
		}
		req.Header.Set(c.tokenHeader, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	return resp, nil
}

// transportError keeps cancellation distinguishable from network failure:
// a cancelled context is not a source problem and must not be retried.
func (c *Client) transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: request timed out", addon.ErrSourceError, c.source)
	}
	return fmt.Errorf("%w: %s: %v", addon.ErrSourceError, c.source, err)
}

// checkStatus maps an HTTP response onto the adapter error kinds.
func (c *Client) checkStatus(resp *http.Response) error {
	if rl := c.checkRateLimit(resp); rl != nil {
		return rl
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return addon.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned status %d", addon.ErrSourceError, c.source, resp.StatusCode)
	default:
		return fmt.Errorf("%s: unexpected status %d", c.source, resp.StatusCode)
	}
}

// checkRateLimit returns a RateLimitError for 429 responses and for 403
// responses with an exhausted X-RateLimit-Remaining quota.
func (c *Client) checkRateLimit(resp *http.Response) error {
	limited := resp.StatusCode == http.StatusTooManyRequests
	if resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0" {
		limited = true
	}
	if !limited {
		return nil
	}
	return &addon.RateLimitError{Source: c.source, RetryAfter: c.retryAfter(resp.Header)}
}

func (c *Client) retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			return max(at.Sub(c.now()), 0)
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return max(time.Unix(unix, 0).Sub(c.now()), 0)
		}
	}
	return 0
}

// parseLinkHeader extracts the URL for the "next" page from a Link header.
// Returns an empty string if no next page exists.
func parseLinkHeader(header string) string {
	for part := range strings.SplitSeq(header, ",") {
		part = strings.TrimSpace(part)
		if !strings.Contains(part, `rel="next"`) {
			continue
		}
		start := strings.Index(part, "<")
		end := strings.Index(part, ">")
		if start >= 0 && end > start {
			return part[start+1 : end]
		}
	}
	return ""
}
