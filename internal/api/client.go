package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrHttpRequest  = errors.New("http request failed")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrUnauthorized = errors.New("request unauthorized")
	ErrNotFound     = errors.New("resource not found")
	ErrServerError  = errors.New("server error")
	ErrHttpStatus   = errors.New("unexpected http status")
)

// Client is a thin HTTP client shared by the direct sources. Each request carries the
// caller's context, so chunk timeouts and cancellation apply to the transfer.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
	Timeout    time.Duration // applied to GetJSON only
}

// NewClient builds a Client on top of transport. timeout bounds requests that do not
// stream a body; streamed downloads rely on the caller's context instead.
func NewClient(transport http.RoundTripper, timeout time.Duration) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		HTTPClient: &http.Client{Transport: transport},
		UserAgent:  "media-downloader/1.0",
		Timeout:    timeout,
	}
}

// Do sends a request and maps non-2xx responses to the package errors. On error the
// response body is already closed.
func (c *Client) Do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request for %s: %v", ErrHttpRequest, url, err)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrHttpRequest, method, url, err)
	}
	if err := CheckStatus(resp); err != nil {
		resp.Body.Close()
		log.WithFields(log.Fields{"url": url, "status": resp.StatusCode}).Debug("Request rejected")
		return nil, err
	}
	return resp, nil
}

// GetJSON fetches url and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	resp, err := c.Do(ctx, http.MethodGet, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrHttpRequest, url, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("error unmarshalling response from %s: %w", url, err)
	}
	return nil
}

// CheckStatus converts an HTTP status into one of the package errors.
func CheckStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w (status code %d)", ErrServerError, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s", ErrHttpStatus, resp.Status)
	}
}
