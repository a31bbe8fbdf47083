package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oshokin/service-core/internal/config"
	"github.com/oshokin/service-core/internal/version"
)

const (
	// MaxRedirects is how many redirect hops a request may follow.
	MaxRedirects = 5

	// DefaultTimeout bounds JSON and file requests.
	DefaultTimeout = 60 * time.Second

	// DefaultTextTimeout bounds plain text requests such as health checks.
	DefaultTextTimeout = 5 * time.Second

	acceptHeader = "application/vnd.github.v3+json"
)

// Client performs GET requests with manual redirect handling.
type Client struct {
	// http is the underlying client; its own redirect policy is disabled.
	http *http.Client
	// timeout bounds each hop of a JSON or file request.
	timeout time.Duration
	// textTimeout bounds each hop of a text request.
	textTimeout time.Duration
	// userAgent is sent with every request.
	userAgent string
}

// Option configures client behaviour.
type Option func(*Client)

// WithTimeout sets the timeout of JSON and file requests.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithTextTimeout sets the timeout of text requests.
func WithTextTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.textTimeout = timeout
		}
	}
}

// WithTransport replaces the HTTP transport, e.g. for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.http.Transport = rt
		}
	}
}

// New creates a client.
func New(opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:     DefaultTimeout,
		textTimeout: DefaultTextTimeout,
		userAgent:   version.UserAgent(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetJSON fetches targetURL and decodes a 2xx body into out.
func (c *Client) GetJSON(ctx context.Context, targetURL string, out any) error {
	body, err := c.text(ctx, targetURL, c.timeout)
	if err != nil {
		return err
	}

	if err = json.Unmarshal([]byte(body), out); err != nil {
		return &MalformedBodyError{Body: body, Err: err}
	}

	return nil
}

// GetText fetches targetURL and returns a 2xx body as text.
func (c *Client) GetText(ctx context.Context, targetURL string) (string, error) {
	return c.text(ctx, targetURL, c.textTimeout)
}

// Download streams a 2xx body of targetURL into the file at path.
// The file is created or truncated only once a 2xx response arrives.
func (c *Client) Download(ctx context.Context, targetURL, path string) error {
	return c.fetch(ctx, targetURL, c.timeout, 0, func(body io.Reader) error {
		out, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, config.DefaultFilePermissions)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}

		if _, err = io.Copy(out, body); err != nil {
			_ = out.Close()

			return fmt.Errorf("%w: write %s: %w", ErrNetwork, path, err)
		}

		return out.Close()
	})
}

func (c *Client) text(ctx context.Context, targetURL string, timeout time.Duration) (string, error) {
	var buf strings.Builder

	err := c.fetch(ctx, targetURL, timeout, 0, func(body io.Reader) error {
		if _, err := io.Copy(&buf, body); err != nil {
			return fmt.Errorf("%w: read body: %w", ErrNetwork, err)
		}

		return nil
	})

	return buf.String(), err
}

// fetch performs one hop and recurses on redirects. consume receives
// the body of the final 2xx response.
func (c *Client) fetch(
	ctx context.Context,
	targetURL string,
	timeout time.Duration,
	redirects int,
	consume func(io.Reader) error,
) error {
	target, err := url.Parse(targetURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if target.Scheme != "http" && target.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, target.Scheme)
	}

	hopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hopCtx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= http.StatusMultipleChoices && resp.StatusCode < http.StatusBadRequest:
		location := resp.Header.Get("Location")
		if location == "" {
			return fmt.Errorf("%s, %s: %w", targetURL, resp.Status, ErrMissingRedirectTarget)
		}

		next, parseErr := target.Parse(location)
		if parseErr != nil {
			return fmt.Errorf("%w: location %q: %w", ErrInvalidURL, location, parseErr)
		}

		if redirects >= MaxRedirects {
			return &TooManyRedirectsError{Location: next.String()}
		}

		_, _ = io.Copy(io.Discard, resp.Body)

		return c.fetch(ctx, next.String(), timeout, redirects+1, consume)
	case resp.StatusCode >= http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)

		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	default:
		return consume(resp.Body)
	}
}
